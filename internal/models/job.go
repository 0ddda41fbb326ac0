package models

import "time"

// TranscriptionJob is consumed by the transcriber worker. Ephemeral —
// created on recorder finalize, dropped once the backend returns.
type TranscriptionJob struct {
	ID         string // "<stationPI>-<eventID>" from the recorder; a google/uuid when enqueued without one
	EventID    uint64
	WavPath    string
	EnqueuedAt time.Time
	Attempt    int
}
