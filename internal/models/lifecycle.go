package models

import "time"

// LifecyclePayload is the event-lifecycle notification the rules engine
// hands to the alert publisher — one per start/update/end/received
// transition, independent of whether that transition gets an MQTT alert
// immediately or after a transcription hold.
type LifecyclePayload struct {
	EventID      uint64
	Type         EventType
	State        string // "start" | "update" | "end" | "received"
	StationPI    string
	StationPS    string
	FrequencyHz  uint64
	ProgType     string
	StartedAt    time.Time
	EndedAt      *time.Time
	DurationSec  *float64
	Radiotext    []string
	AudioAvailable bool
	TranscriptionStatus TranscriptionStatus
	LinkedStationPI string
	LinkedStationPS string
	LinkedKiloHertz int
	TAActive        *bool
	Timestamp       time.Time
}

// Gated reports whether this transition's alert must wait for transcription
// before publishing — only true for the terminal "end" of a recordable
// event type (traffic/emergency); eon_traffic and all non-end states
// publish immediately.
func (p *LifecyclePayload) Gated() bool {
	return p.State == "end" && (p.Type == EventTraffic || p.Type == EventEmergency)
}
