package models

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventTraffic    EventType = "traffic"
	EventEmergency  EventType = "emergency"
	EventEONTraffic EventType = "eon_traffic"
)

type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityCritical EventSeverity = "critical"
)

type EventState string

const (
	StateStart               EventState = "start"
	StateEnd                 EventState = "end"
	StateTranscribed         EventState = "transcribed"
	StateTranscriptionFailed EventState = "transcription_failed"
)

type TranscriptionStatus string

const (
	TranscriptionNone         TranscriptionStatus = "none"
	TranscriptionRecording    TranscriptionStatus = "recording"
	TranscriptionSaving       TranscriptionStatus = "saving"
	TranscriptionTranscribing TranscriptionStatus = "transcribing"
	TranscriptionDone         TranscriptionStatus = "done"
	TranscriptionError        TranscriptionStatus = "error"
	TranscriptionTimeout      TranscriptionStatus = "timeout"
)

// maxRadiotextSnapshots is the cap on distinct RT strings kept per event —
// spec §3: "ordered sequence of ≤8 distinct RT snapshots".
const maxRadiotextSnapshots = 8

// Event is the persistent record of a qualifying broadcast episode. Stored
// with gorm, one row per lifecycle instance — mirrors the teacher's
// explicit-fields model style (no embedded gorm.Model) with an index on
// the columns the API filters by.
type Event struct {
	ID                       uint64        `gorm:"primaryKey;autoIncrement" json:"id"`
	Type                     EventType     `gorm:"index;not null" json:"type"`
	Severity                 EventSeverity `gorm:"not null" json:"severity"`
	StationPI                string        `gorm:"index;not null" json:"station_pi"`
	StationPS                string        `json:"station_ps"`
	FrequencyHz              uint64        `json:"frequency_hz"`
	State                    EventState    `gorm:"index;not null" json:"state"`
	StartedAt                time.Time     `gorm:"index;not null" json:"started_at"`
	EndedAt                  *time.Time    `json:"ended_at"`
	RadiotextJSON            string        `gorm:"column:radiotext_json" json:"-"`
	DataJSON                 string        `gorm:"column:data_json" json:"-"`
	AudioPath                *string       `json:"audio_path"`
	Transcription            *string       `json:"transcription"`
	TranscriptionStatus      TranscriptionStatus `gorm:"not null;default:none" json:"transcription_status"`
	TranscriptionDurationSec *float64      `json:"transcription_duration_sec"`
}

func (Event) TableName() string { return "events" }

// MarshalJSON augments the stored row with the decoded radiotext sequence,
// the event-type-specific data map, and the derived duration — what the
// REST facade serves.
func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event // shed this method to avoid recursion
	return json.Marshal(struct {
		alias
		Radiotext   []string          `json:"radiotext"`
		Data        map[string]string `json:"data,omitempty"`
		DurationSec *float64          `json:"duration_sec"`
	}{
		alias:       alias(e),
		Radiotext:   e.Radiotext(),
		Data:        e.Data(),
		DurationSec: e.DurationSec(),
	})
}

// DurationSec returns the derived duration, or nil while the event is active.
func (e *Event) DurationSec() *float64 {
	if e.EndedAt == nil {
		return nil
	}
	d := e.EndedAt.Sub(e.StartedAt).Seconds()
	return &d
}

// Radiotext decodes the stored RT snapshot sequence.
func (e *Event) Radiotext() []string {
	if e.RadiotextJSON == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(e.RadiotextJSON), &out)
	return out
}

// AppendRadiotext appends rt to the snapshot sequence if it isn't already
// present and the sequence hasn't hit its cap, then re-encodes it.
func (e *Event) AppendRadiotext(rt string) {
	if rt == "" {
		return
	}
	cur := e.Radiotext()
	for _, existing := range cur {
		if existing == rt {
			return
		}
	}
	if len(cur) >= maxRadiotextSnapshots {
		return
	}
	cur = append(cur, rt)
	b, _ := json.Marshal(cur)
	e.RadiotextJSON = string(b)
}

// Data decodes the event-type-specific key/value map.
func (e *Event) Data() map[string]string {
	if e.DataJSON == "" {
		return nil
	}
	var out map[string]string
	_ = json.Unmarshal([]byte(e.DataJSON), &out)
	return out
}

// SetData encodes the event-type-specific key/value map.
func (e *Event) SetData(data map[string]string) {
	b, _ := json.Marshal(data)
	e.DataJSON = string(b)
}
