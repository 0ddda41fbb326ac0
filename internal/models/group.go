package models

import "time"

// GroupType is the RDS group type code as emitted by redsea (0A, 0B, 2A, …).
type GroupType string

const (
	Group0A  GroupType = "0A"
	Group0B  GroupType = "0B"
	Group1A  GroupType = "1A"
	Group1B  GroupType = "1B"
	Group2A  GroupType = "2A"
	Group2B  GroupType = "2B"
	Group3A  GroupType = "3A"
	Group4A  GroupType = "4A"
	Group10A GroupType = "10A"
	Group11A GroupType = "11A"
	Group14A GroupType = "14A"
	Group15A GroupType = "15A"
)

// OtherNetwork carries EON (group 14A) data about a linked station.
type OtherNetwork struct {
	PI         string
	PS         string
	TA         *bool
	TP         *bool
	KiloHertz  int
}

// RTPlusTag is a single RadioText+ content tag (item.title, item.artist, …).
type RTPlusTag struct {
	ContentType string
	Data        string
}

// RadiotextPlus is the structured RT+ payload buffered from 11A groups.
type RadiotextPlus struct {
	ItemRunning bool
	Tags        []RTPlusTag
}

// DecodedGroup is a single RDS group, modeled as a tagged union keyed on
// Group with a fallthrough Raw map for anything the rules engine doesn't
// need to special-case. Immutable once parsed from a redsea JSON line.
type DecodedGroup struct {
	PI        string
	Group     GroupType
	Timestamp time.Time

	PS               string
	PartialPS        string
	LongPS           string
	TA               *bool
	TP               *bool
	ProgType         string
	RadioText        string // complete RT (2A/2B, "radiotext" field)
	PartialRadioText string // incremental RT ("partial_radiotext" field)
	OtherNetwork     *OtherNetwork
	ClockTime        string
	PTYN             string
	PIN              string
	ECC              string
	RadiotextPlus    *RadiotextPlus

	// Raw holds the untyped JSON for group types / fields the tagged
	// union above doesn't model explicitly — the Unknown(raw) variant
	// from the spec's dynamic-dispatch design note.
	Raw map[string]any
}

// IsAlarm reports whether ProgType denotes the RDS "Alarm" PTY code (31).
func (g *DecodedGroup) IsAlarm() bool {
	return g.ProgType == "Alarm" || g.ProgType == "Alarm - Loss of radio"
}
