package models

import (
	"sync"
	"time"
)

// Station is a monitored FM frequency with live RDS state. It is owned by
// the pipeline supervisor for the process lifetime; other components only
// ever see a Snapshot, never the live struct.
type Station struct {
	mu sync.RWMutex

	FrequencyHz uint64
	PI          string
	PS          string
	LongPS      string
	ProgType    string
	TP          bool
	TA          bool
	RadioText   string
	NowArtist   string
	NowTitle    string

	GroupsTotal  uint64
	groupTimes   []time.Time // sliding window for GroupsPerSec
	piStableSince time.Time
	piStableCount int
}

// StationView is a read-only, detached copy of a Station's fields — safe to
// hand to the Web/WS facade or any consumer outside the supervisor.
type StationView struct {
	FrequencyHz  uint64  `json:"frequency_hz"`
	PI           string  `json:"pi"`
	PS           string  `json:"ps"`
	LongPS       string  `json:"long_ps,omitempty"`
	ProgType     string  `json:"prog_type"`
	TP           bool    `json:"tp"`
	TA           bool    `json:"ta"`
	RadioText    string  `json:"radiotext"`
	NowArtist    string  `json:"now_artist,omitempty"`
	NowTitle     string  `json:"now_title,omitempty"`
	GroupsTotal  uint64  `json:"groups_total"`
	GroupsPerSec float64 `json:"groups_per_sec"`
}

func NewStation(frequencyHz uint64) *Station {
	return &Station{FrequencyHz: frequencyHz}
}

// RecordGroup bumps the group counters used for the GroupsPerSec EWMA-ish
// window. Call once per decoded group, regardless of its type.
func (s *Station) RecordGroup(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.GroupsTotal++
	s.groupTimes = append(s.groupTimes, now)
	cutoff := now.Add(-10 * time.Second)
	i := 0
	for i < len(s.groupTimes) && s.groupTimes[i].Before(cutoff) {
		i++
	}
	s.groupTimes = s.groupTimes[i:]
}

func (s *Station) groupsPerSecLocked() float64 {
	if len(s.groupTimes) < 2 {
		return 0
	}
	span := s.groupTimes[len(s.groupTimes)-1].Sub(s.groupTimes[0]).Seconds()
	if span <= 0 {
		return 0
	}
	return float64(len(s.groupTimes)-1) / span
}

// PICheck records a PI observation and reports whether the PI has been
// stable (identical) for at least minStable consecutive groups — used by
// the rules engine edge policy for mid-event PI glitches.
func (s *Station) PICheck(pi string, now time.Time, minStable int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pi != s.PI {
		s.PI = pi
		s.piStableSince = now
		s.piStableCount = 1
		return false
	}
	s.piStableCount++
	return s.piStableCount >= minStable
}

func (s *Station) Snapshot() StationView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StationView{
		FrequencyHz:  s.FrequencyHz,
		PI:           s.PI,
		PS:           s.PS,
		LongPS:       s.LongPS,
		ProgType:     s.ProgType,
		TP:           s.TP,
		TA:           s.TA,
		RadioText:    s.RadioText,
		NowArtist:    s.NowArtist,
		NowTitle:     s.NowTitle,
		GroupsTotal:  s.GroupsTotal,
		GroupsPerSec: s.groupsPerSecLocked(),
	}
}

// Apply merges the fields a DecodedGroup carries into the station state.
// Returns which high-level flags changed, for the rules engine to act on.
func (s *Station) Apply(g *DecodedGroup) Changes {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ch Changes
	if g.PS != "" {
		if s.PS != g.PS {
			s.PS = g.PS
		}
	} else if g.PartialPS != "" && s.PS == "" {
		s.PS = g.PartialPS
	}
	if g.LongPS != "" {
		s.LongPS = g.LongPS
	}
	if g.ProgType != "" && s.ProgType != g.ProgType {
		ch.ProgTypeChanged = true
		ch.PrevProgType = s.ProgType
		s.ProgType = g.ProgType
	}
	if g.TP != nil {
		s.TP = *g.TP
	}
	if g.TA != nil && s.TA != *g.TA {
		ch.TAChanged = true
		s.TA = *g.TA
	}
	rt := g.RadioText
	if rt == "" {
		rt = g.PartialRadioText
	}
	if rt != "" && s.RadioText != rt {
		s.RadioText = rt
	}
	if g.RadioText != "" {
		ch.RadioTextFull = g.RadioText
	}
	if g.RadiotextPlus != nil {
		for _, tag := range g.RadiotextPlus.Tags {
			switch tag.ContentType {
			case "item.title":
				s.NowTitle = tag.Data
			case "item.artist":
				s.NowArtist = tag.Data
			}
		}
	}
	return ch
}

// Changes reports which station-level flags a single DecodedGroup flipped.
type Changes struct {
	TAChanged       bool
	ProgTypeChanged bool
	PrevProgType    string
	// RadioTextFull is non-empty only when the group carried a complete
	// (non-partial) RadioText string — the only form the rules engine
	// uses for event radiotext tracking.
	RadioTextFull string
}
