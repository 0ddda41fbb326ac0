// Package decoder turns the redsea line-decoder's stdout — one JSON object
// per line — into *models.DecodedGroup values for the rules engine.
package decoder

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tubalainen/rds-guard/internal/models"
)

// rawGroup mirrors the subset of redsea's JSON schema this decoder cares
// about. Fields absent from a given group type are left at their zero value;
// Go's zero value for *bool/string is distinguishable from "present but
// false/empty" via the pointer fields, matching the spec's field-presence
// semantics ("ta" in data vs data["ta"] == false).
type rawGroup struct {
	PI               string          `json:"pi"`
	Group            string          `json:"group"`
	PS               string          `json:"ps"`
	PartialPS        string          `json:"partial_ps"`
	LongPS           string          `json:"long_ps"`
	TA               *bool           `json:"ta"`
	TP               *bool           `json:"tp"`
	ProgType         string          `json:"prog_type"`
	RadioText        string          `json:"radiotext"`
	PartialRadioText string          `json:"partial_radiotext"`
	OtherNetwork     *rawOtherNet    `json:"other_network"`
	ClockTime        string          `json:"clock_time"`
	PTYN             string          `json:"ptyn"`
	PIN              string          `json:"prog_item_number"`
	ECC              string          `json:"ecc"`
	RadiotextPlus    *rawRTPlus      `json:"radiotext_plus"`
}

type rawOtherNet struct {
	PI        string `json:"pi"`
	PS        string `json:"ps"`
	TA        *bool  `json:"ta"`
	TP        *bool  `json:"tp"`
	KiloHertz int    `json:"kilohertz"`
}

type rawRTPlus struct {
	ItemRunning bool       `json:"item_running"`
	Tags        []rawRTTag `json:"tags"`
}

type rawRTTag struct {
	ContentType string `json:"content-type"`
	Data        string `json:"data"`
}

// Stats tracks malformed-line counts for a single decoder stream, exposed
// via the pipeline supervisor's status snapshot. Counters are atomic — the
// reader loop increments them while the supervisor's poll loop reads.
type Stats struct {
	lines     atomic.Uint64
	malformed atomic.Uint64
}

// Lines returns the total number of non-empty stdout lines seen.
func (s *Stats) Lines() uint64 { return s.lines.Load() }

// Malformed returns the count of lines that failed to parse.
func (s *Stats) Malformed() uint64 { return s.malformed.Load() }

// Run reads newline-delimited JSON from r until EOF or ctx is done, sending
// one *models.DecodedGroup per well-formed line to out. Malformed lines are
// counted and discarded, matching spec §6's "Malformed lines are counted and
// discarded" contract. Closes out on return.
func Run(ctx context.Context, r io.Reader, out chan<- *models.DecodedGroup, stats *Stats) error {
	defer close(out)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		stats.lines.Add(1)
		g, err := Parse(line)
		if err != nil {
			stats.malformed.Add(1)
			continue
		}
		if g == nil {
			continue // no PI, not a usable group — spec: pi required
		}
		select {
		case out <- g:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("decoder: scan stdout: %w", err)
	}
	return nil
}

// Parse decodes a single ndjson line into a DecodedGroup. Returns a nil
// group (no error) when the line has no "pi" field — spec §9: such lines
// carry no usable station association and are dropped upstream of the
// rules engine, mirroring the original's `if not pi: return` guard.
func Parse(line []byte) (*models.DecodedGroup, error) {
	var raw rawGroup
	var anyMap map[string]any
	if err := json.Unmarshal(line, &anyMap); err != nil {
		return nil, fmt.Errorf("decoder: invalid json: %w", err)
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("decoder: field mismatch: %w", err)
	}
	if raw.PI == "" {
		return nil, nil
	}

	g := &models.DecodedGroup{
		PI:               raw.PI,
		Group:            models.GroupType(raw.Group),
		Timestamp:        time.Now(),
		PS:               strings.TrimSpace(raw.PS),
		PartialPS:        strings.TrimSpace(raw.PartialPS),
		LongPS:           strings.TrimSpace(raw.LongPS),
		TA:               raw.TA,
		TP:               raw.TP,
		ProgType:         raw.ProgType,
		RadioText:        strings.TrimSpace(raw.RadioText),
		PartialRadioText: raw.PartialRadioText,
		ClockTime:        raw.ClockTime,
		PTYN:             raw.PTYN,
		PIN:              raw.PIN,
		ECC:              raw.ECC,
		Raw:              anyMap,
	}
	if raw.OtherNetwork != nil {
		g.OtherNetwork = &models.OtherNetwork{
			PI:        raw.OtherNetwork.PI,
			PS:        strings.TrimSpace(raw.OtherNetwork.PS),
			TA:        raw.OtherNetwork.TA,
			TP:        raw.OtherNetwork.TP,
			KiloHertz: raw.OtherNetwork.KiloHertz,
		}
	}
	if raw.RadiotextPlus != nil {
		rtp := &models.RadiotextPlus{ItemRunning: raw.RadiotextPlus.ItemRunning}
		for _, t := range raw.RadiotextPlus.Tags {
			rtp.Tags = append(rtp.Tags, models.RTPlusTag{ContentType: t.ContentType, Data: t.Data})
		}
		g.RadiotextPlus = rtp
	}
	return g, nil
}

// LogMalformedRate logs the malformed-line rate once per minute, matching
// the channelizer's "log once per minute" resync policy (§4.1) applied to
// decoder input here too.
func LogMalformedRate(ctx context.Context, stationPI string, stats *Stats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var lastMalformed uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m := stats.Malformed(); m > lastMalformed {
				log.Printf("⚠️  decoder pi=%s malformed_lines=%d total_lines=%d", stationPI, m, stats.Lines())
				lastMalformed = m
			}
		}
	}
}
