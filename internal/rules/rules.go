// Package rules translates decoded RDS groups into event lifecycle
// transitions, grounded directly on the original RulesEngine's
// on_ta_change/on_radiotext/on_pty_alert/on_pty_normal/on_eon_ta methods.
package rules

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tubalainen/rds-guard/internal/clock"
	"github.com/tubalainen/rds-guard/internal/eventstore"
	"github.com/tubalainen/rds-guard/internal/models"
)

// alarmPTY is the RDS programme-type label redsea emits for PTY code 31.
const alarmPTY = "Alarm"

// eonStaleAfter synthesizes an end for an EON TA that never clears —
// spec §4.6: "immediate end ... after 120 s".
const eonStaleAfter = 120 * time.Second

// minStablePI is the number of consecutive matching PI observations
// required before a new Event may open after a PI glitch (spec §4.6).
const minStablePI = 5

// Recorder is the per-station audio recorder, as seen by the rules engine.
type Recorder interface {
	Start(eventID uint64) error
	// Stop finalizes the current recording and reports whether any audio
	// survived (min-duration / empty-buffer discards return false).
	Stop() bool
}

// EventSink receives lifecycle transitions for downstream MQTT/WS delivery.
// The alert publisher decides whether a transition is gated behind
// transcription or published immediately (spec §4.8).
type EventSink interface {
	Lifecycle(p models.LifecyclePayload)
}

type trafficState struct {
	eventID   uint64
	since     time.Time
	radiotext []string
	progType  string
}

type emergencyState struct {
	eventID uint64
	since   time.Time
}

type eonState struct {
	eventID uint64
	timer   *time.Timer
}

// Engine is the per-process rules evaluator. One Engine serves all
// stations; per-station state is keyed by PI.
type Engine struct {
	store    *eventstore.Store
	recorder map[string]Recorder // keyed by station PI
	sink     EventSink
	clock    clock.Clock
	recordEventTypes map[models.EventType]bool

	mu              sync.Mutex
	active          map[string]*trafficState   // pi -> open traffic event
	activeEmergency map[string]*emergencyState // pi -> open emergency event
	eon             map[string]*eonState        // "pi/otherPI" -> open eon_traffic event
}

// New constructs an Engine. recordEventTypes controls which event types
// trigger audio recording, per RECORD_EVENT_TYPES (default traffic,emergency).
func New(store *eventstore.Store, sink EventSink, c clock.Clock, recordEventTypes []string) *Engine {
	set := map[models.EventType]bool{}
	for _, t := range recordEventTypes {
		set[models.EventType(t)] = true
	}
	return &Engine{
		store:           store,
		recorder:        map[string]Recorder{},
		sink:            sink,
		clock:           c,
		recordEventTypes: set,
		active:          map[string]*trafficState{},
		activeEmergency: map[string]*emergencyState{},
		eon:             map[string]*eonState{},
	}
}

// RegisterRecorder wires a station's recorder into the engine — called once
// per station at pipeline startup.
func (e *Engine) RegisterRecorder(stationPI string, r Recorder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recorder[stationPI] = r
}

// Evaluate runs the transition table for one decoded group against the
// station it belongs to, in the order spec §4.6 lists them. changes is the
// result of station.Apply(g), already merged into the live Station.
// piStable must come from the station's PICheck — while false (a PI glitch
// is still settling), new events are not opened, but an already-open event
// may still be ended or updated normally.
func (e *Engine) Evaluate(view models.StationView, frequencyHz uint64, g *models.DecodedGroup, changes models.Changes, piStable bool) {
	pi := g.PI

	if g.TA != nil {
		e.onTAChange(pi, view, frequencyHz, *g.TA, g, piStable)
	}

	if changes.RadioTextFull != "" {
		e.onRadiotext(pi, changes.RadioTextFull)
	}

	if changes.ProgTypeChanged {
		if g.ProgType == alarmPTY {
			if piStable {
				e.onPTYAlert(pi, view, frequencyHz, g.ProgType)
			}
		} else if e.isEmergencyActive(pi) {
			e.onPTYNormal(pi, view, frequencyHz, g.ProgType)
		}
	}

	if g.Group == models.Group14A && g.OtherNetwork != nil && g.OtherNetwork.TA != nil && g.OtherNetwork.PI != pi {
		e.onEONTA(pi, view, frequencyHz, g.OtherNetwork)
	}
}

// EndActiveForPIGlitch ends whatever traffic/emergency event is open for a
// PI that just changed underneath an already-running event — spec §4.6:
// "the current Event is ended at the last known timestamp". The caller
// (the per-station dispatch loop) invokes this on the PI the Station
// reported immediately before PICheck flagged instability.
func (e *Engine) EndActiveForPIGlitch(prevPI string, view models.StationView, freqHz uint64) {
	now := e.clock.Now()

	e.mu.Lock()
	traffic, hadTraffic := e.active[prevPI]
	if hadTraffic {
		delete(e.active, prevPI)
	}
	em, hadEmergency := e.activeEmergency[prevPI]
	if hadEmergency {
		delete(e.activeEmergency, prevPI)
	}
	e.mu.Unlock()

	if hadTraffic {
		hasAudio := e.stopRecording(prevPI)
		_ = e.store.EndEvent(traffic.eventID, nil)
		dur := now.Sub(traffic.since).Seconds()
		log.Printf("⚠️  rules: PI glitch on %s ended traffic event_id=%d", prevPI, traffic.eventID)
		e.sink.Lifecycle(models.LifecyclePayload{
			EventID: traffic.eventID, Type: models.EventTraffic, State: "end",
			StationPI: prevPI, StationPS: view.PS, FrequencyHz: freqHz,
			StartedAt: traffic.since, EndedAt: &now, DurationSec: &dur,
			Radiotext: traffic.radiotext, AudioAvailable: hasAudio, Timestamp: now,
		})
	}
	if hadEmergency {
		hasAudio := e.stopRecording(prevPI)
		_ = e.store.EndEvent(em.eventID, nil)
		dur := now.Sub(em.since).Seconds()
		log.Printf("⚠️  rules: PI glitch on %s ended emergency event_id=%d", prevPI, em.eventID)
		e.sink.Lifecycle(models.LifecyclePayload{
			EventID: em.eventID, Type: models.EventEmergency, State: "end",
			StationPI: prevPI, StationPS: view.PS, FrequencyHz: freqHz,
			StartedAt: em.since, EndedAt: &now, DurationSec: &dur,
			AudioAvailable: hasAudio, Timestamp: now,
		})
	}
}

// CheckRecordingCap is the target of the recorder's cap callback, which the
// recorder invokes from Feed for each chunk arriving after MAX_RECORDING_SEC.
// It ends the station's open emergency event, if any, per spec §4.6's second
// emergency-end trigger; an open traffic event is not ended here.
func (e *Engine) CheckRecordingCap(stationPI string) {
	e.mu.Lock()
	_, hasEmergency := e.activeEmergency[stationPI]
	e.mu.Unlock()
	if hasEmergency {
		e.onPTYNormal(stationPI, models.StationView{PI: stationPI}, 0, "")
	}
}

func (e *Engine) onTAChange(pi string, view models.StationView, freqHz uint64, ta bool, g *models.DecodedGroup, piStable bool) {
	now := e.clock.Now()

	if ta {
		if !piStable {
			return
		}
		e.mu.Lock()
		if _, already := e.active[pi]; already {
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()

		id, err := e.store.InsertEvent(&models.Event{
			Type:        models.EventTraffic,
			Severity:    models.SeverityWarning,
			StationPI:   pi,
			StationPS:   view.PS,
			FrequencyHz: freqHz,
			StartedAt:   now,
		})
		if err != nil {
			log.Printf("⚠️  rules: insert traffic event pi=%s: %v", pi, err)
			return
		}

		e.mu.Lock()
		e.active[pi] = &trafficState{eventID: id, since: now, progType: g.ProgType}
		e.mu.Unlock()

		e.maybeStartRecording(pi, models.EventTraffic, id)

		log.Printf("🚦 EVENT traffic start pi=%s event_id=%d", pi, id)
		e.sink.Lifecycle(models.LifecyclePayload{
			EventID: id, Type: models.EventTraffic, State: "start",
			StationPI: pi, StationPS: view.PS, FrequencyHz: freqHz,
			ProgType: g.ProgType, StartedAt: now, Timestamp: now,
			TranscriptionStatus: models.TranscriptionRecording,
		})
		return
	}

	e.mu.Lock()
	st, ok := e.active[pi]
	if ok {
		delete(e.active, pi)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	hasAudio := e.stopRecording(pi)
	status := models.TranscriptionNone
	if hasAudio {
		status = models.TranscriptionSaving
		_ = e.store.UpdateTranscriptionStatus(st.eventID, status)
	}

	if err := e.store.EndEvent(st.eventID, nil); err != nil {
		log.Printf("⚠️  rules: end traffic event pi=%s id=%d: %v", pi, st.eventID, err)
	}

	dur := now.Sub(st.since).Seconds()
	log.Printf("🚦 EVENT traffic end pi=%s event_id=%d duration=%.0fs rt=%d", pi, st.eventID, dur, len(st.radiotext))
	e.sink.Lifecycle(models.LifecyclePayload{
		EventID: st.eventID, Type: models.EventTraffic, State: "end",
		StationPI: pi, StationPS: view.PS, FrequencyHz: freqHz,
		ProgType: g.ProgType, StartedAt: st.since, EndedAt: &now,
		DurationSec: &dur, Radiotext: st.radiotext,
		AudioAvailable: hasAudio, TranscriptionStatus: status, Timestamp: now,
	})
}

func (e *Engine) onRadiotext(pi, rt string) {
	e.mu.Lock()
	st, ok := e.active[pi]
	if !ok {
		e.mu.Unlock()
		return
	}
	if len(st.radiotext) == 0 || st.radiotext[len(st.radiotext)-1] != rt {
		st.radiotext = append(st.radiotext, rt)
	}
	eventID := st.eventID
	rtCopy := append([]string(nil), st.radiotext...)
	e.mu.Unlock()

	if err := e.store.AppendRadiotext(eventID, rt); err != nil {
		log.Printf("⚠️  rules: append radiotext pi=%s id=%d: %v", pi, eventID, err)
	}
	e.sink.Lifecycle(models.LifecyclePayload{
		EventID: eventID, Type: models.EventTraffic, State: "update",
		StationPI: pi, Radiotext: rtCopy, Timestamp: e.clock.Now(),
	})
}

func (e *Engine) onPTYAlert(pi string, view models.StationView, freqHz uint64, pty string) {
	now := e.clock.Now()

	// Edge policy: a traffic event open when PTY flips to Alarm is ended
	// first, then the emergency event opens and recording restarts.
	e.mu.Lock()
	traffic, hadTraffic := e.active[pi]
	if hadTraffic {
		delete(e.active, pi)
	}
	e.mu.Unlock()
	if hadTraffic {
		hasAudio := e.stopRecording(pi)
		status := models.TranscriptionNone
		if hasAudio {
			status = models.TranscriptionSaving
			_ = e.store.UpdateTranscriptionStatus(traffic.eventID, status)
		}
		_ = e.store.EndEvent(traffic.eventID, nil)
		dur := now.Sub(traffic.since).Seconds()
		e.sink.Lifecycle(models.LifecyclePayload{
			EventID: traffic.eventID, Type: models.EventTraffic, State: "end",
			StationPI: pi, StationPS: view.PS, FrequencyHz: freqHz,
			StartedAt: traffic.since, EndedAt: &now, DurationSec: &dur,
			Radiotext: traffic.radiotext, AudioAvailable: hasAudio,
			TranscriptionStatus: status, Timestamp: now,
		})
	}

	id, err := e.store.InsertEvent(&models.Event{
		Type: models.EventEmergency, Severity: models.SeverityCritical,
		StationPI: pi, StationPS: view.PS, FrequencyHz: freqHz, StartedAt: now,
	})
	if err != nil {
		log.Printf("⚠️  rules: insert emergency event pi=%s: %v", pi, err)
		return
	}

	e.mu.Lock()
	e.activeEmergency[pi] = &emergencyState{eventID: id, since: now}
	e.mu.Unlock()

	e.maybeStartRecording(pi, models.EventEmergency, id)

	log.Printf("🚨 EVENT emergency start pi=%s pty=%s event_id=%d", pi, pty, id)
	e.sink.Lifecycle(models.LifecyclePayload{
		EventID: id, Type: models.EventEmergency, State: "start",
		StationPI: pi, StationPS: view.PS, FrequencyHz: freqHz,
		ProgType: pty, StartedAt: now, Timestamp: now,
		TranscriptionStatus: models.TranscriptionRecording,
	})
}

func (e *Engine) onPTYNormal(pi string, view models.StationView, freqHz uint64, pty string) {
	now := e.clock.Now()

	e.mu.Lock()
	em, ok := e.activeEmergency[pi]
	if ok {
		delete(e.activeEmergency, pi)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	hasAudio := e.stopRecording(pi)
	status := models.TranscriptionNone
	if hasAudio {
		status = models.TranscriptionSaving
		_ = e.store.UpdateTranscriptionStatus(em.eventID, status)
	}
	if err := e.store.EndEvent(em.eventID, nil); err != nil {
		log.Printf("⚠️  rules: end emergency event pi=%s id=%d: %v", pi, em.eventID, err)
	}

	dur := now.Sub(em.since).Seconds()
	log.Printf("🚨 EVENT emergency end pi=%s event_id=%d pty=%s", pi, em.eventID, pty)
	e.sink.Lifecycle(models.LifecyclePayload{
		EventID: em.eventID, Type: models.EventEmergency, State: "end",
		StationPI: pi, StationPS: view.PS, FrequencyHz: freqHz,
		ProgType: pty, StartedAt: em.since, EndedAt: &now, DurationSec: &dur,
		AudioAvailable: hasAudio, TranscriptionStatus: status, Timestamp: now,
	})
}

func (e *Engine) onEONTA(pi string, view models.StationView, freqHz uint64, on *models.OtherNetwork) {
	now := e.clock.Now()
	key := pi + "/" + on.PI
	ta := *on.TA

	e.mu.Lock()
	existing, hasExisting := e.eon[key]
	if !ta && hasExisting {
		delete(e.eon, key)
	}
	e.mu.Unlock()

	if ta && hasExisting {
		return // already open, informational-only per spec, nothing to re-emit
	}

	if !ta {
		if hasExisting {
			if existing.timer != nil {
				existing.timer.Stop()
			}
			_ = e.store.EndEvent(existing.eventID, nil)
			e.sink.Lifecycle(models.LifecyclePayload{
				EventID: existing.eventID, Type: models.EventEONTraffic, State: "end",
				StationPI: pi, FrequencyHz: freqHz, LinkedStationPI: on.PI,
				LinkedStationPS: on.PS, LinkedKiloHertz: on.KiloHertz,
				TAActive: on.TA, Timestamp: now,
			})
		}
		return
	}

	ev := &models.Event{
		Type: models.EventEONTraffic, Severity: models.SeverityInfo,
		StationPI: pi, FrequencyHz: freqHz, StartedAt: now,
	}
	data := map[string]string{"linked_station.pi": on.PI}
	if on.PS != "" {
		data["linked_station.ps"] = on.PS
	}
	if on.KiloHertz > 0 {
		data["linked_station.kilohertz"] = fmt.Sprintf("%d", on.KiloHertz)
	}
	ev.SetData(data)
	id, err := e.store.InsertEvent(ev)
	if err != nil {
		log.Printf("⚠️  rules: insert eon_traffic event pi=%s: %v", pi, err)
		return
	}

	es := &eonState{eventID: id}
	es.timer = time.AfterFunc(eonStaleAfter, func() {
		e.mu.Lock()
		cur, still := e.eon[key]
		if still && cur == es {
			delete(e.eon, key)
		}
		e.mu.Unlock()
		if still {
			endedAt := e.clock.Now()
			_ = e.store.EndEvent(id, nil)
			e.sink.Lifecycle(models.LifecyclePayload{
				EventID: id, Type: models.EventEONTraffic, State: "end",
				StationPI: pi, FrequencyHz: freqHz, LinkedStationPI: on.PI,
				EndedAt: &endedAt, Timestamp: endedAt,
			})
		}
	})

	e.mu.Lock()
	e.eon[key] = es
	e.mu.Unlock()

	log.Printf("📡 EVENT eon_traffic received pi=%s linked=%s event_id=%d", pi, on.PI, id)
	e.sink.Lifecycle(models.LifecyclePayload{
		EventID: id, Type: models.EventEONTraffic, State: "received",
		StationPI: pi, FrequencyHz: freqHz, LinkedStationPI: on.PI,
		LinkedStationPS: on.PS, LinkedKiloHertz: on.KiloHertz,
		TAActive: on.TA, StartedAt: now, Timestamp: now,
	})
}

func (e *Engine) isEmergencyActive(pi string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.activeEmergency[pi]
	return ok
}

func (e *Engine) maybeStartRecording(pi string, t models.EventType, eventID uint64) {
	if !e.recordEventTypes[t] {
		return
	}
	e.mu.Lock()
	r, ok := e.recorder[pi]
	e.mu.Unlock()
	if !ok || r == nil {
		return
	}
	if err := r.Start(eventID); err != nil {
		log.Printf("⚠️  rules: recorder busy pi=%s event_id=%d: %v", pi, eventID, err)
	}
}

func (e *Engine) stopRecording(pi string) bool {
	e.mu.Lock()
	r, ok := e.recorder[pi]
	e.mu.Unlock()
	if !ok || r == nil {
		return false
	}
	return r.Stop()
}
