package rules

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tubalainen/rds-guard/internal/clock"
	"github.com/tubalainen/rds-guard/internal/eventstore"
	"github.com/tubalainen/rds-guard/internal/models"
)

type fakeRecorder struct {
	started  []uint64
	stopped  int
	hasAudio bool
	busy     bool
}

func (f *fakeRecorder) Start(eventID uint64) error {
	if f.busy {
		return assertErr{}
	}
	f.started = append(f.started, eventID)
	return nil
}

func (f *fakeRecorder) Stop() bool {
	f.stopped++
	return f.hasAudio
}

type assertErr struct{}

func (assertErr) Error() string { return "recorder busy" }

type fakeSink struct {
	mu       sync.Mutex
	payloads []models.LifecyclePayload
}

func (f *fakeSink) Lifecycle(p models.LifecyclePayload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, p)
}

func (f *fakeSink) last() models.LifecyclePayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payloads[len(f.payloads)-1]
}

func newEngine(t *testing.T, now time.Time) (*Engine, *eventstore.Store, *fakeSink) {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&models.Event{}))
	mc := &clock.MockClock{MockTime: now}
	store := eventstore.Open(gdb, mc)
	t.Cleanup(store.Close)
	sink := &fakeSink{}
	eng := New(store, sink, mc, []string{"traffic", "emergency"})
	return eng, store, sink
}

func boolPtr(b bool) *bool { return &b }

func TestTrafficStartAndEnd(t *testing.T) {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	eng, store, sink := newEngine(t, start)
	rec := &fakeRecorder{}
	eng.RegisterRecorder("pi1", rec)

	view := models.StationView{PI: "pi1", PS: "P4"}
	eng.Evaluate(view, 103_500_000, &models.DecodedGroup{PI: "pi1", TA: boolPtr(true), ProgType: "Traffic"}, models.Changes{}, true)

	assert.Equal(t, "start", sink.last().State)
	assert.Len(t, rec.started, 1)

	active, err := store.ActiveTrafficOrEmergency("pi1", models.EventTraffic)
	require.NoError(t, err)
	require.NotNil(t, active)

	eng.clock.(*clock.MockClock).Advance(30 * time.Second)
	rec.hasAudio = true
	eng.Evaluate(view, 103_500_000, &models.DecodedGroup{PI: "pi1", TA: boolPtr(false)}, models.Changes{}, true)

	last := sink.last()
	assert.Equal(t, "end", last.State)
	require.NotNil(t, last.DurationSec)
	assert.InDelta(t, 30, *last.DurationSec, 0.001)
	assert.True(t, last.AudioAvailable)
	assert.Equal(t, 1, rec.stopped)

	active, err = store.ActiveTrafficOrEmergency("pi1", models.EventTraffic)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestRadiotextUpdateDuringTraffic(t *testing.T) {
	eng, _, sink := newEngine(t, time.Now())
	view := models.StationView{PI: "pi1"}
	eng.Evaluate(view, 0, &models.DecodedGroup{PI: "pi1", TA: boolPtr(true)}, models.Changes{}, true)

	eng.Evaluate(view, 0, &models.DecodedGroup{PI: "pi1"}, models.Changes{RadioTextFull: "Accident on E4"}, true)
	last := sink.last()
	assert.Equal(t, "update", last.State)
	assert.Equal(t, []string{"Accident on E4"}, last.Radiotext)

	// Duplicate RT must not flood a second identical entry.
	eng.Evaluate(view, 0, &models.DecodedGroup{PI: "pi1"}, models.Changes{RadioTextFull: "Accident on E4"}, true)
	last = sink.last()
	assert.Equal(t, []string{"Accident on E4"}, last.Radiotext)
}

func TestEmergencyReplacesTrafficOnAlarm(t *testing.T) {
	eng, store, sink := newEngine(t, time.Now())
	rec := &fakeRecorder{}
	eng.RegisterRecorder("pi1", rec)
	view := models.StationView{PI: "pi1"}

	eng.Evaluate(view, 0, &models.DecodedGroup{PI: "pi1", TA: boolPtr(true)}, models.Changes{}, true)
	require.Len(t, rec.started, 1)

	eng.Evaluate(view, 0, &models.DecodedGroup{PI: "pi1", ProgType: "Alarm"}, models.Changes{ProgTypeChanged: true}, true)

	last := sink.last()
	assert.Equal(t, models.EventEmergency, last.Type)
	assert.Equal(t, "start", last.State)
	assert.Len(t, rec.started, 2, "recording must restart for the emergency event")

	active, err := store.ActiveTrafficOrEmergency("pi1", models.EventTraffic)
	require.NoError(t, err)
	assert.Nil(t, active, "traffic event must be ended before emergency opens")
}

func TestEONTrafficReceivedAndEnded(t *testing.T) {
	eng, store, sink := newEngine(t, time.Now())
	view := models.StationView{PI: "pi1"}
	on := &models.OtherNetwork{PI: "other1", PS: "P3", TA: boolPtr(true)}

	eng.Evaluate(view, 0, &models.DecodedGroup{PI: "pi1", Group: models.Group14A, OtherNetwork: on}, models.Changes{}, true)
	last := sink.last()
	assert.Equal(t, models.EventEONTraffic, last.Type)
	assert.Equal(t, "received", last.State)

	stored, err := store.Get(last.EventID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "other1", stored.Data()["linked_station.pi"])
	assert.Equal(t, "P3", stored.Data()["linked_station.ps"])

	onOff := &models.OtherNetwork{PI: "other1", PS: "P3", TA: boolPtr(false)}
	eng.Evaluate(view, 0, &models.DecodedGroup{PI: "pi1", Group: models.Group14A, OtherNetwork: onOff}, models.Changes{}, true)
	last = sink.last()
	assert.Equal(t, "end", last.State)
}

func TestPIGlitchBlocksNewEventUntilStable(t *testing.T) {
	eng, store, sink := newEngine(t, time.Now())
	view := models.StationView{PI: "pi2"}

	// piStable=false (glitch just happened): TA start must be suppressed.
	eng.Evaluate(view, 0, &models.DecodedGroup{PI: "pi2", TA: boolPtr(true)}, models.Changes{}, false)
	assert.Empty(t, sink.payloads)

	active, err := store.ActiveTrafficOrEmergency("pi2", models.EventTraffic)
	require.NoError(t, err)
	assert.Nil(t, active)

	// Once stable, the same TA=true group opens the event normally.
	eng.Evaluate(view, 0, &models.DecodedGroup{PI: "pi2", TA: boolPtr(true)}, models.Changes{}, true)
	require.Len(t, sink.payloads, 1)
	assert.Equal(t, "start", sink.last().State)
}

func TestEndActiveForPIGlitchEndsOpenEvent(t *testing.T) {
	eng, store, sink := newEngine(t, time.Now())
	rec := &fakeRecorder{}
	eng.RegisterRecorder("pi3", rec)
	view := models.StationView{PI: "pi3"}

	eng.Evaluate(view, 0, &models.DecodedGroup{PI: "pi3", TA: boolPtr(true)}, models.Changes{}, true)
	require.Len(t, sink.payloads, 1)

	eng.EndActiveForPIGlitch("pi3", view, 0)
	last := sink.last()
	assert.Equal(t, "end", last.State)

	active, err := store.ActiveTrafficOrEmergency("pi3", models.EventTraffic)
	require.NoError(t, err)
	assert.Nil(t, active)
}
