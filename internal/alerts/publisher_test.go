package alerts

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tubalainen/rds-guard/internal/clock"
	"github.com/tubalainen/rds-guard/internal/eventstore"
	"github.com/tubalainen/rds-guard/internal/models"
)

type fakeToken struct{}

func (fakeToken) Wait() bool                     { return true }
func (fakeToken) WaitTimeout(time.Duration) bool { return true }
func (fakeToken) Done() <-chan struct{}          { ch := make(chan struct{}); close(ch); return ch }
func (fakeToken) Error() error                   { return nil }

type fakeMQTT struct {
	mu        sync.Mutex
	published []struct {
		topic   string
		retain  bool
		payload []byte
	}
}

func (f *fakeMQTT) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, _ := payload.([]byte)
	f.published = append(f.published, struct {
		topic   string
		retain  bool
		payload []byte
	}{topic, retained, b})
	return fakeToken{}
}

func (f *fakeMQTT) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func (f *fakeMQTT) lastTopic() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[len(f.published)-1].topic
}

type fakeWS struct {
	mu   sync.Mutex
	msgs []string
}

func (f *fakeWS) Broadcast(topic string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, topic)
}

func newTestPublisher(t *testing.T) (*Publisher, *fakeMQTT, *fakeWS, *eventstore.Store) {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&models.Event{}))
	store := eventstore.Open(gdb, clock.RealClock{})
	t.Cleanup(store.Close)

	m := &fakeMQTT{}
	ws := &fakeWS{}
	p := New(m, "rds", 1, true, ws, store, clock.RealClock{})
	return p, m, ws, store
}

func TestLifecycleUngatedPublishesImmediately(t *testing.T) {
	p, m, ws, _ := newTestPublisher(t)
	p.Lifecycle(models.LifecyclePayload{EventID: 1, Type: models.EventTraffic, State: "start"})

	assert.Equal(t, 1, m.count())
	assert.Equal(t, "rds/alert", m.lastTopic())
	assert.Len(t, ws.msgs, 1)
}

func TestLifecycleGatedWaitsForTranscription(t *testing.T) {
	p, m, _, _ := newTestPublisher(t)
	p.SetHoldTimeout(500 * time.Millisecond)

	p.Lifecycle(models.LifecyclePayload{
		EventID: 2, Type: models.EventTraffic, State: "end", AudioAvailable: true,
	})
	assert.Equal(t, 0, m.count(), "gated alert must not publish before transcription or timeout")

	p.OnTranscriptionComplete(2, "kö på E4", models.TranscriptionDone, nil)

	require.Eventually(t, func() bool { return m.count() >= 2 }, time.Second, 10*time.Millisecond)
}

func TestLifecycleGatedTimesOutWithoutTranscription(t *testing.T) {
	p, m, _, store := newTestPublisher(t)
	p.SetHoldTimeout(50 * time.Millisecond)

	id, err := store.InsertEvent(&models.Event{Type: models.EventTraffic, Severity: models.SeverityWarning, StationPI: "pi1"})
	require.NoError(t, err)

	p.Lifecycle(models.LifecyclePayload{EventID: id, Type: models.EventTraffic, State: "end", AudioAvailable: true})

	require.Eventually(t, func() bool { return m.count() >= 1 }, time.Second, 10*time.Millisecond)

	var e models.Event
	require.NoError(t, store.DB().First(&e, id).Error)
	assert.Equal(t, models.TranscriptionTimeout, e.TranscriptionStatus)
}

func TestAlertPayloadShape(t *testing.T) {
	p, m, _, _ := newTestPublisher(t)

	dur := 30.5
	p.Lifecycle(models.LifecyclePayload{
		EventID: 7, Type: models.EventTraffic, State: "start",
		StationPI: "0x9E04", StationPS: "P4 Sthlm", FrequencyHz: 103_500_000,
		DurationSec: &dur, Radiotext: []string{"Olycka på E4"},
	})

	require.Equal(t, 1, m.count())
	var msg map[string]any
	m.mu.Lock()
	require.NoError(t, json.Unmarshal(m.published[0].payload, &msg))
	m.mu.Unlock()

	assert.Equal(t, "traffic_announcement", msg["event_type"])
	assert.Equal(t, "start", msg["state"])
	station, ok := msg["station"].(map[string]any)
	require.True(t, ok, "station fields are nested")
	assert.Equal(t, "0x9E04", station["pi"])
	assert.Equal(t, "P4 Sthlm", station["ps"])
	assert.EqualValues(t, 103_500_000, station["frequency"])
	assert.Nil(t, msg["transcribed_text"], "no completed transcription means null text")
}

func TestAlertEventTypeMapping(t *testing.T) {
	assert.Equal(t, "traffic_announcement", alertEventType(models.EventTraffic))
	assert.Equal(t, "emergency_broadcast", alertEventType(models.EventEmergency))
	assert.Equal(t, "eon_traffic", alertEventType(models.EventEONTraffic))
}

func TestTranscriptionDonePublishesRetainedStationTopic(t *testing.T) {
	p, m, _, store := newTestPublisher(t)
	p.SetLanguage("sv")

	id, err := store.InsertEvent(&models.Event{Type: models.EventTraffic, Severity: models.SeverityWarning, StationPI: "0x9E04"})
	require.NoError(t, err)

	dur := 3.2
	p.OnTranscriptionComplete(id, "kö på E4 söderut", models.TranscriptionDone, &dur)

	require.Eventually(t, func() bool { return m.count() >= 1 }, time.Second, 10*time.Millisecond)
	m.mu.Lock()
	last := m.published[len(m.published)-1]
	m.mu.Unlock()

	assert.Equal(t, "rds/0x9E04/traffic/transcription", last.topic)
	assert.True(t, last.retain)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(last.payload, &msg))
	assert.Equal(t, "kö på E4 söderut", msg["transcription"])
	assert.Equal(t, "sv", msg["language"])
}

func TestLifecycleGatedWithoutAudioSkipsHold(t *testing.T) {
	p, m, _, _ := newTestPublisher(t)
	p.Lifecycle(models.LifecyclePayload{EventID: 3, Type: models.EventTraffic, State: "end", AudioAvailable: false})
	require.Eventually(t, func() bool { return m.count() >= 1 }, time.Second, 10*time.Millisecond)
}
