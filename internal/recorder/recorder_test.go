package recorder

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tubalainen/rds-guard/internal/clock"
	"github.com/tubalainen/rds-guard/internal/eventstore"
	"github.com/tubalainen/rds-guard/internal/models"
)

type fakeQueue struct {
	jobs []models.TranscriptionJob
}

func (f *fakeQueue) Enqueue(job models.TranscriptionJob) {
	f.jobs = append(f.jobs, job)
}

func newTestRecorder(t *testing.T, mc *clock.MockClock) (*Recorder, *eventstore.Store, *fakeQueue) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&models.Event{}))
	store := eventstore.Open(gdb, mc)
	t.Cleanup(store.Close)

	q := &fakeQueue{}
	cfg := Config{
		SampleRate:      171_000,
		Channels:        1,
		MaxRecordingSec: 600,
		MinDurationSec:  2.0,
		AudioDir:        t.TempDir(),
	}
	return New("test", cfg, store, q, mc, nil), store, q
}

func TestStop_DiscardsBelowMinDuration(t *testing.T) {
	mc := &clock.MockClock{MockTime: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	r, _, _ := newTestRecorder(t, mc)

	require.NoError(t, r.Start(1))
	r.Feed(make([]byte, 8192))
	mc.Advance(1900 * time.Millisecond)

	assert.False(t, r.Stop(), "a 1.9s recording must be discarded")
	assert.False(t, r.IsRecording())
}

func TestStop_SavesAtMinDuration(t *testing.T) {
	mc := &clock.MockClock{MockTime: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	r, store, _ := newTestRecorder(t, mc)

	id, err := store.InsertEvent(&models.Event{Type: models.EventTraffic, Severity: models.SeverityWarning, StationPI: "pi1"})
	require.NoError(t, err)

	require.NoError(t, r.Start(id))
	r.Feed(make([]byte, 171_000*2*2)) // 2s of 16-bit mono at 171kHz
	mc.Advance(2 * time.Second)

	assert.True(t, r.Stop(), "a 2.0s recording must be saved")

	// The offload goroutine runs resample + WAV write, then shells out to
	// ffmpeg — which either succeeds (status transcribing, job enqueued) or
	// is absent on the test host (status error). Either way the row leaves
	// transcription_status=none, which is what the contract guarantees.
	require.Eventually(t, func() bool {
		e, err := store.Get(id)
		return err == nil && e != nil && e.TranscriptionStatus != models.TranscriptionNone
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStop_DiscardsEmptyBuffer(t *testing.T) {
	mc := &clock.MockClock{MockTime: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	r, _, _ := newTestRecorder(t, mc)

	require.NoError(t, r.Start(1))
	mc.Advance(10 * time.Second)
	assert.False(t, r.Stop(), "no fed audio means nothing to save")
}

func TestFeed_InvokesCapCallbackPastMaxDuration(t *testing.T) {
	mc := &clock.MockClock{MockTime: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	capped := 0

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&models.Event{}))
	store := eventstore.Open(gdb, mc)
	t.Cleanup(store.Close)

	cfg := Config{SampleRate: 171_000, Channels: 1, MaxRecordingSec: 600, MinDurationSec: 2.0, AudioDir: t.TempDir()}
	r := New("test", cfg, store, &fakeQueue{}, mc, func() { capped++ })

	require.NoError(t, r.Start(1))
	r.Feed(make([]byte, 100))
	mc.Advance(601 * time.Second)
	r.Feed(make([]byte, 100))

	assert.Equal(t, 1, capped, "exceeding MAX_RECORDING_SEC must fire the cap callback exactly once per chunk")
	assert.True(t, r.IsRecording(), "the cap callback, not Feed itself, is responsible for stopping")
}

func TestStart_WhileRecordingReturnsBusy(t *testing.T) {
	mc := &clock.MockClock{MockTime: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	r, _, _ := newTestRecorder(t, mc)

	require.NoError(t, r.Start(1))
	r.Feed(make([]byte, 100))
	mc.Advance(time.Second)

	assert.ErrorIs(t, r.Start(2), ErrBusy)
	assert.True(t, r.IsRecording())
}

func TestWriteWAV_RoundTripSampleCount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.wav")

	const samples = 16_000 // 1s at 16kHz
	pcm := make([]byte, samples*2)
	require.NoError(t, writeWAV(path, pcm, 16_000, 1))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(b), 44)

	assert.Equal(t, "RIFF", string(b[0:4]))
	assert.Equal(t, "WAVE", string(b[8:12]))
	assert.EqualValues(t, 16_000, binary.LittleEndian.Uint32(b[24:28]))

	dataLen := binary.LittleEndian.Uint32(b[40:44])
	gotSamples := int(dataLen) / 2
	assert.InDelta(t, samples, gotSamples, 1, "read-back sample count within ±1 sample")
}

func TestResample_RatioWithinTolerance(t *testing.T) {
	const inRate, outRate = 171_000, 16_000
	const seconds = 3
	in := make([]byte, inRate*2*seconds)

	out := Resample(in, inRate, outRate, 1)

	want := outRate * seconds
	got := len(out) / 2
	tolerance := float64(want) * 0.001 // spec: integer ratio to within 0.1%
	assert.InDelta(t, want, got, tolerance+1)
}

func TestResample_PreservesConstantSignal(t *testing.T) {
	in := make([]int16, 171_000)
	for i := range in {
		in[i] = 1000
	}
	out := bytesToInt16(Resample(int16ToBytes(in), 171_000, 16_000, 1))
	require.NotEmpty(t, out)
	for _, v := range out {
		assert.EqualValues(t, 1000, v)
	}
}
