package transcriber

import (
	"context"
	"fmt"
	"sync"
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

type fakeBackend struct {
	text string
	err  error
}

func (f *fakeBackend) Transcribe(ctx context.Context, wavPath string) (string, error) {
	return f.text, f.err
}

type recordingCompleter struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingCompleter) OnTranscriptionComplete(eventID uint64, text string, status models.TranscriptionStatus, durationSec *float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, text)
}

func openTestStore(t *testing.T) *eventstore.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Event{}))
	return eventstore.Open(db, clock.RealClock{})
}

func TestQueue_ProcessesJobAndReportsText(t *testing.T) {
	store := openTestStore(t)
	defer store.Close()

	id, err := store.InsertEvent(&models.Event{Type: models.EventTraffic, StationPI: "0x9E04"})
	require.NoError(t, err)

	backend := &fakeBackend{text: "hej hej"}
	completer := &recordingCompleter{}
	q := New(backend, store, completer, 2)
	q.Start()
	defer q.Stop()

	q.Enqueue(models.TranscriptionJob{EventID: id, WavPath: "/tmp/does-not-matter.wav"})

	require.Eventually(t, func() bool {
		completer.mu.Lock()
		defer completer.mu.Unlock()
		return len(completer.calls) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, "hej hej", completer.calls[0])
}

func TestQueue_DropsOldestOnOverflow(t *testing.T) {
	store := openTestStore(t)
	defer store.Close()

	// Block the worker on the first job so subsequent enqueues pile up.
	block := make(chan struct{})
	backend := &blockingBackend{release: block}
	completer := &recordingCompleter{}
	q := New(backend, store, completer, 1)
	q.Start()
	defer func() {
		close(block)
		q.Stop()
	}()

	id1, _ := store.InsertEvent(&models.Event{Type: models.EventTraffic, StationPI: "A"})
	id2, _ := store.InsertEvent(&models.Event{Type: models.EventTraffic, StationPI: "B"})
	id3, _ := store.InsertEvent(&models.Event{Type: models.EventTraffic, StationPI: "C"})

	q.Enqueue(models.TranscriptionJob{EventID: id1, WavPath: "a.wav"}) // picked up immediately, blocks worker
	time.Sleep(20 * time.Millisecond)
	q.Enqueue(models.TranscriptionJob{EventID: id2, WavPath: "b.wav"}) // fills capacity=1
	q.Enqueue(models.TranscriptionJob{EventID: id3, WavPath: "c.wav"}) // evicts id2

	q.mu.Lock()
	pending := append([]models.TranscriptionJob(nil), q.pending...)
	q.mu.Unlock()
	require.Len(t, pending, 1)
	assert.Equal(t, id3, pending[0].EventID)
}

type blockingBackend struct{ release chan struct{} }

func (b *blockingBackend) Transcribe(ctx context.Context, wavPath string) (string, error) {
	<-b.release
	return "", nil
}
