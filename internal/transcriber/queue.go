package transcriber

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tubalainen/rds-guard/internal/eventstore"
	"github.com/tubalainen/rds-guard/internal/models"
)

// defaultCapacity is the bounded FIFO depth — spec §4.4 default 16.
const defaultCapacity = 16

// Completer receives the outcome of a finished transcription job — the
// alert publisher's hold-and-release gate implements this.
type Completer interface {
	OnTranscriptionComplete(eventID uint64, text string, status models.TranscriptionStatus, durationSec *float64)
}

// Queue is the bounded FIFO of pending TranscriptionJobs, drained by a
// single worker goroutine (the backend is not assumed reentrant — spec
// §4.4's local engine explicitly isn't). Overflow drops the oldest pending
// job, marking it transcription_status=error, rather than blocking the
// recorder finalize pipeline that enqueues jobs.
type Queue struct {
	backend  Backend
	store    *eventstore.Store
	complete Completer
	capacity int

	mu      sync.Mutex
	pending []models.TranscriptionJob
	wake    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Queue with the given backend. capacity <= 0 uses the
// spec default of 16.
func New(backend Backend, store *eventstore.Store, complete Completer, capacity int) *Queue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		backend:  backend,
		store:    store,
		complete: complete,
		capacity: capacity,
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Enqueue implements recorder.JobQueue. Drops the oldest pending job if the
// queue is already at capacity.
func (q *Queue) Enqueue(job models.TranscriptionJob) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	q.mu.Lock()
	if len(q.pending) >= q.capacity {
		dropped := q.pending[0]
		q.pending = q.pending[1:]
		log.Printf("⚠️  transcriber: queue full, dropping job event_id=%d", dropped.EventID)
		go func() {
			if err := q.store.UpdateTranscriptionStatus(dropped.EventID, models.TranscriptionError); err != nil {
				log.Printf("⚠️  transcriber: mark dropped job event_id=%d error: %v", dropped.EventID, err)
			}
		}()
	}
	q.pending = append(q.pending, job)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Start runs the single worker goroutine until Stop is called.
func (q *Queue) Start() {
	go q.run()
}

// Stop signals the worker to exit and waits for the current job (if any) to
// finish or be cancelled.
func (q *Queue) Stop() {
	q.cancel()
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		job, ok := q.pop()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-q.ctx.Done():
				return
			}
		}
		q.process(job)
	}
}

func (q *Queue) pop() (models.TranscriptionJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return models.TranscriptionJob{}, false
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	return job, true
}

func (q *Queue) process(job models.TranscriptionJob) {
	t0 := time.Now()
	text, err := q.backend.Transcribe(q.ctx, job.WavPath)
	elapsed := time.Since(t0).Seconds()

	if err == ErrDisabled {
		_ = q.store.UpdateTranscriptionStatus(job.EventID, models.TranscriptionNone)
		q.complete.OnTranscriptionComplete(job.EventID, "", models.TranscriptionNone, nil)
		return
	}
	if err != nil {
		log.Printf("⚠️  transcriber: job event_id=%d failed: %v", job.EventID, err)
		_ = q.store.UpdateTranscriptionStatus(job.EventID, models.TranscriptionError)
		q.complete.OnTranscriptionComplete(job.EventID, "", models.TranscriptionError, nil)
		return
	}

	log.Printf("📝 transcriber: event_id=%d done (%d chars, %.1fs)", job.EventID, len(text), elapsed)
	if err := q.store.UpdateTranscription(job.EventID, text, models.TranscriptionDone, &elapsed); err != nil {
		log.Printf("⚠️  transcriber: persist transcription event_id=%d: %v", job.EventID, err)
	}
	q.complete.OnTranscriptionComplete(job.EventID, text, models.TranscriptionDone, &elapsed)
}
