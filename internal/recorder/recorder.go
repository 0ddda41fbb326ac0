// Package recorder captures raw FM audio for the duration of an open
// traffic or emergency event, then hands it off to ffmpeg and the
// transcription queue — grounded on the original's AudioRecorder state
// machine and the teacher's internal/audio/ffmpeg.go subprocess style.
package recorder

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/tubalainen/rds-guard/internal/clock"
	"github.com/tubalainen/rds-guard/internal/eventstore"
	"github.com/tubalainen/rds-guard/internal/models"
)

// ErrBusy is returned by Start when a recording is already in progress —
// the rules engine guarantees one-at-a-time per station, so this only
// fires on a genuine bug upstream.
var ErrBusy = errors.New("recorder: already recording")

type state int

const (
	stateIdle state = iota
	stateRecording
	stateFinalizing
)

// JobQueue accepts a finished recording for transcription. Implemented by
// internal/transcriber.
type JobQueue interface {
	Enqueue(job models.TranscriptionJob)
}

// Config carries the knobs spec §4.3 and §8 name.
type Config struct {
	SampleRate     int // input PCM rate, Hz (rtl_fm output — 171000 per station)
	Channels       int
	MaxRecordingSec int
	MinDurationSec float64
	AudioDir       string
}

// Recorder implements the rules.Recorder interface for one station.
type Recorder struct {
	cfg       Config
	stationPI string
	store     *eventstore.Store
	queue     JobQueue
	clock     clock.Clock
	onCap     func() // invoked from feed() when MAX_RECORDING_SEC is hit

	mu  sync.Mutex
	st  state
	rec *models.Recording
}

// New constructs a Recorder for one station. onCap is called (without
// holding the recorder's lock) for every chunk fed after an in-progress
// recording has exceeded MaxRecordingSec; such chunks are not appended.
// The caller routes this into the rules engine's CheckRecordingCap, which
// ends an open emergency event; an open traffic event stays open.
func New(stationPI string, cfg Config, store *eventstore.Store, queue JobQueue, c clock.Clock, onCap func()) *Recorder {
	return &Recorder{
		cfg:       cfg,
		stationPI: stationPI,
		store:     store,
		queue:     queue,
		clock:     c,
		onCap:     onCap,
	}
}

// Start begins recording for eventID. Idle -> Recording. Returns ErrBusy,
// leaving the current recording untouched, if one is already in progress.
func (r *Recorder) Start(eventID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.st == stateRecording {
		return ErrBusy
	}
	r.st = stateRecording
	r.rec = models.NewRecording(eventID, r.stationPI, r.clock.Now(),
		r.cfg.SampleRate, r.cfg.Channels, float64(r.cfg.MaxRecordingSec))
	return nil
}

// IsRecording reports whether the recorder is currently in the Recording
// state — satisfies internal/audio.Feeder for the tee's best-effort mirror.
func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st == stateRecording
}

// Feed appends a raw PCM chunk while Recording. A no-op otherwise — the
// tee keeps pushing chunks even when nothing is listening.
func (r *Recorder) Feed(chunk []byte) {
	r.mu.Lock()
	if r.st != stateRecording {
		r.mu.Unlock()
		return
	}
	elapsed := r.clock.Now().Sub(r.rec.StartedAt)
	if elapsed > time.Duration(r.cfg.MaxRecordingSec)*time.Second {
		eventID := r.rec.EventID
		r.mu.Unlock()
		log.Printf("⚠️  recorder[%s]: event %d hit max recording duration (%ds)", r.stationPI, eventID, r.cfg.MaxRecordingSec)
		if r.onCap != nil {
			r.onCap()
		}
		return
	}
	r.rec.Write(chunk)
	r.mu.Unlock()
}

// Stop transitions Recording -> Finalizing -> Idle. Returns true if a
// valid (long enough, non-empty) recording was captured and handed off
// to the finalize pipeline; false if discarded.
func (r *Recorder) Stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.st != stateRecording {
		return false
	}
	return r.finalizeLocked()
}

// finalizeLocked must be called with r.mu held.
func (r *Recorder) finalizeLocked() bool {
	r.st = stateIdle
	rec := r.rec
	r.rec = nil
	eventID := rec.EventID
	raw := rec.Bytes()

	elapsed := r.clock.Now().Sub(rec.StartedAt).Seconds()
	if elapsed < r.cfg.MinDurationSec || len(raw) == 0 {
		log.Printf("recorder[%s]: discarding event %d recording (%.1fs)", r.stationPI, eventID, elapsed)
		return false
	}

	log.Printf("recorder[%s]: finalizing event %d (%.1fs, %d bytes)", r.stationPI, eventID, elapsed, len(raw))
	go r.saveAndEnqueue(eventID, raw)
	return true
}

// saveAndEnqueue runs the offload pipeline (resample, write WAV+OGG,
// update the event, enqueue transcription) off the hot path.
func (r *Recorder) saveAndEnqueue(eventID uint64, raw []byte) {
	pcm16k := Resample(raw, r.cfg.SampleRate, outputSampleRate, r.cfg.Channels)

	wavPath := filepath.Join(r.cfg.AudioDir, fmt.Sprintf("%d.wav", eventID))
	oggPath := filepath.Join(r.cfg.AudioDir, fmt.Sprintf("%d.ogg", eventID))

	if err := os.MkdirAll(r.cfg.AudioDir, 0755); err != nil {
		r.fail(eventID, "mkdir audio dir", err)
		return
	}
	if err := writeWAV(wavPath, pcm16k, outputSampleRate, r.cfg.Channels); err != nil {
		r.fail(eventID, "write wav", err)
		return
	}
	if err := encodeOGG(wavPath, oggPath); err != nil {
		r.fail(eventID, "encode ogg", err)
		return
	}

	if err := r.store.UpdateAudio(eventID, filepath.Base(oggPath)); err != nil {
		log.Printf("⚠️  recorder[%s]: update audio path for event %d: %v", r.stationPI, eventID, err)
	}

	if r.queue == nil {
		_ = r.store.UpdateTranscriptionStatus(eventID, models.TranscriptionNone)
		return
	}
	if err := r.store.UpdateTranscriptionStatus(eventID, models.TranscriptionTranscribing); err != nil {
		log.Printf("⚠️  recorder[%s]: update transcription status for event %d: %v", r.stationPI, eventID, err)
	}
	r.queue.Enqueue(models.TranscriptionJob{
		ID:         fmt.Sprintf("%s-%d", r.stationPI, eventID),
		EventID:    eventID,
		WavPath:    wavPath,
		EnqueuedAt: r.clock.Now(),
	})
}

func (r *Recorder) fail(eventID uint64, step string, err error) {
	log.Printf("⚠️  recorder[%s]: %s for event %d: %v", r.stationPI, step, eventID, err)
	if uerr := r.store.UpdateTranscriptionStatus(eventID, models.TranscriptionError); uerr != nil {
		log.Printf("⚠️  recorder[%s]: mark event %d transcription_status=error: %v", r.stationPI, eventID, uerr)
	}
}

// encodeOGG shells out to ffmpeg for the OGG/Opus encode, matching the
// teacher's exec.Command + captured-stderr style.
func encodeOGG(wavPath, oggPath string) error {
	cmd := exec.Command("ffmpeg", "-y", "-i", wavPath,
		"-c:a", "libopus", "-b:a", "48k", oggPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg encode ogg: %w: %s", err, stderr.String())
	}
	return nil
}
