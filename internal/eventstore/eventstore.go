// Package eventstore serializes all writes to the events table through a
// single goroutine consuming a command channel, matching spec §4.7's
// concurrency contract; reads go straight to gorm's own mutex-safe path.
package eventstore

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tubalainen/rds-guard/internal/clock"
	"github.com/tubalainen/rds-guard/internal/models"
)

type command struct {
	run  func(*gorm.DB) error
	done chan error
}

// Store is the durable event lifecycle store. Safe for concurrent use —
// every mutation is funneled through a single writer goroutine.
type Store struct {
	db    *gorm.DB
	clock clock.Clock
	cmds  chan command
	done  chan struct{}
}

// Open starts the writer goroutine over db. Call Close to stop it.
func Open(db *gorm.DB, c clock.Clock) *Store {
	s := &Store{
		db:    db,
		clock: c,
		cmds:  make(chan command),
		done:  make(chan struct{}),
	}
	go s.writerLoop()
	return s
}

func (s *Store) writerLoop() {
	defer close(s.done)
	for cmd := range s.cmds {
		cmd.done <- cmd.run(s.db)
	}
}

func (s *Store) exec(run func(*gorm.DB) error) error {
	done := make(chan error, 1)
	s.cmds <- command{run: run, done: done}
	return <-done
}

// DB exposes the underlying *gorm.DB for read-only queries outside the
// operations this package already wraps (e.g. the API's ad-hoc filters).
func (s *Store) DB() *gorm.DB { return s.db }

// Close stops accepting writes once in-flight commands drain.
func (s *Store) Close() {
	close(s.cmds)
	<-s.done
}

// InsertEvent creates a new event row in state=start. Returns the event id.
func (s *Store) InsertEvent(e *models.Event) (uint64, error) {
	if e.StartedAt.IsZero() {
		e.StartedAt = s.clock.Now()
	}
	if e.State == "" {
		e.State = models.StateStart
	}
	if e.TranscriptionStatus == "" {
		e.TranscriptionStatus = models.TranscriptionNone
	}
	err := s.exec(func(db *gorm.DB) error {
		return db.Create(e).Error
	})
	return e.ID, err
}

// AppendRadiotext appends rt to the event's RT snapshot sequence — only
// called by the rules engine with complete (non-partial) RadioText.
func (s *Store) AppendRadiotext(eventID uint64, rt string) error {
	return s.exec(func(db *gorm.DB) error {
		var e models.Event
		if err := db.First(&e, eventID).Error; err != nil {
			return err
		}
		e.AppendRadiotext(rt)
		return db.Model(&e).Update("radiotext_json", e.RadiotextJSON).Error
	})
}

// EndEvent transitions an event to state=end, stamping ended_at.
func (s *Store) EndEvent(eventID uint64, data map[string]string) error {
	now := s.clock.Now()
	return s.exec(func(db *gorm.DB) error {
		updates := map[string]any{
			"state":    models.StateEnd,
			"ended_at": now,
		}
		if data != nil {
			var e models.Event
			e.SetData(data)
			updates["data_json"] = e.DataJSON
		}
		return db.Model(&models.Event{}).Where("id = ?", eventID).Updates(updates).Error
	})
}

// UpdateAudio sets the event's finalized audio path.
func (s *Store) UpdateAudio(eventID uint64, audioPath string) error {
	return s.exec(func(db *gorm.DB) error {
		return db.Model(&models.Event{}).Where("id = ?", eventID).Update("audio_path", audioPath).Error
	})
}

// UpdateTranscription sets the transcription text, status, and duration,
// and advances an ended event to its terminal transcribed /
// transcription_failed state.
func (s *Store) UpdateTranscription(eventID uint64, text string, status models.TranscriptionStatus, durationSec *float64) error {
	return s.exec(func(db *gorm.DB) error {
		updates := map[string]any{
			"transcription":              text,
			"transcription_status":       status,
			"transcription_duration_sec": durationSec,
		}
		switch status {
		case models.TranscriptionDone:
			updates["state"] = models.StateTranscribed
		case models.TranscriptionError:
			updates["state"] = models.StateTranscriptionFailed
		}
		return db.Model(&models.Event{}).
			Where("id = ? AND state IN ?", eventID, []models.EventState{models.StateEnd, models.StateTranscribed, models.StateTranscriptionFailed}).
			Updates(updates).Error
	})
}

// UpdateTranscriptionStatus updates the status field, moving an ended
// event to transcription_failed when the status is terminal-error.
func (s *Store) UpdateTranscriptionStatus(eventID uint64, status models.TranscriptionStatus) error {
	return s.exec(func(db *gorm.DB) error {
		updates := map[string]any{"transcription_status": status}
		if status == models.TranscriptionError {
			db.Model(&models.Event{}).
				Where("id = ? AND state = ?", eventID, models.StateEnd).
				Update("state", models.StateTranscriptionFailed)
		}
		return db.Model(&models.Event{}).Where("id = ?", eventID).Updates(updates).Error
	})
}

// Get returns the event with the given id, or nil if no such row exists.
func (s *Store) Get(id uint64) (*models.Event, error) {
	var e models.Event
	err := s.db.First(&e, id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ActiveTrafficOrEmergency returns the open event for (stationPI, type), if
// any — used to enforce the "exactly one active event per (Station, type)"
// invariant before starting a new one.
func (s *Store) ActiveTrafficOrEmergency(stationPI string, eventType models.EventType) (*models.Event, error) {
	var e models.Event
	err := s.db.Where("station_pi = ? AND type = ? AND ended_at IS NULL", stationPI, eventType).
		Order("started_at DESC").First(&e).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ActiveEvents returns every event currently open (ended_at IS NULL).
func (s *Store) ActiveEvents() ([]models.Event, error) {
	var events []models.Event
	err := s.db.Where("ended_at IS NULL").Order("started_at DESC").Find(&events).Error
	return events, err
}

// EventFilter narrows Events() results.
type EventFilter struct {
	Types  []models.EventType
	Since  *time.Time
	Limit  int
	Offset int
}

// Events returns a page of events matching filter and the total count
// ignoring pagination, matching spec §6's `{total, events}` envelope.
func (s *Store) Events(f EventFilter) ([]models.Event, int64, error) {
	q := s.db.Model(&models.Event{})
	if len(f.Types) > 0 {
		q = q.Where("type IN ?", f.Types)
	}
	if f.Since != nil {
		q = q.Where("started_at > ?", *f.Since)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	var events []models.Event
	err := q.Order("started_at DESC").Limit(limit).Offset(f.Offset).Find(&events).Error
	return events, total, err
}

// PurgeOlderThan deletes events ended before the retention cutoff, and
// returns their audio paths as stored in audio_path (e.g. "1.ogg") for the
// caller to sweep from disk — deletion is atomic per event: DB row then file.
func (s *Store) PurgeOlderThan(cutoff time.Time) ([]string, error) {
	var audioPaths []string
	err := s.exec(func(db *gorm.DB) error {
		var toDelete []models.Event
		if err := db.Where("ended_at IS NOT NULL AND ended_at < ? AND audio_path IS NOT NULL", cutoff).Find(&toDelete).Error; err != nil {
			return err
		}
		for _, e := range toDelete {
			if e.AudioPath != nil && *e.AudioPath != "" {
				audioPaths = append(audioPaths, *e.AudioPath)
			}
		}
		res := db.Where("ended_at IS NOT NULL AND ended_at < ?", cutoff).Delete(&models.Event{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			log.Printf("🧹 purged %d events older than %s", res.RowsAffected, cutoff.Format(time.RFC3339))
		}
		return nil
	})
	return audioPaths, err
}

// PurgeAudioFiles takes audio paths as stored in audio_path, strips their
// extension, and removes both the .wav and .ogg file of that name from
// audioDir. Best-effort.
func PurgeAudioFiles(audioDir string, stems []string) {
	for _, stem := range stems {
		base := stem
		if i := strings.LastIndex(stem, "."); i >= 0 {
			base = stem[:i]
		}
		for _, ext := range []string{".ogg", ".wav"} {
			path := filepath.Join(audioDir, base+ext)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				log.Printf("⚠️  purge audio %s: %v", path, err)
			}
		}
	}
}

// SweepOrphanAudio removes audio files in audioDir that no event row
// references and whose mtime is older than cutoff — spec §4.7's orphan
// sweep (retention_days + 1). Best-effort.
func (s *Store) SweepOrphanAudio(audioDir string, cutoff time.Time) {
	var rows []models.Event
	if err := s.db.Where("audio_path IS NOT NULL").Find(&rows).Error; err != nil {
		log.Printf("⚠️  orphan sweep: list referenced audio: %v", err)
		return
	}
	referenced := map[string]bool{}
	for _, e := range rows {
		if e.AudioPath == nil || *e.AudioPath == "" {
			continue
		}
		base := *e.AudioPath
		if i := strings.LastIndex(base, "."); i >= 0 {
			base = base[:i]
		}
		referenced[base] = true
	}

	entries, err := os.ReadDir(audioDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := filepath.Ext(name)
		if ext != ".wav" && ext != ".ogg" {
			continue
		}
		if referenced[strings.TrimSuffix(name, ext)] {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(audioDir, name)
		if err := os.Remove(path); err != nil {
			log.Printf("⚠️  orphan sweep: remove %s: %v", path, err)
		} else {
			log.Printf("🧹 orphan sweep: removed %s", path)
		}
	}
}

// CloseStaleActiveOnStartup marks any event left open by a prior run as
// ended — spec §3 invariant 6: stale recordings never remain active.
func (s *Store) CloseStaleActiveOnStartup() (int64, error) {
	now := s.clock.Now()
	var affected int64
	err := s.exec(func(db *gorm.DB) error {
		res := db.Model(&models.Event{}).Where("ended_at IS NULL").Updates(map[string]any{
			"state":                 models.StateEnd,
			"ended_at":              now,
			"transcription_status": models.TranscriptionNone,
		})
		affected = res.RowsAffected
		return res.Error
	})
	if err == nil && affected > 0 {
		log.Printf("🧹 closed %d stale active events from previous run", affected)
	}
	return affected, err
}

// DeleteAll clears every event row — backs DELETE /api/events.
func (s *Store) DeleteAll() (int64, error) {
	var affected int64
	err := s.exec(func(db *gorm.DB) error {
		res := db.Where("1 = 1").Delete(&models.Event{})
		affected = res.RowsAffected
		return res.Error
	})
	return affected, err
}
