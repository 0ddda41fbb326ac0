package eventstore

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tubalainen/rds-guard/internal/clock"
	"github.com/tubalainen/rds-guard/internal/models"
)

func newTestStore(t *testing.T, now time.Time) *Store {
	t.Helper()
	// One named in-memory DB per test: shared across the pool's connections,
	// isolated from the package's other tests.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&models.Event{}))
	s := Open(gdb, &clock.MockClock{MockTime: now})
	t.Cleanup(s.Close)
	return s
}

func TestInsertAndEndEvent(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, start)

	id, err := s.InsertEvent(&models.Event{
		Type:      models.EventTraffic,
		Severity:  models.SeverityInfo,
		StationPI: "0x9E04",
		StationPS: "P4 Sthlm",
	})
	require.NoError(t, err)
	assert.NotZero(t, id)

	active, err := s.ActiveTrafficOrEmergency("0x9E04", models.EventTraffic)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, models.StateStart, active.State)
	assert.Nil(t, active.EndedAt)

	require.NoError(t, s.EndEvent(id, nil))

	active, err = s.ActiveTrafficOrEmergency("0x9E04", models.EventTraffic)
	require.NoError(t, err)
	assert.Nil(t, active, "ended event must no longer be active")
}

func TestAppendRadiotextDedupsAndCaps(t *testing.T) {
	s := newTestStore(t, time.Now())
	id, err := s.InsertEvent(&models.Event{Type: models.EventTraffic, Severity: models.SeverityInfo, StationPI: "pi1"})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.AppendRadiotext(id, "same text"))
	}
	var e models.Event
	require.NoError(t, s.db.First(&e, id).Error)
	assert.Len(t, e.Radiotext(), 1, "identical RT must not duplicate")

	for i := 0; i < 10; i++ {
		require.NoError(t, s.AppendRadiotext(id, "distinct "+string(rune('a'+i))))
	}
	require.NoError(t, s.db.First(&e, id).Error)
	assert.LessOrEqual(t, len(e.Radiotext()), 8, "radiotext sequence must cap at 8 snapshots")
}

func TestCloseStaleActiveOnStartup(t *testing.T) {
	s := newTestStore(t, time.Now())
	id, err := s.InsertEvent(&models.Event{Type: models.EventEmergency, Severity: models.SeverityCritical, StationPI: "pi1"})
	require.NoError(t, err)

	n, err := s.CloseStaleActiveOnStartup()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	var e models.Event
	require.NoError(t, s.db.First(&e, id).Error)
	assert.Equal(t, models.StateEnd, e.State)
	assert.NotNil(t, e.EndedAt)
	assert.Equal(t, models.TranscriptionNone, e.TranscriptionStatus)
}

func TestEventsFilterAndPagination(t *testing.T) {
	s := newTestStore(t, time.Now())
	for i := 0; i < 5; i++ {
		_, err := s.InsertEvent(&models.Event{Type: models.EventTraffic, Severity: models.SeverityInfo, StationPI: "pi1"})
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, err := s.InsertEvent(&models.Event{Type: models.EventEmergency, Severity: models.SeverityCritical, StationPI: "pi1"})
		require.NoError(t, err)
	}

	events, total, err := s.Events(EventFilter{Types: []models.EventType{models.EventTraffic}, Limit: 3})
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
	assert.Len(t, events, 3)
}

func TestPurgeOlderThanReturnsAudioStems(t *testing.T) {
	s := newTestStore(t, time.Now())
	audioPath := "1.ogg"
	endedLongAgo := time.Now().Add(-100 * 24 * time.Hour)
	old := &models.Event{
		Type: models.EventTraffic, Severity: models.SeverityInfo, StationPI: "pi1",
		State:     models.StateEnd,
		StartedAt: endedLongAgo.Add(-time.Minute), EndedAt: &endedLongAgo,
		AudioPath: &audioPath,
	}
	require.NoError(t, s.db.Create(old).Error)

	// A still-open event must never be purged, however old its start is.
	openEvent := &models.Event{
		Type: models.EventTraffic, Severity: models.SeverityInfo, StationPI: "pi2",
		StartedAt: endedLongAgo,
	}
	require.NoError(t, s.db.Create(openEvent).Error)

	stems, err := s.PurgeOlderThan(time.Now().Add(-30 * 24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"1.ogg"}, stems)

	var count int64
	require.NoError(t, s.db.Model(&models.Event{}).Count(&count).Error)
	assert.EqualValues(t, 1, count, "only the ended event is purged")
}

func TestSweepOrphanAudioRemovesUnreferencedOldFiles(t *testing.T) {
	s := newTestStore(t, time.Now())
	dir := t.TempDir()

	referenced := "5.ogg"
	_, err := s.InsertEvent(&models.Event{
		Type: models.EventTraffic, Severity: models.SeverityInfo, StationPI: "pi1",
		AudioPath: &referenced,
	})
	require.NoError(t, err)

	for _, name := range []string{"5.ogg", "5.wav", "99.ogg", "99.wav"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
		old := time.Now().Add(-48 * time.Hour)
		require.NoError(t, os.Chtimes(filepath.Join(dir, name), old, old))
	}

	s.SweepOrphanAudio(dir, time.Now().Add(-24*time.Hour))

	_, err = os.Stat(filepath.Join(dir, "5.ogg"))
	assert.NoError(t, err, "referenced audio survives the sweep")
	_, err = os.Stat(filepath.Join(dir, "99.ogg"))
	assert.True(t, os.IsNotExist(err), "orphan ogg is removed")
	_, err = os.Stat(filepath.Join(dir, "99.wav"))
	assert.True(t, os.IsNotExist(err), "orphan wav is removed")
}
