package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/alert-notifier/internal/clock"
	"github.com/t77yq/alert-notifier/internal/model"
)

func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("sqlite", func(t *testing.T) {
		store, err := NewSQLiteStore(zap.NewNop(), filepath.Join(t.TempDir(), "test.db"), clock.NewFake(base))
		require.NoError(t, err)
		defer store.Close()
		fn(t, store)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
}

var base = time.Date(2011, 8, 1, 10, 0, 0, 0, time.UTC)

func timePtr(t time.Time) *time.Time { return &t }

func newRecord(alertID int64, person string, at time.Time, remindAt *time.Time) *model.AlertChangedRecord {
	return &model.AlertChangedRecord{
		AlertID:     alertID,
		Person:      person,
		At:          at,
		WasRelevant: true,
		Level:       model.LevelUrgent,
		UpdateType:  model.UpdateRaised,
		RemindAt:    remindAt,
	}
}

func TestStore_Alerts(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		_, err := store.FindAlert(ctx, 1)
		assert.ErrorIs(t, err, ErrNotFound)

		raised := base
		alert := &model.AlertSnapshot{AlertID: 1, Ref: "disk", Source: "host1", Subject: "host1", RaisedAtTime: &raised}
		require.NoError(t, store.SaveAlert(ctx, alert))
		require.NoError(t, store.SaveAlert(ctx, &model.AlertSnapshot{AlertID: 2, Ref: "load", Source: "host2"}))

		found, err := store.FindAlert(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "disk", found.Ref)
		assert.True(t, found.Raised())

		current, err := store.CurrentlyRaised(ctx)
		require.NoError(t, err)
		require.Len(t, current, 1)
		assert.Equal(t, int64(1), current[0].AlertID)

		cleared := base.Add(time.Hour)
		alert.ClearedAt = &cleared
		require.NoError(t, store.SaveAlert(ctx, alert))

		current, err = store.CurrentlyRaised(ctx)
		require.NoError(t, err)
		assert.Empty(t, current)
	})
}

func TestStore_InsertClearsEarlierReminder(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		first := newRecord(1, "test1", base, timePtr(base.Add(10*time.Minute)))
		require.NoError(t, store.InsertRecord(ctx, first, false))
		assert.NotZero(t, first.ID)

		other := newRecord(1, "test2", base, timePtr(base.Add(10*time.Minute)))
		require.NoError(t, store.InsertRecord(ctx, other, false))

		second := newRecord(1, "test1", base.Add(time.Minute), timePtr(base.Add(15*time.Minute)))
		require.NoError(t, store.InsertRecord(ctx, second, false))

		records, err := store.RecordsFor(ctx, 1, "test1")
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, second.ID, records[0].ID)

		pending := 0
		for _, rec := range records {
			if rec.Pending() {
				pending++
			}
		}
		assert.Equal(t, 1, pending)

		stillPending, err := store.GetRecord(ctx, other.ID)
		require.NoError(t, err)
		assert.True(t, stillPending.Pending())

		count, err := store.CountPending(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})
}

func TestStore_InsertByRule(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		a := newRecord(1, "test1", base, timePtr(base.Add(10*time.Minute)))
		a.Rule = "default/0"
		b := newRecord(1, "test1", base, timePtr(base.Add(15*time.Minute)))
		b.Rule = "default/1"
		require.NoError(t, store.InsertRecord(ctx, a, true))
		require.NoError(t, store.InsertRecord(ctx, b, true))

		count, err := store.CountPending(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		c := newRecord(1, "test1", base.Add(time.Minute), timePtr(base.Add(20*time.Minute)))
		c.Rule = "default/0"
		require.NoError(t, store.InsertRecord(ctx, c, true))

		got, err := store.GetRecord(ctx, a.ID)
		require.NoError(t, err)
		assert.False(t, got.Pending())

		got, err = store.GetRecord(ctx, b.ID)
		require.NoError(t, err)
		assert.True(t, got.Pending())
	})
}

func TestStore_LatestRecordOrdering(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		_, err := store.LatestRecord(ctx, 1, "test1")
		assert.ErrorIs(t, err, ErrNotFound)

		later := newRecord(1, "test1", base.Add(time.Hour), nil)
		require.NoError(t, store.InsertRecord(ctx, later, false))
		// inserted afterwards but happened earlier
		earlier := newRecord(1, "test1", base, nil)
		require.NoError(t, store.InsertRecord(ctx, earlier, false))
		// same time as later, higher id wins
		tie := newRecord(1, "test1", base.Add(time.Hour), nil)
		tie.UpdateType = model.UpdateCleared
		require.NoError(t, store.InsertRecord(ctx, tie, false))

		latest, err := store.LatestRecord(ctx, 1, "test1")
		require.NoError(t, err)
		assert.Equal(t, tie.ID, latest.ID)
		assert.Equal(t, model.UpdateCleared, latest.UpdateType)
		assert.True(t, latest.At.Equal(base.Add(time.Hour)))
	})
}

func TestStore_DueAndOverdue(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		_, err := store.NextDue(ctx)
		assert.ErrorIs(t, err, ErrNotFound)

		r1 := newRecord(1, "test1", base, timePtr(base.Add(30*time.Minute)))
		r2 := newRecord(2, "test1", base, timePtr(base.Add(10*time.Minute)))
		r3 := newRecord(3, "test1", base, timePtr(base.Add(20*time.Minute)))
		r4 := newRecord(4, "test1", base, nil)
		for _, r := range []*model.AlertChangedRecord{r1, r2, r3, r4} {
			require.NoError(t, store.InsertRecord(ctx, r, false))
		}

		next, err := store.NextDue(ctx)
		require.NoError(t, err)
		assert.Equal(t, r2.ID, next.ID)
		assert.True(t, next.RemindAt.Equal(base.Add(10*time.Minute)))

		overdue, err := store.AllOverdue(ctx, base.Add(30*time.Minute))
		require.NoError(t, err)
		require.Len(t, overdue, 2)
		assert.Equal(t, r2.ID, overdue[0].ID)
		assert.Equal(t, r3.ID, overdue[1].ID)

		r2.RemindAt = nil
		r2.UpdatedAt = base.Add(11 * time.Minute)
		require.NoError(t, store.UpdateRecord(ctx, r2))

		next, err = store.NextDue(ctx)
		require.NoError(t, err)
		assert.Equal(t, r3.ID, next.ID)

		require.NoError(t, store.DeleteRecord(ctx, r3.ID))
		_, err = store.GetRecord(ctx, r3.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		assert.ErrorIs(t, store.UpdateRecord(ctx, &model.AlertChangedRecord{ID: 999}), ErrNotFound)
	})
}

func TestStore_History(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		for i, event := range []string{"Raised email notification to test1 (test1@example.com) succeeded", "Cleared email notification to test1 (test1@example.com) succeeded"} {
			require.NoError(t, store.AppendHistory(ctx, &model.HistoryEntry{
				ID:        uuid.New().String(),
				AlertID:   1,
				Type:      model.HistoryNotification,
				Event:     event,
				CreatedAt: base.Add(time.Duration(i) * 24 * time.Hour),
			}))
		}

		entries, err := store.History(ctx, 1)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Contains(t, entries[0].Event, "Raised")

		deleted, err := store.DeleteHistoryBefore(ctx, base.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		entries, err = store.History(ctx, 1)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Contains(t, entries[0].Event, "Cleared")
	})
}

func TestSQLiteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(zap.NewNop(), path, nil)
	require.NoError(t, err)
	rec := newRecord(7, "test1", base, timePtr(base.Add(time.Minute)))
	require.NoError(t, store.InsertRecord(ctx, rec, false))
	require.NoError(t, store.Close())

	store, err = NewSQLiteStore(zap.NewNop(), path, nil)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "test1", got.Person)
	assert.Equal(t, model.LevelUrgent, got.Level)
	require.NotNil(t, got.RemindAt)
	assert.True(t, got.RemindAt.Equal(base.Add(time.Minute)))
}

func TestSQLiteStore_SaveAlertUsesClock(t *testing.T) {
	clk := clock.NewFake(base)
	store, err := NewSQLiteStore(zap.NewNop(), filepath.Join(t.TempDir(), "clock.db"), clk)
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	readStamp := func() int64 {
		var stamp int64
		require.NoError(t, store.db.QueryRowContext(ctx, "SELECT updated_at FROM alerts WHERE id = ?", 3).Scan(&stamp))
		return stamp
	}

	alert := &model.AlertSnapshot{AlertID: 3, Ref: "swap", Source: "host3"}
	require.NoError(t, store.SaveAlert(ctx, alert))
	assert.Equal(t, base.UnixNano(), readStamp())

	clk.Advance(90 * time.Minute)
	require.NoError(t, store.SaveAlert(ctx, alert))
	assert.Equal(t, base.Add(90*time.Minute).UnixNano(), readStamp())
}
