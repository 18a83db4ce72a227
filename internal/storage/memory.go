package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/t77yq/alert-notifier/internal/model"
)

// MemoryStore implements Store in process memory. Values are copied in and
// out so callers never share state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	alerts  map[int64]model.AlertSnapshot
	records map[int64]model.AlertChangedRecord
	history []model.HistoryEntry
	nextID  int64
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts:  make(map[int64]model.AlertSnapshot),
		records: make(map[int64]model.AlertChangedRecord),
	}
}

func copyRecord(rec model.AlertChangedRecord) *model.AlertChangedRecord {
	if rec.RemindAt != nil {
		t := *rec.RemindAt
		rec.RemindAt = &t
	}
	return &rec
}

func (s *MemoryStore) SaveAlert(_ context.Context, alert *model.AlertSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[alert.AlertID] = *alert
	return nil
}

func (s *MemoryStore) FindAlert(_ context.Context, id int64) (*model.AlertSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	alert, ok := s.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &alert, nil
}

func (s *MemoryStore) CurrentlyRaised(_ context.Context) ([]*model.AlertSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var alerts []*model.AlertSnapshot
	for _, alert := range s.alerts {
		if alert.Raised() {
			a := alert
			alerts = append(alerts, &a)
		}
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].AlertID < alerts[j].AlertID })
	return alerts, nil
}

func (s *MemoryStore) InsertRecord(_ context.Context, rec *model.AlertChangedRecord, byRule bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.At
	}
	s.nextID++
	rec.ID = s.nextID
	s.records[rec.ID] = *copyRecord(*rec)

	for id, other := range s.records {
		if id == rec.ID || other.AlertID != rec.AlertID || other.Person != rec.Person || other.RemindAt == nil {
			continue
		}
		if byRule && other.Rule != rec.Rule {
			continue
		}
		other.RemindAt = nil
		other.UpdatedAt = rec.UpdatedAt
		s.records[id] = other
	}
	return nil
}

func (s *MemoryStore) UpdateRecord(_ context.Context, rec *model.AlertChangedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.records[rec.ID]
	if !ok {
		return ErrNotFound
	}
	stored.RemindAt = copyRecord(*rec).RemindAt
	stored.WasRelevant = rec.WasRelevant
	stored.UpdatedAt = rec.UpdatedAt
	s.records[rec.ID] = stored
	return nil
}

func (s *MemoryStore) DeleteRecord(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) GetRecord(_ context.Context, id int64) (*model.AlertChangedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

func (s *MemoryStore) RecordsFor(_ context.Context, alertID int64, person string) ([]*model.AlertChangedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var records []*model.AlertChangedRecord
	for _, rec := range s.records {
		if rec.AlertID == alertID && rec.Person == person {
			records = append(records, copyRecord(rec))
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Newer(records[j]) })
	return records, nil
}

func (s *MemoryStore) LatestRecord(ctx context.Context, alertID int64, person string) (*model.AlertChangedRecord, error) {
	records, err := s.RecordsFor(ctx, alertID, person)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records[0], nil
}

func (s *MemoryStore) pending(before *time.Time) []*model.AlertChangedRecord {
	var records []*model.AlertChangedRecord
	for _, rec := range s.records {
		if rec.RemindAt == nil {
			continue
		}
		if before != nil && !rec.RemindAt.Before(*before) {
			continue
		}
		records = append(records, copyRecord(rec))
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].RemindAt.Equal(*records[j].RemindAt) {
			return records[i].RemindAt.Before(*records[j].RemindAt)
		}
		return records[i].ID < records[j].ID
	})
	return records
}

func (s *MemoryStore) NextDue(_ context.Context) (*model.AlertChangedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.pending(nil)
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records[0], nil
}

func (s *MemoryStore) AllOverdue(_ context.Context, at time.Time) ([]*model.AlertChangedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending(&at), nil
}

func (s *MemoryStore) CountPending(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending(nil)), nil
}

func (s *MemoryStore) AppendHistory(_ context.Context, entry *model.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, *entry)
	return nil
}

func (s *MemoryStore) History(_ context.Context, alertID int64) ([]*model.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var entries []*model.HistoryEntry
	for _, entry := range s.history {
		if entry.AlertID == alertID {
			e := entry
			entries = append(entries, &e)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	return entries, nil
}

func (s *MemoryStore) DeleteHistoryBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.history[:0]
	var deleted int64
	for _, entry := range s.history {
		if entry.CreatedAt.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, entry)
	}
	s.history = kept
	return deleted, nil
}

func (s *MemoryStore) Close() error { return nil }
