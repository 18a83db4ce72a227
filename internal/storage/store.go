package storage

import (
	"context"
	"errors"
	"time"

	"github.com/t77yq/alert-notifier/internal/model"
)

// ErrNotFound is returned when a requested alert or record does not exist
var ErrNotFound = errors.New("not found")

// Store persists alerts, alert changed records and history entries.
//
// Records are ordered by (At, ID); "latest" means the greatest pair.
type Store interface {
	// SaveAlert inserts or replaces the snapshot of an alert
	SaveAlert(ctx context.Context, alert *model.AlertSnapshot) error

	// FindAlert returns ErrNotFound for unknown ids
	FindAlert(ctx context.Context, id int64) (*model.AlertSnapshot, error)

	// CurrentlyRaised lists raised and not cleared alerts by id
	CurrentlyRaised(ctx context.Context) ([]*model.AlertSnapshot, error)

	// InsertRecord stores rec, assigning its ID, and in the same transaction
	// clears RemindAt on every other pending record of the same alert and
	// person. When byRule is set only records of the same rule are cleared.
	InsertRecord(ctx context.Context, rec *model.AlertChangedRecord, byRule bool) error

	// UpdateRecord saves RemindAt, WasRelevant and UpdatedAt of an existing record
	UpdateRecord(ctx context.Context, rec *model.AlertChangedRecord) error

	DeleteRecord(ctx context.Context, id int64) error

	// GetRecord returns ErrNotFound for unknown ids
	GetRecord(ctx context.Context, id int64) (*model.AlertChangedRecord, error)

	// RecordsFor returns the records of one alert and person, latest first
	RecordsFor(ctx context.Context, alertID int64, person string) ([]*model.AlertChangedRecord, error)

	// LatestRecord returns ErrNotFound when the pair has no records
	LatestRecord(ctx context.Context, alertID int64, person string) (*model.AlertChangedRecord, error)

	// NextDue returns the pending record with the earliest RemindAt, or ErrNotFound
	NextDue(ctx context.Context) (*model.AlertChangedRecord, error)

	// AllOverdue returns pending records with RemindAt strictly before at, earliest first
	AllOverdue(ctx context.Context, at time.Time) ([]*model.AlertChangedRecord, error)

	CountPending(ctx context.Context) (int, error)

	// AppendHistory stores an audit entry
	AppendHistory(ctx context.Context, entry *model.HistoryEntry) error

	// History returns the entries of one alert, oldest first
	History(ctx context.Context, alertID int64) ([]*model.HistoryEntry, error)

	// DeleteHistoryBefore removes entries created before the given time
	DeleteHistoryBefore(ctx context.Context, before time.Time) (int64, error)

	Close() error
}
