package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/alert-notifier/internal/clock"
	"github.com/t77yq/alert-notifier/internal/model"
)

// SQLiteStore implements Store using SQLite. Times are stored as unix nanoseconds.
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
	clock  clock.Clock
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
// ":memory:" gives a private in-memory database. clk stamps alert writes;
// nil means the wall clock.
func NewSQLiteStore(logger *zap.Logger, dbPath string, clk clock.Clock) (*SQLiteStore, error) {
	if clk == nil {
		clk = clock.Real{}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection serializes writers and keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		logger: logger.Named("storage"),
		db:     db,
		clock:  clk,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY,
			payload TEXT NOT NULL,
			raised INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_alerts_raised ON alerts(raised);

		CREATE TABLE IF NOT EXISTS alert_changes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			alert_id INTEGER NOT NULL,
			person TEXT NOT NULL,
			rule TEXT NOT NULL DEFAULT '',
			at INTEGER NOT NULL,
			was_relevant INTEGER NOT NULL DEFAULT 0,
			level TEXT NOT NULL,
			update_type TEXT NOT NULL,
			remind_at INTEGER,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_alert_changes_pair ON alert_changes(alert_id, person);
		CREATE INDEX IF NOT EXISTS idx_alert_changes_remind_at ON alert_changes(remind_at);

		CREATE TABLE IF NOT EXISTS history (
			id TEXT PRIMARY KEY,
			alert_id INTEGER NOT NULL,
			type TEXT NOT NULL,
			event TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_history_alert_id ON history(alert_id);
		CREATE INDEX IF NOT EXISTS idx_history_created_at ON history(created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

// SaveAlert implements Store.SaveAlert
func (s *SQLiteStore) SaveAlert(ctx context.Context, alert *model.AlertSnapshot) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, payload, raised, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			raised = excluded.raised,
			updated_at = excluded.updated_at`,
		alert.AlertID,
		string(payload),
		alert.Raised(),
		toNanos(s.clock.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save alert: %w", err)
	}
	return nil
}

// FindAlert implements Store.FindAlert
func (s *SQLiteStore) FindAlert(ctx context.Context, id int64) (*model.AlertSnapshot, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM alerts WHERE id = ?", id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find alert: %w", err)
	}

	var alert model.AlertSnapshot
	if err := json.Unmarshal([]byte(payload), &alert); err != nil {
		return nil, fmt.Errorf("failed to unmarshal alert: %w", err)
	}
	return &alert, nil
}

// CurrentlyRaised implements Store.CurrentlyRaised
func (s *SQLiteStore) CurrentlyRaised(ctx context.Context) ([]*model.AlertSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT payload FROM alerts WHERE raised = 1 ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list raised alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*model.AlertSnapshot
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		var alert model.AlertSnapshot
		if err := json.Unmarshal([]byte(payload), &alert); err != nil {
			return nil, fmt.Errorf("failed to unmarshal alert: %w", err)
		}
		alerts = append(alerts, &alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return alerts, nil
}

// InsertRecord implements Store.InsertRecord
func (s *SQLiteStore) InsertRecord(ctx context.Context, rec *model.AlertChangedRecord, byRule bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.At
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO alert_changes (
			alert_id, person, rule, at, was_relevant, level, update_type, remind_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.AlertID,
		rec.Person,
		rec.Rule,
		toNanos(rec.At),
		rec.WasRelevant,
		string(rec.Level),
		string(rec.UpdateType),
		nullNanos(rec.RemindAt),
		toNanos(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert change: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get inserted id: %w", err)
	}

	query := `
		UPDATE alert_changes SET remind_at = NULL, updated_at = ?
		WHERE alert_id = ? AND person = ? AND id != ? AND remind_at IS NOT NULL`
	args := []any{toNanos(rec.UpdatedAt), rec.AlertID, rec.Person, id}
	if byRule {
		query += " AND rule = ?"
		args = append(args, rec.Rule)
	}
	cleared, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to clear earlier reminders: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit alert change: %w", err)
	}
	rec.ID = id

	if n, err := cleared.RowsAffected(); err == nil && n > 0 {
		s.logger.Debug("Cleared earlier reminders",
			zap.Int64("alert_id", rec.AlertID),
			zap.String("person", rec.Person),
			zap.Int64("cleared", n))
	}
	return nil
}

// UpdateRecord implements Store.UpdateRecord
func (s *SQLiteStore) UpdateRecord(ctx context.Context, rec *model.AlertChangedRecord) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE alert_changes SET
			remind_at = ?,
			was_relevant = ?,
			updated_at = ?
		WHERE id = ?`,
		nullNanos(rec.RemindAt),
		rec.WasRelevant,
		toNanos(rec.UpdatedAt),
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update alert change: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRecord implements Store.DeleteRecord
func (s *SQLiteStore) DeleteRecord(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM alert_changes WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete alert change: %w", err)
	}
	return nil
}

const recordColumns = "id, alert_id, person, rule, at, was_relevant, level, update_type, remind_at, updated_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*model.AlertChangedRecord, error) {
	var (
		rec       model.AlertChangedRecord
		at        int64
		updatedAt int64
		remindAt  sql.NullInt64
		level     string
		update    string
	)
	err := row.Scan(
		&rec.ID,
		&rec.AlertID,
		&rec.Person,
		&rec.Rule,
		&at,
		&rec.WasRelevant,
		&level,
		&update,
		&remindAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.At = fromNanos(at)
	rec.UpdatedAt = fromNanos(updatedAt)
	rec.Level = model.Level(level)
	rec.UpdateType = model.UpdateType(update)
	if remindAt.Valid {
		t := fromNanos(remindAt.Int64)
		rec.RemindAt = &t
	}
	return &rec, nil
}

func (s *SQLiteStore) queryRecords(ctx context.Context, query string, args ...any) ([]*model.AlertChangedRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert changes: %w", err)
	}
	defer rows.Close()

	var records []*model.AlertChangedRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert change: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) queryRecord(ctx context.Context, query string, args ...any) (*model.AlertChangedRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan alert change: %w", err)
	}
	return rec, nil
}

// GetRecord implements Store.GetRecord
func (s *SQLiteStore) GetRecord(ctx context.Context, id int64) (*model.AlertChangedRecord, error) {
	return s.queryRecord(ctx, "SELECT "+recordColumns+" FROM alert_changes WHERE id = ?", id)
}

// RecordsFor implements Store.RecordsFor
func (s *SQLiteStore) RecordsFor(ctx context.Context, alertID int64, person string) ([]*model.AlertChangedRecord, error) {
	return s.queryRecords(ctx, "SELECT "+recordColumns+` FROM alert_changes
		WHERE alert_id = ? AND person = ?
		ORDER BY at DESC, id DESC`, alertID, person)
}

// LatestRecord implements Store.LatestRecord
func (s *SQLiteStore) LatestRecord(ctx context.Context, alertID int64, person string) (*model.AlertChangedRecord, error) {
	return s.queryRecord(ctx, "SELECT "+recordColumns+` FROM alert_changes
		WHERE alert_id = ? AND person = ?
		ORDER BY at DESC, id DESC LIMIT 1`, alertID, person)
}

// NextDue implements Store.NextDue
func (s *SQLiteStore) NextDue(ctx context.Context) (*model.AlertChangedRecord, error) {
	return s.queryRecord(ctx, "SELECT "+recordColumns+` FROM alert_changes
		WHERE remind_at IS NOT NULL
		ORDER BY remind_at ASC, id ASC LIMIT 1`)
}

// AllOverdue implements Store.AllOverdue
func (s *SQLiteStore) AllOverdue(ctx context.Context, at time.Time) ([]*model.AlertChangedRecord, error) {
	return s.queryRecords(ctx, "SELECT "+recordColumns+` FROM alert_changes
		WHERE remind_at IS NOT NULL AND remind_at < ?
		ORDER BY remind_at ASC, id ASC`, toNanos(at))
}

// CountPending implements Store.CountPending
func (s *SQLiteStore) CountPending(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM alert_changes WHERE remind_at IS NOT NULL").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending reminders: %w", err)
	}
	return count, nil
}

// AppendHistory implements Store.AppendHistory
func (s *SQLiteStore) AppendHistory(ctx context.Context, entry *model.HistoryEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO history (id, alert_id, type, event, created_at) VALUES (?, ?, ?, ?, ?)`,
		entry.ID,
		entry.AlertID,
		string(entry.Type),
		entry.Event,
		toNanos(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to store history: %w", err)
	}
	return nil
}

// History implements Store.History
func (s *SQLiteStore) History(ctx context.Context, alertID int64) ([]*model.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, alert_id, type, event, created_at FROM history
		WHERE alert_id = ?
		ORDER BY created_at ASC, rowid ASC`, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var entries []*model.HistoryEntry
	for rows.Next() {
		var (
			entry     model.HistoryEntry
			typ       string
			createdAt int64
		)
		if err := rows.Scan(&entry.ID, &entry.AlertID, &typ, &entry.Event, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		entry.Type = model.HistoryType(typ)
		entry.CreatedAt = fromNanos(createdAt)
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return entries, nil
}

// DeleteHistoryBefore implements Store.DeleteHistoryBefore
func (s *SQLiteStore) DeleteHistoryBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM history WHERE created_at < ?", toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("failed to delete history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old history entries",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
