package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/luawatch/pkg/models"
)

// timeLayout is fixed-width so stored timestamps sort and compare as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// SQLiteStore implements the Store interface on a local SQLite file. It backs
// standalone CLI use where no Postgres server is configured.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore wraps a database opened with OpenSQLite.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// OpenSQLiteStore opens the database at path, migrates it and returns a store.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	return NewSQLiteStore(db), nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Aggregation ---

func (s *SQLiteStore) MergeOccurrence(ctx context.Context, rec *models.ErrorRecord) (*models.ErrorRecord, bool, error) {
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin merge: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	merged, err := scanSQLiteRecord(tx.QueryRowContext(ctx,
		`UPDATE error_records SET occurrence_count = occurrence_count + 1, last_seen = ?, updated_at = ?
		 WHERE id = (
		   SELECT id FROM error_records WHERE dedup_key = ? AND status = 'open'
		   ORDER BY last_seen DESC LIMIT 1
		 )
		 RETURNING `+recordColumns, formatTime(now), formatTime(now), rec.DedupKey))
	switch {
	case err == nil:
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("commit merge: %w", err)
		}
		return merged, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, false, fmt.Errorf("increment error record: %w", err)
	}

	prepareNew(rec, now)
	if err := insertSQLite(ctx, tx, rec); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit merge: %w", err)
	}
	return rec, true, nil
}

func (s *SQLiteStore) FindRecentByMessage(ctx context.Context, serverID, message string, since time.Time) (*models.ErrorRecord, error) {
	rec, err := scanSQLiteRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM error_records
		 WHERE server_id = ? AND message = ? AND last_seen >= ?
		 ORDER BY last_seen DESC LIMIT 1`, serverID, message, formatTime(since)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find recent error record: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) Create(ctx context.Context, rec *models.ErrorRecord) error {
	prepareNew(rec, s.now())
	return insertSQLite(ctx, s.db, rec)
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertSQLite(ctx context.Context, q sqlExecer, rec *models.ErrorRecord) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO error_records (`+recordColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.DedupKey, rec.ServerID, rec.Level, rec.Category, rec.Message, rec.Origin,
		rec.StackTrace, rec.Context, rec.OccurrenceCount, formatTime(rec.FirstSeen), formatTime(rec.LastSeen),
		rec.Status, nullableTime(rec.ResolvedAt), nullableTime(rec.ClosedAt), rec.ResolutionNotes,
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create error record: %w", err)
	}
	return nil
}

// --- Queries ---

func (s *SQLiteStore) Get(ctx context.Context, id uuid.UUID) (*models.ErrorRecord, error) {
	rec, err := scanSQLiteRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM error_records WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get error record: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter RecordFilter) ([]*models.ErrorRecord, int, error) {
	where, args := filter.whereClause(sqliteDialect)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM error_records WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count error records: %w", err)
	}

	limit, offset := filter.normalizePage()
	args = append(args, limit, offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM error_records WHERE `+where+` ORDER BY last_seen DESC, id LIMIT ? OFFSET ?`,
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list error records: %w", err)
	}
	defer rows.Close()

	records := []*models.ErrorRecord{}
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan error record: %w", err)
		}
		records = append(records, rec)
	}
	return records, total, rows.Err()
}

// --- Lifecycle ---

func (s *SQLiteStore) MarkResolved(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, models.StatusResolved,
		`UPDATE error_records SET status = 'resolved', resolved_at = COALESCE(resolved_at, ?1), updated_at = ?1 WHERE id = ?2`)
}

func (s *SQLiteStore) MarkClosed(ctx context.Context, id uuid.UUID, notes string) error {
	return s.transition(ctx, id, models.StatusClosed,
		`UPDATE error_records SET status = 'closed', closed_at = COALESCE(closed_at, ?1), resolution_notes = ?3, updated_at = ?1 WHERE id = ?2`,
		nullableString(notes))
}

func (s *SQLiteStore) Reopen(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, models.StatusOpen,
		`UPDATE error_records SET status = 'open', resolved_at = NULL, closed_at = NULL, resolution_notes = NULL, updated_at = ?1 WHERE id = ?2`)
}

// transition validates the move to target and runs query with
// (?1 = now, ?2 = id, ?3... = extra) in the same transaction.
func (s *SQLiteStore) transition(ctx context.Context, id uuid.UUID, target, query string, extra ...any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM error_records WHERE id = ?`, id.String()).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get error record status: %w", err)
	}
	if err := checkTransition(current, target); err != nil {
		return err
	}

	args := append([]any{formatTime(s.now()), id.String()}, extra...)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update error record status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ClearAll(ctx context.Context, serverID string) (int64, error) {
	query := `DELETE FROM error_records`
	var args []any
	if serverID != "" {
		query += ` WHERE server_id = ?`
		args = append(args, serverID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("clear error records: %w", err)
	}
	return res.RowsAffected()
}

// --- Console cursors ---

func (s *SQLiteStore) LoadCursor(ctx context.Context, serverID string) ([]byte, bool, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM console_cursors WHERE server_id = ?`, serverID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load console cursor: %w", err)
	}
	return state, true, nil
}

func (s *SQLiteStore) SaveCursor(ctx context.Context, serverID string, state []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO console_cursors (server_id, state, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (server_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		serverID, state, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("save console cursor: %w", err)
	}
	return nil
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (*models.ErrorRecord, error) {
	var (
		r                                         models.ErrorRecord
		id, firstSeen, lastSeen, created, updated string
		resolvedAt, closedAt, notes               sql.NullString
	)
	err := row.Scan(&id, &r.DedupKey, &r.ServerID, &r.Level, &r.Category, &r.Message, &r.Origin,
		&r.StackTrace, &r.Context, &r.OccurrenceCount, &firstSeen, &lastSeen, &r.Status,
		&resolvedAt, &closedAt, &notes, &created, &updated)
	if err != nil {
		return nil, err
	}

	if r.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse record id: %w", err)
	}
	for _, f := range []struct {
		src string
		dst *time.Time
	}{
		{firstSeen, &r.FirstSeen}, {lastSeen, &r.LastSeen}, {created, &r.CreatedAt}, {updated, &r.UpdatedAt},
	} {
		if *f.dst, err = time.Parse(time.RFC3339Nano, f.src); err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", f.src, err)
		}
	}
	if r.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return nil, err
	}
	if r.ClosedAt, err = parseNullTime(closedAt); err != nil {
		return nil, err
	}
	if notes.Valid {
		r.ResolutionNotes = &notes.String
	}
	return &r, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", ns.String, err)
	}
	return &t, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

var _ Store = (*SQLiteStore)(nil)
