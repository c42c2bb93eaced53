package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/luawatch/pkg/models"
)

const recordColumns = `id, dedup_key, server_id, level, category, message, origin, stack_trace, context,
	occurrence_count, first_seen, last_seen, status, resolved_at, closed_at, resolution_notes, created_at, updated_at`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- Aggregation ---

func (s *PostgresStore) MergeOccurrence(ctx context.Context, rec *models.ErrorRecord) (*models.ErrorRecord, bool, error) {
	now := s.now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin merge: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Serialize merges per key so two writers cannot both insert.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, rec.DedupKey); err != nil {
		return nil, false, fmt.Errorf("lock dedup key: %w", err)
	}

	merged, err := scanRecord(tx.QueryRow(ctx,
		`UPDATE error_records SET occurrence_count = occurrence_count + 1, last_seen = $2, updated_at = $2
		 WHERE id = (
		   SELECT id FROM error_records WHERE dedup_key = $1 AND status = 'open'
		   ORDER BY last_seen DESC LIMIT 1
		 )
		 RETURNING `+recordColumns, rec.DedupKey, now))
	switch {
	case err == nil:
		if err := tx.Commit(ctx); err != nil {
			return nil, false, fmt.Errorf("commit merge: %w", err)
		}
		return merged, false, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, false, fmt.Errorf("increment error record: %w", err)
	}

	prepareNew(rec, now)
	if err := insertPostgres(ctx, tx, rec); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit merge: %w", err)
	}
	return rec, true, nil
}

func (s *PostgresStore) FindRecentByMessage(ctx context.Context, serverID, message string, since time.Time) (*models.ErrorRecord, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM error_records
		 WHERE server_id = $1 AND message = $2 AND last_seen >= $3
		 ORDER BY last_seen DESC LIMIT 1`, serverID, message, since.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find recent error record: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) Create(ctx context.Context, rec *models.ErrorRecord) error {
	prepareNew(rec, s.now())
	return insertPostgres(ctx, s.pool, rec)
}

// pgxExecer is satisfied by both the pool and a transaction.
type pgxExecer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func insertPostgres(ctx context.Context, q pgxExecer, rec *models.ErrorRecord) error {
	_, err := q.Exec(ctx,
		`INSERT INTO error_records (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		rec.ID, rec.DedupKey, rec.ServerID, rec.Level, rec.Category, rec.Message, rec.Origin,
		rec.StackTrace, rec.Context, rec.OccurrenceCount, rec.FirstSeen, rec.LastSeen, rec.Status,
		rec.ResolvedAt, rec.ClosedAt, rec.ResolutionNotes, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create error record: %w", err)
	}
	return nil
}

// --- Queries ---

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*models.ErrorRecord, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM error_records WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get error record: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) List(ctx context.Context, filter RecordFilter) ([]*models.ErrorRecord, int, error) {
	where, args := filter.whereClause(postgresDialect)

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM error_records WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count error records: %w", err)
	}

	limit, offset := filter.normalizePage()
	dataQuery := fmt.Sprintf(
		`SELECT %s FROM error_records WHERE %s ORDER BY last_seen DESC, id LIMIT $%d OFFSET $%d`,
		recordColumns, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list error records: %w", err)
	}
	defer rows.Close()

	records := []*models.ErrorRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan error record: %w", err)
		}
		records = append(records, rec)
	}
	return records, total, rows.Err()
}

// --- Lifecycle ---

func (s *PostgresStore) MarkResolved(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, models.StatusResolved,
		`UPDATE error_records SET status = 'resolved', resolved_at = COALESCE(resolved_at, $2), updated_at = $2 WHERE id = $1`)
}

func (s *PostgresStore) MarkClosed(ctx context.Context, id uuid.UUID, notes string) error {
	return s.transition(ctx, id, models.StatusClosed,
		`UPDATE error_records SET status = 'closed', closed_at = COALESCE(closed_at, $2), resolution_notes = $3, updated_at = $2 WHERE id = $1`,
		nullableString(notes))
}

func (s *PostgresStore) Reopen(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, models.StatusOpen,
		`UPDATE error_records SET status = 'open', resolved_at = NULL, closed_at = NULL, resolution_notes = NULL, updated_at = $2 WHERE id = $1`)
}

// transition validates the move from the current status to target and runs
// query with ($1 = id, $2 = now, extra...) in the same transaction.
func (s *PostgresStore) transition(ctx context.Context, id uuid.UUID, target, query string, extra ...any) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM error_records WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get error record status: %w", err)
	}
	if err := checkTransition(current, target); err != nil {
		return err
	}

	args := append([]any{id, s.now()}, extra...)
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update error record status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClearAll(ctx context.Context, serverID string) (int64, error) {
	query := `DELETE FROM error_records`
	var args []any
	if serverID != "" {
		query += ` WHERE server_id = $1`
		args = append(args, serverID)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("clear error records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Console cursors ---

func (s *PostgresStore) LoadCursor(ctx context.Context, serverID string) ([]byte, bool, error) {
	var state []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM console_cursors WHERE server_id = $1`, serverID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load console cursor: %w", err)
	}
	return state, true, nil
}

func (s *PostgresStore) SaveCursor(ctx context.Context, serverID string, state []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO console_cursors (server_id, state, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (server_id) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		serverID, state, s.now())
	if err != nil {
		return fmt.Errorf("save console cursor: %w", err)
	}
	return nil
}

// --- helpers ---

func scanRecord(row pgx.Row) (*models.ErrorRecord, error) {
	var r models.ErrorRecord
	err := row.Scan(&r.ID, &r.DedupKey, &r.ServerID, &r.Level, &r.Category, &r.Message, &r.Origin,
		&r.StackTrace, &r.Context, &r.OccurrenceCount, &r.FirstSeen, &r.LastSeen, &r.Status,
		&r.ResolvedAt, &r.ClosedAt, &r.ResolutionNotes, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ Store = (*PostgresStore)(nil)
