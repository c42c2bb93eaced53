package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/luawatch/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrInvalidTransition = errors.New("invalid status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	// MergeOccurrence increments the most recent open record with rec.DedupKey
	// or, when none exists, inserts rec as a new open record. The returned
	// bool is true when a record was created.
	MergeOccurrence(ctx context.Context, rec *models.ErrorRecord) (*models.ErrorRecord, bool, error)
	// FindRecentByMessage returns the most recently seen record for the server
	// with exactly this message and last_seen at or after since.
	FindRecentByMessage(ctx context.Context, serverID, message string, since time.Time) (*models.ErrorRecord, error)
	Create(ctx context.Context, rec *models.ErrorRecord) error

	Get(ctx context.Context, id uuid.UUID) (*models.ErrorRecord, error)
	List(ctx context.Context, filter RecordFilter) ([]*models.ErrorRecord, int, error)

	MarkResolved(ctx context.Context, id uuid.UUID) error
	MarkClosed(ctx context.Context, id uuid.UUID, notes string) error
	Reopen(ctx context.Context, id uuid.UUID) error
	// ClearAll deletes every record for serverID, or every record when serverID is empty.
	ClearAll(ctx context.Context, serverID string) (int64, error)

	// LoadCursor returns the console cursor state saved for serverID.
	LoadCursor(ctx context.Context, serverID string) ([]byte, bool, error)
	// SaveCursor replaces the console cursor state for serverID.
	SaveCursor(ctx context.Context, serverID string, state []byte) error

	Close() error
}

// RecordFilter narrows List results. Zero values mean "no constraint".
type RecordFilter struct {
	ServerID string
	Level    string
	Status   string
	// Search matches message, origin and stack trace case-insensitively.
	Search string
	// Since keeps records last seen at or after this time.
	Since time.Time
	Page  int
	Limit int
}

const (
	defaultLimit = 50
	maxLimit     = 500
)

// PageLimit returns the effective page and page size List will use.
func (f RecordFilter) PageLimit() (page, limit int) {
	limit, offset := f.normalizePage()
	return offset/limit + 1, limit
}

// normalizePage returns the effective limit and offset for a filter.
func (f RecordFilter) normalizePage() (limit, offset int) {
	limit = f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	return limit, (page - 1) * limit
}

// dialect captures the SQL differences between the backends.
type dialect struct {
	placeholder func(n int) string
	// like is the case-insensitive match operator.
	like      string
	timeValue func(t time.Time) any
}

var postgresDialect = dialect{
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	like:        "ILIKE",
	timeValue:   func(t time.Time) any { return t.UTC() },
}

var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	like:        "LIKE",
	timeValue:   func(t time.Time) any { return formatTime(t) },
}

// whereClause builds the WHERE conditions and bind arguments for f.
func (f RecordFilter) whereClause(d dialect) (string, []any) {
	conditions := []string{"1=1"}
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(cond, d.placeholder(len(args))))
	}

	if f.ServerID != "" {
		add("server_id = %s", f.ServerID)
	}
	if f.Level != "" {
		add("level = %s", f.Level)
	}
	if f.Status != "" {
		add("status = %s", f.Status)
	}
	if !f.Since.IsZero() {
		add("last_seen >= %s", d.timeValue(f.Since))
	}
	if f.Search != "" {
		pattern := "%" + escapeLike(f.Search) + "%"
		var parts []string
		for _, col := range []string{"message", "origin", "stack_trace"} {
			args = append(args, pattern)
			parts = append(parts, fmt.Sprintf(`%s %s %s ESCAPE '\'`, col, d.like, d.placeholder(len(args))))
		}
		conditions = append(conditions, "("+strings.Join(parts, " OR ")+")")
	}

	return strings.Join(conditions, " AND "), args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// validTransitions lists the states each status may move to. Moving to the
// current state is allowed so repeated calls are idempotent.
var validTransitions = map[string][]string{
	models.StatusOpen:     {models.StatusOpen, models.StatusResolved, models.StatusClosed},
	models.StatusResolved: {models.StatusOpen, models.StatusResolved, models.StatusClosed},
	models.StatusClosed:   {models.StatusOpen, models.StatusClosed},
}

func checkTransition(from, to string) error {
	for _, s := range validTransitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// CollectAll pages through List until every matching record has been read.
func CollectAll(ctx context.Context, s Store, filter RecordFilter) ([]*models.ErrorRecord, error) {
	filter.Limit = maxLimit
	all := []*models.ErrorRecord{}
	for page := 1; ; page++ {
		filter.Page = page
		records, total, err := s.List(ctx, filter)
		if err != nil {
			return nil, err
		}
		all = append(all, records...)
		if len(records) == 0 || len(all) >= total {
			return all, nil
		}
	}
}

// prepareNew fills defaults on a record about to be inserted.
func prepareNew(rec *models.ErrorRecord, now time.Time) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Level == "" {
		rec.Level = models.LevelError
	}
	if rec.Origin == "" {
		rec.Origin = models.UnknownOrigin
	}
	if rec.Status == "" {
		rec.Status = models.StatusOpen
	}
	if rec.OccurrenceCount < 1 {
		rec.OccurrenceCount = 1
	}
	if rec.FirstSeen.IsZero() {
		rec.FirstSeen = now
	}
	if rec.LastSeen.IsZero() || rec.LastSeen.Before(rec.FirstSeen) {
		rec.LastSeen = rec.FirstSeen
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
}
