package store

import (
	"errors"
	"testing"
	"time"

	"github.com/kiranshivaraju/luawatch/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestNormalizePage(t *testing.T) {
	tests := []struct {
		filter     RecordFilter
		wantLimit  int
		wantOffset int
	}{
		{RecordFilter{}, defaultLimit, 0},
		{RecordFilter{Limit: 10, Page: 3}, 10, 20},
		{RecordFilter{Limit: 10000}, maxLimit, 0},
		{RecordFilter{Limit: -1, Page: -1}, defaultLimit, 0},
	}
	for _, tt := range tests {
		limit, offset := tt.filter.normalizePage()
		assert.Equal(t, tt.wantLimit, limit)
		assert.Equal(t, tt.wantOffset, offset)
	}
}

func TestPageLimit(t *testing.T) {
	page, limit := RecordFilter{Page: 4, Limit: 25}.PageLimit()
	assert.Equal(t, 4, page)
	assert.Equal(t, 25, limit)

	page, limit = RecordFilter{}.PageLimit()
	assert.Equal(t, 1, page)
	assert.Equal(t, defaultLimit, limit)
}

func TestWhereClause_Postgres(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	where, args := RecordFilter{
		ServerID: "srv-1",
		Status:   models.StatusOpen,
		Since:    since,
		Search:   "nil",
	}.whereClause(postgresDialect)

	assert.Equal(t,
		`1=1 AND server_id = $1 AND status = $2 AND last_seen >= $3 AND `+
			`(message ILIKE $4 ESCAPE '\' OR origin ILIKE $5 ESCAPE '\' OR stack_trace ILIKE $6 ESCAPE '\')`,
		where)
	assert.Equal(t, []any{"srv-1", models.StatusOpen, since, "%nil%", "%nil%", "%nil%"}, args)
}

func TestWhereClause_SQLiteFormatsTime(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	where, args := RecordFilter{Since: since}.whereClause(sqliteDialect)

	assert.Equal(t, "1=1 AND last_seen >= ?", where)
	assert.Equal(t, []any{"2026-01-01T00:00:00.000000000Z"}, args)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `100\%\_a\\b`, escapeLike(`100%_a\b`))
}

func TestFormatTime_SortsAsText(t *testing.T) {
	a := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	b := a.Add(500 * time.Millisecond)
	assert.Less(t, formatTime(a), formatTime(b))
}

func TestCheckTransition(t *testing.T) {
	allowed := [][2]string{
		{models.StatusOpen, models.StatusResolved},
		{models.StatusOpen, models.StatusClosed},
		{models.StatusResolved, models.StatusClosed},
		{models.StatusClosed, models.StatusOpen},
		{models.StatusOpen, models.StatusOpen},
	}
	for _, tr := range allowed {
		assert.NoError(t, checkTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
	err := checkTransition(models.StatusClosed, models.StatusResolved)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}
