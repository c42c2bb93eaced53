package monitor

import (
	"context"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/goccy/go-json"

	"github.com/kiranshivaraju/luawatch/internal/cache"
	"github.com/kiranshivaraju/luawatch/pkg/models"
)

const (
	// maxCursorLines bounds how many line hashes are remembered per server.
	maxCursorLines = 2048
	cursorTTL      = 24 * time.Hour
)

// CursorBackend persists the encoded cursor state of each server.
type CursorBackend interface {
	LoadCursor(ctx context.Context, serverID string) ([]byte, bool, error)
	SaveCursor(ctx context.Context, serverID string, state []byte) error
}

// CacheBackend keeps cursors in a cache. Entries expire after a day.
type CacheBackend struct {
	Cache cache.Cache
}

func (b CacheBackend) LoadCursor(ctx context.Context, serverID string) ([]byte, bool, error) {
	return b.Cache.Get(ctx, cache.ConsoleCursorKey(serverID))
}

func (b CacheBackend) SaveCursor(ctx context.Context, serverID string, state []byte) error {
	return b.Cache.Set(ctx, cache.ConsoleCursorKey(serverID), state, cursorTTL)
}

// cursorState is the last batch seen for a server: its length and the
// hashes of its trailing lines.
type cursorState struct {
	Lines  int      `json:"lines"`
	Hashes []uint64 `json:"hashes"`
}

// Cursor remembers the last console batch per server so that a rolling
// console tail is only processed once. Without a backend every batch is
// treated as entirely new.
type Cursor struct {
	backend CursorBackend
}

func NewCursor(b CursorBackend) *Cursor {
	return &Cursor{backend: b}
}

// NewLines returns the lines of batch that were not part of the previously
// saved batch. Lookup failures are logged and the whole batch is returned.
func (c *Cursor) NewLines(ctx context.Context, serverID string, batch []models.RawLogLine) []models.RawLogLine {
	if c == nil || c.backend == nil || len(batch) == 0 {
		return batch
	}

	raw, found, err := c.backend.LoadCursor(ctx, serverID)
	if err != nil {
		slog.Warn("console cursor lookup failed", "server_id", serverID, "error", err)
		return batch
	}
	if !found {
		return batch
	}

	var prev cursorState
	if err := json.Unmarshal(raw, &prev); err != nil {
		slog.Warn("console cursor corrupt", "server_id", serverID, "error", err)
		return batch
	}

	return batch[overlapEnd(prev, hashLines(batch)):]
}

// Save records batch for the next call to NewLines.
func (c *Cursor) Save(ctx context.Context, serverID string, batch []models.RawLogLine) {
	if c == nil || c.backend == nil || len(batch) == 0 {
		return
	}
	hashes := hashLines(batch)
	if len(hashes) > maxCursorLines {
		hashes = hashes[len(hashes)-maxCursorLines:]
	}
	raw, err := json.Marshal(cursorState{Lines: len(batch), Hashes: hashes})
	if err != nil {
		return
	}
	if err := c.backend.SaveCursor(ctx, serverID, raw); err != nil {
		slog.Warn("console cursor save failed", "server_id", serverID, "error", err)
	}
}

// overlapEnd returns how many leading lines of cur were already seen in the
// previous batch. Zero means no overlap.
//
// A console tail only loses lines at the front and gains them at the end, so
// cur begins with a suffix of the previous batch that is at most prev.Lines
// long. Within that bound the longest suffix wins, which keeps repeated
// output such as an error spamming every tick from lining up with itself one
// period late. Alignments beyond the bound are only tried when nothing inside
// it matches, for daemons whose tail length varies between calls.
func overlapEnd(prev cursorState, cur []uint64) int {
	if len(prev.Hashes) == 0 {
		return 0
	}
	seen := max(prev.Lines, len(prev.Hashes))

	if j := matchSuffix(prev.Hashes, cur, min(len(cur), seen), 1); j > 0 {
		return j
	}
	return matchSuffix(prev.Hashes, cur, len(cur), seen+1)
}

// matchSuffix scans j from hi down to lo and returns the first j where
// cur[:j] ends with the saved hashes, or cur[:j] is itself a suffix of them.
func matchSuffix(prev, cur []uint64, hi, lo int) int {
	for j := hi; j >= lo && j > 0; j-- {
		m := min(j, len(prev))
		if equalHashes(cur[j-m:j], prev[len(prev)-m:]) {
			return j
		}
	}
	return 0
}

func equalHashes(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func hashLines(lines []models.RawLogLine) []uint64 {
	out := make([]uint64, len(lines))
	for i, l := range lines {
		h := fnv.New64a()
		h.Write([]byte(l.Text))
		out[i] = h.Sum64()
	}
	return out
}
