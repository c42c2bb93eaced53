package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/luawatch/internal/aggregate"
	"github.com/kiranshivaraju/luawatch/internal/cache"
	"github.com/kiranshivaraju/luawatch/internal/directory"
	"github.com/kiranshivaraju/luawatch/internal/lock"
	"github.com/kiranshivaraju/luawatch/internal/store"
	"github.com/kiranshivaraju/luawatch/pkg/models"
)

// --- test doubles ---

type fakeFetcher struct {
	mu      sync.Mutex
	batches map[string][]models.RawLogLine
	errs    map[string]error
	calls   map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		batches: map[string][]models.RawLogLine{},
		errs:    map[string]error{},
		calls:   map[string]int{},
	}
}

func (f *fakeFetcher) set(serverID string, texts ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches[serverID] = lines(texts...)
}

func (f *fakeFetcher) Fetch(_ context.Context, srv models.MonitoredServer) ([]models.RawLogLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[srv.ID]++
	if err := f.errs[srv.ID]; err != nil {
		return nil, err
	}
	return f.batches[srv.ID], nil
}

func (f *fakeFetcher) callCount(serverID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[serverID]
}

type failingSource struct{ err error }

func (s failingSource) Load(context.Context) ([]models.MonitoredServer, error) {
	return nil, s.err
}

func gmodServer(id string) models.MonitoredServer {
	return models.MonitoredServer{ID: id, Egg: "Garrys Mod", MonitoringEnabled: true}
}

func newStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.OpenSQLiteStore(filepath.Join(t.TempDir(), "monitor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newScheduler(t *testing.T, src directory.Source, f *fakeFetcher, opts Options) (*Scheduler, store.Store) {
	t.Helper()
	s := newStore(t)
	agg := aggregate.New(s, aggregate.KeyPolicy{}, nil)
	sched := New(src, f, NewCursor(CacheBackend{Cache: cache.NewMemoryCache(100)}), agg, opts)
	sched.interval = 10 * time.Millisecond
	return sched, s
}

func listAll(t *testing.T, s store.Store) []*models.ErrorRecord {
	t.Helper()
	recs, err := store.CollectAll(context.Background(), s, store.RecordFilter{})
	require.NoError(t, err)
	return recs
}

// --- interval ---

func TestClampInterval(t *testing.T) {
	assert.Equal(t, DefaultInterval, ClampInterval(0))
	assert.Equal(t, DefaultInterval, ClampInterval(-time.Second))
	assert.Equal(t, MinInterval, ClampInterval(100*time.Millisecond))
	assert.Equal(t, MaxInterval, ClampInterval(5*time.Minute))
	assert.Equal(t, 10*time.Second, ClampInterval(10*time.Second))
}

// --- polling pass ---

func TestRunOnce_RecordsTaggedErrors(t *testing.T) {
	f := newFakeFetcher()
	f.set("srv-1",
		"Loading map gm_construct",
		"[ERROR] addons/darkrp/lua/init.lua:12: attempt to call a nil value",
		"  1. unknown - addons/darkrp/lua/init.lua:12",
		"Player joined",
		"lua error without tag is ignored in strict mode",
	)
	sched, s := newScheduler(t, directory.Static{gmodServer("srv-1")}, f, Options{})
	require.NoError(t, sched.RefreshServers(context.Background()))

	stats := sched.RunOnce(context.Background())
	assert.Equal(t, 1, stats.Servers)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 1, stats.Created)

	recs := listAll(t, s)
	require.Len(t, recs, 1)
	assert.Equal(t, "srv-1", recs[0].ServerID)
	assert.Equal(t, "darkrp", recs[0].Origin)
	assert.Contains(t, recs[0].StackTrace, "1. unknown")
	assert.Contains(t, recs[0].Context, "→ [ERROR]")
}

func TestRunOnce_UnchangedConsoleIsNotCountedTwice(t *testing.T) {
	f := newFakeFetcher()
	f.set("srv-1", "Server starting", "[ERROR] something broke")
	sched, s := newScheduler(t, directory.Static{gmodServer("srv-1")}, f, Options{})
	require.NoError(t, sched.RefreshServers(context.Background()))

	sched.RunOnce(context.Background())
	stats := sched.RunOnce(context.Background())
	assert.Equal(t, 0, stats.Errors)

	f.set("srv-1", "Server starting", "[ERROR] something broke", "Player joined", "[ERROR] something broke")
	stats = sched.RunOnce(context.Background())
	assert.Equal(t, 1, stats.Errors)

	recs := listAll(t, s)
	require.Len(t, recs, 1)
	assert.Equal(t, 2, recs[0].OccurrenceCount)
}

func TestRunOnce_RepeatingErrorKeepsCounting(t *testing.T) {
	f := newFakeFetcher()
	f.set("srv-1", repeat(40, spam...)...)
	sched, s := newScheduler(t, directory.Static{gmodServer("srv-1")}, f, Options{})
	require.NoError(t, sched.RefreshServers(context.Background()))

	stats := sched.RunOnce(context.Background())
	assert.Equal(t, 40, stats.Errors)

	f.set("srv-1", repeat(41, spam...)...)
	stats = sched.RunOnce(context.Background())
	assert.Equal(t, 1, stats.Errors)

	recs := listAll(t, s)
	require.Len(t, recs, 1)
	assert.Equal(t, 41, recs[0].OccurrenceCount)
}

func TestRunOnce_IsolatesFailingServer(t *testing.T) {
	f := newFakeFetcher()
	f.errs["bad"] = errors.New("daemon unreachable")
	f.set("good", "[ERROR] good server error")

	servers := directory.Static{gmodServer("bad"), gmodServer("good")}
	sched, s := newScheduler(t, servers, f, Options{})
	require.NoError(t, sched.RefreshServers(context.Background()))

	stats := sched.RunOnce(context.Background())
	assert.Equal(t, 2, stats.Servers)
	assert.Equal(t, 1, stats.Failed)
	assert.Len(t, listAll(t, s), 1)
}

func TestRunOnce_SkipsIneligibleServers(t *testing.T) {
	f := newFakeFetcher()
	disabled := gmodServer("disabled")
	disabled.MonitoringEnabled = false
	rust := models.MonitoredServer{ID: "rust", Egg: "Rust", MonitoringEnabled: true}

	sched, _ := newScheduler(t, directory.Static{disabled, rust}, f, Options{})
	require.NoError(t, sched.RefreshServers(context.Background()))

	stats := sched.RunOnce(context.Background())
	assert.Equal(t, 0, stats.Servers)
	assert.Equal(t, 0, f.callCount("disabled"))
	assert.Equal(t, 0, f.callCount("rust"))
}

func TestRunOnce_ServerFilter(t *testing.T) {
	f := newFakeFetcher()
	servers := directory.Static{gmodServer("a"), gmodServer("b")}
	sched, _ := newScheduler(t, servers, f, Options{ServerID: "b"})
	require.NoError(t, sched.RefreshServers(context.Background()))

	sched.RunOnce(context.Background())
	assert.Equal(t, 0, f.callCount("a"))
	assert.Equal(t, 1, f.callCount("b"))
}

func TestRunOnce_Concurrent(t *testing.T) {
	f := newFakeFetcher()
	var servers directory.Static
	for _, id := range []string{"s1", "s2", "s3", "s4"} {
		servers = append(servers, gmodServer(id))
		f.set(id, "[ERROR] failure on "+id)
	}
	sched, s := newScheduler(t, servers, f, Options{Concurrency: 3})
	require.NoError(t, sched.RefreshServers(context.Background()))

	stats := sched.RunOnce(context.Background())
	assert.Equal(t, 4, stats.Created)
	assert.Len(t, listAll(t, s), 4)
}

// --- lifecycle ---

func TestStart_FailsWhenServersCannotLoad(t *testing.T) {
	sched, _ := newScheduler(t, failingSource{err: errors.New("panel down")}, newFakeFetcher(), Options{})

	err := sched.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panel down")
	assert.Equal(t, StateStopped, sched.State())
}

func TestStartStop(t *testing.T) {
	f := newFakeFetcher()
	f.set("srv-1", "[ERROR] boom")
	sched, s := newScheduler(t, directory.Static{gmodServer("srv-1")}, f, Options{})

	done := make(chan error, 1)
	go func() { done <- sched.Start(context.Background()) }()

	require.Eventually(t, func() bool { return f.callCount("srv-1") >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRunning, sched.State())
	assert.ErrorIs(t, sched.Start(context.Background()), ErrAlreadyRunning)

	sched.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, StateStopped, sched.State())
	assert.Len(t, listAll(t, s), 1)
}

func TestStart_ContextCancelStops(t *testing.T) {
	sched, _ := newScheduler(t, directory.Static{}, newFakeFetcher(), Options{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- sched.Start(ctx) }()
	require.Eventually(t, func() bool { return sched.State() == StateRunning }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
}

func TestStop_WhenNotRunningIsNoop(t *testing.T) {
	sched, _ := newScheduler(t, directory.Static{}, newFakeFetcher(), Options{})
	sched.Stop()
	assert.Equal(t, StateStopped, sched.State())
}

func TestStart_LockHeldByAnotherInstance(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "luawatch.lock")
	pidPath := filepath.Join(dir, "luawatch.pid")

	held, err := lock.Acquire(lockPath, pidPath)
	require.NoError(t, err)
	defer held.Release()

	sched, _ := newScheduler(t, directory.Static{}, newFakeFetcher(), Options{LockPath: lockPath, PIDPath: pidPath})
	err = sched.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.ErrorIs(t, err, lock.ErrLocked)
}

func TestStart_InvalidRefreshCron(t *testing.T) {
	sched, _ := newScheduler(t, directory.Static{}, newFakeFetcher(), Options{RefreshCron: "not a schedule"})
	err := sched.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid refresh schedule")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopping", StateStopping.String())
}
