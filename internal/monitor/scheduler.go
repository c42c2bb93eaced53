// Package monitor polls the consoles of monitored servers and feeds newly
// seen error lines into the aggregator.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/luawatch/internal/aggregate"
	"github.com/kiranshivaraju/luawatch/internal/analysis"
	"github.com/kiranshivaraju/luawatch/internal/console"
	"github.com/kiranshivaraju/luawatch/internal/directory"
	"github.com/kiranshivaraju/luawatch/internal/lock"
	"github.com/kiranshivaraju/luawatch/pkg/models"
)

const (
	DefaultInterval = 5 * time.Second
	MinInterval     = time.Second
	MaxInterval     = 60 * time.Second
)

// ErrAlreadyRunning is returned by Start when a scheduler is already polling,
// in this process or in another one holding the lock file.
var ErrAlreadyRunning = errors.New("scheduler already running")

// State is the lifecycle state of a Scheduler.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Options configures a Scheduler.
type Options struct {
	// Interval between polling passes, clamped to [MinInterval, MaxInterval].
	Interval time.Duration
	// Concurrency is the number of servers fetched in parallel. Values below 2 poll sequentially.
	Concurrency int
	// RefreshCron reloads the server directory on a cron schedule when set.
	RefreshCron string
	// ServerID restricts polling to a single server.
	ServerID string
	// LockPath and PIDPath enable the single-instance lock when LockPath is set.
	LockPath string
	PIDPath  string
}

// ClampInterval applies the default and bounds to a polling interval.
func ClampInterval(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultInterval
	case d < MinInterval:
		return MinInterval
	case d > MaxInterval:
		return MaxInterval
	}
	return d
}

// PassStats summarizes one polling pass.
type PassStats struct {
	Servers    int
	Failed     int
	Errors     int
	Created    int
	Suppressed int
}

// ServerResult is what checking a single server produced.
type ServerResult struct {
	NewLines   int
	Errors     int
	Created    int
	Suppressed int
}

// Scheduler runs the poll loop.
type Scheduler struct {
	source     directory.Source
	fetcher    console.Fetcher
	cursor     *Cursor
	aggregator *aggregate.Aggregator
	classifier analysis.Classifier
	opts       Options
	interval   time.Duration

	state  atomic.Int32
	wakeCh chan struct{}

	mu      sync.RWMutex
	servers []models.MonitoredServer
}

// New creates a Scheduler. The cursor may be nil, in which case every
// fetched batch is processed in full.
func New(source directory.Source, fetcher console.Fetcher, cursor *Cursor, agg *aggregate.Aggregator, opts Options) *Scheduler {
	return &Scheduler{
		source:     source,
		fetcher:    fetcher,
		cursor:     cursor,
		aggregator: agg,
		classifier: analysis.NewClassifier(analysis.ModeStrict),
		opts:       opts,
		interval:   ClampInterval(opts.Interval),
		wakeCh:     make(chan struct{}, 1),
	}
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Interval returns the effective polling interval.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Servers returns a snapshot of the loaded server list.
func (s *Scheduler) Servers() []models.MonitoredServer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.MonitoredServer, len(s.servers))
	copy(out, s.servers)
	return out
}

// RefreshServers reloads the server directory. On failure the previous list is kept.
func (s *Scheduler) RefreshServers(ctx context.Context) error {
	servers, err := s.source.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading servers: %w", err)
	}

	s.mu.Lock()
	s.servers = servers
	s.mu.Unlock()

	slog.Info("server directory loaded",
		"servers", len(servers),
		"eligible", len(directory.Eligible(servers)),
	)
	return nil
}

// Start loads the server list and polls until ctx is cancelled or Stop is
// called. It blocks for the lifetime of the loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateStopped), int32(StateRunning)) {
		return ErrAlreadyRunning
	}
	defer s.state.Store(int32(StateStopped))

	// Drop a wake-up left over from a Stop before this run.
	select {
	case <-s.wakeCh:
	default:
	}

	if err := s.RefreshServers(ctx); err != nil {
		return err
	}

	if s.opts.LockPath != "" {
		l, err := lock.Acquire(s.opts.LockPath, s.opts.PIDPath)
		if err != nil {
			if errors.Is(err, lock.ErrLocked) {
				return fmt.Errorf("%w: %w", ErrAlreadyRunning, err)
			}
			return err
		}
		defer func() {
			if err := l.Release(); err != nil {
				slog.Warn("releasing scheduler lock", "error", err)
			}
		}()
	}

	if s.opts.RefreshCron != "" {
		c := cron.New()
		if _, err := c.AddFunc(s.opts.RefreshCron, func() {
			if err := s.RefreshServers(ctx); err != nil {
				slog.Error("scheduled server refresh failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("invalid refresh schedule %q: %w", s.opts.RefreshCron, err)
		}
		c.Start()
		defer c.Stop()
	}

	slog.Info("scheduler started",
		"interval", s.interval.String(),
		"concurrency", s.opts.Concurrency,
		"server_id", s.opts.ServerID,
	)

	for s.State() == StateRunning && ctx.Err() == nil {
		stats := s.RunOnce(ctx)
		slog.Debug("polling pass complete",
			"servers", stats.Servers,
			"failed", stats.Failed,
			"errors", stats.Errors,
			"created", stats.Created,
		)
		s.sleep(ctx)
	}

	slog.Info("scheduler stopped")
	return nil
}

// Stop asks a running loop to exit. It returns without waiting and is a
// no-op when the scheduler is not running.
func (s *Scheduler) Stop() {
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return
	}
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) sleep(ctx context.Context) {
	timer := time.NewTimer(s.interval)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-s.wakeCh:
	}
}

// targets returns the eligible servers of the current list, narrowed to
// Options.ServerID when set.
func (s *Scheduler) targets() []models.MonitoredServer {
	var out []models.MonitoredServer
	for _, srv := range s.Servers() {
		if s.opts.ServerID != "" && srv.ID != s.opts.ServerID && srv.UUID != s.opts.ServerID {
			continue
		}
		if !srv.Eligible() {
			slog.Debug("skipping ineligible server", "server_id", srv.ID, "egg", srv.Egg)
			continue
		}
		out = append(out, srv)
	}
	return out
}

// RunOnce performs a single polling pass over every eligible server. A
// failing server is logged and does not affect the others.
func (s *Scheduler) RunOnce(ctx context.Context) PassStats {
	servers := s.targets()
	stats := PassStats{Servers: len(servers)}

	var mu sync.Mutex
	record := func(srv models.MonitoredServer, res ServerResult, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			stats.Failed++
			slog.Warn("server check failed", "server_id", srv.ID, "error", err)
			return
		}
		stats.Errors += res.Errors
		stats.Created += res.Created
		stats.Suppressed += res.Suppressed
	}

	if s.opts.Concurrency < 2 {
		for _, srv := range servers {
			if ctx.Err() != nil || s.State() == StateStopping {
				break
			}
			res, err := s.CheckServer(ctx, srv)
			record(srv, res, err)
		}
		return stats
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, srv := range servers {
		g.Go(func() error {
			res, err := s.CheckServer(gctx, srv)
			record(srv, res, err)
			return nil
		})
	}
	_ = g.Wait()
	return stats
}

// CheckServer fetches one server's console and aggregates every new error
// line. Persistence failures for single lines are logged and skipped.
func (s *Scheduler) CheckServer(ctx context.Context, srv models.MonitoredServer) (ServerResult, error) {
	batch, err := s.fetcher.Fetch(ctx, srv)
	if err != nil {
		return ServerResult{}, err
	}

	fresh := s.cursor.NewLines(ctx, srv.ID, batch)
	res := ServerResult{NewLines: len(fresh)}
	if len(fresh) == 0 {
		return res, nil
	}

	texts := make([]string, len(batch))
	for i, l := range batch {
		texts[i] = l.Text
	}

	for _, line := range fresh {
		cls, ok := s.classifier.Classify(line.Text)
		if !ok {
			continue
		}
		res.Errors++

		ext := analysis.Extract(texts, line.Index)
		message := strings.TrimSpace(line.Text)
		occ := aggregate.Occurrence{
			Message:    message,
			Origin:     analysis.ExtractOrigin(message),
			Category:   cls.Category,
			StackTrace: ext.StackTrace,
			Context:    ext.Context,
		}

		out, err := s.aggregator.Aggregate(ctx, srv, occ)
		if err != nil {
			slog.Error("failed to persist error occurrence",
				"server_id", srv.ID,
				"line", line.Index,
				"error", err,
			)
			continue
		}
		switch {
		case out.Created:
			res.Created++
			slog.Info("new error recorded",
				"server_id", srv.ID,
				"record_id", out.Record.ID,
				"category", out.Record.Category,
				"origin", out.Record.Origin,
			)
		case out.Suppressed:
			res.Suppressed++
		}
	}

	s.cursor.Save(ctx, srv.ID, batch)
	return res, nil
}
