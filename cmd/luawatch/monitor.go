package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/luawatch/internal/aggregate"
	"github.com/kiranshivaraju/luawatch/internal/console"
	"github.com/kiranshivaraju/luawatch/internal/directory"
	"github.com/kiranshivaraju/luawatch/internal/monitor"
)

type monitorOptions struct {
	serverID     string
	intervalSecs int
	once         bool
}

func (c *cli) monitorCmd() *cobra.Command {
	var opts monitorOptions

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Poll server consoles and record Lua errors",
		Long: `Poll the console of every eligible server (or a single one with --server)
and record each new line that starts with the [ERROR] tag. Lines already
processed by an earlier pass, including one from a previous run, are skipped.

Runs in the foreground until interrupted. Only one monitor may run at a
time; use "luawatch daemon start" to run it in the background.

Examples:
  luawatch monitor
  luawatch monitor --server=12 --interval=10
  luawatch monitor --once`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			interval := c.cfg.Monitor.Interval
			if cmd.Flags().Changed("interval") {
				interval = time.Duration(opts.intervalSecs) * time.Second
			}
			return withStack(c.runMonitor(ctx, cmd.OutOrStdout(), opts, interval))
		},
	}

	cmd.Flags().StringVar(&opts.serverID, "server", "", "only poll the server with this ID or UUID")
	cmd.Flags().IntVar(&opts.intervalSecs, "interval", int(monitor.DefaultInterval/time.Second), "seconds between polling passes (1-60)")
	cmd.Flags().BoolVar(&opts.once, "once", false, "run a single polling pass and exit")

	return cmd
}

func (c *cli) runMonitor(ctx context.Context, out io.Writer, opts monitorOptions, interval time.Duration) error {
	st, err := c.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	ch, client, err := c.openCache(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	policy, err := aggregate.NewPolicy(c.cfg.Monitor)
	if err != nil {
		return errors.WithStack(err)
	}
	agg := aggregate.New(st, policy, newNotifier(client))

	source := directory.NewFileSource(c.cfg.Monitor.ServersFile)
	if opts.serverID != "" {
		if err := checkServer(ctx, source, opts.serverID); err != nil {
			return err
		}
	}

	schedOpts := monitor.Options{
		Interval:    interval,
		Concurrency: c.cfg.Monitor.FetchConcurrency,
		RefreshCron: c.cfg.Monitor.RefreshCron,
		ServerID:    opts.serverID,
	}
	if !opts.once {
		schedOpts.LockPath = c.cfg.Monitor.LockFile
		schedOpts.PIDPath = c.cfg.Monitor.PIDFile
	}

	// Without Redis the cache is process-local, so cursors go to the database
	// and survive restarts and --once runs.
	var cursors monitor.CursorBackend = st
	if client != nil {
		cursors = monitor.CacheBackend{Cache: ch}
	}

	sched := monitor.New(source, console.NewHTTPFetcher(c.cfg.Monitor.FetchTimeout), monitor.NewCursor(cursors), agg, schedOpts)

	if opts.once {
		if err := sched.RefreshServers(ctx); err != nil {
			return errors.WithStack(err)
		}
		stats := sched.RunOnce(ctx)
		fmt.Fprintf(out, "Checked %d servers (%d failed): %d errors, %d new records, %d suppressed\n",
			stats.Servers, stats.Failed, stats.Errors, stats.Created, stats.Suppressed)
		return nil
	}

	fmt.Fprintf(out, "Monitoring with %s dedup every %s (Ctrl+C to stop)\n", policy.Name(), sched.Interval())
	err = sched.Start(ctx)
	if errors.Is(err, monitor.ErrAlreadyRunning) {
		slog.Warn("monitor not started", "error", err)
		fmt.Fprintln(out, "luawatch monitor is already running")
		return nil
	}
	return err
}

// checkServer fails early when --server names an unknown or ineligible server.
func checkServer(ctx context.Context, source directory.Source, id string) error {
	servers, err := source.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "load servers")
	}
	srv, err := directory.Find(servers, id)
	if err != nil {
		return errors.Wrapf(err, "server %s", id)
	}
	if !srv.Eligible() {
		return errors.Errorf("server %s is not eligible for monitoring (monitoring disabled or not a Garry's Mod server)", id)
	}
	return nil
}
