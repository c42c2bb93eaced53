package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/luawatch/internal/lock"
)

const (
	daemonStartTimeout = 5 * time.Second
	daemonStopTimeout  = 15 * time.Second
	daemonPollInterval = 100 * time.Millisecond
)

func (c *cli) daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the monitor in the background",
		Long: `Start, stop and inspect a background monitor process.

The daemon runs "luawatch monitor" detached from the terminal and logs to
the rotating file named by LUAWATCH_LOG_FILE. Its PID is kept in
LUAWATCH_PID_FILE.`,
	}

	var startOpts monitorOptions
	start := &cobra.Command{
		Use:   "start",
		Short: "Start the background monitor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStack(c.daemonStart(cmd.OutOrStdout(), startOpts))
		},
	}
	addDaemonFlags(start, &startOpts)

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop the background monitor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := c.daemonStop(cmd.OutOrStdout())
			return withStack(err)
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show whether the background monitor is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStack(c.daemonStatus(cmd.OutOrStdout()))
		},
	}

	var restartOpts monitorOptions
	restart := &cobra.Command{
		Use:   "restart",
		Short: "Restart the background monitor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := c.daemonStop(cmd.OutOrStdout()); err != nil {
				return withStack(err)
			}
			return withStack(c.daemonStart(cmd.OutOrStdout(), restartOpts))
		},
	}
	addDaemonFlags(restart, &restartOpts)

	cmd.AddCommand(start, stop, status, restart)
	return cmd
}

func addDaemonFlags(cmd *cobra.Command, opts *monitorOptions) {
	cmd.Flags().StringVar(&opts.serverID, "server", "", "only poll the server with this ID or UUID")
	cmd.Flags().IntVar(&opts.intervalSecs, "interval", 0, "seconds between polling passes (1-60)")
}

// monitorArgs are the arguments the detached child is started with.
func monitorArgs(opts monitorOptions) []string {
	args := []string{"monitor", "--log-to-file"}
	if opts.serverID != "" {
		args = append(args, "--server", opts.serverID)
	}
	if opts.intervalSecs > 0 {
		args = append(args, "--interval", strconv.Itoa(opts.intervalSecs))
	}
	return args
}

func (c *cli) daemonStart(out io.Writer, opts monitorOptions) error {
	held, err := lock.Held(c.cfg.Monitor.LockFile)
	if err != nil {
		return err
	}
	if held {
		pid, _ := lock.ReadPID(c.cfg.Monitor.PIDFile)
		fmt.Fprintf(out, "luawatch daemon is already running (pid %d)\n", pid)
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "locate executable")
	}

	child := exec.Command(exe, monitorArgs(opts)...)
	child.Env = os.Environ()
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return errors.Wrap(err, "start daemon")
	}

	exited := make(chan error, 1)
	go func() { exited <- child.Wait() }()

	deadline := time.After(daemonStartTimeout)
	ticker := time.NewTicker(daemonPollInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-exited:
			return errors.Errorf("daemon exited during startup (%v); see %s", err, c.cfg.Log.File)
		case <-deadline:
			return errors.Errorf("daemon did not take the lock within %s; see %s", daemonStartTimeout, c.cfg.Log.File)
		case <-ticker.C:
			if held, _ := lock.Held(c.cfg.Monitor.LockFile); held {
				fmt.Fprintf(out, "luawatch daemon started (pid %d), logging to %s\n", child.Process.Pid, c.cfg.Log.File)
				return nil
			}
		}
	}
}

// daemonStop signals the daemon and waits for it to release the lock. It
// reports whether a daemon was running.
func (c *cli) daemonStop(out io.Writer) (bool, error) {
	held, err := lock.Held(c.cfg.Monitor.LockFile)
	if err != nil {
		return false, err
	}
	if !held {
		fmt.Fprintln(out, "luawatch daemon is not running")
		return false, nil
	}

	pid, err := lock.Signal(c.cfg.Monitor.PIDFile, syscall.SIGTERM)
	if err != nil {
		return true, errors.Wrap(err, "stop daemon")
	}

	deadline := time.Now().Add(daemonStopTimeout)
	for time.Now().Before(deadline) {
		if held, _ := lock.Held(c.cfg.Monitor.LockFile); !held {
			fmt.Fprintf(out, "luawatch daemon stopped (pid %d)\n", pid)
			return true, nil
		}
		time.Sleep(daemonPollInterval)
	}
	return true, errors.Errorf("daemon (pid %d) did not stop within %s", pid, daemonStopTimeout)
}

func (c *cli) daemonStatus(out io.Writer) error {
	held, err := lock.Held(c.cfg.Monitor.LockFile)
	if err != nil {
		return err
	}

	pid, pidErr := lock.ReadPID(c.cfg.Monitor.PIDFile)
	switch {
	case held && pidErr == nil:
		fmt.Fprintf(out, "running (pid %d)\n", pid)
	case held:
		fmt.Fprintln(out, "running (pid unknown)")
	case pidErr == nil && lock.Alive(pid):
		fmt.Fprintf(out, "stopped (pid file names live process %d that does not hold the lock)\n", pid)
	case pidErr == nil:
		fmt.Fprintf(out, "stopped (stale pid file for %d)\n", pid)
	default:
		fmt.Fprintln(out, "stopped")
	}
	return nil
}
