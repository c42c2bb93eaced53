// Command luawatch watches Garry's Mod server consoles for Lua errors and
// keeps a deduplicated record of them.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/luawatch/internal/config"
	"github.com/kiranshivaraju/luawatch/internal/logging"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
}

// run builds the command tree and executes args against it.
func run(args []string, stdout, stderr io.Writer) error {
	c := &cli{}
	defer c.close()

	root := c.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.Execute()
}

// cli carries state shared by every subcommand once flags are parsed.
type cli struct {
	cfg       *config.Config
	logToFile bool
	logCloser io.Closer
}

func (c *cli) rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "luawatch",
		Short: "Watch Garry's Mod server consoles for Lua errors",
		Long: `luawatch polls the console output of Garry's Mod servers, picks out Lua
errors, and folds repeated errors into a single record with an occurrence count.

Configuration comes from the environment (or a .env file); the monitored
servers are listed in a YAML file (LUAWATCH_SERVERS_FILE).

Quick start:
  luawatch analyze-file console.log     # Scan a saved console log
  luawatch monitor                      # Poll all servers in the foreground
  luawatch daemon start                 # Poll in the background
  luawatch records list                 # Show recorded errors`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return errors.Wrap(err, "load config")
			}
			c.cfg = cfg

			closer, err := logging.Setup(cfg.Log, c.logToFile)
			if err != nil {
				return errors.WithStack(err)
			}
			c.logCloser = closer
			return nil
		},
	}

	cmd.PersistentFlags().BoolVar(&c.logToFile, "log-to-file", false, "write logs to the rotating log file instead of stderr")
	_ = cmd.PersistentFlags().MarkHidden("log-to-file")

	cmd.AddCommand(c.analyzeCmd())
	cmd.AddCommand(c.monitorCmd())
	cmd.AddCommand(c.daemonCmd())
	cmd.AddCommand(c.recordsCmd())
	cmd.AddCommand(c.serveCmd())
	cmd.AddCommand(hashTokenCmd())

	return cmd
}

func (c *cli) close() {
	if c.logCloser != nil {
		c.logCloser.Close()
	}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// withStack attaches a stack trace unless err already carries one.
func withStack(err error) error {
	if err == nil {
		return nil
	}
	var st stackTracer
	if errors.As(err, &st) {
		return err
	}
	return errors.WithStack(err)
}

// printError writes the error on one line followed by its stack trace.
func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %v\n", err)
	var st stackTracer
	if errors.As(err, &st) {
		for _, f := range st.StackTrace() {
			fmt.Fprintf(w, "%+v\n", f)
		}
	}
}
