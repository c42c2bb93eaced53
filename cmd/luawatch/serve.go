package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/kiranshivaraju/luawatch/internal/api"
	"github.com/kiranshivaraju/luawatch/internal/api/handler"
	mw "github.com/kiranshivaraju/luawatch/internal/api/middleware"
)

const shutdownTimeout = 30 * time.Second

func (c *cli) serveCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the record query API",
		Long: `Serve the HTTP API for listing, updating and exporting error records.

Requests must carry "Authorization: Bearer <token>", where the bcrypt hash of
the token is set in LUAWATCH_API_TOKEN_HASH (see "luawatch hash-token").`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("port") {
				c.cfg.Server.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withStack(c.runServer(ctx))
		},
	}
	cmd.Flags().IntVar(&port, "port", 8080, "listen port")
	return cmd
}

func (c *cli) runServer(ctx context.Context) error {
	if c.cfg.Server.APITokenHash == "" {
		return errors.New("LUAWATCH_API_TOKEN_HASH must be set to serve the API")
	}

	st, err := c.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()
	slog.Info("store ready", "postgres", c.cfg.UsePostgres())

	ch, _, err := c.openCache(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	records := handler.NewRecords(st)
	router := api.NewRouter(api.Dependencies{
		Auth:          mw.NewAuth(c.cfg.Server.APITokenHash),
		RateLimit:     mw.NewRateLimit(ch, c.cfg.Server.RateLimit),
		HealthHandler: handler.NewHealthHandler(st, ch),
		ListRecords:   records.List,
		GetRecord:     records.Get,
		ResolveRecord: records.Resolve,
		CloseRecord:   records.Close,
		ReopenRecord:  records.Reopen,
		ClearRecords:  records.Clear,
		ExportRecords: records.Export,
	})

	addr := fmt.Sprintf(":%d", c.cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr, "env", c.cfg.Server.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "server error")
		}
		return nil
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "server shutdown")
	}

	slog.Info("server stopped gracefully")
	return nil
}

func hashTokenCmd() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-token <token>",
		Short: "Print the bcrypt hash of an API token for LUAWATCH_API_TOKEN_HASH",
		Args:  cobra.ExactArgs(1),
		// No config is needed to hash a token.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			token := strings.TrimSpace(args[0])
			if len(token) < 8 {
				return errors.New("token must be at least 8 characters")
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
			if err != nil {
				return errors.WithStack(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}
