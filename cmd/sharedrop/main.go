package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"sharedrop/internal/config"
	"sharedrop/internal/db"
)

func main() {
	if err := newRootCmd(os.Getenv).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(getenv func(string) string) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "sharedrop",
		Short:        "Presigned upload and download coordinator",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", getenv("SDR_CONFIG"), "path to a TOML config file (env SDR_CONFIG)")

	load := func() (*config.Config, error) {
		cfg, _, err := loadConfig(configPath, getenv)
		return cfg, err
	}

	root.AddCommand(
		newServeCmd(&configPath, getenv),
		newMigrateCmd(&configPath, getenv),
		newSweepCmd(&configPath, getenv),
		newTokenCmd(load),
	)
	return root
}

func newServeCmd(configPath *string, getenv func(string) string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath, getenv)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := a.server()

			if cfg.Sweep.Enabled {
				go a.sweeper().Run(ctx)
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info().
					Str("addr", cfg.Server.Addr).
					Str("version", cfg.Server.Version).
					Str("commit", cfg.Server.Commit).
					Msg("starting")
				errCh <- srv.Start()
			}()

			select {
			case <-ctx.Done():
				logger.Info().Msg("shutting down")
				sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(sctx); err != nil {
					return fmt.Errorf("shutdown: %w", err)
				}
				logger.Info().Msg("shutdown complete")
				return nil
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("server: %w", err)
				}
				return nil
			}
		},
	}
}

func newMigrateCmd(configPath *string, getenv func(string) string) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(*configPath, getenv)
			if err != nil {
				return err
			}
			if cfg.Database.Type == "memory" {
				return errors.New("the memory database has no schema to migrate")
			}

			dialect := db.Dialect(cfg.Database.Type)
			conn, err := db.Open(cmd.Context(), dialect, cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer conn.Close()

			if check {
				if err := db.CheckMigrationStatus(conn, dialect); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				return nil
			}
			if err := db.RunMigrations(conn, dialect); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "only report whether the schema is current")
	return cmd
}

func newSweepCmd(configPath *string, getenv func(string) string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Fail stale reservations once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath, getenv)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.sweeper().RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d failed=%d skipped=%d\n", res.Scanned, res.Failed, res.Skipped)
			return nil
		},
	}
}

func newTokenCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a session token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			sessions, err := newSessions(cfg)
			if err != nil {
				return err
			}
			tok, exp, err := sessions.Issue(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.UTC().Format(time.RFC3339))
			return nil
		},
	}
}
