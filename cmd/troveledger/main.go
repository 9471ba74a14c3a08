// Command troveledger runs the trove ledger service and its maintenance
// tasks.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"TroveLedger/internal/config"
	"TroveLedger/internal/observability"
	"TroveLedger/internal/persistence"
	"TroveLedger/internal/projection"
	"TroveLedger/migrations"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "troveledger",
		Short:         "Trove ledger: borrowing, stability pool and liquidation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to TOML config (default $TROVE_CONFIG)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the ledger service",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				return serve(cmd.Context(), cfg)
			},
		},
		newMigrateCmd(&configPath),
		&cobra.Command{
			Use:   "rebuild-balances",
			Short: "Rebuild the balance projection from the journal",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withDB(cmd.Context(), configPath, "rebuild", func(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
					return projection.RebuildBalances(ctx, db, logger)
				})
			},
		},
	)
	return root
}

func newMigrateCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back schema migrations",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(c *cobra.Command, _ []string) error {
				return withDB(c.Context(), *configPath, "migrate", func(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
					return persistence.NewMigrator(db, migrations.Files, logger).Up(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			RunE: func(c *cobra.Command, _ []string) error {
				return withDB(c.Context(), *configPath, "migrate", func(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
					return persistence.NewMigrator(db, migrations.Files, logger).Down(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			RunE: func(c *cobra.Command, _ []string) error {
				return withDB(c.Context(), *configPath, "migrate", func(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
					status, err := persistence.NewMigrator(db, migrations.Files, logger).Status(ctx)
					if err != nil {
						return err
					}
					for _, st := range status {
						state := "pending"
						if st.Applied {
							state = "applied"
						}
						fmt.Fprintf(c.OutOrStdout(), "%s_%s\t%s\n", st.Version, st.Name, state)
					}
					return nil
				})
			},
		},
	)
	return cmd
}

// withDB loads config, opens Postgres and runs fn.
func withDB(ctx context.Context, configPath, component string, fn func(context.Context, *sql.DB, zerolog.Logger) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := observability.NewLoggerWith(component, cfg.Log)
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := openDB(ctx, cfg.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(ctx, db, logger)
}

func openDB(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}
