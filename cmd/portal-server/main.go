package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/researchportal/internal/config"
	"github.com/ehr/researchportal/internal/domain/tier"
	"github.com/ehr/researchportal/internal/platform/db"
	"github.com/ehr/researchportal/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "portal-server",
		Short: "Research data portal API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tiersCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runServer(cmd.Context(), cfg, newLogger(cfg.Env))
		},
	}
}

// storeNames resolves the --store flag. "all" selects every store.
func storeNames(flag string) ([]string, error) {
	all := []string{db.StoreAccounts, db.StoreClinical, db.StoreResearch}
	if flag == "" || flag == "all" {
		return all, nil
	}
	for _, name := range all {
		if flag == name {
			return []string{name}, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q (want %s or all)", flag, strings.Join(all, ", "))
}

func storeURL(cfg *config.Config, store string) string {
	switch store {
	case db.StoreAccounts:
		return cfg.AccountsDatabaseURL
	case db.StoreClinical:
		return cfg.ClinicalDatabaseURL
	case db.StoreResearch:
		return cfg.ResearchDatabaseURL
	}
	return ""
}

// withMigrator opens the named store and runs fn with its migrator.
func withMigrator(ctx context.Context, cfg *config.Config, store string, fn func(*db.Migrator) error) error {
	url := storeURL(cfg, store)
	if url == "" {
		return fmt.Errorf("%s_DATABASE_URL is not set", strings.ToUpper(store))
	}
	files, err := migrations.For(store)
	if err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, url, 2, 0)
	if err != nil {
		return fmt.Errorf("%s store: %w", store, err)
	}
	defer pool.Close()
	return fn(db.NewMigrator(pool, store, files))
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			flag, _ := cmd.Flags().GetString("store")
			stores, err := storeNames(flag)
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			for _, store := range stores {
				err := withMigrator(ctx, cfg, store, func(m *db.Migrator) error {
					count, err := m.Up(ctx)
					if err != nil {
						return fmt.Errorf("migration failed: %w", err)
					}
					fmt.Printf("%s: applied %d migration(s).\n", store, count)
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		},
	}
	upCmd.Flags().String("store", "all", "Store to migrate (accounts, clinical, research or all)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			flag, _ := cmd.Flags().GetString("store")
			stores, err := storeNames(flag)
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			for _, store := range stores {
				err := withMigrator(ctx, cfg, store, func(m *db.Migrator) error {
					statuses, err := m.Status(ctx)
					if err != nil {
						return fmt.Errorf("failed to get migration status: %w", err)
					}
					printStatus(store, statuses)
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		},
	}
	statusCmd.Flags().String("store", "all", "Store to inspect (accounts, clinical, research or all)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printStatus(store string, statuses []db.MigrationStatus) {
	fmt.Printf("Migration status for store: %s\n", store)
	fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format(time.DateTime)
			}
		}
		fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func tiersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tiers",
		Short: "Manage the tier catalog",
	}

	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Create or update tiers from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()

			tiers, err := tier.LoadSeed(f)
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.AccountsDatabaseURL == "" {
				return fmt.Errorf("ACCOUNTS_DATABASE_URL is not set")
			}
			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.AccountsDatabaseURL, 2, 0)
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := tier.Seed(ctx, tier.NewRepoPG(pool), tiers)
			if err != nil {
				return err
			}
			fmt.Printf("Seeded %d tier(s) from %s.\n", n, file)
			return nil
		},
	}
	seedCmd.Flags().String("file", "tiers.yaml", "Path to the tier catalog")
	cmd.AddCommand(seedCmd)

	return cmd
}
