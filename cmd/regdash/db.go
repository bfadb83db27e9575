package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/regdash/pkg/seed"
)

var (
	forceReset bool
	seedDays   int
	seedValue  uint64
	seedReset  bool
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database maintenance commands",
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop and recreate the runs table",
	RunE:  runDBReset,
}

var dbSeedCmd = &cobra.Command{
	Use:   "seed-demo",
	Short: "Seed demo runs into the most recent business windows",
	Long: `Generate demo runs for the last N business windows across the known
clouds with a mix of PASSED, FAILED and KILLED outcomes. Runs are derived from
--seed, so seeding twice with the same seed on the same day updates the same
request IDs instead of adding new ones.`,
	RunE: runDBSeed,
}

func init() {
	dbResetCmd.Flags().BoolVarP(&forceReset, "force", "f", false, "Skip confirmation prompt")

	dbSeedCmd.Flags().IntVar(&seedDays, "days", seed.DefaultWindows,
		"number of business windows to seed, ending with the current one")
	dbSeedCmd.Flags().Uint64Var(&seedValue, "seed", seed.DefaultSeed,
		"generator seed")
	dbSeedCmd.Flags().BoolVar(&seedReset, "reset", false,
		"reset the runs table before seeding")

	dbCmd.AddCommand(dbResetCmd, dbSeedCmd)
	rootCmd.AddCommand(dbCmd)
}

func runDBReset(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !forceReset {
		fmt.Print("This deletes every stored run. Continue? [y/N] ")

		reader := bufio.NewReader(os.Stdin)

		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}

		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			log.Info("Reset cancelled")

			return nil
		}
	}

	ctx := cmd.Context()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() { _ = store.Stop() }()

	if err := store.Reset(ctx); err != nil {
		return fmt.Errorf("resetting database: %w", err)
	}

	log.Info("Database reset")

	return nil
}

func runDBSeed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() { _ = store.Stop() }()

	if seedReset {
		if err := store.Reset(ctx); err != nil {
			return fmt.Errorf("resetting database: %w", err)
		}
	}

	resolver, err := newResolver(cfg)
	if err != nil {
		return err
	}

	result, err := seed.NewSeeder(log, store, resolver).Seed(ctx, seed.Options{
		Windows:   seedDays,
		Seed:      seedValue,
		Clouds:    cfg.Dashboard.KnownClouds,
		Scheduler: cfg.Dashboard.DefaultScheduler,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Seeded %d new, %d updated runs across %d windows.\n",
		result.Created, result.Updated, max(seedDays, 1))

	return nil
}
