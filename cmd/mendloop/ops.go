package main

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/loopworks/mendloop/config"
	"github.com/loopworks/mendloop/internal/patchstore"
	"github.com/loopworks/mendloop/internal/store"
)

// purgeCMD removes high-decay patches written under an old model version
// directly against the database. Run it while the server is stopped, or
// restart the server afterwards so the in-memory tiers rehydrate.
func purgeCMD() *cobra.Command {
	var cfgPath string
	var oldVersion, newVersion string
	var purge = &cobra.Command{
		Use:   "purge",
		Short: "Purge high-decay patches from an old model version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			ctx := context.Background()
			st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
			if err != nil {
				return err
			}
			defer st.DB.Close()
			stats, err := st.Purge(ctx, oldVersion, newVersion)
			if err != nil {
				return err
			}
			fmt.Printf("purge %d: purged=%d retained=%d reclaimed=%d chars\n",
				stats.PurgeID, stats.Purged, stats.Retained, stats.ReclaimedLength)
			return nil
		},
	}
	purge.Flags().StringVar(&oldVersion, "old", "", "model version being retired")
	purge.Flags().StringVar(&newVersion, "new", "", "model version taking over")
	purge.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	_ = purge.MarkFlagRequired("old")
	_ = purge.MarkFlagRequired("new")

	return purge
}

// sweepCMD hydrates the tier index from the database, rebalances it, and
// persists the resulting tier moves.
func sweepCMD() *cobra.Command {
	var cfgPath string
	var sweep = &cobra.Command{
		Use:   "sweep",
		Short: "Rebalance patch tiers offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			ctx := context.Background()
			st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
			if err != nil {
				return err
			}
			defer st.DB.Close()
			patches, err := patchstore.New(log.Default(), st, patchstore.Options{
				CacheCapacity: cfg.Patches.CacheCapacity,
				ArchiveTopK:   cfg.Patches.ArchiveTopK,
				PromoteHits:   cfg.Patches.PromoteHits,
				PromoteWindow: cfg.Patches.PromoteWindow,
				DemoteWindow:  cfg.Patches.DemoteWindow,
				ModelVersion:  cfg.Patches.ModelVersion,
			})
			if err != nil {
				return err
			}
			if err := patches.Hydrate(ctx); err != nil {
				return err
			}
			stats, err := patches.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("sweep complete: promoted=%d demoted=%d\n", stats.Promoted, stats.Demoted)
			return nil
		},
	}
	sweep.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return sweep
}
