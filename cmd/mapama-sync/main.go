// mapama-sync administers the MAPAMA collection syncs: refresh a
// collection or a namespace, list what the upstream service offers, and
// report the state of the control table.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dnogares/afecciones/internal/afecciones"
	"github.com/dnogares/afecciones/internal/config"
	"github.com/dnogares/afecciones/internal/db"
	"github.com/dnogares/afecciones/internal/logging"
	"github.com/dnogares/afecciones/internal/ogc"
	"github.com/dnogares/afecciones/internal/sync"
)

var (
	flagStrategy string
	flagCatalog  string
)

func main() {
	_ = godotenv.Load(".env.local")

	root := &cobra.Command{
		Use:           "mapama-sync",
		Short:         "Manage MAPAMA constraint-layer synchronization",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	syncCmd := &cobra.Command{
		Use:   "sync <collection-id>",
		Short: "Sync one collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			syncer, err := buildSyncer()
			if err != nil {
				return err
			}
			out, err := syncer.Sync(cmd.Context(), args[0], sync.Strategy(flagStrategy))
			if err != nil {
				return err
			}
			fmt.Printf("synced %s: %d features (%d skipped) in %s\n",
				out.CollectionID, out.Features, out.Skipped, out.Elapsed.Round(1e7))
			return nil
		},
	}
	syncCmd.Flags().StringVar(&flagStrategy, "strategy", string(sync.StrategyReplace),
		"update strategy: replace, append or upsert")

	syncNamespaceCmd := &cobra.Command{
		Use:   "sync-namespace <namespace>",
		Short: "Sync every collection of a namespace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			syncer, err := buildSyncer()
			if err != nil {
				return err
			}
			outcomes, err := syncer.SyncNamespace(cmd.Context(), args[0], sync.Strategy(flagStrategy))
			if err != nil {
				return err
			}
			for _, out := range outcomes {
				fmt.Printf("  %s: %d features in %s\n", out.CollectionID, out.Features, out.Elapsed.Round(1e7))
			}
			fmt.Printf("synced %d collections\n", len(outcomes))
			return nil
		},
	}
	syncNamespaceCmd.Flags().StringVar(&flagStrategy, "strategy", string(sync.StrategyReplace),
		"update strategy: replace, append or upsert")

	syncAllCmd := &cobra.Command{
		Use:   "sync-all",
		Short: "Sync every collection listed in the layer catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagCatalog == "" {
				return fmt.Errorf("--catalog is required")
			}
			catalog, err := config.LoadCatalog(flagCatalog)
			if err != nil {
				return err
			}
			syncer, err := buildSyncer()
			if err != nil {
				return err
			}
			var synced int
			for _, id := range catalog.CollectionIDs("") {
				out, err := syncer.Sync(cmd.Context(), id, sync.Strategy(flagStrategy))
				if err != nil {
					fmt.Fprintf(os.Stderr, "  %s: %v\n", id, err)
					continue
				}
				fmt.Printf("  %s: %d features in %s\n", out.CollectionID, out.Features, out.Elapsed.Round(1e7))
				synced++
			}
			fmt.Printf("synced %d collections\n", synced)
			return nil
		},
	}
	syncAllCmd.Flags().StringVar(&flagCatalog, "catalog", os.Getenv("LAYER_CATALOG"), "YAML layer catalog path")
	syncAllCmd.Flags().StringVar(&flagStrategy, "strategy", string(sync.StrategyReplace),
		"update strategy: replace, append or upsert")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the collections the OGC service offers",
		RunE: func(cmd *cobra.Command, args []string) error {
			syncer, err := buildSyncer()
			if err != nil {
				return err
			}
			cols, err := syncer.ListCollections(cmd.Context())
			if err != nil {
				return err
			}
			for _, c := range cols {
				fmt.Printf("  %-50s %s\n", c.ID, c.Title)
			}
			fmt.Printf("%d collections\n", len(cols))
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status [namespace]",
		Short: "Report sync state, optionally filtered by namespace",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			syncer, err := buildSyncer()
			if err != nil {
				return err
			}
			namespace := ""
			if len(args) == 1 {
				namespace = args[0]
			}
			records, err := syncer.Status(cmd.Context(), namespace)
			if err != nil {
				return err
			}
			for _, rec := range records {
				line := fmt.Sprintf("  %-50s %-8s %8d features", rec.CollectionID, rec.Status, rec.FeatureCount)
				if !rec.LastSync.IsZero() {
					line += "  " + rec.LastSync.Format("2006-01-02 15:04")
				}
				if rec.ErrorMessage != "" {
					line += "  (" + rec.ErrorMessage + ")"
				}
				fmt.Println(line)
			}
			fmt.Printf("%d records\n", len(records))
			return nil
		},
	}

	root.AddCommand(syncCmd, syncNamespaceCmd, syncAllCmd, listCmd, statusCmd)

	// Ctrl-C cancels between pages; the current page finishes.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		log.Fatal(err)
	}
}

func buildSyncer() (*sync.Syncer, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	logger, err := logging.New(os.Getenv("LOG_LEVEL"), "console")
	if err != nil {
		return nil, err
	}

	gdb, err := db.Connect(dsn)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := db.EnsurePostGIS(gdb); err != nil {
		return nil, fmt.Errorf("enable PostGIS: %w", err)
	}
	if err := afecciones.Migrate(gdb); err != nil {
		return nil, fmt.Errorf("migrate spatial tables: %w", err)
	}
	if err := sync.Migrate(gdb); err != nil {
		return nil, fmt.Errorf("migrate sync tables: %w", err)
	}

	baseURL := os.Getenv("OGC_BASE_URL")
	return sync.NewSyncer(gdb, ogc.NewClient(baseURL, logger), ogc.DefaultPageSize, logger), nil
}
