package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tranhoangtu-it/silentclaw/internal/config"
)

var indexWatch bool

var indexCmd = &cobra.Command{
	Use:   "index [root]",
	Short: "Index the workspace into memory",
	Long: `index walks the workspace, storing text files for keyword and
semantic search. Unchanged files are skipped by content hash. With
--watch it keeps running and reindexes files as they change.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if len(args) == 1 {
			cfg.Memory.IndexRoot = args[0]
		}

		store, _, indexer, err := openMemory(cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		stats, err := indexer.IndexWorkspace(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("indexed %d, skipped %d, removed %d, failed %d\n",
			stats.Indexed, stats.Skipped, stats.Removed, stats.Failed)

		if indexWatch {
			logger.Info("watching for changes", zap.String("root", cfg.Memory.IndexRoot))
			if err := indexer.Watch(ctx); err != nil && ctx.Err() == nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	indexCmd.Flags().BoolVarP(&indexWatch, "watch", "w", false, "keep watching and reindexing")
}
