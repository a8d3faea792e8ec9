package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tranhoangtu-it/silentclaw/internal/config"
	"github.com/tranhoangtu-it/silentclaw/internal/memory"
)

var searchLimit int

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the workspace memory",
	Long: `search runs a hybrid query: BM25 keyword search and cosine
similarity over embeddings, fused with reciprocal rank fusion.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		store, embedder, _, err := openMemory(cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		searcher := memory.NewSearcher(store, embedder, logger)
		results, err := searcher.Search(cmd.Context(), strings.Join(args, " "), searchLimit)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("no results")
			return nil
		}
		for i, r := range results {
			fmt.Printf("%d. %s (%.4f, %s)\n", i+1, r.Path, r.Score, r.Source)
			for _, line := range strings.Split(strings.TrimSpace(r.Snippet), "\n") {
				fmt.Printf("   %s\n", line)
			}
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "maximum results")
}
