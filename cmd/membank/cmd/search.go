package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/membank-ai/membank/internal/embed"
	"github.com/membank-ai/membank/internal/retriever"
)

func newSearchCmd() *cobra.Command {
	var dateFilter string
	var limit int

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the memory index from the command line",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, strings.Join(args, " "), dateFilter, limit)
		},
	}

	cmd.Flags().StringVar(&dateFilter, "date", "", `Date filter (e.g. "2026-08-20", "last_week", "3_days_ago")`)
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum number of results")
	return cmd
}

func runSearch(cmd *cobra.Command, query, dateFilter string, limit int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	cleanup, err := setupLogging(cfg, false)
	if err != nil {
		return err
	}
	defer cleanup()
	logger := slog.Default()

	base, err := embed.NewOpenAIEmbedder(cfg.Embedding)
	if err != nil {
		return err
	}
	embedder, err := embed.NewCachedEmbedder(base, cfg.Embedding.Model, cfg.Embedding.CacheSize)
	if err != nil {
		return err
	}
	defer embedder.Close()

	snap, err := retriever.LoadSnapshot(cfg.Paths.Index, cfg.Paths.Metadata)
	if err != nil {
		return err
	}

	retr := retriever.New(embedder, logger)
	retr.Publish(snap)

	results, err := retr.Search(cmd.Context(), query, dateFilter, limit)
	if err != nil {
		return err
	}

	fmt.Println(retriever.FormatResults(results))
	return nil
}
