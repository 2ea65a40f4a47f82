package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/membank-ai/membank/internal/embed"
	"github.com/membank-ai/membank/internal/indexer"
	"github.com/membank-ai/membank/internal/journal"
)

func newIndexCmd() *cobra.Command {
	var incremental bool

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build the vector index from the record store",
		Long: `Builds the vector index. By default this is a full rebuild; with
--incremental only records missing from the index are embedded.

Progress checkpoints are written to stdout as "PROGRESS <fraction>
<message>" lines so a supervising process can relay them. Errors go to
stderr and the exit code reports success.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndex(cmd, incremental)
		},
	}

	cmd.Flags().BoolVar(&incremental, "incremental", false, "Only index records not yet covered")
	return cmd
}

func runIndex(cmd *cobra.Command, incremental bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return err
	}

	// stdout is reserved for progress lines; logs go to the file only.
	cleanup, err := setupLogging(cfg, false)
	if err != nil {
		return err
	}
	defer cleanup()
	logger := slog.Default()

	records, err := journal.OpenStore(cfg.Paths.Records)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	base, err := embed.NewOpenAIEmbedder(cfg.Embedding)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	embedder, err := embed.NewCachedEmbedder(base, cfg.Embedding.Model, cfg.Embedding.CacheSize)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	defer embedder.Close()

	ix := indexer.New(records, embedder, cfg.Paths, logger)
	ix.BatchSize = cfg.Embedding.BatchSize
	ix.Progress = func(fraction float64, message string) {
		fmt.Printf("PROGRESS %.2f %s\n", fraction, message)
	}

	if incremental {
		added, err := ix.RunIncremental(cmd.Context())
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return err
		}
		fmt.Printf("PROGRESS 1.00 indexed %d new records\n", added)
		return nil
	}

	if err := ix.RunFull(cmd.Context()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}
