package cmd

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/membank-ai/membank/internal/agent"
	"github.com/membank-ai/membank/internal/embed"
	"github.com/membank-ai/membank/internal/errors"
	"github.com/membank-ai/membank/internal/indexer"
	"github.com/membank-ai/membank/internal/journal"
	"github.com/membank-ai/membank/internal/retriever"
	"github.com/membank-ai/membank/internal/server"
	"github.com/membank-ai/membank/internal/store"
	"github.com/membank-ai/membank/internal/supervisor"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP service",
		Long: `Starts the MemBank HTTP service: record ingest, hybrid retrieval,
agent chat, and the background index supervisor.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}
}

func runServe(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return err
	}

	cleanup, err := setupLogging(cfg, true)
	if err != nil {
		return err
	}
	defer cleanup()
	logger := slog.Default()

	records, err := journal.OpenStore(cfg.Paths.Records)
	if err != nil {
		return err
	}

	base, err := embed.NewOpenAIEmbedder(cfg.Embedding)
	if err != nil {
		return err
	}
	embedder, err := embed.NewCachedEmbedder(base, cfg.Embedding.Model, cfg.Embedding.CacheSize)
	if err != nil {
		return err
	}
	defer embedder.Close()

	retr := retriever.New(embedder, logger)
	snap, err := retriever.LoadSnapshot(cfg.Paths.Index, cfg.Paths.Metadata)
	if err != nil {
		// A corrupt or mismatched index pair must never be served.
		_ = store.NewStatusFile(cfg.Paths.Status).Write(store.StatusFailed, 0, err.Error())
		logger.Error("refusing to start with inconsistent index state",
			"code", errors.GetCode(err), "error", err)
		return err
	}
	retr.Publish(snap)
	logger.Info("index loaded", "chunks", len(snap.Metadata), "records", records.Len())

	ix := indexer.New(records, embedder, cfg.Paths, logger)
	ix.BatchSize = cfg.Embedding.BatchSize

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(cfg, ix, retr, logger)
	if err := sup.Start(ctx); err != nil {
		return err
	}
	defer sup.Stop()

	chatClient, err := agent.NewChatClient(cfg.Chat, cfg.Embedding)
	if err != nil {
		return err
	}
	ag := agent.New(chatClient, retr, cfg.Chat, logger)

	srv := server.New(cfg, records, retr, ag, sup, logger)
	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error("http server stopped", "error", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
