package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/membank-ai/membank/internal/journal"
	"github.com/membank-ai/membank/internal/retriever"
	"github.com/membank-ai/membank/internal/store"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show record store and index status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus()
		},
	}
}

func runStatus() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	records, err := journal.OpenStore(cfg.Paths.Records)
	if err != nil {
		return err
	}
	fmt.Printf("Records:      %d (%s)\n", records.Len(), cfg.Paths.Records)

	snap, err := retriever.LoadSnapshot(cfg.Paths.Index, cfg.Paths.Metadata)
	if err != nil {
		fmt.Printf("Index:        UNUSABLE: %v\n", err)
	} else if snap.Empty() {
		fmt.Println("Index:        empty (not built yet)")
	} else {
		fmt.Printf("Index:        %d chunks, dimension %d\n",
			snap.Index.NTotal(), snap.Index.Dim())
	}

	indexed, err := store.LoadIndexedIDs(cfg.Paths.IndexedIDs)
	if err == nil {
		fmt.Printf("Indexed IDs:  %d\n", len(indexed))
	}

	if store.NewDirtyFlag(cfg.Paths.DirtyFlag).IsSet() {
		fmt.Println("Dirty flag:   SET (rebuild pending)")
	} else {
		fmt.Println("Dirty flag:   clear")
	}

	rec, err := store.NewStatusFile(cfg.Paths.Status).Read()
	if err != nil {
		return err
	}
	fmt.Printf("Rebuild:      %s", rec.Status)
	if rec.Status == store.StatusRunning {
		fmt.Printf(" (%.0f%%)", rec.Progress*100)
	}
	if rec.Message != "" {
		fmt.Printf(" - %s", rec.Message)
	}
	fmt.Println()
	return nil
}
