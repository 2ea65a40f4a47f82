// Package indexer builds the vector index from the record store.
//
// The full indexer re-embeds everything and atomically replaces the
// on-disk index, metadata, and indexed-ID set. The incremental indexer
// only embeds records not yet covered and appends to the existing
// state. Both paths skip records whose embedding fails and keep them
// out of the indexed-ID set so a later run retries them, and both hold
// a file lock so a child full rebuild and an in-process incremental
// job never write concurrently.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/flock"

	"github.com/membank-ai/membank/internal/chunk"
	"github.com/membank-ai/membank/internal/config"
	"github.com/membank-ai/membank/internal/embed"
	"github.com/membank-ai/membank/internal/errors"
	"github.com/membank-ai/membank/internal/journal"
	"github.com/membank-ai/membank/internal/store"
)

// ProgressFunc receives coarse progress checkpoints in [0,1].
type ProgressFunc func(fraction float64, message string)

// Indexer drives full and incremental index builds.
type Indexer struct {
	Records   *journal.Store
	Embedder  embed.Embedder
	Splitter  *chunk.Splitter
	Paths     config.PathsConfig
	BatchSize int
	Logger    *slog.Logger
	Progress  ProgressFunc
}

// New builds an indexer with defaults filled in.
func New(records *journal.Store, embedder embed.Embedder, paths config.PathsConfig, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		Records:   records,
		Embedder:  embedder,
		Splitter:  chunk.NewSplitter(),
		Paths:     paths,
		BatchSize: 20,
		Logger:    logger,
	}
}

func (ix *Indexer) report(fraction float64, message string) {
	if ix.Progress != nil {
		ix.Progress(fraction, message)
	}
}

// lock acquires the cross-process index writer lock.
func (ix *Indexer) lock(ctx context.Context) (*flock.Flock, error) {
	fl := flock.New(ix.Paths.Index + ".lock")
	ok, err := fl.TryLockContext(ctx, 200*time.Millisecond)
	if err != nil {
		return nil, errors.IndexError("acquire index writer lock", err)
	}
	if !ok {
		return nil, errors.IndexError("index writer lock unavailable", nil)
	}
	return fl, nil
}

// RunFull rebuilds the entire index from the record store.
func (ix *Indexer) RunFull(ctx context.Context) error {
	fl, err := ix.lock(ctx)
	if err != nil {
		return err
	}
	defer fl.Unlock()

	status := store.NewStatusFile(ix.Paths.Status)
	_ = status.Write(store.StatusRunning, 0, "full rebuild started")

	if err := ix.runFull(ctx, status); err != nil {
		_ = status.Write(store.StatusFailed, 0, err.Error())
		return err
	}
	_ = status.Write(store.StatusCompleted, 1, "full rebuild completed")
	return nil
}

func (ix *Indexer) runFull(ctx context.Context, status *store.StatusFile) error {
	records := ix.Records.List()

	// Chunk every non-empty record and assert chunk-ID uniqueness.
	var chunks []journal.SubChunk
	seen := make(map[string]bool)
	for _, rec := range records {
		if rec.Content == "" {
			ix.Logger.Warn("skipping record with empty content", "id", rec.ID)
			continue
		}
		for _, c := range ix.Splitter.SplitRecord(rec) {
			if seen[c.ID] {
				return errors.IndexError(
					fmt.Sprintf("duplicate chunk id %q", c.ID), nil)
			}
			seen[c.ID] = true
			chunks = append(chunks, c)
		}
	}

	ix.report(0, fmt.Sprintf("indexing %d chunks from %d records", len(chunks), len(records)))

	vectors, failed, err := ix.embedChunks(ctx, chunks, func(fraction float64, msg string) {
		ix.report(fraction, msg)
		_ = status.Write(store.StatusRunning, fraction, msg)
	})
	if err != nil {
		return err
	}

	// A record is published only when every one of its chunks embedded;
	// partially embedded records stay out entirely so the next rebuild
	// retries them whole.
	var index *store.VectorIndex
	var metadata []journal.SubChunk
	indexed := store.IndexedIDs{}
	for i, c := range chunks {
		if failed[c.ParentID()] {
			continue
		}
		if index == nil {
			index = store.NewVectorIndex(len(vectors[i]))
		}
		if err := index.Add(vectors[i]); err != nil {
			return err
		}
		metadata = append(metadata, c)
		indexed[c.ParentID()] = true
	}

	if index == nil {
		// Either no records or every batch failed: publish empty state.
		index = store.NewVectorIndex(1)
		if len(chunks) > 0 {
			return errors.IndexError("all embedding batches failed", nil)
		}
	}

	// Publish: index first, then metadata, then the ID set, so a crash
	// between writes is caught by the load-time size check.
	if err := index.Save(ix.Paths.Index); err != nil {
		return err
	}
	if err := store.SaveMetadata(ix.Paths.Metadata, metadata); err != nil {
		return err
	}
	if err := indexed.Save(ix.Paths.IndexedIDs); err != nil {
		return err
	}
	if err := store.NewDirtyFlag(ix.Paths.DirtyFlag).Clear(); err != nil {
		return err
	}

	ix.report(1, fmt.Sprintf("indexed %d chunks", len(metadata)))
	ix.Logger.Info("full rebuild completed",
		"records", len(records), "chunks", len(metadata))
	return nil
}

// embedChunks embeds chunks batch by batch. A failed batch is skipped
// and every record with a chunk in it lands in failed, so callers can
// leave those records out entirely and retry them later.
func (ix *Indexer) embedChunks(ctx context.Context, chunks []journal.SubChunk, checkpoint func(fraction float64, msg string)) ([][]float32, map[string]bool, error) {
	vectors := make([][]float32, len(chunks))
	failed := make(map[string]bool)

	batches := splitBatches(chunks, ix.BatchSize)
	base := 0
	for bi, batch := range batches {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}

		vecs, err := ix.Embedder.EmbedBatch(ctx, texts)
		if err != nil {
			ix.Logger.Warn("embedding batch failed, skipping",
				"batch", bi, "size", len(batch), "error", err)
			for _, c := range batch {
				failed[c.ParentID()] = true
			}
		} else {
			for i := range batch {
				vectors[base+i] = vecs[i]
			}
		}
		base += len(batch)

		if checkpoint != nil {
			checkpoint(float64(bi+1)/float64(len(batches)),
				fmt.Sprintf("batch %d/%d", bi+1, len(batches)))
		}
	}
	return vectors, failed, nil
}

// RunIncremental embeds only records absent from the indexed-ID set
// and appends them. It returns the number of records added. Records
// whose embedding fails are skipped and retried by a later run; the
// dirty flag survives while any remain.
func (ix *Indexer) RunIncremental(ctx context.Context) (int, error) {
	fl, err := ix.lock(ctx)
	if err != nil {
		return 0, err
	}
	defer fl.Unlock()

	indexed, err := store.LoadIndexedIDs(ix.Paths.IndexedIDs)
	if err != nil {
		return 0, err
	}

	var pending []journal.Record
	for _, rec := range ix.Records.List() {
		if rec.Content == "" || indexed[rec.ID] {
			continue
		}
		pending = append(pending, rec)
	}

	// Stale IDs mean records were deleted since the last full rebuild;
	// their vectors can only be purged by a full rebuild, so the dirty
	// flag must survive until one runs.
	stale := false
	for id := range indexed {
		if !ix.Records.Has(id) {
			stale = true
			break
		}
	}

	if len(pending) == 0 {
		if !stale {
			_ = store.NewDirtyFlag(ix.Paths.DirtyFlag).Clear()
		}
		return 0, nil
	}

	metadata, err := store.LoadMetadata(ix.Paths.Metadata)
	if err != nil {
		return 0, err
	}

	var index *store.VectorIndex
	if len(metadata) > 0 {
		index, err = store.LoadVectorIndex(ix.Paths.Index)
		if err != nil {
			return 0, err
		}
		if index.NTotal() != len(metadata) {
			return 0, errors.New(errors.ErrCodeIndexMismatch,
				fmt.Sprintf("index has %d vectors but metadata has %d entries",
					index.NTotal(), len(metadata)), nil)
		}
	}

	// Embed everything before touching the in-memory index so a write
	// error leaves no partial state anywhere.
	var chunks []journal.SubChunk
	for _, rec := range pending {
		chunks = append(chunks, ix.Splitter.SplitRecord(rec)...)
	}

	vectors, failed, err := ix.embedChunks(ctx, chunks, nil)
	if err != nil {
		return 0, err
	}

	// Same rule as the full rebuild: a record enters the index only
	// when every one of its chunks embedded.
	var kept []journal.SubChunk
	var keptVecs [][]float32
	for i, c := range chunks {
		if failed[c.ParentID()] {
			continue
		}
		kept = append(kept, c)
		keptVecs = append(keptVecs, vectors[i])
	}
	if len(kept) == 0 {
		return 0, errors.EmbeddingError(
			fmt.Sprintf("all embedding batches failed for %d pending records", len(pending)), nil)
	}

	if index == nil {
		// Bootstrap a fresh index, dimension from the first embedding.
		index = store.NewVectorIndex(len(keptVecs[0]))
	}
	if err := index.Add(keptVecs...); err != nil {
		return 0, err
	}
	metadata = append(metadata, kept...)

	if err := index.Save(ix.Paths.Index); err != nil {
		return 0, err
	}
	if err := store.SaveMetadata(ix.Paths.Metadata, metadata); err != nil {
		return 0, err
	}
	added := 0
	for _, rec := range pending {
		if failed[rec.ID] {
			continue
		}
		indexed[rec.ID] = true
		added++
	}
	if err := indexed.Save(ix.Paths.IndexedIDs); err != nil {
		return 0, err
	}
	// Skipped records keep the flag set so the next run retries them.
	if !stale && len(failed) == 0 {
		if err := store.NewDirtyFlag(ix.Paths.DirtyFlag).Clear(); err != nil {
			return 0, err
		}
	}

	ix.Logger.Info("incremental index completed",
		"records", added, "skipped", len(pending)-added, "total", index.NTotal())
	return added, nil
}

func splitBatches(chunks []journal.SubChunk, size int) [][]journal.SubChunk {
	if size <= 0 {
		size = 20
	}
	var out [][]journal.SubChunk
	for start := 0; start < len(chunks); start += size {
		end := start + size
		if end > len(chunks) {
			end = len(chunks)
		}
		out = append(out, chunks[start:end])
	}
	return out
}
