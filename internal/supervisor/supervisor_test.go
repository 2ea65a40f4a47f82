package supervisor

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/membank-ai/membank/internal/config"
	"github.com/membank-ai/membank/internal/errors"
	"github.com/membank-ai/membank/internal/journal"
	"github.com/membank-ai/membank/internal/retriever"
	"github.com/membank-ai/membank/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Paths = config.PathsConfig{
		Records:    filepath.Join(cfg.DataDir, "records.json"),
		Index:      filepath.Join(cfg.DataDir, "memory.index"),
		Metadata:   filepath.Join(cfg.DataDir, "metadata.json"),
		IndexedIDs: filepath.Join(cfg.DataDir, "indexed_ids.json"),
		DirtyFlag:  filepath.Join(cfg.DataDir, ".need_reindex"),
		Status:     filepath.Join(cfg.DataDir, ".index_status.json"),
	}
	cfg.Rebuild.DebounceSeconds = 1
	return cfg
}

// writeIndexPair puts a consistent one-chunk index on disk.
func writeIndexPair(t *testing.T, cfg *config.Config) {
	t.Helper()
	idx := store.NewVectorIndex(2)
	require.NoError(t, idx.Add([]float32{1, 2}))
	require.NoError(t, idx.Save(cfg.Paths.Index))
	require.NoError(t, store.SaveMetadata(cfg.Paths.Metadata, []journal.SubChunk{
		{ID: "a", Source: "voice", Date: "2026-08-25", Content: "记录"},
	}))
}

func testSupervisor(t *testing.T, cfg *config.Config) (*Supervisor, *retriever.Retriever) {
	t.Helper()
	retr := retriever.New(nil, slog.Default())
	s := New(cfg, nil, retr, slog.Default())
	s.runIncremental = func(ctx context.Context) error { return nil }
	s.runFull = func(ctx context.Context) error { return nil }
	return s, retr
}

func TestEnqueue_FullNotDowngraded(t *testing.T) {
	s, _ := testSupervisor(t, testConfig(t))

	s.enqueue(jobFull)
	s.enqueue(jobIncremental)
	assert.Equal(t, jobFull, s.pending)

	s.pending = jobNone
	s.enqueue(jobIncremental)
	s.enqueue(jobFull)
	assert.Equal(t, jobFull, s.pending)
}

func TestRequestFullRebuild_RefusedWhileRunning(t *testing.T) {
	cfg := testConfig(t)
	s, _ := testSupervisor(t, cfg)

	started := make(chan struct{})
	release := make(chan struct{})
	s.runIncremental = func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer func() {
		close(release)
		s.Stop()
	}()

	s.NotifyIngest()
	<-started

	err := s.RequestFullRebuild()
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeRebuildBusy, errors.GetCode(err))
}

func TestRequestFullRebuild_RunsWhenIdle(t *testing.T) {
	cfg := testConfig(t)
	s, _ := testSupervisor(t, cfg)

	ran := make(chan struct{})
	var once sync.Once
	s.runFull = func(ctx context.Context) error {
		once.Do(func() { close(ran) })
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	require.NoError(t, s.RequestFullRebuild())
	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("full rebuild never ran")
	}
}

func TestRequestFullRebuild_SetsFlagBeforeQueueing(t *testing.T) {
	cfg := testConfig(t)
	s, _ := testSupervisor(t, cfg)

	// The worker is not started, so the flag shows what a crash before
	// the queued job ran would leave behind: a request the fallback
	// tick can still honor.
	require.NoError(t, s.RequestFullRebuild())
	assert.True(t, store.NewDirtyFlag(cfg.Paths.DirtyFlag).IsSet())
	assert.Equal(t, jobFull, s.pending)
}

func TestChildArgs_ForwardsConfigFile(t *testing.T) {
	assert.Equal(t, []string{"index"}, childArgs(""))
	assert.Equal(t, []string{"index", "--config", "/etc/membank.yaml"},
		childArgs("/etc/membank.yaml"))
}

func TestJobSuccess_PublishesSnapshot(t *testing.T) {
	cfg := testConfig(t)
	writeIndexPair(t, cfg)
	s, retr := testSupervisor(t, cfg)

	done := make(chan struct{})
	var once sync.Once
	s.runIncremental = func(ctx context.Context) error {
		once.Do(func() { close(done) })
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	s.NotifyIngest()
	<-done

	require.Eventually(t, func() bool {
		snap := retr.Snapshot()
		return snap != nil && !snap.Empty()
	}, 3*time.Second, 20*time.Millisecond)
	assert.Len(t, retr.Snapshot().Metadata, 1)
}

func TestWatcher_DebouncedIncrementalOnDirtyFlag(t *testing.T) {
	cfg := testConfig(t)
	writeIndexPair(t, cfg)
	s, _ := testSupervisor(t, cfg)

	ran := make(chan struct{})
	var once sync.Once
	s.runIncremental = func(ctx context.Context) error {
		once.Do(func() { close(ran) })
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	require.NoError(t, store.NewDirtyFlag(cfg.Paths.DirtyFlag).Set())

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never scheduled an incremental job")
	}
}

func TestIncrementalFailure_EscalatesToFull(t *testing.T) {
	cfg := testConfig(t)
	s, _ := testSupervisor(t, cfg)

	full := make(chan struct{})
	var once sync.Once
	s.runIncremental = func(ctx context.Context) error {
		return errors.EmbeddingError("backend down", nil)
	}
	s.runFull = func(ctx context.Context) error {
		once.Do(func() { close(full) })
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	s.NotifyIngest()
	select {
	case <-full:
	case <-time.After(3 * time.Second):
		t.Fatal("failed incremental job never escalated")
	}
}

func TestProgressRe(t *testing.T) {
	m := progressRe.FindStringSubmatch("PROGRESS 0.40 batch 2/5")
	require.NotNil(t, m)
	assert.Equal(t, "0.40", m[1])
	assert.Equal(t, "batch 2/5", m[2])

	m = progressRe.FindStringSubmatch("PROGRESS 1")
	require.NotNil(t, m)
	assert.Equal(t, "1", m[1])
	assert.Equal(t, "", m[2])

	assert.Nil(t, progressRe.FindStringSubmatch("indexing 40 chunks"))
	assert.Nil(t, progressRe.FindStringSubmatch(" PROGRESS 0.5"))
}

func TestTailBuffer_KeepsOnlyTail(t *testing.T) {
	buf := &tailBuffer{limit: 10}
	_, err := buf.Write([]byte("0123456789abcdef"))
	require.NoError(t, err)
	assert.Equal(t, "6789abcdef", buf.String())

	buf = &tailBuffer{limit: 10}
	_, err = buf.Write([]byte("short"))
	require.NoError(t, err)
	assert.Equal(t, "short", buf.String())
}
