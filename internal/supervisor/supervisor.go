// Package supervisor keeps the vector index in sync with the record
// store in the background. Incremental jobs run in-process; full
// rebuilds run in a child process so an embedding hang or crash never
// takes the server down. Triggers come from three places: the ingest
// path, a filesystem watch on the dirty flag, and a periodic fallback
// tick for flags the watcher missed.
package supervisor

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/membank-ai/membank/internal/config"
	"github.com/membank-ai/membank/internal/errors"
	"github.com/membank-ai/membank/internal/indexer"
	"github.com/membank-ai/membank/internal/retriever"
	"github.com/membank-ai/membank/internal/store"
)

type jobKind int

const (
	jobNone jobKind = iota
	jobIncremental
	jobFull
)

// Supervisor serializes index rebuild jobs. At most one runs at a
// time; triggers arriving mid-run replace the pending slot, with a
// full rebuild never downgraded to an incremental one.
type Supervisor struct {
	cfg       *config.Config
	indexer   *indexer.Indexer
	retriever *retriever.Retriever
	logger    *slog.Logger

	flag   *store.DirtyFlag
	status *store.StatusFile

	// Job runners are swappable for tests.
	runIncremental func(ctx context.Context) error
	runFull        func(ctx context.Context) error

	mu      sync.Mutex
	running bool
	pending jobKind

	wake   chan struct{}
	cron   *cron.Cron
	watch  *fsnotify.Watcher
	cancel context.CancelFunc
	done   chan struct{}
}

// New wires a supervisor over the given indexer and retriever.
func New(cfg *config.Config, ix *indexer.Indexer, retr *retriever.Retriever, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		cfg:       cfg,
		indexer:   ix,
		retriever: retr,
		logger:    logger,
		flag:      store.NewDirtyFlag(cfg.Paths.DirtyFlag),
		status:    store.NewStatusFile(cfg.Paths.Status),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	s.runIncremental = func(ctx context.Context) error {
		_, err := ix.RunIncremental(ctx)
		return err
	}
	s.runFull = s.childRebuild
	return s
}

// Start launches the worker, the dirty-flag watcher, and the fallback
// tick. It returns once everything is running.
func (s *Supervisor) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.InternalError("create filesystem watcher", err)
	}
	if err := watcher.Add(s.cfg.DataDir); err != nil {
		watcher.Close()
		return errors.InternalError("watch data directory", err)
	}
	s.watch = watcher

	s.cron = cron.New()
	interval := s.cfg.Rebuild.Interval()
	_, err = s.cron.AddFunc("@every "+interval.String(), func() {
		if s.flag.IsSet() {
			s.logger.Info("dirty flag still set at fallback tick, scheduling full rebuild")
			s.enqueue(jobFull)
		}
	})
	if err != nil {
		watcher.Close()
		return errors.InternalError("schedule fallback rebuild", err)
	}
	s.cron.Start()

	go s.watchLoop(ctx)
	go s.workLoop(ctx)

	// Catch up on a flag left over from a previous run.
	if s.flag.IsSet() {
		s.enqueue(jobIncremental)
	}
	return nil
}

// Stop shuts the supervisor down and waits for the worker to exit.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		s.cron.Stop()
	}
	if s.watch != nil {
		s.watch.Close()
	}
	<-s.done
}

// Status returns the current rebuild status record.
func (s *Supervisor) Status() (store.StatusRecord, error) {
	return s.status.Read()
}

// NotifyIngest schedules an incremental job after new records arrive.
func (s *Supervisor) NotifyIngest() {
	s.enqueue(jobIncremental)
}

// NotifyDelete schedules a full rebuild so deleted records leave the
// index; an incremental job cannot purge vectors.
func (s *Supervisor) NotifyDelete() {
	s.enqueue(jobFull)
}

// RequestFullRebuild schedules a manual full rebuild. It is refused
// while a job is already running. The dirty flag is set before the job
// is queued so the request survives a crash and the fallback tick
// picks it up.
func (s *Supervisor) RequestFullRebuild() error {
	s.mu.Lock()
	busy := s.running
	s.mu.Unlock()
	if busy {
		return errors.New(errors.ErrCodeRebuildBusy,
			"an index rebuild is already running", nil)
	}
	if err := s.flag.Set(); err != nil {
		s.logger.Warn("failed to persist rebuild request flag", "error", err)
	}
	s.enqueue(jobFull)
	return nil
}

// enqueue records the job and wakes the worker. A pending full rebuild
// is never replaced by an incremental one.
func (s *Supervisor) enqueue(kind jobKind) {
	s.mu.Lock()
	if !(s.pending == jobFull && kind == jobIncremental) {
		s.pending = kind
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// watchLoop turns dirty-flag writes into debounced incremental jobs.
func (s *Supervisor) watchLoop(ctx context.Context) {
	debounce := s.cfg.Rebuild.Debounce()
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.watch.Events:
			if !ok {
				return
			}
			if ev.Name != s.flag.Path() || !ev.Op.Has(fsnotify.Create|fsnotify.Write) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
		case err, ok := <-s.watch.Errors:
			if !ok {
				return
			}
			s.logger.Warn("filesystem watcher error", "error", err)
		case <-timerC:
			timer = nil
			timerC = nil
			if s.flag.IsSet() {
				s.enqueue(jobIncremental)
			}
		}
	}
}

// workLoop runs queued jobs one at a time.
func (s *Supervisor) workLoop(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			kind := s.pending
			s.pending = jobNone
			if kind == jobNone {
				s.mu.Unlock()
				break
			}
			s.running = true
			s.mu.Unlock()

			s.runJob(ctx, kind)

			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}
}

func (s *Supervisor) runJob(ctx context.Context, kind jobKind) {
	var err error
	switch kind {
	case jobIncremental:
		err = s.runIncremental(ctx)
		if err != nil {
			// An incremental failure leaves the flag set; escalate to a
			// full rebuild in the child where it can retry in isolation.
			s.logger.Warn("incremental index failed, falling back to full rebuild",
				"error", err)
			err = s.runFull(ctx)
		}
	case jobFull:
		err = s.runFull(ctx)
	}

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("index rebuild failed", "error", err)
		return
	}
	s.publishSnapshot()
}

// publishSnapshot reloads the on-disk index pair and swaps it into the
// retriever.
func (s *Supervisor) publishSnapshot() {
	snap, err := retriever.LoadSnapshot(s.cfg.Paths.Index, s.cfg.Paths.Metadata)
	if err != nil {
		s.logger.Error("failed to load rebuilt index", "error", err)
		return
	}
	s.retriever.Publish(snap)
	s.logger.Info("published index snapshot", "chunks", len(snap.Metadata))
}

// executablePath is overridable for tests.
var executablePath = os.Executable
