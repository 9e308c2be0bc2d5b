// Package service assembles the ladder core with its storage backend and
// the asynchronous result feed, and exposes the operations the HTTP API
// depends on.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	resultqueue "github.com/okian/ladder/internal/adapters/mq/queue"
	workerpool "github.com/okian/ladder/internal/adapters/mq/worker"
	"github.com/okian/ladder/internal/adapters/repository"
	"github.com/okian/ladder/internal/domain/dedupe"
	"github.com/okian/ladder/internal/domain/ladder"
	"github.com/okian/ladder/internal/domain/model"
	"github.com/okian/ladder/pkg/logger"
	"github.com/okian/ladder/pkg/metrics"
)

// Default service configuration.
const (
	defaultWorkerCount = 1
	defaultQueueSize   = 10000
	defaultDedupeSize  = 50000
)

// ErrNotStarted is returned by operations called before Start or after Stop.
var ErrNotStarted = errors.New("service not started")

// Service implements the API dependencies for the ladder.
type Service struct {
	mu sync.RWMutex

	store      repository.Store
	ladder     *ladder.Ladder
	deduper    dedupe.Deduper
	queue      *resultqueue.InMemoryQueue
	workerPool *workerpool.Pool

	storeKind      string
	badgerPath     string
	badgerInMemory bool
	badgerMaxComp  int
	databaseURL    string
	injected       repository.Store
	ladderOpts     []ladder.Option

	workerCount int
	queueSize   int
	dedupeSize  int

	started  bool
	stopping bool
	logger   logger.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithStoreKind selects the storage backend: memory, badger or postgres.
func WithStoreKind(kind string) Option {
	return func(s *Service) { s.storeKind = kind }
}

// WithBadgerPath sets the Badger data directory.
func WithBadgerPath(path string) Option {
	return func(s *Service) { s.badgerPath = path }
}

// WithBadgerInMemory keeps the Badger store off disk.
func WithBadgerInMemory(inMemory bool) Option {
	return func(s *Service) { s.badgerInMemory = inMemory }
}

// WithBadgerMaxCompetitors sizes Badger transactions for a ladder of up to
// n competitors.
func WithBadgerMaxCompetitors(n int) Option {
	return func(s *Service) { s.badgerMaxComp = n }
}

// WithDatabaseURL sets the PostgreSQL connection string.
func WithDatabaseURL(url string) Option {
	return func(s *Service) { s.databaseURL = url }
}

// WithStore uses an already opened store instead of opening one. The
// service closes it on Stop.
func WithStore(store repository.Store) Option {
	return func(s *Service) { s.injected = store }
}

// WithLadderOptions passes options through to the ladder core.
func WithLadderOptions(opts ...ladder.Option) Option {
	return func(s *Service) { s.ladderOpts = append(s.ladderOpts, opts...) }
}

// WithWorkerCount sets the number of result workers. More than one worker
// gives up submission order.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize bounds the result queue.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithDedupeSize bounds the number of remembered result ids.
func WithDedupeSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.dedupeSize = size
		}
	}
}

// New constructs a Service. Nothing is opened until Start.
func New(opts ...Option) *Service {
	s := &Service{
		storeKind:   repository.KindMemory,
		workerCount: defaultWorkerCount,
		queueSize:   defaultQueueSize,
		dedupeSize:  defaultDedupeSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start opens the store and launches the result workers. workerCtx bounds
// the workers' lifetime; Stop drains them first.
func (s *Service) Start(workerCtx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}

	store := s.injected
	if store == nil {
		var err error
		store, err = repository.Open(workerCtx, s.storeKind,
			repository.WithLogger(logger.Named("repository")),
			repository.WithBadgerPath(s.badgerPath),
			repository.WithBadgerInMemory(s.badgerInMemory),
			repository.WithBadgerMaxCompetitors(s.badgerMaxComp),
			repository.WithDatabaseURL(s.databaseURL),
		)
		if err != nil {
			return fmt.Errorf("open %s store: %w", s.storeKind, err)
		}
	}

	s.store = store
	s.ladder = ladder.New(store, append([]ladder.Option{ladder.WithLogger(logger.Named("ladder"))}, s.ladderOpts...)...)
	if err := s.ladder.Verify(workerCtx); err != nil {
		s.logger.Warn(workerCtx, "stored ladder is not dense", logger.Error(err))
	}
	s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.dedupeSize))
	s.queue = resultqueue.NewInMemoryQueue(resultqueue.WithCapacity(s.queueSize))
	s.workerPool = workerpool.NewPool(s.workerCount, s.queue, s)
	s.workerPool.Start(workerCtx)

	s.started = true
	s.logger.Info(workerCtx, "ladder service started",
		logger.String("store", store.Kind()),
		logger.Int("workers", s.workerCount),
		logger.Int("queue_size", s.queueSize),
		logger.Int("dedupe_size", s.dedupeSize),
	)
	return nil
}

// Stop drains the result queue within ctx and closes the store. Workers
// keep using the ladder while they drain.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	pool, store := s.workerPool, s.store
	s.mu.Unlock()

	s.logger.Info(ctx, "stopping ladder service")
	var errs []error
	if err := pool.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	s.mu.Lock()
	s.started, s.stopping = false, false
	s.mu.Unlock()

	if err := store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	s.logger.Info(ctx, "ladder service stopped",
		logger.Int64("results_applied", pool.Processed()),
		logger.Int64("results_failed", pool.Failed()),
	)
	return errors.Join(errs...)
}

func (s *Service) core() (*ladder.Ladder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return nil, ErrNotStarted
	}
	return s.ladder, nil
}

// AddCompetitor adds a competitor at the bottom of the ladder.
func (s *Service) AddCompetitor(ctx context.Context, in ladder.CompetitorInput) (model.Competitor, error) {
	l, err := s.core()
	if err != nil {
		return model.Competitor{}, err
	}
	return l.AddCompetitor(ctx, in)
}

// UpdateCompetitor edits a competitor's profile.
func (s *Service) UpdateCompetitor(ctx context.Context, id string, in ladder.CompetitorInput) (model.Competitor, error) {
	l, err := s.core()
	if err != nil {
		return model.Competitor{}, err
	}
	return l.UpdateCompetitor(ctx, id, in)
}

// GetCompetitor returns one competitor.
func (s *Service) GetCompetitor(ctx context.Context, id string) (model.Competitor, error) {
	l, err := s.core()
	if err != nil {
		return model.Competitor{}, err
	}
	return l.GetCompetitor(ctx, id)
}

// Standings returns the ladder, best first.
func (s *Service) Standings(ctx context.Context) ([]model.Competitor, error) {
	l, err := s.core()
	if err != nil {
		return nil, err
	}
	return l.Standings(ctx)
}

// RemoveCompetitor removes a competitor and compacts the ladder.
func (s *Service) RemoveCompetitor(ctx context.Context, id string) error {
	l, err := s.core()
	if err != nil {
		return err
	}
	return l.RemoveCompetitor(ctx, id)
}

// RecordMatch applies a match synchronously.
func (s *Service) RecordMatch(ctx context.Context, in ladder.MatchInput) (model.MatchView, error) {
	l, err := s.core()
	if err != nil {
		return model.MatchView{}, err
	}
	return l.RecordMatch(ctx, in)
}

// GetMatch returns one match.
func (s *Service) GetMatch(ctx context.Context, id string) (model.MatchView, error) {
	l, err := s.core()
	if err != nil {
		return model.MatchView{}, err
	}
	return l.GetMatch(ctx, id)
}

// Matches returns all matches, newest first.
func (s *Service) Matches(ctx context.Context) ([]model.MatchView, error) {
	l, err := s.core()
	if err != nil {
		return nil, err
	}
	return l.Matches(ctx)
}

// DeleteMatch removes a match record.
func (s *Service) DeleteMatch(ctx context.Context, id string) error {
	l, err := s.core()
	if err != nil {
		return err
	}
	return l.DeleteMatch(ctx, id)
}

// RecordResult applies a queued result. It is the worker pool's Recorder.
func (s *Service) RecordResult(ctx context.Context, r model.Result) error {
	_, err := s.RecordMatch(ctx, ladder.MatchInput{
		PlayedAt:    r.TS,
		CompetitorA: r.CompetitorA,
		CompetitorB: r.CompetitorB,
		Outcome:     r.Outcome,
	})
	if err != nil {
		return fmt.Errorf("result %s: %w", r.ResultID, err)
	}
	return nil
}

// SeenAndRecord checks and records a result id.
func (s *Service) SeenAndRecord(ctx context.Context, id string) bool {
	s.mu.RLock()
	d := s.deduper
	s.mu.RUnlock()
	if d == nil {
		return false
	}
	seen := d.SeenAndRecord(ctx, id)
	if seen {
		metrics.RecordResultDuplicate()
	}
	return seen
}

// Unrecord forgets a result id so it can be resubmitted.
func (s *Service) Unrecord(ctx context.Context, id string) {
	s.mu.RLock()
	d := s.deduper
	s.mu.RUnlock()
	if d != nil {
		d.Unrecord(ctx, id)
	}
}

// Size returns the number of remembered result ids.
func (s *Service) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.deduper == nil {
		return 0
	}
	return s.deduper.Size()
}

// Enqueue hands a result to the workers. It returns false on backpressure
// or when the service is not running.
func (s *Service) Enqueue(ctx context.Context, r model.Result) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return false
	}
	ok := s.queue.Enqueue(ctx, r)
	if !ok {
		s.logger.Warn(ctx, "result queue rejected result", logger.String("result_id", r.ResultID))
	}
	return ok
}

// Verify checks the stored ladder is dense.
func (s *Service) Verify(ctx context.Context) error {
	l, err := s.core()
	if err != nil {
		return err
	}
	return l.Verify(ctx)
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]interface{}{
		"started":     s.started,
		"store":       s.storeKind,
		"workerCount": s.workerCount,
		"queueSize":   s.queueSize,
		"dedupeSize":  s.dedupeSize,
	}
	if !s.started {
		return stats
	}

	ctx := context.Background()
	stats["store"] = s.store.Kind()
	stats["queueLength"] = s.queue.Len(ctx)
	stats["resultsApplied"] = s.workerPool.Processed()
	stats["resultsFailed"] = s.workerPool.Failed()
	stats["seenResults"] = s.deduper.Size()

	competitors, matches, err := s.ladder.Counts(ctx)
	if err != nil {
		s.logger.Error(ctx, "failed to count ladder", logger.Error(err))
		stats["error"] = err.Error()
		return stats
	}
	stats["competitors"] = competitors
	stats["matches"] = matches
	stats["dense"] = s.ladder.Verify(ctx) == nil

	metrics.UpdateQueueSize(s.queue.Len(ctx), s.queue.Capacity())
	metrics.UpdateWorkerCount(s.workerPool.Size())
	return stats
}
