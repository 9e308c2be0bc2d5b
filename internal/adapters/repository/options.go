package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/okian/ladder/pkg/logger"
	"github.com/okian/ladder/pkg/metrics"
)

// Option configures a store constructor.
type Option func(*settings)

type settings struct {
	logger               logger.Logger
	badgerPath           string
	badgerInMemory       bool
	badgerMaxCompetitors int
	syncWrites           bool
	databaseURL          string
	maxConns             int32
}

func newSettings(opts []Option) *settings {
	s := &settings{syncWrites: true, badgerMaxCompetitors: DefaultBadgerMaxCompetitors}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("repository")
	}
	return s
}

// WithLogger sets the logger stores report through.
func WithLogger(l logger.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithBadgerPath sets the Badger data directory.
func WithBadgerPath(path string) Option {
	return func(s *settings) { s.badgerPath = path }
}

// WithBadgerInMemory runs Badger without touching disk.
func WithBadgerInMemory(inMemory bool) Option {
	return func(s *settings) { s.badgerInMemory = inMemory }
}

// WithBadgerMaxCompetitors sizes Badger transactions for a ladder of up to
// n competitors. Larger ladders need a larger memtable.
func WithBadgerMaxCompetitors(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.badgerMaxCompetitors = n
		}
	}
}

// WithSyncWrites toggles fsync on every Badger commit.
func WithSyncWrites(sync bool) Option {
	return func(s *settings) { s.syncWrites = sync }
}

// WithDatabaseURL sets the PostgreSQL connection string.
func WithDatabaseURL(url string) Option {
	return func(s *settings) { s.databaseURL = url }
}

// WithMaxConns caps the PostgreSQL pool size.
func WithMaxConns(n int32) Option {
	return func(s *settings) {
		if n > 0 {
			s.maxConns = n
		}
	}
}

// Open builds the store named by kind.
func Open(ctx context.Context, kind string, opts ...Option) (Store, error) {
	switch kind {
	case "", KindMemory:
		return NewMemoryStore(opts...), nil
	case KindBadger:
		return NewBadgerStore(ctx, opts...)
	case KindPostgres:
		return NewPostgresStore(ctx, opts...)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func checkDelta(delta int) error {
	if delta != 1 && delta != -1 {
		return fmt.Errorf("%w: got %d", ErrInvalidShift, delta)
	}
	return nil
}

func observe(kind, mode string, start time.Time, err error) {
	metrics.RecordUnitOfWork(kind, mode, float64(time.Since(start).Microseconds())/1000, err)
}
