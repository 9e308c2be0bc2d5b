// Package repository defines the ladder storage ports and their
// implementations: an in-memory snapshot store, an embedded Badger store
// and a PostgreSQL store.
//
// Every mutation happens inside a unit of work. Implementations serialise
// write units of work, so a caller never observes a half-applied rank
// update and never races another writer on the same ladder.
package repository

import (
	"context"

	"github.com/okian/ladder/internal/domain/model"
)

// Store kinds accepted by Open.
const (
	KindMemory   = "memory"
	KindBadger   = "badger"
	KindPostgres = "postgres"
)

// RankStore is the authoritative competitor id -> rank mapping. Only the
// store mutates rank values. None of the mutations check for collisions;
// keeping the ladder dense is the caller's job within one unit of work.
type RankStore interface {
	// RankOf returns ErrNotFound for unknown ids.
	RankOf(ctx context.Context, id string) (int, error)

	// HighestRank is the largest rank in use, 0 for an empty ladder.
	HighestRank(ctx context.Context) (int, error)

	SetRank(ctx context.Context, id string, rank int) error

	// ShiftRange adds delta to every rank in [start, stop).
	ShiftRange(ctx context.Context, start, stop, delta int) error

	// ShiftAt adds delta to every competitor currently holding rank.
	ShiftAt(ctx context.Context, rank, delta int) error

	// CompactAbove decrements every rank strictly greater than vacated.
	CompactAbove(ctx context.Context, vacated int) error
}

// CompetitorStore persists competitors.
type CompetitorStore interface {
	RankStore

	Get(ctx context.Context, id string) (model.Competitor, error)
	Exists(ctx context.Context, id string) (bool, error)

	// Save inserts or fully replaces the record, rank included.
	Save(ctx context.Context, c model.Competitor) error
	Delete(ctx context.Context, id string) error

	// ListByRank returns all competitors ordered by rank ascending.
	ListByRank(ctx context.Context) ([]model.Competitor, error)
	Count(ctx context.Context) (int, error)

	// IncrementGamesPlayed bumps the counter of each id by one.
	IncrementGamesPlayed(ctx context.Context, ids ...string) error
}

// MatchStore persists matches.
type MatchStore interface {
	Save(ctx context.Context, m model.Match) error
	Get(ctx context.Context, id string) (model.Match, error)

	// List returns matches newest first, ties broken by id.
	List(ctx context.Context) ([]model.Match, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)

	// ClearReferencesTo blanks every participant slot pointing at
	// competitorID and reports how many matches changed.
	ClearReferencesTo(ctx context.Context, competitorID string) (int, error)
}

// Tx exposes the stores bound to one unit of work.
type Tx interface {
	Competitors() CompetitorStore
	Matches() MatchStore
}

// TxFunc is the body of a unit of work.
type TxFunc func(ctx context.Context, tx Tx) error

// UnitOfWork scopes store access. Update commits everything fn wrote when
// fn returns nil and discards all of it otherwise. View runs fn against a
// consistent read-only snapshot; writes inside View fail with ErrReadOnly.
type UnitOfWork interface {
	Update(ctx context.Context, fn TxFunc) error
	View(ctx context.Context, fn TxFunc) error
}

// Store is a closable unit of work provider.
type Store interface {
	UnitOfWork

	// Kind names the backend, e.g. "memory".
	Kind() string
	Close() error
}
