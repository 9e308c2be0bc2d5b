package repository

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/ladder/internal/domain/model"
	"github.com/okian/ladder/pkg/logger"
)

// MemoryStore keeps the whole ladder in an immutable snapshot. A write unit
// of work mutates a private copy and publishes it with one atomic swap, so
// readers always see either the state before or after a unit of work.
type MemoryStore struct {
	writeMu sync.Mutex
	state   atomic.Pointer[memState]
	closed  atomic.Bool
	logger  logger.Logger
}

type memState struct {
	competitors map[string]model.Competitor
	matches     map[string]model.Match
}

// next returns a state sharing both maps with s. A unit of work copies a
// map the first time it writes to it.
func (s *memState) next() *memState {
	return &memState{competitors: s.competitors, matches: s.matches}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	cfg := newSettings(opts)
	s := &MemoryStore{logger: cfg.logger}
	s.state.Store(&memState{
		competitors: map[string]model.Competitor{},
		matches:     map[string]model.Match{},
	})
	return s
}

// Kind implements Store.
func (s *MemoryStore) Kind() string { return KindMemory }

// Close implements Store. Later units of work fail with ErrClosed.
func (s *MemoryStore) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		st := s.state.Load()
		s.logger.Debug(context.Background(), "memory store closed",
			logger.Int("competitors", len(st.competitors)),
			logger.Int("matches", len(st.matches)),
		)
	}
	return nil
}

// Update implements UnitOfWork.
func (s *MemoryStore) Update(ctx context.Context, fn TxFunc) (err error) {
	start := time.Now()
	defer func() { observe(KindMemory, "update", start, err) }()

	if s.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := s.state.Load().next()
	if err := fn(ctx, &memTx{st: next, writable: true}); err != nil {
		return err
	}
	s.state.Store(next)
	return nil
}

// View implements UnitOfWork.
func (s *MemoryStore) View(ctx context.Context, fn TxFunc) (err error) {
	start := time.Now()
	defer func() { observe(KindMemory, "view", start, err) }()

	if s.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, &memTx{st: s.state.Load()})
}

type memTx struct {
	st       *memState
	writable bool

	ownCompetitors bool
	ownMatches     bool
}

// competitors returns the competitor map for writing, copying the
// published one on first use.
func (t *memTx) competitors() map[string]model.Competitor {
	if !t.ownCompetitors {
		t.st.competitors = maps.Clone(t.st.competitors)
		t.ownCompetitors = true
	}
	return t.st.competitors
}

// matches is competitors for the match map.
func (t *memTx) matches() map[string]model.Match {
	if !t.ownMatches {
		t.st.matches = maps.Clone(t.st.matches)
		t.ownMatches = true
	}
	return t.st.matches
}

func (t *memTx) Competitors() CompetitorStore { return memCompetitors{t} }
func (t *memTx) Matches() MatchStore          { return memMatches{t} }

func (t *memTx) checkWritable() error {
	if !t.writable {
		return ErrReadOnly
	}
	return nil
}

type memCompetitors struct{ tx *memTx }

func (c memCompetitors) Get(_ context.Context, id string) (model.Competitor, error) {
	comp, ok := c.tx.st.competitors[id]
	if !ok {
		return model.Competitor{}, fmt.Errorf("competitor %q: %w", id, ErrNotFound)
	}
	return comp, nil
}

func (c memCompetitors) Exists(_ context.Context, id string) (bool, error) {
	_, ok := c.tx.st.competitors[id]
	return ok, nil
}

func (c memCompetitors) Save(_ context.Context, comp model.Competitor) error {
	if err := c.tx.checkWritable(); err != nil {
		return err
	}
	c.tx.competitors()[comp.ID] = comp
	return nil
}

func (c memCompetitors) Delete(_ context.Context, id string) error {
	if err := c.tx.checkWritable(); err != nil {
		return err
	}
	if _, ok := c.tx.st.competitors[id]; !ok {
		return fmt.Errorf("competitor %q: %w", id, ErrNotFound)
	}
	delete(c.tx.competitors(), id)
	return nil
}

func (c memCompetitors) ListByRank(_ context.Context) ([]model.Competitor, error) {
	out := make([]model.Competitor, 0, len(c.tx.st.competitors))
	for _, comp := range c.tx.st.competitors {
		out = append(out, comp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (c memCompetitors) Count(_ context.Context) (int, error) {
	return len(c.tx.st.competitors), nil
}

func (c memCompetitors) IncrementGamesPlayed(_ context.Context, ids ...string) error {
	if err := c.tx.checkWritable(); err != nil {
		return err
	}
	for _, id := range ids {
		comp, ok := c.tx.st.competitors[id]
		if !ok {
			return fmt.Errorf("competitor %q: %w", id, ErrNotFound)
		}
		comp.GamesPlayed++
		c.tx.competitors()[id] = comp
	}
	return nil
}

func (c memCompetitors) RankOf(ctx context.Context, id string) (int, error) {
	comp, err := c.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return comp.Rank, nil
}

func (c memCompetitors) HighestRank(_ context.Context) (int, error) {
	highest := 0
	for _, comp := range c.tx.st.competitors {
		if comp.Rank > highest {
			highest = comp.Rank
		}
	}
	return highest, nil
}

func (c memCompetitors) SetRank(_ context.Context, id string, rank int) error {
	if err := c.tx.checkWritable(); err != nil {
		return err
	}
	comp, ok := c.tx.st.competitors[id]
	if !ok {
		return fmt.Errorf("competitor %q: %w", id, ErrNotFound)
	}
	comp.Rank = rank
	c.tx.competitors()[id] = comp
	return nil
}

func (c memCompetitors) ShiftRange(_ context.Context, start, stop, delta int) error {
	if err := checkDelta(delta); err != nil {
		return err
	}
	return c.shift(func(r int) bool { return r >= start && r < stop }, delta)
}

func (c memCompetitors) ShiftAt(_ context.Context, rank, delta int) error {
	if err := checkDelta(delta); err != nil {
		return err
	}
	return c.shift(func(r int) bool { return r == rank }, delta)
}

func (c memCompetitors) CompactAbove(_ context.Context, vacated int) error {
	return c.shift(func(r int) bool { return r > vacated }, -1)
}

func (c memCompetitors) shift(match func(rank int) bool, delta int) error {
	if err := c.tx.checkWritable(); err != nil {
		return err
	}
	comps := c.tx.competitors()
	for id, comp := range comps {
		if match(comp.Rank) {
			comp.Rank += delta
			comps[id] = comp
		}
	}
	return nil
}

type memMatches struct{ tx *memTx }

func (m memMatches) Save(_ context.Context, match model.Match) error {
	if err := m.tx.checkWritable(); err != nil {
		return err
	}
	m.tx.matches()[match.ID] = match
	return nil
}

func (m memMatches) Get(_ context.Context, id string) (model.Match, error) {
	match, ok := m.tx.st.matches[id]
	if !ok {
		return model.Match{}, fmt.Errorf("match %q: %w", id, ErrNotFound)
	}
	return match, nil
}

func (m memMatches) List(_ context.Context) ([]model.Match, error) {
	out := make([]model.Match, 0, len(m.tx.st.matches))
	for _, match := range m.tx.st.matches {
		out = append(out, match)
	}
	sortMatches(out)
	return out, nil
}

func (m memMatches) Delete(_ context.Context, id string) error {
	if err := m.tx.checkWritable(); err != nil {
		return err
	}
	if _, ok := m.tx.st.matches[id]; !ok {
		return fmt.Errorf("match %q: %w", id, ErrNotFound)
	}
	delete(m.tx.matches(), id)
	return nil
}

func (m memMatches) Count(_ context.Context) (int, error) {
	return len(m.tx.st.matches), nil
}

func (m memMatches) ClearReferencesTo(_ context.Context, competitorID string) (int, error) {
	if err := m.tx.checkWritable(); err != nil {
		return 0, err
	}
	cleared := 0
	for id, match := range m.tx.st.matches {
		if !match.References(competitorID) {
			continue
		}
		m.tx.matches()[id] = clearReference(match, competitorID)
		cleared++
	}
	return cleared, nil
}

func clearReference(m model.Match, competitorID string) model.Match {
	if m.CompetitorA == competitorID {
		m.CompetitorA = ""
	}
	if m.CompetitorB == competitorID {
		m.CompetitorB = ""
	}
	return m
}

// sortMatches orders newest first, ties broken by id.
func sortMatches(ms []model.Match) {
	sort.Slice(ms, func(i, j int) bool {
		if !ms[i].CreatedAt.Equal(ms[j].CreatedAt) {
			return ms[i].CreatedAt.After(ms[j].CreatedAt)
		}
		return ms[i].ID < ms[j].ID
	})
}
