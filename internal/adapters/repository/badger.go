package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/skl"

	"github.com/okian/ladder/internal/domain/model"
	"github.com/okian/ladder/pkg/logger"
)

const (
	badgerGCInterval     = 5 * time.Minute
	badgerGCDiscardRatio = 0.5
	badgerDirPermission  = 0750

	// DefaultBadgerMaxCompetitors is the ladder size a Badger store sizes
	// its transactions for unless WithBadgerMaxCompetitors says otherwise.
	DefaultBadgerMaxCompetitors = 100_000
	// badgerReservedEntries covers the writes of a unit of work besides rank
	// moves: the match record, games played, and the match references
	// cleared when a competitor is removed.
	badgerReservedEntries = 4096
	badgerMinMemTableSize = 64 << 20
)

// badgerMemTableSize returns a memtable size whose transaction limit fits a
// shift across maxCompetitors. Badger caps one transaction at 15% of the
// memtable counted in skiplist nodes, and a shift writes two entries per
// competitor moved.
func badgerMemTableSize(maxCompetitors int) int64 {
	entries := int64(2*maxCompetitors + badgerReservedEntries)
	return max(entries*int64(skl.MaxNodeSize)*7, badgerMinMemTableSize)
}

// Key layout:
//
//	c/<competitor id>               -> competitorRecord (json, no rank)
//	k/<competitor id>               -> rank, decimal
//	r/<rank, 10 digits>             -> competitor id, rank slot
//	m/<match id>                    -> matchRecord (json)
//	x/<competitor id>/<match id>    -> empty, match participant index
//
// Moving a competitor rewrites only its k/ key and the r/ slot it lands on,
// so a shift of n competitors stays within 2n+1 transaction entries.
const (
	prefixCompetitor = "c/"
	prefixRankOf     = "k/"
	prefixRank       = "r/"
	prefixMatch      = "m/"
	prefixMatchRef   = "x/"
)

func competitorKey(id string) []byte { return []byte(prefixCompetitor + id) }
func rankOfKey(id string) []byte     { return []byte(prefixRankOf + id) }
func matchKey(id string) []byte      { return []byte(prefixMatch + id) }
func rankKey(rank int) []byte {
	return []byte(fmt.Sprintf("%s%010d", prefixRank, rank))
}
func matchRefKey(competitorID, matchID string) []byte {
	return []byte(prefixMatchRef + competitorID + "/" + matchID)
}

func parseRankKey(key []byte) (int, error) {
	rank, err := strconv.Atoi(strings.TrimPrefix(string(key), prefixRank))
	if err != nil {
		return 0, fmt.Errorf("malformed rank key %q: %w", key, err)
	}
	return rank, nil
}

type competitorRecord struct {
	ID          string     `json:"id"`
	FirstName   string     `json:"first_name"`
	LastName    string     `json:"last_name"`
	Email       string     `json:"email,omitempty"`
	DateOfBirth *time.Time `json:"date_of_birth,omitempty"`
	GamesPlayed int        `json:"games_played"`
	CreatedAt   time.Time  `json:"created_at"`
}

func toCompetitorRecord(c model.Competitor) competitorRecord {
	return competitorRecord{
		ID:          c.ID,
		FirstName:   c.FirstName,
		LastName:    c.LastName,
		Email:       c.Email,
		DateOfBirth: c.DateOfBirth,
		GamesPlayed: c.GamesPlayed,
		CreatedAt:   c.CreatedAt,
	}
}

func (r competitorRecord) model(rank int) model.Competitor {
	return model.Competitor{
		ID:          r.ID,
		FirstName:   r.FirstName,
		LastName:    r.LastName,
		Email:       r.Email,
		DateOfBirth: r.DateOfBirth,
		Rank:        rank,
		GamesPlayed: r.GamesPlayed,
		CreatedAt:   r.CreatedAt,
	}
}

type matchRecord struct {
	ID          string        `json:"id"`
	CompetitorA string        `json:"competitor_a,omitempty"`
	CompetitorB string        `json:"competitor_b,omitempty"`
	Outcome     model.Outcome `json:"outcome"`
	CreatedAt   time.Time     `json:"created_at"`
}

// BadgerStore persists the ladder in an embedded Badger database. Write
// units of work are serialised by a mutex so Badger's optimistic conflict
// detection never aborts a rank update.
type BadgerStore struct {
	db      *badger.DB
	writeMu sync.Mutex
	closed  atomic.Bool
	stopGC  chan struct{}
	gcDone  chan struct{}
	logger  logger.Logger
}

// badgerLogger adapts our logger to Badger's Logger interface.
type badgerLogger struct {
	l logger.Logger
}

func (b badgerLogger) Errorf(format string, args ...any) {
	b.l.Error(context.Background(), strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Warningf(format string, args ...any) {
	b.l.Warn(context.Background(), strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Infof(format string, args ...any) {
	b.l.Debug(context.Background(), strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Debugf(format string, args ...any) {
	b.l.Debug(context.Background(), strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// NewBadgerStore opens (or creates) a Badger database. Either
// WithBadgerPath or WithBadgerInMemory(true) is required.
func NewBadgerStore(ctx context.Context, opts ...Option) (*BadgerStore, error) {
	cfg := newSettings(opts)
	if !cfg.badgerInMemory && cfg.badgerPath == "" {
		return nil, fmt.Errorf("%w: badger path is required unless running in memory", ErrMissingConfig)
	}

	var bopts badger.Options
	if cfg.badgerInMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.badgerPath, badgerDirPermission); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.badgerPath, err)
		}
		bopts = badger.DefaultOptions(cfg.badgerPath)
	}
	memTable := badgerMemTableSize(cfg.badgerMaxCompetitors)
	bopts = bopts.
		WithMemTableSize(memTable).
		WithSyncWrites(cfg.syncWrites && !cfg.badgerInMemory).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{l: cfg.logger.Named("badger")})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &BadgerStore{
		db:     db,
		stopGC: make(chan struct{}),
		gcDone: make(chan struct{}),
		logger: cfg.logger,
	}
	if cfg.badgerInMemory {
		close(s.gcDone)
	} else {
		go s.runValueLogGC()
	}
	s.logger.Info(ctx, "badger store opened",
		logger.String("path", cfg.badgerPath),
		logger.Bool("in_memory", cfg.badgerInMemory),
		logger.Int("max_competitors", cfg.badgerMaxCompetitors),
		logger.Int64("memtable_bytes", memTable),
	)
	return s, nil
}

func (s *BadgerStore) runValueLogGC() {
	defer close(s.gcDone)
	ticker := time.NewTicker(badgerGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			// Each successful run reclaims one value log file.
			for {
				if err := s.db.RunValueLogGC(badgerGCDiscardRatio); err != nil {
					break
				}
			}
		}
	}
}

// Kind implements Store.
func (s *BadgerStore) Kind() string { return KindBadger }

// Close stops background GC and closes the database.
func (s *BadgerStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stopGC)
	<-s.gcDone
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close badger database: %w", err)
	}
	return nil
}

// Update implements UnitOfWork.
func (s *BadgerStore) Update(ctx context.Context, fn TxFunc) (err error) {
	start := time.Now()
	defer func() { observe(KindBadger, "update", start, err) }()

	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return fn(ctx, &badgerTx{txn: txn, writable: true, shadowed: map[int][]string{}})
	})
}

// View implements UnitOfWork.
func (s *BadgerStore) View(ctx context.Context, fn TxFunc) (err error) {
	start := time.Now()
	defer func() { observe(KindBadger, "view", start, err) }()

	if s.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		return fn(ctx, &badgerTx{txn: txn})
	})
}

type badgerTx struct {
	txn      *badger.Txn
	writable bool
	// shadowed lists, per rank slot, competitors that still hold the rank
	// after another competitor was placed on its slot.
	shadowed map[int][]string
}

func (t *badgerTx) Competitors() CompetitorStore { return badgerCompetitors{t} }
func (t *badgerTx) Matches() MatchStore          { return badgerMatches{t} }

func (t *badgerTx) checkWritable() error {
	if !t.writable {
		return ErrReadOnly
	}
	return nil
}

func (t *badgerTx) get(key []byte) ([]byte, error) {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return item.ValueCopy(nil)
}

func (t *badgerTx) getJSON(key []byte, v any) error {
	val, err := t.get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal(val, v)
}

func (t *badgerTx) setJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return t.txn.Set(key, data)
}

// keys collects every key under prefix. The iterator is closed before the
// caller writes, since a read-write transaction allows one open iterator.
func (t *badgerTx) keys(prefix string) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(prefix)
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var out [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		out = append(out, it.Item().KeyCopy(nil))
	}
	return out
}

type keyValue struct {
	key, value []byte
}

// values collects every key and value under prefix, in key order.
func (t *badgerTx) values(prefix string) ([]keyValue, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var out []keyValue
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", item.Key(), err)
		}
		out = append(out, keyValue{key: item.KeyCopy(nil), value: val})
	}
	return out, nil
}

type badgerCompetitors struct{ tx *badgerTx }

func (c badgerCompetitors) rank(id string) (int, error) {
	val, err := c.tx.get(rankOfKey(id))
	if errors.Is(err, ErrNotFound) {
		return 0, fmt.Errorf("competitor %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	rank, err := strconv.Atoi(string(val))
	if err != nil {
		return 0, fmt.Errorf("malformed rank for %q: %w", id, err)
	}
	return rank, nil
}

// slot returns the competitor placed on rank, or "" for an empty slot.
func (c badgerCompetitors) slot(rank int) (string, error) {
	val, err := c.tx.get(rankKey(rank))
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return string(val), err
}

// place puts id on rank. A competitor still holding that rank is
// remembered, so the slot can be handed back to it when id moves on.
func (c badgerCompetitors) place(id string, rank int) error {
	cur, err := c.slot(rank)
	if err != nil {
		return err
	}
	if cur != "" && cur != id {
		if r, err := c.rank(cur); err == nil && r == rank {
			c.tx.shadowed[rank] = append(c.tx.shadowed[rank], cur)
		}
	}
	if err := c.tx.txn.Set(rankOfKey(id), []byte(strconv.Itoa(rank))); err != nil {
		return err
	}
	return c.tx.txn.Set(rankKey(rank), []byte(id))
}

// vacate frees the slot id left, unless another competitor was placed
// there since.
func (c badgerCompetitors) vacate(id string, rank int) error {
	cur, err := c.slot(rank)
	if err != nil || cur != id {
		return err
	}
	waiting := c.tx.shadowed[rank]
	for len(waiting) > 0 {
		next := waiting[len(waiting)-1]
		waiting = waiting[:len(waiting)-1]
		if r, err := c.rank(next); err == nil && r == rank && next != id {
			c.tx.shadowed[rank] = waiting
			return c.tx.txn.Set(rankKey(rank), []byte(next))
		}
	}
	delete(c.tx.shadowed, rank)
	return c.tx.txn.Delete(rankKey(rank))
}

func (c badgerCompetitors) move(id string, from, to int) error {
	if from == to {
		return nil
	}
	if err := c.place(id, to); err != nil {
		return err
	}
	if err := c.vacate(id, from); err != nil {
		return err
	}
	waiting := c.tx.shadowed[from]
	for i, w := range waiting {
		if w == id {
			c.tx.shadowed[from] = append(waiting[:i], waiting[i+1:]...)
			break
		}
	}
	return nil
}

func (c badgerCompetitors) record(id string) (competitorRecord, error) {
	var rec competitorRecord
	if err := c.tx.getJSON(competitorKey(id), &rec); err != nil {
		if errors.Is(err, ErrNotFound) {
			return rec, fmt.Errorf("competitor %q: %w", id, ErrNotFound)
		}
		return rec, err
	}
	return rec, nil
}

func (c badgerCompetitors) Get(_ context.Context, id string) (model.Competitor, error) {
	rec, err := c.record(id)
	if err != nil {
		return model.Competitor{}, err
	}
	rank, err := c.rank(id)
	if err != nil {
		return model.Competitor{}, err
	}
	return rec.model(rank), nil
}

func (c badgerCompetitors) Exists(_ context.Context, id string) (bool, error) {
	_, err := c.tx.txn.Get(competitorKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists %q: %w", id, err)
	}
	return true, nil
}

func (c badgerCompetitors) Save(_ context.Context, comp model.Competitor) error {
	if err := c.tx.checkWritable(); err != nil {
		return err
	}
	old, err := c.rank(comp.ID)
	existed := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := c.tx.setJSON(competitorKey(comp.ID), toCompetitorRecord(comp)); err != nil {
		return err
	}
	if existed {
		return c.move(comp.ID, old, comp.Rank)
	}
	return c.place(comp.ID, comp.Rank)
}

func (c badgerCompetitors) Delete(_ context.Context, id string) error {
	if err := c.tx.checkWritable(); err != nil {
		return err
	}
	rank, err := c.rank(id)
	if err != nil {
		return err
	}
	if err := c.vacate(id, rank); err != nil {
		return err
	}
	if err := c.tx.txn.Delete(rankOfKey(id)); err != nil {
		return err
	}
	return c.tx.txn.Delete(competitorKey(id))
}

func (c badgerCompetitors) ListByRank(ctx context.Context) ([]model.Competitor, error) {
	slots, err := c.tx.values(prefixRank)
	if err != nil {
		return nil, err
	}
	out := make([]model.Competitor, 0, len(slots))
	for _, kv := range slots {
		comp, err := c.Get(ctx, string(kv.value))
		if err != nil {
			return nil, err
		}
		out = append(out, comp)
	}
	return out, nil
}

func (c badgerCompetitors) Count(_ context.Context) (int, error) {
	return len(c.tx.keys(prefixCompetitor)), nil
}

func (c badgerCompetitors) IncrementGamesPlayed(_ context.Context, ids ...string) error {
	if err := c.tx.checkWritable(); err != nil {
		return err
	}
	for _, id := range ids {
		rec, err := c.record(id)
		if err != nil {
			return err
		}
		rec.GamesPlayed++
		if err := c.tx.setJSON(competitorKey(id), rec); err != nil {
			return err
		}
	}
	return nil
}

func (c badgerCompetitors) RankOf(_ context.Context, id string) (int, error) {
	return c.rank(id)
}

func (c badgerCompetitors) HighestRank(_ context.Context) (int, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Reverse = true
	opts.Prefix = []byte(prefixRank)
	it := c.tx.txn.NewIterator(opts)
	defer it.Close()

	it.Seek(append([]byte(prefixRank), 0xff))
	if !it.ValidForPrefix([]byte(prefixRank)) {
		return 0, nil
	}
	return parseRankKey(it.Item().Key())
}

func (c badgerCompetitors) SetRank(_ context.Context, id string, rank int) error {
	if err := c.tx.checkWritable(); err != nil {
		return err
	}
	old, err := c.rank(id)
	if err != nil {
		return err
	}
	return c.move(id, old, rank)
}

func (c badgerCompetitors) ShiftRange(_ context.Context, start, stop, delta int) error {
	if err := checkDelta(delta); err != nil {
		return err
	}
	return c.shift(func(r int) bool { return r >= start && r < stop }, delta)
}

func (c badgerCompetitors) ShiftAt(_ context.Context, rank, delta int) error {
	if err := checkDelta(delta); err != nil {
		return err
	}
	return c.shift(func(r int) bool { return r == rank }, delta)
}

func (c badgerCompetitors) CompactAbove(_ context.Context, vacated int) error {
	return c.shift(func(r int) bool { return r > vacated }, -1)
}

// shift moves every competitor whose rank matches by delta. Candidates come
// from the k/ keys, so a competitor whose slot is momentarily taken by
// another still moves. Moves run in the direction of travel: each competitor
// lands on the slot of the next one to move, and only the slot at the far
// end is deleted.
func (c badgerCompetitors) shift(match func(rank int) bool, delta int) error {
	if err := c.tx.checkWritable(); err != nil {
		return err
	}
	type mover struct {
		id   string
		rank int
	}
	ranks, err := c.tx.values(prefixRankOf)
	if err != nil {
		return err
	}
	var movers []mover
	for _, kv := range ranks {
		rank, err := strconv.Atoi(string(kv.value))
		if err != nil {
			return fmt.Errorf("malformed rank under %q: %w", kv.key, err)
		}
		if match(rank) {
			movers = append(movers, mover{id: strings.TrimPrefix(string(kv.key), prefixRankOf), rank: rank})
		}
	}
	sort.Slice(movers, func(i, j int) bool { return movers[i].rank*delta < movers[j].rank*delta })
	for _, m := range movers {
		if err := c.move(m.id, m.rank, m.rank+delta); err != nil {
			return err
		}
	}
	return nil
}

type badgerMatches struct{ tx *badgerTx }

func (m badgerMatches) Save(ctx context.Context, match model.Match) error {
	if err := m.tx.checkWritable(); err != nil {
		return err
	}
	if old, err := m.Get(ctx, match.ID); err == nil {
		if err := m.dropRefs(old); err != nil {
			return err
		}
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	rec := matchRecord{
		ID:          match.ID,
		CompetitorA: match.CompetitorA,
		CompetitorB: match.CompetitorB,
		Outcome:     match.Outcome,
		CreatedAt:   match.CreatedAt,
	}
	if err := m.tx.setJSON(matchKey(match.ID), rec); err != nil {
		return err
	}
	for _, cid := range []string{match.CompetitorA, match.CompetitorB} {
		if cid == "" {
			continue
		}
		if err := m.tx.txn.Set(matchRefKey(cid, match.ID), nil); err != nil {
			return err
		}
	}
	return nil
}

func (m badgerMatches) dropRefs(match model.Match) error {
	for _, cid := range []string{match.CompetitorA, match.CompetitorB} {
		if cid == "" {
			continue
		}
		if err := m.tx.txn.Delete(matchRefKey(cid, match.ID)); err != nil {
			return err
		}
	}
	return nil
}

func (m badgerMatches) Get(_ context.Context, id string) (model.Match, error) {
	var rec matchRecord
	if err := m.tx.getJSON(matchKey(id), &rec); err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.Match{}, fmt.Errorf("match %q: %w", id, ErrNotFound)
		}
		return model.Match{}, err
	}
	return model.Match(rec), nil
}

func (m badgerMatches) List(ctx context.Context) ([]model.Match, error) {
	keys := m.tx.keys(prefixMatch)
	out := make([]model.Match, 0, len(keys))
	for _, k := range keys {
		match, err := m.Get(ctx, strings.TrimPrefix(string(k), prefixMatch))
		if err != nil {
			return nil, err
		}
		out = append(out, match)
	}
	sortMatches(out)
	return out, nil
}

func (m badgerMatches) Delete(ctx context.Context, id string) error {
	if err := m.tx.checkWritable(); err != nil {
		return err
	}
	match, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := m.dropRefs(match); err != nil {
		return err
	}
	return m.tx.txn.Delete(matchKey(id))
}

func (m badgerMatches) Count(_ context.Context) (int, error) {
	return len(m.tx.keys(prefixMatch)), nil
}

func (m badgerMatches) ClearReferencesTo(ctx context.Context, competitorID string) (int, error) {
	if err := m.tx.checkWritable(); err != nil {
		return 0, err
	}
	prefix := prefixMatchRef + competitorID + "/"
	cleared := 0
	for _, k := range m.tx.keys(prefix) {
		matchID := strings.TrimPrefix(string(k), prefix)
		match, err := m.Get(ctx, matchID)
		if err != nil {
			return cleared, err
		}
		if err := m.Save(ctx, clearReference(match, competitorID)); err != nil {
			return cleared, err
		}
		cleared++
	}
	return cleared, nil
}
