package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/okian/ladder/internal/domain/model"
	"github.com/okian/ladder/pkg/logger"
)

// ladderLockKey is the pg_advisory_xact_lock key every write unit of work
// takes, so concurrent writers on one database apply rank updates in turn.
const ladderLockKey int64 = 0x6c6164646572

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS competitors (
	id            TEXT PRIMARY KEY,
	first_name    TEXT NOT NULL,
	last_name     TEXT NOT NULL,
	email         TEXT NOT NULL DEFAULT '',
	date_of_birth DATE,
	rank          INT  NOT NULL,
	games_played  INT  NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT competitors_rank_key UNIQUE (rank) DEFERRABLE INITIALLY DEFERRED
);
CREATE TABLE IF NOT EXISTS matches (
	id           TEXT PRIMARY KEY,
	competitor_a TEXT REFERENCES competitors(id) ON DELETE SET NULL,
	competitor_b TEXT REFERENCES competitors(id) ON DELETE SET NULL,
	outcome      TEXT NOT NULL CHECK (outcome IN ('A_WON', 'B_WON', 'DRAW')),
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_matches_competitor_a ON matches(competitor_a);
CREATE INDEX IF NOT EXISTS idx_matches_competitor_b ON matches(competitor_b);
CREATE INDEX IF NOT EXISTS idx_matches_created_at ON matches(created_at DESC);
`

const competitorColumns = `id, first_name, last_name, email, date_of_birth, rank, games_played, created_at`

// PostgresStore keeps the ladder in PostgreSQL. The unique rank constraint
// is deferred to commit, so a unit of work may pass through transient
// collisions but can never commit a ladder with two competitors on one rank.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger logger.Logger
}

// NewPostgresStore connects, pings and ensures the schema exists.
func NewPostgresStore(ctx context.Context, opts ...Option) (*PostgresStore, error) {
	cfg := newSettings(opts)
	if cfg.databaseURL == "" {
		return nil, fmt.Errorf("%w: database url is required", ErrMissingConfig)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.maxConns > 0 {
		poolCfg.MaxConns = cfg.maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, createTablesSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	cfg.logger.Info(ctx, "connected to postgres")
	return &PostgresStore{pool: pool, logger: cfg.logger}, nil
}

// Kind implements Store.
func (s *PostgresStore) Kind() string { return KindPostgres }

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Update implements UnitOfWork.
func (s *PostgresStore) Update(ctx context.Context, fn TxFunc) (err error) {
	start := time.Now()
	defer func() { observe(KindPostgres, "update", start, err) }()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, ladderLockKey); err != nil {
		return fmt.Errorf("lock ladder: %w", err)
	}
	if err := fn(ctx, &pgTx{tx: tx, writable: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// View implements UnitOfWork.
func (s *PostgresStore) View(ctx context.Context, fn TxFunc) (err error) {
	start := time.Now()
	defer func() { observe(KindPostgres, "view", start, err) }()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // read-only

	return fn(ctx, &pgTx{tx: tx})
}

// truncate empties both tables. Tests only.
func (s *PostgresStore) truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE matches, competitors`)
	return err
}

type pgTx struct {
	tx       pgx.Tx
	writable bool
}

func (t *pgTx) Competitors() CompetitorStore { return pgCompetitors{t} }
func (t *pgTx) Matches() MatchStore          { return pgMatches{t} }

func (t *pgTx) checkWritable() error {
	if !t.writable {
		return ErrReadOnly
	}
	return nil
}

// exec runs a write and reports ErrNotFound when it touched nothing and
// mustAffect is set.
func (t *pgTx) exec(ctx context.Context, mustAffect bool, what, sql string, args ...any) (int64, error) {
	if err := t.checkWritable(); err != nil {
		return 0, err
	}
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", what, err)
	}
	if mustAffect && tag.RowsAffected() == 0 {
		return 0, fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return tag.RowsAffected(), nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

type pgCompetitors struct{ tx *pgTx }

func scanCompetitor(row pgx.Row) (model.Competitor, error) {
	var c model.Competitor
	err := row.Scan(&c.ID, &c.FirstName, &c.LastName, &c.Email, &c.DateOfBirth, &c.Rank, &c.GamesPlayed, &c.CreatedAt)
	return c, err
}

func (c pgCompetitors) Get(ctx context.Context, id string) (model.Competitor, error) {
	comp, err := scanCompetitor(c.tx.tx.QueryRow(ctx,
		`SELECT `+competitorColumns+` FROM competitors WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Competitor{}, fmt.Errorf("competitor %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Competitor{}, fmt.Errorf("get competitor %q: %w", id, err)
	}
	return comp, nil
}

func (c pgCompetitors) Exists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := c.tx.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM competitors WHERE id = $1)`, id).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("exists %q: %w", id, err)
	}
	return ok, nil
}

func (c pgCompetitors) Save(ctx context.Context, comp model.Competitor) error {
	_, err := c.tx.exec(ctx, false, "save competitor", `
		INSERT INTO competitors (`+competitorColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			email = EXCLUDED.email,
			date_of_birth = EXCLUDED.date_of_birth,
			rank = EXCLUDED.rank,
			games_played = EXCLUDED.games_played`,
		comp.ID, comp.FirstName, comp.LastName, comp.Email, comp.DateOfBirth, comp.Rank, comp.GamesPlayed, comp.CreatedAt)
	return err
}

func (c pgCompetitors) Delete(ctx context.Context, id string) error {
	_, err := c.tx.exec(ctx, true, fmt.Sprintf("delete competitor %q", id),
		`DELETE FROM competitors WHERE id = $1`, id)
	return err
}

func (c pgCompetitors) ListByRank(ctx context.Context) ([]model.Competitor, error) {
	rows, err := c.tx.tx.Query(ctx, `SELECT `+competitorColumns+` FROM competitors ORDER BY rank, id`)
	if err != nil {
		return nil, fmt.Errorf("list competitors: %w", err)
	}
	defer rows.Close()

	var out []model.Competitor
	for rows.Next() {
		comp, err := scanCompetitor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan competitor: %w", err)
		}
		out = append(out, comp)
	}
	return out, rows.Err()
}

func (c pgCompetitors) Count(ctx context.Context) (int, error) {
	var n int
	if err := c.tx.tx.QueryRow(ctx, `SELECT count(*) FROM competitors`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count competitors: %w", err)
	}
	return n, nil
}

func (c pgCompetitors) IncrementGamesPlayed(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		if _, err := c.tx.exec(ctx, true, fmt.Sprintf("increment games of %q", id),
			`UPDATE competitors SET games_played = games_played + 1 WHERE id = $1`, id); err != nil {
			return err
		}
	}
	return nil
}

func (c pgCompetitors) RankOf(ctx context.Context, id string) (int, error) {
	var rank int
	err := c.tx.tx.QueryRow(ctx, `SELECT rank FROM competitors WHERE id = $1`, id).Scan(&rank)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("competitor %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("rank of %q: %w", id, err)
	}
	return rank, nil
}

func (c pgCompetitors) HighestRank(ctx context.Context) (int, error) {
	var highest int
	if err := c.tx.tx.QueryRow(ctx, `SELECT COALESCE(MAX(rank), 0) FROM competitors`).Scan(&highest); err != nil {
		return 0, fmt.Errorf("highest rank: %w", err)
	}
	return highest, nil
}

func (c pgCompetitors) SetRank(ctx context.Context, id string, rank int) error {
	_, err := c.tx.exec(ctx, true, fmt.Sprintf("set rank of %q", id),
		`UPDATE competitors SET rank = $2 WHERE id = $1`, id, rank)
	return err
}

func (c pgCompetitors) ShiftRange(ctx context.Context, start, stop, delta int) error {
	if err := checkDelta(delta); err != nil {
		return err
	}
	_, err := c.tx.exec(ctx, false, "shift range",
		`UPDATE competitors SET rank = rank + $3 WHERE rank >= $1 AND rank < $2`, start, stop, delta)
	return err
}

func (c pgCompetitors) ShiftAt(ctx context.Context, rank, delta int) error {
	if err := checkDelta(delta); err != nil {
		return err
	}
	_, err := c.tx.exec(ctx, false, "shift rank",
		`UPDATE competitors SET rank = rank + $2 WHERE rank = $1`, rank, delta)
	return err
}

func (c pgCompetitors) CompactAbove(ctx context.Context, vacated int) error {
	_, err := c.tx.exec(ctx, false, "compact ranks",
		`UPDATE competitors SET rank = rank - 1 WHERE rank > $1`, vacated)
	return err
}

type pgMatches struct{ tx *pgTx }

func scanMatch(row pgx.Row) (model.Match, error) {
	var (
		m    model.Match
		a, b *string
	)
	if err := row.Scan(&m.ID, &a, &b, &m.Outcome, &m.CreatedAt); err != nil {
		return model.Match{}, err
	}
	m.CompetitorA, m.CompetitorB = derefString(a), derefString(b)
	return m, nil
}

func (m pgMatches) Save(ctx context.Context, match model.Match) error {
	_, err := m.tx.exec(ctx, false, "save match", `
		INSERT INTO matches (id, competitor_a, competitor_b, outcome, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			competitor_a = EXCLUDED.competitor_a,
			competitor_b = EXCLUDED.competitor_b,
			outcome = EXCLUDED.outcome`,
		match.ID, nullString(match.CompetitorA), nullString(match.CompetitorB), string(match.Outcome), match.CreatedAt)
	return err
}

func (m pgMatches) Get(ctx context.Context, id string) (model.Match, error) {
	match, err := scanMatch(m.tx.tx.QueryRow(ctx,
		`SELECT id, competitor_a, competitor_b, outcome, created_at FROM matches WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Match{}, fmt.Errorf("match %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Match{}, fmt.Errorf("get match %q: %w", id, err)
	}
	return match, nil
}

func (m pgMatches) List(ctx context.Context) ([]model.Match, error) {
	rows, err := m.tx.tx.Query(ctx,
		`SELECT id, competitor_a, competitor_b, outcome, created_at FROM matches ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	defer rows.Close()

	var out []model.Match
	for rows.Next() {
		match, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		out = append(out, match)
	}
	return out, rows.Err()
}

func (m pgMatches) Delete(ctx context.Context, id string) error {
	_, err := m.tx.exec(ctx, true, fmt.Sprintf("delete match %q", id),
		`DELETE FROM matches WHERE id = $1`, id)
	return err
}

func (m pgMatches) Count(ctx context.Context) (int, error) {
	var n int
	if err := m.tx.tx.QueryRow(ctx, `SELECT count(*) FROM matches`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count matches: %w", err)
	}
	return n, nil
}

func (m pgMatches) ClearReferencesTo(ctx context.Context, competitorID string) (int, error) {
	n, err := m.tx.exec(ctx, false, "clear match references", `
		UPDATE matches SET
			competitor_a = NULLIF(competitor_a, $1),
			competitor_b = NULLIF(competitor_b, $1)
		WHERE competitor_a = $1 OR competitor_b = $1`, competitorID)
	return int(n), err
}
