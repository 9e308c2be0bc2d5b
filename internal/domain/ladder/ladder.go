// Package ladder implements the rank mutation core: classifying match
// results, applying rank updates and compacting the ladder on removal.
// Every operation runs as one unit of work against the repository ports.
package ladder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/okian/ladder/internal/adapters/repository"
	"github.com/okian/ladder/internal/domain/model"
	"github.com/okian/ladder/pkg/logger"
	"github.com/okian/ladder/pkg/metrics"
)

// Option configures a Ladder.
type Option func(*Ladder)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(lad *Ladder) {
		if l != nil {
			lad.logger = l
		}
	}
}

// WithClock replaces time.Now for match and competitor timestamps.
func WithClock(now func() time.Time) Option {
	return func(lad *Ladder) {
		if now != nil {
			lad.now = now
		}
	}
}

// WithIDGenerator replaces the UUID generator for new records.
func WithIDGenerator(newID func() string) Option {
	return func(lad *Ladder) {
		if newID != nil {
			lad.newID = newID
		}
	}
}

// CompetitorInput carries the editable competitor fields.
type CompetitorInput struct {
	FirstName   string     `validate:"required,max=100"`
	LastName    string     `validate:"required,max=100"`
	Email       string     `validate:"omitempty,email,max=254"`
	DateOfBirth *time.Time `validate:"omitempty"`
}

// MatchInput names the two participants and the result from A's side.
// PlayedAt, when set, becomes the match time instead of the clock.
type MatchInput struct {
	PlayedAt    time.Time
	CompetitorA string
	CompetitorB string
	Outcome     model.Outcome
}

// Ladder owns the ranking rules. It never touches ranks outside a unit of
// work obtained from uow.
type Ladder struct {
	uow      repository.UnitOfWork
	logger   logger.Logger
	now      func() time.Time
	newID    func() string
	validate *validator.Validate
}

// New creates a Ladder over uow.
func New(uow repository.UnitOfWork, opts ...Option) *Ladder {
	l := &Ladder{
		uow:      uow,
		now:      time.Now,
		newID:    uuid.NewString,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = logger.Get().Named("ladder")
	}
	return l
}

func (l *Ladder) checkCompetitor(in *CompetitorInput) error {
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.Email = strings.TrimSpace(in.Email)
	if err := l.validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCompetitor, err)
	}
	if in.DateOfBirth != nil {
		y, m, d := in.DateOfBirth.Date()
		dob := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		if dob.After(l.now()) {
			return fmt.Errorf("%w: date of birth is in the future", ErrInvalidCompetitor)
		}
		in.DateOfBirth = &dob
	}
	return nil
}

// AddCompetitor registers a competitor at the bottom of the ladder.
func (l *Ladder) AddCompetitor(ctx context.Context, in CompetitorInput) (model.Competitor, error) {
	if err := l.checkCompetitor(&in); err != nil {
		return model.Competitor{}, err
	}
	c := model.Competitor{
		ID:          l.newID(),
		FirstName:   in.FirstName,
		LastName:    in.LastName,
		Email:       in.Email,
		DateOfBirth: in.DateOfBirth,
		CreatedAt:   l.now().UTC(),
	}
	err := l.uow.Update(ctx, func(ctx context.Context, tx repository.Tx) error {
		cs := tx.Competitors()
		highest, err := cs.HighestRank(ctx)
		if err != nil {
			return err
		}
		c.Rank = highest + 1
		return cs.Save(ctx, c)
	})
	if err != nil {
		return model.Competitor{}, fmt.Errorf("add competitor: %w", err)
	}
	metrics.RecordCompetitorAdded()
	l.logger.Info(ctx, "competitor added",
		logger.String("competitor_id", c.ID),
		logger.Int("rank", c.Rank),
	)
	return c, nil
}

// UpdateCompetitor replaces the profile fields of id. Rank and games
// played are left as stored.
func (l *Ladder) UpdateCompetitor(ctx context.Context, id string, in CompetitorInput) (model.Competitor, error) {
	if err := l.checkCompetitor(&in); err != nil {
		return model.Competitor{}, err
	}
	var c model.Competitor
	err := l.uow.Update(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		if c, err = tx.Competitors().Get(ctx, id); err != nil {
			return err
		}
		c.FirstName, c.LastName, c.Email, c.DateOfBirth = in.FirstName, in.LastName, in.Email, in.DateOfBirth
		return tx.Competitors().Save(ctx, c)
	})
	if err != nil {
		return model.Competitor{}, fmt.Errorf("update competitor: %w", err)
	}
	return c, nil
}

// GetCompetitor returns one competitor.
func (l *Ladder) GetCompetitor(ctx context.Context, id string) (model.Competitor, error) {
	var c model.Competitor
	err := l.uow.View(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		c, err = tx.Competitors().Get(ctx, id)
		return err
	})
	return c, err
}

// Standings returns every competitor, best rank first.
func (l *Ladder) Standings(ctx context.Context) ([]model.Competitor, error) {
	var out []model.Competitor
	err := l.uow.View(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		out, err = tx.Competitors().ListByRank(ctx)
		return err
	})
	return out, err
}

// RemoveCompetitor deletes id, blanks its side of every match it played,
// and closes the gap it leaves in the ranking.
func (l *Ladder) RemoveCompetitor(ctx context.Context, id string) error {
	var (
		removed model.Competitor
		cleared int
		compact bool
	)
	err := l.uow.Update(ctx, func(ctx context.Context, tx repository.Tx) error {
		cs := tx.Competitors()
		var err error
		if removed, err = cs.Get(ctx, id); err != nil {
			return err
		}
		highest, err := cs.HighestRank(ctx)
		if err != nil {
			return err
		}
		if cleared, err = tx.Matches().ClearReferencesTo(ctx, id); err != nil {
			return err
		}
		if err := cs.Delete(ctx, id); err != nil {
			return err
		}
		compact = removed.Rank < highest
		if compact {
			return cs.CompactAbove(ctx, removed.Rank)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove competitor: %w", err)
	}

	metrics.RecordCompetitorRemoved()
	if compact {
		metrics.RecordRankMutation("compact")
	}
	l.logger.Info(ctx, "competitor removed",
		logger.String("competitor_id", id),
		logger.Int("rank", removed.Rank),
		logger.Int("matches_cleared", cleared),
	)
	return nil
}

// RecordMatch stores a match and applies its rank consequences, then
// counts the game for both participants. Participants are resolved before
// anything is written; an unknown id leaves every store untouched.
func (l *Ladder) RecordMatch(ctx context.Context, in MatchInput) (model.MatchView, error) {
	if !in.Outcome.Valid() {
		return model.MatchView{}, fmt.Errorf("%w: %q", ErrInvalidOutcome, in.Outcome)
	}
	if in.CompetitorA == "" || in.CompetitorB == "" {
		return model.MatchView{}, fmt.Errorf("%w: both participants are required", ErrInvalidReference)
	}
	if in.CompetitorA == in.CompetitorB {
		return model.MatchView{}, fmt.Errorf("%w: competitor %q cannot play itself", ErrInvalidReference, in.CompetitorA)
	}

	played := in.PlayedAt
	if played.IsZero() {
		played = l.now()
	}
	match := model.Match{
		ID:          l.newID(),
		CompetitorA: in.CompetitorA,
		CompetitorB: in.CompetitorB,
		Outcome:     in.Outcome,
		CreatedAt:   played.UTC(),
	}
	var (
		view   model.MatchView
		branch Branch
		ops    []Op
	)
	err := l.uow.Update(ctx, func(ctx context.Context, tx repository.Tx) error {
		cs := tx.Competitors()
		a, err := participant(ctx, cs, in.CompetitorA)
		if err != nil {
			return err
		}
		b, err := participant(ctx, cs, in.CompetitorB)
		if err != nil {
			return err
		}
		if branch, ops, err = Plan(a.Standing(), b.Standing(), in.Outcome); err != nil {
			return err
		}
		if err := tx.Matches().Save(ctx, match); err != nil {
			return err
		}
		if err := apply(ctx, cs, ops); err != nil {
			return err
		}
		if err := cs.IncrementGamesPlayed(ctx, a.ID, b.ID); err != nil {
			return err
		}
		view, err = joinMatch(ctx, cs, match)
		return err
	})
	if err != nil {
		return model.MatchView{}, fmt.Errorf("record match: %w", err)
	}

	metrics.RecordMatch(branch.String())
	for _, op := range ops {
		metrics.RecordRankMutation(op.Kind.String())
	}
	l.logger.Debug(ctx, "match recorded",
		logger.String("match_id", match.ID),
		logger.String("branch", branch.String()),
		logger.Int("ops", len(ops)),
	)
	return view, nil
}

func participant(ctx context.Context, cs repository.CompetitorStore, id string) (model.Competitor, error) {
	c, err := cs.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return c, fmt.Errorf("%w: competitor %q does not exist", ErrInvalidReference, id)
	}
	return c, err
}

// joinMatch attaches the current participant records to m. A removed
// participant stays nil.
func joinMatch(ctx context.Context, cs repository.CompetitorStore, m model.Match) (model.MatchView, error) {
	view := model.MatchView{Match: m}
	var err error
	if view.A, err = lookup(ctx, cs, m.CompetitorA); err != nil {
		return view, err
	}
	view.B, err = lookup(ctx, cs, m.CompetitorB)
	return view, err
}

func lookup(ctx context.Context, cs repository.CompetitorStore, id string) (*model.Competitor, error) {
	if id == "" {
		return nil, nil
	}
	c, err := cs.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetMatch returns one match with its participants.
func (l *Ladder) GetMatch(ctx context.Context, id string) (model.MatchView, error) {
	var view model.MatchView
	err := l.uow.View(ctx, func(ctx context.Context, tx repository.Tx) error {
		m, err := tx.Matches().Get(ctx, id)
		if err != nil {
			return err
		}
		view, err = joinMatch(ctx, tx.Competitors(), m)
		return err
	})
	return view, err
}

// Matches returns every match newest first, with participants.
func (l *Ladder) Matches(ctx context.Context) ([]model.MatchView, error) {
	var out []model.MatchView
	err := l.uow.View(ctx, func(ctx context.Context, tx repository.Tx) error {
		list, err := tx.Matches().List(ctx)
		if err != nil {
			return err
		}
		out = make([]model.MatchView, 0, len(list))
		for _, m := range list {
			view, err := joinMatch(ctx, tx.Competitors(), m)
			if err != nil {
				return err
			}
			out = append(out, view)
		}
		return nil
	})
	return out, err
}

// DeleteMatch removes a match record. Ranks and games played stay as they are.
func (l *Ladder) DeleteMatch(ctx context.Context, id string) error {
	err := l.uow.Update(ctx, func(ctx context.Context, tx repository.Tx) error {
		return tx.Matches().Delete(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("delete match: %w", err)
	}
	return nil
}

// Counts returns the number of competitors and matches and refreshes the
// corresponding gauges.
func (l *Ladder) Counts(ctx context.Context) (competitors, matches int, err error) {
	err = l.uow.View(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		if competitors, err = tx.Competitors().Count(ctx); err != nil {
			return err
		}
		matches, err = tx.Matches().Count(ctx)
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	metrics.UpdateCompetitorCount(competitors)
	metrics.UpdateMatchCount(matches)
	return competitors, matches, nil
}

// Verify checks that the stored ranks are exactly 1..N.
func (l *Ladder) Verify(ctx context.Context) error {
	standings, err := l.Standings(ctx)
	if err != nil {
		return err
	}
	return CheckDense(standings)
}

// CheckDense reports ErrBrokenLadder unless the competitors, sorted by
// rank, hold ranks 1..N.
func CheckDense(standings []model.Competitor) error {
	for i, c := range standings {
		if c.Rank != i+1 {
			return fmt.Errorf("%w: position %d holds rank %d (%s)", ErrBrokenLadder, i+1, c.Rank, c.ID)
		}
	}
	return nil
}
