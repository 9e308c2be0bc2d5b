package ladder_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"golang.org/x/sync/errgroup"

	"github.com/okian/ladder/internal/adapters/repository"
	"github.com/okian/ladder/internal/domain/ladder"
	"github.com/okian/ladder/internal/domain/model"
	"github.com/okian/ladder/pkg/logger"
)

func newLadder(store repository.UnitOfWork) *ladder.Ladder {
	seq := 0
	clock := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	return ladder.New(store,
		ladder.WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("id-%04d", seq)
		}),
		ladder.WithClock(func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		}),
	)
}

// seed adds n competitors and returns their ids in rank order.
func seed(ctx context.Context, l *ladder.Ladder, n int) []string {
	ids := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		c, err := l.AddCompetitor(ctx, ladder.CompetitorInput{
			FirstName: "Player",
			LastName:  fmt.Sprintf("%02d", i),
		})
		So(err, ShouldBeNil)
		So(c.Rank, ShouldEqual, i)
		ids = append(ids, c.ID)
	}
	return ids
}

// order returns competitor ids in rank order.
func order(ctx context.Context, l *ladder.Ladder) []string {
	standings, err := l.Standings(ctx)
	So(err, ShouldBeNil)
	So(ladder.CheckDense(standings), ShouldBeNil)
	ids := make([]string, 0, len(standings))
	for _, c := range standings {
		ids = append(ids, c.ID)
	}
	return ids
}

func TestLadder_Matches(t *testing.T) {
	_ = logger.Init()

	Convey("Given a ladder of twenty", t, func() {
		ctx := context.Background()
		store := repository.NewMemoryStore()
		l := newLadder(store)
		before := seed(ctx, l, 20)

		Convey("When the higher-ranked competitor wins", func() {
			view, err := l.RecordMatch(ctx, ladder.MatchInput{
				CompetitorA: before[2], CompetitorB: before[9], Outcome: model.OutcomeAWon,
			})
			So(err, ShouldBeNil)

			Convey("Then ranks are unchanged and both games count", func() {
				So(order(ctx, l), ShouldResemble, before)
				So(view.A.GamesPlayed, ShouldEqual, 1)
				So(view.B.GamesPlayed, ShouldEqual, 1)
				So(view.A.Rank, ShouldEqual, 3)
				So(view.Outcome, ShouldEqual, model.OutcomeAWon)
			})
		})

		Convey("When neighbours draw", func() {
			_, err := l.RecordMatch(ctx, ladder.MatchInput{
				CompetitorA: before[6], CompetitorB: before[5], Outcome: model.OutcomeDraw,
			})
			So(err, ShouldBeNil)
			So(order(ctx, l), ShouldResemble, before)
		})

		Convey("When ranks 5 and 12 draw", func() {
			_, err := l.RecordMatch(ctx, ladder.MatchInput{
				CompetitorA: before[4], CompetitorB: before[11], Outcome: model.OutcomeDraw,
			})
			So(err, ShouldBeNil)

			Convey("Then 12 and 11 trade places", func() {
				after := order(ctx, l)
				So(after[10], ShouldEqual, before[11])
				So(after[11], ShouldEqual, before[10])
				So(after[4], ShouldEqual, before[4])
			})
		})

		Convey("When rank 14 beats rank 4", func() {
			view, err := l.RecordMatch(ctx, ladder.MatchInput{
				CompetitorA: before[3], CompetitorB: before[13], Outcome: model.OutcomeBWon,
			})
			So(err, ShouldBeNil)

			Convey("Then the loser drops one and the winner lands on 9", func() {
				So(view.A.Rank, ShouldEqual, 5)
				So(view.B.Rank, ShouldEqual, 9)

				after := order(ctx, l)
				So(after[3], ShouldEqual, before[4])
				So(after[4], ShouldEqual, before[3])
				So(after[5:8], ShouldResemble, before[5:8])
				So(after[8], ShouldEqual, before[13])
				So(after[9:14], ShouldResemble, before[8:13])
				So(after[14:], ShouldResemble, before[14:])
			})
		})

		Convey("When rank 3 beats rank 1", func() {
			_, err := l.RecordMatch(ctx, ladder.MatchInput{
				CompetitorA: before[2], CompetitorB: before[0], Outcome: model.OutcomeAWon,
			})
			So(err, ShouldBeNil)

			Convey("Then the winner leapfrogs the loser", func() {
				after := order(ctx, l)
				So(after[:3], ShouldResemble, []string{before[1], before[2], before[0]})
				So(after[3:], ShouldResemble, before[3:])
			})
		})

		Convey("When a participant does not exist", func() {
			_, err := l.RecordMatch(ctx, ladder.MatchInput{
				CompetitorA: before[0], CompetitorB: "ghost", Outcome: model.OutcomeBWon,
			})

			Convey("Then it is rejected and nothing changes", func() {
				So(errors.Is(err, ladder.ErrInvalidReference), ShouldBeTrue)
				So(order(ctx, l), ShouldResemble, before)
				matches, err := l.Matches(ctx)
				So(err, ShouldBeNil)
				So(matches, ShouldBeEmpty)
				c, _ := l.GetCompetitor(ctx, before[0])
				So(c.GamesPlayed, ShouldEqual, 0)
			})
		})

		Convey("Then bad match input is rejected before any write", func() {
			_, err := l.RecordMatch(ctx, ladder.MatchInput{CompetitorA: before[0], CompetitorB: before[0], Outcome: model.OutcomeDraw})
			So(errors.Is(err, ladder.ErrInvalidReference), ShouldBeTrue)

			_, err = l.RecordMatch(ctx, ladder.MatchInput{CompetitorA: before[0], Outcome: model.OutcomeDraw})
			So(errors.Is(err, ladder.ErrInvalidReference), ShouldBeTrue)

			_, err = l.RecordMatch(ctx, ladder.MatchInput{CompetitorA: before[0], CompetitorB: before[1], Outcome: "TIE"})
			So(errors.Is(err, ladder.ErrInvalidOutcome), ShouldBeTrue)
		})

		Convey("When a recorded match is deleted", func() {
			view, err := l.RecordMatch(ctx, ladder.MatchInput{
				CompetitorA: before[0], CompetitorB: before[19], Outcome: model.OutcomeBWon,
			})
			So(err, ShouldBeNil)
			moved := order(ctx, l)
			So(l.DeleteMatch(ctx, view.ID), ShouldBeNil)

			Convey("Then the ranks it produced stay", func() {
				So(order(ctx, l), ShouldResemble, moved)
				_, err := l.GetMatch(ctx, view.ID)
				So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
				So(errors.Is(l.DeleteMatch(ctx, view.ID), repository.ErrNotFound), ShouldBeTrue)
			})
		})
	})
}

func TestLadder_RemoveCompetitor(t *testing.T) {
	_ = logger.Init()

	Convey("Given a ladder of twenty with match history", t, func() {
		ctx := context.Background()
		l := newLadder(repository.NewMemoryStore())
		before := seed(ctx, l, 20)
		victim := before[6]

		played, err := l.RecordMatch(ctx, ladder.MatchInput{
			CompetitorA: before[0], CompetitorB: victim, Outcome: model.OutcomeAWon,
		})
		So(err, ShouldBeNil)

		Convey("When the competitor on rank 7 is removed", func() {
			So(l.RemoveCompetitor(ctx, victim), ShouldBeNil)

			Convey("Then ranks 8..20 move up to 7..19", func() {
				after := order(ctx, l)
				So(after, ShouldHaveLength, 19)
				So(after[:6], ShouldResemble, before[:6])
				So(after[6:], ShouldResemble, before[7:])
			})

			Convey("Then the match survives with only the removed side blanked", func() {
				view, err := l.GetMatch(ctx, played.ID)
				So(err, ShouldBeNil)
				So(view.CompetitorA, ShouldEqual, before[0])
				So(view.A, ShouldNotBeNil)
				So(view.CompetitorB, ShouldBeEmpty)
				So(view.B, ShouldBeNil)
				So(view.NameB(), ShouldEqual, model.DeletedCompetitorLabel)
			})

			Convey("Then removing it again reports not found", func() {
				err := l.RemoveCompetitor(ctx, victim)
				So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
			})
		})

		Convey("When the last competitor is removed", func() {
			So(l.RemoveCompetitor(ctx, before[19]), ShouldBeNil)
			So(order(ctx, l), ShouldResemble, before[:19])
		})

		Convey("When a new competitor joins after a removal", func() {
			So(l.RemoveCompetitor(ctx, before[0]), ShouldBeNil)
			c, err := l.AddCompetitor(ctx, ladder.CompetitorInput{FirstName: "New", LastName: "Comer"})

			Convey("Then it enters at the bottom", func() {
				So(err, ShouldBeNil)
				So(c.Rank, ShouldEqual, 20)
				So(l.Verify(ctx), ShouldBeNil)
			})
		})
	})
}

func TestLadder_Competitors(t *testing.T) {
	_ = logger.Init()

	Convey("Given an empty ladder", t, func() {
		ctx := context.Background()
		l := newLadder(repository.NewMemoryStore())

		Convey("Then invalid profiles are rejected", func() {
			_, err := l.AddCompetitor(ctx, ladder.CompetitorInput{FirstName: " ", LastName: "X"})
			So(errors.Is(err, ladder.ErrInvalidCompetitor), ShouldBeTrue)

			_, err = l.AddCompetitor(ctx, ladder.CompetitorInput{FirstName: "A", LastName: "B", Email: "nope"})
			So(errors.Is(err, ladder.ErrInvalidCompetitor), ShouldBeTrue)

			future := time.Now().AddDate(1, 0, 0)
			_, err = l.AddCompetitor(ctx, ladder.CompetitorInput{FirstName: "A", LastName: "B", DateOfBirth: &future})
			So(errors.Is(err, ladder.ErrInvalidCompetitor), ShouldBeTrue)
		})

		Convey("When a competitor is added and then edited", func() {
			dob := time.Date(1990, 7, 14, 15, 30, 0, 0, time.UTC)
			first, err := l.AddCompetitor(ctx, ladder.CompetitorInput{
				FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com", DateOfBirth: &dob,
			})
			So(err, ShouldBeNil)
			second, err := l.AddCompetitor(ctx, ladder.CompetitorInput{FirstName: "Alan", LastName: "Turing"})
			So(err, ShouldBeNil)
			_, err = l.RecordMatch(ctx, ladder.MatchInput{
				CompetitorA: first.ID, CompetitorB: second.ID, Outcome: model.OutcomeBWon,
			})
			So(err, ShouldBeNil)

			updated, err := l.UpdateCompetitor(ctx, first.ID, ladder.CompetitorInput{FirstName: "Augusta", LastName: "King"})
			So(err, ShouldBeNil)

			Convey("Then rank and games played are kept", func() {
				So(first.DateOfBirth.Hour(), ShouldEqual, 0)
				So(updated.FullName(), ShouldEqual, "Augusta King")
				So(updated.Rank, ShouldEqual, 2)
				So(updated.GamesPlayed, ShouldEqual, 1)
				So(updated.Email, ShouldBeEmpty)

				got, err := l.GetCompetitor(ctx, first.ID)
				So(err, ShouldBeNil)
				So(got, ShouldResemble, updated)
			})

			Convey("Then counts reflect the ladder", func() {
				c, m, err := l.Counts(ctx)
				So(err, ShouldBeNil)
				So(c, ShouldEqual, 2)
				So(m, ShouldEqual, 1)
			})
		})

		Convey("Then updating an unknown competitor fails", func() {
			_, err := l.UpdateCompetitor(ctx, "ghost", ladder.CompetitorInput{FirstName: "A", LastName: "B"})
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
		})
	})
}

func TestLadder_StaysDense(t *testing.T) {
	_ = logger.Init()

	Convey("Given a ladder under a random stream of matches and removals", t, func() {
		ctx := context.Background()
		l := newLadder(repository.NewMemoryStore())
		ids := seed(ctx, l, 16)
		rng := rand.New(rand.NewSource(7)) //nolint:gosec // deterministic test data
		outcomes := []model.Outcome{model.OutcomeAWon, model.OutcomeBWon, model.OutcomeDraw}

		recorded := 0
		for i := 0; i < 400; i++ {
			if i%50 == 49 {
				victim := rng.Intn(len(ids))
				So(l.RemoveCompetitor(ctx, ids[victim]), ShouldBeNil)
				ids = append(ids[:victim], ids[victim+1:]...)
				c, err := l.AddCompetitor(ctx, ladder.CompetitorInput{FirstName: "Late", LastName: fmt.Sprint(i)})
				So(err, ShouldBeNil)
				ids = append(ids, c.ID)
				So(l.Verify(ctx), ShouldBeNil)
				continue
			}
			a := rng.Intn(len(ids))
			b := rng.Intn(len(ids) - 1)
			if b >= a {
				b++
			}
			_, err := l.RecordMatch(ctx, ladder.MatchInput{
				CompetitorA: ids[a], CompetitorB: ids[b], Outcome: outcomes[rng.Intn(len(outcomes))],
			})
			So(err, ShouldBeNil)
			recorded++
			So(l.Verify(ctx), ShouldBeNil)
		}

		Convey("Then every match was kept and counted", func() {
			matches, err := l.Matches(ctx)
			So(err, ShouldBeNil)
			So(matches, ShouldHaveLength, recorded)
			for i := 1; i < len(matches); i++ {
				So(matches[i-1].CreatedAt.After(matches[i].CreatedAt), ShouldBeTrue)
			}
		})
	})
}

func TestLadder_ConcurrentMatches(t *testing.T) {
	_ = logger.Init()
	const (
		workers   = 16
		perWorker = 200
		players   = 32
	)

	stores := []struct {
		name string
		open func(ctx context.Context) (repository.Store, error)
	}{
		{"memory", func(context.Context) (repository.Store, error) { return repository.NewMemoryStore(), nil }},
		{"badger", func(ctx context.Context) (repository.Store, error) {
			return repository.NewBadgerStore(ctx, repository.WithBadgerInMemory(true))
		}},
	}
	for _, st := range stores {
		Convey("Given a "+st.name+" ladder shared by many writers", t, func() {
			ctx := context.Background()
			store, err := st.open(ctx)
			So(err, ShouldBeNil)
			defer func() { _ = store.Close() }()
			l := ladder.New(store)
			ids := make([]string, 0, players)
			for i := 0; i < players; i++ {
				c, err := l.AddCompetitor(ctx, ladder.CompetitorInput{FirstName: "Player", LastName: fmt.Sprint(i)})
				So(err, ShouldBeNil)
				ids = append(ids, c.ID)
			}
			outcomes := []model.Outcome{model.OutcomeAWon, model.OutcomeBWon, model.OutcomeDraw}

			Convey("When every writer records random matches at once", func() {
				g, gctx := errgroup.WithContext(ctx)
				for w := 0; w < workers; w++ {
					rng := rand.New(rand.NewSource(int64(w) + 1)) //nolint:gosec // deterministic test data
					g.Go(func() error {
						for i := 0; i < perWorker; i++ {
							a := rng.Intn(players)
							b := rng.Intn(players - 1)
							if b >= a {
								b++
							}
							if _, err := l.RecordMatch(gctx, ladder.MatchInput{
								CompetitorA: ids[a], CompetitorB: ids[b], Outcome: outcomes[rng.Intn(len(outcomes))],
							}); err != nil {
								return err
							}
						}
						return nil
					})
				}
				So(g.Wait(), ShouldBeNil)

				Convey("Then the ladder is dense and every game is counted", func() {
					So(l.Verify(ctx), ShouldBeNil)
					standings, err := l.Standings(ctx)
					So(err, ShouldBeNil)
					So(standings, ShouldHaveLength, players)
					games := 0
					for _, c := range standings {
						games += c.GamesPlayed
					}
					So(games, ShouldEqual, 2*workers*perWorker)
					_, matches, err := l.Counts(ctx)
					So(err, ShouldBeNil)
					So(matches, ShouldEqual, workers*perWorker)
				})
			})
		})
	}
}
