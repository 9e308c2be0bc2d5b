package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/ladder/internal/adapters/http/api"
	service "github.com/okian/ladder/internal/app"
	"github.com/okian/ladder/internal/domain/model"
	"github.com/okian/ladder/pkg/logger"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

// deps wraps the real service and can refuse enqueues to simulate a full queue.
type deps struct {
	*service.Service
	reject bool
}

func (d *deps) Enqueue(ctx context.Context, r model.Result) bool {
	if d.reject {
		return false
	}
	return d.Service.Enqueue(ctx, r)
}

type competitorBody struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DateOfBirth string `json:"date_of_birth"`
	Rank        int    `json:"rank"`
	GamesPlayed int    `json:"games_played"`
}

type participantBody struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Rank    int    `json:"rank"`
	Deleted bool   `json:"deleted"`
}

type matchBody struct {
	ID           string          `json:"id"`
	CompetitorA  participantBody `json:"competitor_a"`
	CompetitorB  participantBody `json:"competitor_b"`
	Outcome      string          `json:"outcome"`
	OutcomeLabel string          `json:"outcome_label"`
	CreatedAt    time.Time       `json:"created_at"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type fixture struct {
	svc    *service.Service
	deps   *deps
	router *mux.Router
}

func newFixture(opts ...api.Option) *fixture {
	svc := service.New(service.WithQueueSize(50))
	So(svc.Start(context.Background()), ShouldBeNil)
	d := &deps{Service: svc}
	r := mux.NewRouter()
	api.NewServer(d, svc, opts...).Register(context.Background(), r)
	return &fixture{svc: svc, deps: d, router: r}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) addCompetitor(first, last string) competitorBody {
	w := f.do(http.MethodPost, "/competitors", fmt.Sprintf(`{"first_name":%q,"last_name":%q}`, first, last))
	So(w.Code, ShouldEqual, http.StatusCreated)
	var c competitorBody
	So(json.Unmarshal(w.Body.Bytes(), &c), ShouldBeNil)
	return c
}

func (f *fixture) ladder() []competitorBody {
	w := f.do(http.MethodGet, "/ladder", "")
	So(w.Code, ShouldEqual, http.StatusOK)
	var out []competitorBody
	So(json.Unmarshal(w.Body.Bytes(), &out), ShouldBeNil)
	return out
}

func decodeError(w *httptest.ResponseRecorder) errorBody {
	var e errorBody
	So(json.Unmarshal(w.Body.Bytes(), &e), ShouldBeNil)
	return e
}

func TestServer_Operational(t *testing.T) {
	Convey("Given a registered API server", t, func() {
		f := newFixture()
		defer func() { _ = f.svc.Stop(context.Background()) }()

		Convey("Then the health endpoint reports ok", func() {
			w := f.do(http.MethodGet, "/healthz", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Header().Get("Content-Type"), ShouldContainSubstring, "application/json")
			So(w.Body.String(), ShouldContainSubstring, `"status":"ok"`)
		})

		Convey("Then the metrics endpoint serves the registry", func() {
			f.do(http.MethodGet, "/healthz", "")
			w := f.do(http.MethodGet, "/metrics", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, "ladder_")
		})

		Convey("Then stats describe the running service", func() {
			f.addCompetitor("Ann", "A")
			w := f.do(http.MethodGet, "/stats", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			var stats map[string]interface{}
			So(json.Unmarshal(w.Body.Bytes(), &stats), ShouldBeNil)
			So(stats["started"], ShouldEqual, true)
			So(stats["competitors"], ShouldEqual, float64(1))
			So(stats["dense"], ShouldEqual, true)
		})

		Convey("Then an unsupported method is rejected", func() {
			w := f.do(http.MethodPost, "/ladder", "{}")
			So(w.Code, ShouldEqual, http.StatusMethodNotAllowed)
		})

		Convey("Then a nil router panics", func() {
			So(func() { api.NewServer(f.deps, f.svc).Register(context.Background(), nil) }, ShouldPanic)
		})
	})
}

func TestServer_Competitors(t *testing.T) {
	Convey("Given an empty ladder behind the API", t, func() {
		f := newFixture()
		defer func() { _ = f.svc.Stop(context.Background()) }()

		Convey("When competitors join", func() {
			ann := f.addCompetitor("Ann", "A")
			ben := f.addCompetitor("Ben", "B")

			Convey("Then they enter at the bottom in order", func() {
				So(ann.Rank, ShouldEqual, 1)
				So(ben.Rank, ShouldEqual, 2)
				So(ben.Name, ShouldEqual, "Ben B")
				So(ben.GamesPlayed, ShouldEqual, 0)

				ladder := f.ladder()
				So(ladder, ShouldHaveLength, 2)
				So(ladder[0].ID, ShouldEqual, ann.ID)
				So(ladder[1].ID, ShouldEqual, ben.ID)
			})

			Convey("Then one can be read back", func() {
				w := f.do(http.MethodGet, "/competitors/"+ann.ID, "")
				So(w.Code, ShouldEqual, http.StatusOK)
				So(w.Body.String(), ShouldContainSubstring, ann.ID)
			})

			Convey("Then a profile edit keeps the rank", func() {
				w := f.do(http.MethodPut, "/competitors/"+ben.ID,
					`{"first_name":"Benjamin","last_name":"B","date_of_birth":"1990-04-01"}`)
				So(w.Code, ShouldEqual, http.StatusOK)
				var c competitorBody
				So(json.Unmarshal(w.Body.Bytes(), &c), ShouldBeNil)
				So(c.Name, ShouldEqual, "Benjamin B")
				So(c.DateOfBirth, ShouldEqual, "1990-04-01")
				So(c.Rank, ShouldEqual, 2)
			})

			Convey("Then removing the leader moves everyone up", func() {
				w := f.do(http.MethodDelete, "/competitors/"+ann.ID, "")
				So(w.Code, ShouldEqual, http.StatusNoContent)

				ladder := f.ladder()
				So(ladder, ShouldHaveLength, 1)
				So(ladder[0].ID, ShouldEqual, ben.ID)
				So(ladder[0].Rank, ShouldEqual, 1)

				w = f.do(http.MethodGet, "/competitors/"+ann.ID, "")
				So(w.Code, ShouldEqual, http.StatusNotFound)
				So(decodeError(w).Code, ShouldEqual, "not_found")
			})
		})

		Convey("Then invalid profiles are rejected", func() {
			for _, body := range []string{
				`{"first_name":"Ann"}`,
				`{"first_name":"Ann","last_name":"A","email":"not-an-email"}`,
				`{"first_name":"Ann","last_name":"A","date_of_birth":"01/04/1990"}`,
				`{"first_name":"Ann","last_name":"A","date_of_birth":"2999-01-01"}`,
				`{"first_name":`,
			} {
				w := f.do(http.MethodPost, "/competitors", body)
				So(w.Code, ShouldEqual, http.StatusBadRequest)
			}
			So(f.ladder(), ShouldBeEmpty)
		})

		Convey("Then unknown competitors are not found", func() {
			So(f.do(http.MethodGet, "/competitors/missing", "").Code, ShouldEqual, http.StatusNotFound)
			So(f.do(http.MethodPut, "/competitors/missing", `{"first_name":"A","last_name":"B"}`).Code, ShouldEqual, http.StatusNotFound)
			So(f.do(http.MethodDelete, "/competitors/missing", "").Code, ShouldEqual, http.StatusNotFound)
		})
	})
}

func TestServer_Matches(t *testing.T) {
	Convey("Given three competitors behind the API", t, func() {
		f := newFixture()
		defer func() { _ = f.svc.Stop(context.Background()) }()
		first := f.addCompetitor("First", "One")
		second := f.addCompetitor("Second", "Two")
		third := f.addCompetitor("Third", "Three")

		Convey("When rank 3 beats rank 1", func() {
			w := f.do(http.MethodPost, "/matches", fmt.Sprintf(
				`{"competitor_a":%q,"competitor_b":%q,"outcome":"B_WON"}`, first.ID, third.ID))
			So(w.Code, ShouldEqual, http.StatusCreated)
			var m matchBody
			So(json.Unmarshal(w.Body.Bytes(), &m), ShouldBeNil)

			Convey("Then the response carries the updated participants", func() {
				So(m.ID, ShouldNotBeEmpty)
				So(m.OutcomeLabel, ShouldEqual, "Competitor B won")
				So(m.CompetitorA.Rank, ShouldEqual, 3)
				So(m.CompetitorB.Rank, ShouldEqual, 2)
			})

			Convey("Then the ladder is reordered", func() {
				ladder := f.ladder()
				So(ladder[0].ID, ShouldEqual, second.ID)
				So(ladder[1].ID, ShouldEqual, third.ID)
				So(ladder[2].ID, ShouldEqual, first.ID)
				So(ladder[1].GamesPlayed, ShouldEqual, 1)
			})

			Convey("Then the match is listed and readable", func() {
				w := f.do(http.MethodGet, "/matches", "")
				So(w.Code, ShouldEqual, http.StatusOK)
				var list []matchBody
				So(json.Unmarshal(w.Body.Bytes(), &list), ShouldBeNil)
				So(list, ShouldHaveLength, 1)

				So(f.do(http.MethodGet, "/matches/"+m.ID, "").Code, ShouldEqual, http.StatusOK)
			})

			Convey("Then removing the winner leaves a deleted participant", func() {
				So(f.do(http.MethodDelete, "/competitors/"+third.ID, "").Code, ShouldEqual, http.StatusNoContent)
				w := f.do(http.MethodGet, "/matches/"+m.ID, "")
				So(w.Code, ShouldEqual, http.StatusOK)
				var got matchBody
				So(json.Unmarshal(w.Body.Bytes(), &got), ShouldBeNil)
				So(got.CompetitorB.Deleted, ShouldBeTrue)
				So(got.CompetitorB.Name, ShouldEqual, model.DeletedCompetitorLabel)
				So(got.CompetitorA.Deleted, ShouldBeFalse)
			})

			Convey("Then deleting the match keeps the ranks", func() {
				So(f.do(http.MethodDelete, "/matches/"+m.ID, "").Code, ShouldEqual, http.StatusNoContent)
				So(f.do(http.MethodDelete, "/matches/"+m.ID, "").Code, ShouldEqual, http.StatusNotFound)
				So(f.ladder()[0].ID, ShouldEqual, second.ID)
			})
		})

		Convey("Then invalid matches are rejected without touching the ladder", func() {
			cases := []struct {
				body string
				code string
			}{
				{fmt.Sprintf(`{"competitor_a":%q,"competitor_b":"ghost","outcome":"DRAW"}`, first.ID), "invalid_reference"},
				{fmt.Sprintf(`{"competitor_a":%q,"competitor_b":%q,"outcome":"DRAW"}`, first.ID, first.ID), "invalid_reference"},
				{fmt.Sprintf(`{"competitor_a":%q,"competitor_b":%q,"outcome":"LOST"}`, first.ID, second.ID), "invalid_outcome"},
				{`{"competitor_a":"","competitor_b":"x","outcome":"DRAW"}`, "bad_request"},
			}
			for _, tc := range cases {
				w := f.do(http.MethodPost, "/matches", tc.body)
				So(w.Code, ShouldEqual, http.StatusBadRequest)
				So(decodeError(w).Code, ShouldEqual, tc.code)
			}
			ladder := f.ladder()
			So(ladder[0].ID, ShouldEqual, first.ID)
			So(ladder[2].ID, ShouldEqual, third.ID)
			So(ladder[0].GamesPlayed, ShouldEqual, 0)
		})
	})
}

func TestServer_Results(t *testing.T) {
	Convey("Given two competitors behind the API", t, func() {
		f := newFixture()
		defer func() { _ = f.svc.Stop(context.Background()) }()
		a := f.addCompetitor("Ann", "A")
		b := f.addCompetitor("Ben", "B")
		body := fmt.Sprintf(`{"result_id":"r-1","competitor_a":%q,"competitor_b":%q,"outcome":"B_WON","ts":"2025-01-02T15:04:05Z"}`, a.ID, b.ID)

		Convey("When a result is posted", func() {
			w := f.do(http.MethodPost, "/results", body)

			Convey("Then it is accepted and applied asynchronously", func() {
				So(w.Code, ShouldEqual, http.StatusAccepted)
				So(w.Body.String(), ShouldContainSubstring, `"accepted"`)

				deadline := time.Now().Add(3 * time.Second)
				for time.Now().Before(deadline) && f.ladder()[0].ID != b.ID {
					time.Sleep(5 * time.Millisecond)
				}
				So(f.ladder()[0].ID, ShouldEqual, b.ID)
			})

			Convey("Then the match is dated by the result timestamp", func() {
				var matches []matchBody
				deadline := time.Now().Add(3 * time.Second)
				for time.Now().Before(deadline) && len(matches) == 0 {
					lw := f.do(http.MethodGet, "/matches", "")
					So(json.Unmarshal(lw.Body.Bytes(), &matches), ShouldBeNil)
					if len(matches) == 0 {
						time.Sleep(5 * time.Millisecond)
					}
				}
				So(matches, ShouldHaveLength, 1)
				So(matches[0].CreatedAt.Equal(time.Date(2025, 1, 2, 15, 4, 5, 0, time.UTC)), ShouldBeTrue)
			})

			Convey("Then posting it again is a duplicate", func() {
				w := f.do(http.MethodPost, "/results", body)
				So(w.Code, ShouldEqual, http.StatusOK)
				So(w.Body.String(), ShouldContainSubstring, `"duplicate":true`)
			})
		})

		Convey("When the queue is full", func() {
			f.deps.reject = true
			w := f.do(http.MethodPost, "/results", body)

			Convey("Then the client is told to back off and may retry", func() {
				So(w.Code, ShouldEqual, http.StatusTooManyRequests)
				So(decodeError(w).Code, ShouldEqual, "backpressure")

				f.deps.reject = false
				So(f.do(http.MethodPost, "/results", body).Code, ShouldEqual, http.StatusAccepted)
			})
		})

		Convey("Then malformed results are rejected", func() {
			for _, bad := range []string{
				`{"competitor_a":"x","competitor_b":"y","outcome":"DRAW"}`,
				`{"result_id":"r","competitor_a":"x","competitor_b":"x","outcome":"DRAW"}`,
				`{"result_id":"r","competitor_a":"x","competitor_b":"y","outcome":"WIN"}`,
				`{"result_id":"r","competitor_a":"x","competitor_b":"y","outcome":"DRAW","ts":"yesterday"}`,
			} {
				So(f.do(http.MethodPost, "/results", bad).Code, ShouldEqual, http.StatusBadRequest)
			}
			So(f.svc.Size(), ShouldEqual, 0)
		})

		Convey("Then an unknown outcome is refused before it is queued", func() {
			w := f.do(http.MethodPost, "/results",
				fmt.Sprintf(`{"result_id":"r-2","competitor_a":%q,"competitor_b":%q,"outcome":"WIN"}`, a.ID, b.ID))
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(decodeError(w).Code, ShouldEqual, "invalid_outcome")
			So(f.svc.Size(), ShouldEqual, 0)
		})
	})
}

func TestServer_WriteRateLimit(t *testing.T) {
	Convey("Given a server allowing a burst of two writes", t, func() {
		f := newFixture(api.WithWriteRateLimit(0.001, 2))
		defer func() { _ = f.svc.Stop(context.Background()) }()

		Convey("Then the third write is refused but reads still work", func() {
			f.addCompetitor("Ann", "A")
			f.addCompetitor("Ben", "B")
			w := f.do(http.MethodPost, "/competitors", `{"first_name":"Cat","last_name":"C"}`)
			So(w.Code, ShouldEqual, http.StatusTooManyRequests)
			So(decodeError(w).Code, ShouldEqual, "rate_limited")
			So(w.Header().Get("Retry-After"), ShouldEqual, "1")
			So(f.ladder(), ShouldHaveLength, 2)
		})
	})
}
