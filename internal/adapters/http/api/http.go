// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/okian/ladder/internal/adapters/repository"
	"github.com/okian/ladder/internal/domain/dedupe"
	"github.com/okian/ladder/internal/domain/ladder"
	"github.com/okian/ladder/internal/domain/model"
	"github.com/okian/ladder/pkg/logger"
)

const maxBodyBytes = 1 << 20

// CompetitorService manages ladder membership.
type CompetitorService interface {
	AddCompetitor(ctx context.Context, in ladder.CompetitorInput) (model.Competitor, error)
	UpdateCompetitor(ctx context.Context, id string, in ladder.CompetitorInput) (model.Competitor, error)
	GetCompetitor(ctx context.Context, id string) (model.Competitor, error)
	Standings(ctx context.Context) ([]model.Competitor, error)
	RemoveCompetitor(ctx context.Context, id string) error
}

// MatchService records and reads matches.
type MatchService interface {
	RecordMatch(ctx context.Context, in ladder.MatchInput) (model.MatchView, error)
	GetMatch(ctx context.Context, id string) (model.MatchView, error)
	Matches(ctx context.Context) ([]model.MatchView, error)
	DeleteMatch(ctx context.Context, id string) error
}

// ResultFeed accepts results for asynchronous application.
type ResultFeed interface {
	dedupe.Deduper

	// Enqueue pushes a result for async processing. Returns false on backpressure.
	Enqueue(ctx context.Context, r model.Result) bool
}

// Dependencies required by HTTP handlers.
type Dependencies interface {
	CompetitorService
	MatchService
	ResultFeed
}

// Server wires HTTP routes for the ladder API.
type Server struct {
	healthHandler     *HealthHandler
	statsHandler      *StatsHandler
	competitorHandler *CompetitorHandler
	matchHandler      *MatchHandler
	resultHandler     *ResultHandler

	writeLimiter *rate.Limiter
	logger       logger.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithWriteRateLimit caps mutating requests at perSecond with the given
// burst. A non-positive rate disables the limit.
func WithWriteRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond <= 0 {
			s.writeLimiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.writeLimiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithLogger sets the logger handlers report server errors to.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider, opts ...Option) *Server {
	s := &Server{}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Named("api")
	}
	s.healthHandler = NewHealthHandler()
	s.statsHandler = NewStatsHandler(statsProvider)
	s.competitorHandler = NewCompetitorHandler(deps, s.logger)
	s.matchHandler = NewMatchHandler(deps, s.logger)
	s.resultHandler = NewResultHandler(deps)
	return s
}

// Register attaches all HTTP routes to r.
func (s *Server) Register(_ context.Context, r *mux.Router) {
	if r == nil {
		panic("router is nil")
	}
	write := func(h http.HandlerFunc) http.HandlerFunc {
		return RateLimitMiddleware(h, s.writeLimiter)
	}

	r.HandleFunc("/healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz")).Methods(http.MethodGet)
	r.Handle("/metrics", s.healthHandler.MetricsHandler()).Methods(http.MethodGet)
	r.HandleFunc("/stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats")).Methods(http.MethodGet)

	r.HandleFunc("/ladder", MetricsMiddleware(s.competitorHandler.HandleLadder, "ladder")).Methods(http.MethodGet)
	r.HandleFunc("/competitors", MetricsMiddleware(write(s.competitorHandler.HandleCreate), "competitors")).Methods(http.MethodPost)
	r.HandleFunc("/competitors/{id}", MetricsMiddleware(s.competitorHandler.HandleGet, "competitor")).Methods(http.MethodGet)
	r.HandleFunc("/competitors/{id}", MetricsMiddleware(write(s.competitorHandler.HandleUpdate), "competitor")).Methods(http.MethodPut)
	r.HandleFunc("/competitors/{id}", MetricsMiddleware(write(s.competitorHandler.HandleDelete), "competitor")).Methods(http.MethodDelete)

	r.HandleFunc("/matches", MetricsMiddleware(s.matchHandler.HandleList, "matches")).Methods(http.MethodGet)
	r.HandleFunc("/matches", MetricsMiddleware(write(s.matchHandler.HandleCreate), "matches")).Methods(http.MethodPost)
	r.HandleFunc("/matches/{id}", MetricsMiddleware(s.matchHandler.HandleGet, "match")).Methods(http.MethodGet)
	r.HandleFunc("/matches/{id}", MetricsMiddleware(write(s.matchHandler.HandleDelete), "match")).Methods(http.MethodDelete)

	r.HandleFunc("/results", MetricsMiddleware(write(s.resultHandler.HandlePostResult), "results")).Methods(http.MethodPost)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// decode reads a JSON body into v and runs its validation tags.
func decode(r *http.Request, w http.ResponseWriter, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

type ackResponse struct {
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	if ec, ok := w.(errorCoder); ok {
		ec.setErrorCode(code)
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// statusFor maps domain and storage sentinels to an HTTP status and error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, ladder.ErrInvalidReference):
		return http.StatusBadRequest, "invalid_reference"
	case errors.Is(err, ladder.ErrInvalidOutcome):
		return http.StatusBadRequest, "invalid_outcome"
	case errors.Is(err, ladder.ErrInvalidCompetitor):
		return http.StatusBadRequest, "invalid_competitor"
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrBackpressure):
		return http.StatusTooManyRequests, "backpressure"
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// fail writes err with its mapped status, logging anything unexpected.
func fail(ctx context.Context, w http.ResponseWriter, l logger.Logger, op string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		l.Error(ctx, "request failed", logger.String("op", op), logger.Error(err))
		writeError(w, status, code, nil)
		return
	}
	writeError(w, status, code, err)
}
