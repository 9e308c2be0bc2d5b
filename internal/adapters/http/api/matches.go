package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/okian/ladder/pkg/logger"
)

// MatchHandler handles synchronous match requests.
type MatchHandler struct {
	svc    MatchService
	logger logger.Logger
}

// NewMatchHandler creates a new match handler.
func NewMatchHandler(svc MatchService, l logger.Logger) *MatchHandler {
	return &MatchHandler{svc: svc, logger: l}
}

// HandleCreate handles POST /matches requests. The ladder is updated before
// the response is written.
func (h *MatchHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	const op = "api.record_match"
	var req matchRequest
	if err := decode(r, w, &req); err != nil {
		fail(r.Context(), w, h.logger, op, err)
		return
	}
	view, err := h.svc.RecordMatch(r.Context(), req.input())
	if err != nil {
		fail(r.Context(), w, h.logger, op, err)
		return
	}
	w.Header().Set("Location", "/matches/"+view.ID)
	writeJSON(w, http.StatusCreated, toMatch(view))
}

// HandleList handles GET /matches requests.
func (h *MatchHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	const op = "api.list_matches"
	views, err := h.svc.Matches(r.Context())
	if err != nil {
		fail(r.Context(), w, h.logger, op, err)
		return
	}
	out := make([]matchResponse, 0, len(views))
	for _, v := range views {
		out = append(out, toMatch(v))
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleGet handles GET /matches/{id} requests.
func (h *MatchHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_match"
	view, err := h.svc.GetMatch(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		fail(r.Context(), w, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, toMatch(view))
}

// HandleDelete handles DELETE /matches/{id} requests.
func (h *MatchHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	const op = "api.delete_match"
	if err := h.svc.DeleteMatch(r.Context(), mux.Vars(r)["id"]); err != nil {
		fail(r.Context(), w, h.logger, op, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
