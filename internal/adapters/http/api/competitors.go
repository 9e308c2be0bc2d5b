package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/okian/ladder/pkg/logger"
)

// CompetitorHandler handles competitor and ladder requests.
type CompetitorHandler struct {
	svc    CompetitorService
	logger logger.Logger
}

// NewCompetitorHandler creates a new competitor handler.
func NewCompetitorHandler(svc CompetitorService, l logger.Logger) *CompetitorHandler {
	return &CompetitorHandler{svc: svc, logger: l}
}

// HandleLadder handles GET /ladder requests.
func (h *CompetitorHandler) HandleLadder(w http.ResponseWriter, r *http.Request) {
	const op = "api.ladder"
	standings, err := h.svc.Standings(r.Context())
	if err != nil {
		fail(r.Context(), w, h.logger, op, err)
		return
	}
	out := make([]competitorResponse, 0, len(standings))
	for _, c := range standings {
		out = append(out, toCompetitor(c))
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleCreate handles POST /competitors requests.
func (h *CompetitorHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	const op = "api.create_competitor"
	var req competitorRequest
	if err := decode(r, w, &req); err != nil {
		fail(r.Context(), w, h.logger, op, err)
		return
	}
	in, err := req.input()
	if err != nil {
		fail(r.Context(), w, h.logger, op, err)
		return
	}
	c, err := h.svc.AddCompetitor(r.Context(), in)
	if err != nil {
		fail(r.Context(), w, h.logger, op, err)
		return
	}
	w.Header().Set("Location", "/competitors/"+c.ID)
	writeJSON(w, http.StatusCreated, toCompetitor(c))
}

// HandleGet handles GET /competitors/{id} requests.
func (h *CompetitorHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_competitor"
	c, err := h.svc.GetCompetitor(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		fail(r.Context(), w, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, toCompetitor(c))
}

// HandleUpdate handles PUT /competitors/{id} requests. Rank and games played
// are not editable.
func (h *CompetitorHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	const op = "api.update_competitor"
	var req competitorRequest
	if err := decode(r, w, &req); err != nil {
		fail(r.Context(), w, h.logger, op, err)
		return
	}
	in, err := req.input()
	if err != nil {
		fail(r.Context(), w, h.logger, op, err)
		return
	}
	c, err := h.svc.UpdateCompetitor(r.Context(), mux.Vars(r)["id"], in)
	if err != nil {
		fail(r.Context(), w, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, toCompetitor(c))
}

// HandleDelete handles DELETE /competitors/{id} requests.
func (h *CompetitorHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	const op = "api.delete_competitor"
	if err := h.svc.RemoveCompetitor(r.Context(), mux.Vars(r)["id"]); err != nil {
		fail(r.Context(), w, h.logger, op, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
