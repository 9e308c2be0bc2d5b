package api

import (
	"net/http"
	"time"
)

// ResultHandler handles the asynchronous result feed.
type ResultHandler struct {
	deps ResultFeed
	now  func() time.Time
}

// NewResultHandler creates a new result handler.
func NewResultHandler(deps ResultFeed) *ResultHandler {
	return &ResultHandler{deps: deps, now: time.Now}
}

// HandlePostResult handles POST /results requests.
func (h *ResultHandler) HandlePostResult(w http.ResponseWriter, r *http.Request) {
	var req resultRequest
	if err := decode(r, w, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	res, err := req.result(h.now().UTC())
	if err != nil {
		status, code := statusFor(err)
		writeError(w, status, code, err)
		return
	}

	// Idempotency check - mark as seen first
	if h.deps.SeenAndRecord(r.Context(), res.ResultID) {
		writeJSON(w, http.StatusOK, ackResponse{Status: "duplicate", Duplicate: true})
		return
	}

	if ok := h.deps.Enqueue(r.Context(), res); !ok {
		// Forget the id so the client can retry.
		h.deps.Unrecord(r.Context(), res.ResultID)
		writeError(w, http.StatusTooManyRequests, "backpressure", ErrBackpressure)
		return
	}
	writeJSON(w, http.StatusAccepted, ackResponse{Status: "accepted", Duplicate: false})
}
