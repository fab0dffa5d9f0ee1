package httpapi

import (
	"net/http"
	"strconv"

	"github.com/loqalabs/soilsong/internal/eventstore"
)

const maxEventLimit = 500

func (r *Router) handleStoryEvents(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	limit := 100
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}

	events, err := r.events.ListRequestEvents(req.Context(), id, limit)
	if err != nil {
		r.logger.Error("failed to list story events", slogError(err))
		captureError(req, err, "list story events")
		writeError(w, http.StatusInternalServerError, "Failed to load story events")
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusNotFound, "Story not found")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		RequestID string             `json:"requestId"`
		Events    []eventstore.Event `json:"events"`
	}{RequestID: id, Events: events})
}
