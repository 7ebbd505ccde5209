package handler

import (
	"context"
	"errors"
	"net/http"

	"livestop/internal/aggregate"
	"livestop/internal/transit"
)

// StopSnapshot serves the merged live view of one stop as JSON. The
// optional line, destination and direction query parameters narrow it.
func (h *Handler) StopSnapshot(w http.ResponseWriter, r *http.Request) {
	stopID := r.PathValue("id")
	q := r.URL.Query()
	f := aggregate.Filter{
		Line:        q.Get("line"),
		Destination: q.Get("destination"),
		Direction:   q.Get("direction"),
	}

	snap, err := h.snapshots.Snapshot(r.Context(), stopID, f)
	switch {
	case err == nil:
	case errors.Is(err, transit.ErrUnknownStop), errors.Is(err, transit.ErrUnknownLine):
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, context.Canceled):
		// Client went away; nobody is reading the response.
		return
	case errors.Is(err, context.DeadlineExceeded):
		h.writeError(w, http.StatusGatewayTimeout, "snapshot timed out")
		return
	default:
		h.logger.Error("building stop snapshot", "stop", stopID, "line", f.Line, "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if snap.Stale {
		w.Header().Set("Warning", `110 livestop "Response is Stale"`)
	}
	w.Header().Set("Cache-Control", "no-store")
	h.writeJSON(w, http.StatusOK, snap)
}
