package handler

import (
	"net/http"
	"time"
)

// Health is the service state reported by /healthz and the status page.
type Health struct {
	Status       string            `json:"status"` // ok, degraded or loading
	GraphVersion uint64            `json:"graph_version"`
	FetchedAt    time.Time         `json:"fetched_at,omitzero"`
	Stops        int               `json:"stops"`
	Lines        int               `json:"lines"`
	Breakers     map[string]string `json:"breakers"`
	Cache        struct {
		Passages int `json:"passages"`
		Reports  int `json:"reports"`
	} `json:"cache"`
}

func (h *Handler) health() Health {
	g := h.graphs.Current()
	out := Health{
		Status:       "ok",
		GraphVersion: g.Version,
		FetchedAt:    g.FetchedAt,
		Stops:        g.NumStops(),
		Lines:        g.NumLines(),
		Breakers:     h.breakers.Breakers(),
	}
	out.Cache.Passages, out.Cache.Reports = h.snapshots.CacheStats()

	for _, state := range out.Breakers {
		if state != "closed" {
			out.Status = "degraded"
		}
	}
	if g.Empty() {
		out.Status = "loading"
	}
	return out
}

// Healthz reports graph, breaker and cache state. It answers 503 until a
// reference graph is loaded.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	st := h.health()
	status := http.StatusOK
	if st.Status == "loading" {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Cache-Control", "no-store")
	h.writeJSON(w, status, st)
}
