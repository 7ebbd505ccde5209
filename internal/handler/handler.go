package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"livestop/internal/aggregate"
	"livestop/internal/geocode"
	"livestop/internal/refdata"
)

// Snapshots builds stop snapshots. *aggregate.Aggregator implements it.
type Snapshots interface {
	Snapshot(ctx context.Context, stopID string, f aggregate.Filter) (*aggregate.StopSnapshot, error)
	CacheStats() (passages, reports int)
}

// Graphs exposes the current reference graph. *refdata.Store implements it.
type Graphs interface {
	Current() *refdata.Graph
}

// Breakers reports circuit breaker states by endpoint. *fetch.Fetcher
// implements it.
type Breakers interface {
	Breakers() map[string]string
}

// Geocoder turns a free-form address into a position. *geocode.Client
// implements it.
type Geocoder interface {
	Search(ctx context.Context, query string) (*geocode.Result, error)
}

// Handler holds shared dependencies for all HTTP handlers.
type Handler struct {
	snapshots Snapshots
	graphs    Graphs
	breakers  Breakers
	geo       Geocoder // nil disables address search
	logger    *slog.Logger
}

// New creates a Handler. geo may be nil.
func New(snapshots Snapshots, graphs Graphs, breakers Breakers, geo Geocoder, logger *slog.Logger) *Handler {
	return &Handler{snapshots: snapshots, graphs: graphs, breakers: breakers, geo: geo, logger: logger}
}

// Ready reports whether a reference graph has been loaded.
func (h *Handler) Ready() bool {
	return !h.graphs.Current().Empty()
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encoding response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorBody{Error: msg})
}
