package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"livestop/internal/geocode"
	"livestop/internal/refdata"
)

// radiusTiers are the progressive search radii in meters, used when the
// caller does not pick a radius. Dense Paris blocks usually hit on the
// first tier; suburban stops can be a kilometre or more apart.
var radiusTiers = []float64{300, 600, 1200, 2400}

const (
	maxRadius    = 5000.0
	defaultLimit = 20
	maxLimit     = 100
)

// nextRadius returns the next radius tier above the given radius.
// Returns 0, false if already at or above the maximum.
func nextRadius(current float64) (float64, bool) {
	for _, tier := range radiusTiers {
		if tier > current {
			return tier, true
		}
	}
	return 0, false
}

type nearbyResponse struct {
	Lat     float64              `json:"lat"`
	Lon     float64              `json:"lon"`
	Place   string               `json:"place,omitempty"` // geocoded address, when searched by q
	Radius  float64              `json:"radius_m"`
	Version uint64               `json:"graph_version"`
	Stops   []refdata.NearbyStop `json:"stops"`
}

// Nearby lists stops around a point, closest first. The point is given
// by lat and lon, or geocoded from an address in q. Without an explicit
// radius the search widens through radiusTiers until something is found.
func (h *Handler) Nearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var lat, lon float64
	var place string

	if query := q.Get("q"); query != "" && q.Get("lat") == "" {
		if h.geo == nil {
			h.writeError(w, http.StatusBadRequest, "address search is disabled")
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 4*time.Second)
		defer cancel()
		res, err := h.geo.Search(ctx, query)
		if errors.Is(err, geocode.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "address not found")
			return
		}
		if err != nil {
			h.logger.Warn("geocoding failed", "query", query, "error", err)
			h.writeError(w, http.StatusBadGateway, "address search unavailable")
			return
		}
		lat, lon, place = res.Lat, res.Lon, res.DisplayName
	} else {
		var err1, err2 error
		lat, err1 = strconv.ParseFloat(q.Get("lat"), 64)
		lon, err2 = strconv.ParseFloat(q.Get("lon"), 64)
		if err1 != nil || err2 != nil || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
			h.writeError(w, http.StatusBadRequest, "lat and lon, or q, are required")
			return
		}
	}

	limit := defaultLimit
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxLimit)
	}

	g := h.graphs.Current()
	resp := nearbyResponse{Lat: lat, Lon: lon, Place: place, Version: g.Version}

	if s := q.Get("radius"); s != "" {
		radius, err := strconv.ParseFloat(s, 64)
		if err != nil || radius <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid radius")
			return
		}
		resp.Radius = min(radius, maxRadius)
		resp.Stops = g.StopsNear(lat, lon, resp.Radius, limit)
	} else {
		// Auto-advance through empty radius tiers
		resp.Radius = radiusTiers[0]
		resp.Stops = g.StopsNear(lat, lon, resp.Radius, limit)
		for len(resp.Stops) == 0 {
			next, ok := nextRadius(resp.Radius)
			if !ok {
				break
			}
			resp.Radius = next
			resp.Stops = g.StopsNear(lat, lon, resp.Radius, limit)
		}
	}

	if resp.Stops == nil {
		resp.Stops = []refdata.NearbyStop{}
	}
	h.writeJSON(w, http.StatusOK, resp)
}
