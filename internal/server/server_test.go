package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"livestop/internal/aggregate"
	"livestop/internal/config"
	"livestop/internal/handler"
	"livestop/internal/refdata"
)

type fakeSnapshots struct{ calls atomic.Int32 }

func (f *fakeSnapshots) Snapshot(ctx context.Context, stopID string, filter aggregate.Filter) (*aggregate.StopSnapshot, error) {
	f.calls.Add(1)
	return &aggregate.StopSnapshot{}, nil
}

func (f *fakeSnapshots) CacheStats() (int, int) { return 0, 0 }

type swapGraph struct{ g atomic.Pointer[refdata.Graph] }

func (s *swapGraph) Current() *refdata.Graph { return s.g.Load() }

type noBreakers struct{}

func (noBreakers) Breakers() map[string]string { return map[string]string{} }

func loadedGraph(t *testing.T) *refdata.Graph {
	t.Helper()
	g, err := refdata.BuildGraph(&refdata.Datasets{
		FetchedAt: time.Now(),
		Lines:     []refdata.LineRecord{{ID: "IDFM:C01742", Name: "RER A", TransportMode: "rail"}},
		Stops:     []refdata.StopRecord{{ID: "IDFM:41178", Name: "Châtelet", Lat: "48.8584", Lon: "2.3470"}},
		Relations: []refdata.RelationRecord{{LineID: "IDFM:C01742", StopID: "IDFM:41178"}},
	})
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	return g
}

func newTestServer(t *testing.T) (http.Handler, *swapGraph, *fakeSnapshots) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	graphs := &swapGraph{}
	graphs.g.Store(&refdata.Graph{})
	snaps := &fakeSnapshots{}
	s := New(config.Defaults(), handler.New(snaps, graphs, noBreakers{}, nil, logger), logger)
	return s.Handler(), graphs, snaps
}

func get(h http.Handler, target string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWaitForData(t *testing.T) {
	h, graphs, snaps := newTestServer(t)

	rec := get(h, "/stops/41178")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("loading: status = %d, want 503", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "5" {
		t.Errorf("loading: Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	if snaps.calls.Load() != 0 {
		t.Errorf("snapshot built while loading")
	}

	// Status page and health check stay reachable.
	if rec := get(h, "/"); rec.Code != http.StatusOK {
		t.Errorf("loading: / status = %d, want 200", rec.Code)
	}
	if rec := get(h, "/healthz"); rec.Code != http.StatusServiceUnavailable || rec.Header().Get("Retry-After") != "" {
		t.Errorf("loading: /healthz status = %d, should come from the handler", rec.Code)
	}

	graphs.g.Store(loadedGraph(t))

	if rec := get(h, "/stops/41178"); rec.Code != http.StatusOK {
		t.Errorf("ready: status = %d, want 200", rec.Code)
	}
	if snaps.calls.Load() != 1 {
		t.Errorf("snapshot calls = %d, want 1", snaps.calls.Load())
	}
	if rec := get(h, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("ready: /healthz status = %d, want 200", rec.Code)
	}
}

func TestRoutes(t *testing.T) {
	h, graphs, snaps := newTestServer(t)
	graphs.g.Store(loadedGraph(t))

	tests := []struct {
		path string
		want int
	}{
		{"/", http.StatusOK},
		{"/healthz", http.StatusOK},
		{"/stops/nearby?lat=48.8584&lon=2.3470", http.StatusOK},
		{"/stops/nearby", http.StatusBadRequest},
		{"/stops/41178", http.StatusOK},
		{"/static/style.css", http.StatusOK},
		{"/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if rec := get(h, tt.path); rec.Code != tt.want {
				t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.want)
			}
		})
	}

	// /stops/nearby must not be captured by /stops/{id}.
	if snaps.calls.Load() != 1 {
		t.Errorf("snapshot calls = %d, want 1", snaps.calls.Load())
	}
}

func TestStaticCaching(t *testing.T) {
	h, _, _ := newTestServer(t)

	rec := get(h, "/static/style.css?v=abc")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Cache-Control"); got != "public, max-age=31536000, immutable" {
		t.Errorf("versioned Cache-Control = %q", got)
	}
	if got := get(h, "/static/style.css").Header().Get("Cache-Control"); got != "" {
		t.Errorf("unversioned Cache-Control = %q, want none", got)
	}
}

func TestSecurityHeaders(t *testing.T) {
	h, _, _ := newTestServer(t)
	rec := get(h, "/")

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestRequestID(t *testing.T) {
	h, _, _ := newTestServer(t)

	generated := get(h, "/").Header().Get(requestIDHeader)
	if _, err := uuid.Parse(generated); err != nil {
		t.Errorf("generated request id %q is not a uuid", generated)
	}

	incoming := uuid.NewString()
	if got := get(h, "/", requestIDHeader, incoming).Header().Get(requestIDHeader); got != incoming {
		t.Errorf("request id = %q, want incoming %q", got, incoming)
	}

	got := get(h, "/", requestIDHeader, "not-a-uuid").Header().Get(requestIDHeader)
	if got == "not-a-uuid" {
		t.Errorf("invalid incoming request id was echoed")
	}
	if _, err := uuid.Parse(got); err != nil {
		t.Errorf("replacement request id %q is not a uuid", got)
	}
}
