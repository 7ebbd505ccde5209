package transit

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKey(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"STIF:StopPoint:Q:41178:", "41178"},
		{"STIF:StopArea:SP:66834:", "66834"},
		{"IDFM:41178", "41178"},
		{"Q:41178", "41178"},
		{"stop_point:IDFM:monomodalStopPlace:41178", "41178"},
		{"STIF:Line::C01742:", "C01742"},
		{"line:IDFM:C01742", "C01742"},
		{"L:A", "A"},
		{"41178", "41178"},
		{" 41178 ", "41178"},
		{"", ""},
		{":::", ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := Key(tt.input); got != tt.want {
				t.Errorf("Key(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSeverityFromEffect(t *testing.T) {
	tests := []struct {
		effect string
		want   Severity
	}{
		{"NO_SERVICE", SeverityNoService},
		{"REDUCED_SERVICE", SeverityReducedService},
		{"SIGNIFICANT_DELAYS", SeverityReducedService},
		{"detour", SeverityReducedService},
		{"OTHER_EFFECT", SeverityInformational},
		{"", SeverityInformational},
	}
	for _, tt := range tests {
		t.Run(tt.effect, func(t *testing.T) {
			if got := SeverityFromEffect(tt.effect); got != tt.want {
				t.Errorf("SeverityFromEffect(%q) = %v, want %v", tt.effect, got, tt.want)
			}
		})
	}
}

func TestPassageExpected(t *testing.T) {
	sched := time.Date(2025, 6, 15, 14, 0, 0, 0, time.UTC)
	est := sched.Add(2 * time.Minute)

	if got := (Passage{Scheduled: sched, Estimated: est}).Expected(); !got.Equal(est) {
		t.Errorf("Expected() = %v, want estimated %v", got, est)
	}
	if got := (Passage{Scheduled: sched}).Expected(); !got.Equal(sched) {
		t.Errorf("Expected() = %v, want scheduled %v", got, sched)
	}
	if got := (Passage{}).Expected(); !got.IsZero() {
		t.Errorf("Expected() = %v, want zero", got)
	}
}

func TestDisruptionWindow(t *testing.T) {
	now := time.Date(2025, 6, 15, 14, 0, 0, 0, time.UTC)
	open := Disruption{Start: now.Add(-time.Hour)}
	closed := Disruption{Start: now.Add(-2 * time.Hour), End: now.Add(-time.Hour)}
	future := Disruption{Start: now.Add(time.Hour), End: now.Add(2 * time.Hour)}

	if !open.Active(now) || open.Ended(now) {
		t.Error("open-ended disruption should be active")
	}
	if closed.Active(now) || !closed.Ended(now) {
		t.Error("closed disruption should have ended")
	}
	if future.Active(now) || future.Ended(now) {
		t.Error("future disruption should be neither active nor ended")
	}
}

func TestIsTransient(t *testing.T) {
	wrapped := &UpstreamError{Endpoint: "stop-monitoring", Status: 503, Err: ErrUpstream}
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"upstream 5xx", wrapped, true},
		{"timeout", fmt.Errorf("call: %w", ErrTimeout), true},
		{"unauthorized", &UpstreamError{Endpoint: "x", Status: 401, Err: ErrUnauthorized}, false},
		{"rate limited", ErrRateLimited, false},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
	if !errors.Is(wrapped, ErrUpstream) {
		t.Error("UpstreamError should unwrap to its sentinel")
	}
}

func TestTopologyReaches(t *testing.T) {
	topo := Topology{}
	topo.AddRoute([]string{"41178", "22092", "B1"})
	topo.AddRoute([]string{"B1", "22092", "41178", "C1"})
	topo.AddRoute(nil)

	tests := []struct {
		from, target, terminus string
		want                   bool
	}{
		{"41178", "22092", "B1", true},
		{"41178", "B1", "B1", true},
		{"41178", "22092", "C1", false}, // already passed
		{"22092", "C1", "C1", true},
		{"41178", "22092", "Z9", false}, // unknown terminus
		{"99999", "22092", "B1", false}, // origin not on the route
	}
	for _, tt := range tests {
		if got := topo.Reaches(tt.from, tt.target, tt.terminus); got != tt.want {
			t.Errorf("Reaches(%s, %s, %s) = %v, want %v", tt.from, tt.target, tt.terminus, got, tt.want)
		}
	}
	if len(topo) != 2 {
		t.Errorf("len(topo) = %d, want 2 termini", len(topo))
	}
}
