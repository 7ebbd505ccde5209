// Package transit holds the records shared by the reference graph, the
// real-time fetcher and the aggregator, plus the error taxonomy they report.
package transit

import (
	"strings"
	"time"
)

// Mode is the transport mode of a line.
type Mode string

const (
	ModeBus       Mode = "bus"
	ModeMetro     Mode = "metro"
	ModeRail      Mode = "rail"
	ModeTram      Mode = "tram"
	ModeFunicular Mode = "funicular"
	ModeCableway  Mode = "cableway"
	ModeFerry     Mode = "ferry"
	ModeUnknown   Mode = "unknown"
)

// ParseMode maps an operator transport-mode label to a Mode.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bus", "coach", "trolleybus":
		return ModeBus
	case "metro", "subway":
		return ModeMetro
	case "rail", "train", "rer", "ter", "transilien":
		return ModeRail
	case "tram", "tramway", "lightrail":
		return ModeTram
	case "funicular", "funiculaire":
		return ModeFunicular
	case "cableway", "cable", "telepherique":
		return ModeCableway
	case "ferry", "water", "navette fluviale":
		return ModeFerry
	default:
		return ModeUnknown
	}
}

// RailLike reports whether the mode runs on a fixed overnight closure,
// which is what quiet hours are keyed on.
func (m Mode) RailLike() bool {
	return m == ModeRail || m == ModeMetro || m == ModeTram
}

// Passage is one predicted arrival of a line at a stop.
type Passage struct {
	StopID        string    `json:"stop_id"`
	LineID        string    `json:"line_id"`
	Destination   string    `json:"destination"`
	DestinationID string    `json:"destination_id,omitempty"` // terminus key, when known
	Direction     string    `json:"direction,omitempty"`
	Scheduled     time.Time `json:"scheduled,omitzero"`
	Estimated     time.Time `json:"estimated,omitzero"`
	Realtime      bool      `json:"realtime"`
	Status        string    `json:"status,omitempty"` // "onTime", "delayed", "cancelled", ...
}

// Expected returns the estimated time when present, otherwise the
// scheduled one. The zero time means neither is known.
func (p Passage) Expected() time.Time {
	if !p.Estimated.IsZero() {
		return p.Estimated
	}
	return p.Scheduled
}

// Severity is the impact tier of a disruption.
type Severity int

const (
	SeverityInformational Severity = iota
	SeverityReducedService
	SeverityNoService
)

func (s Severity) String() string {
	switch s {
	case SeverityNoService:
		return "no-service"
	case SeverityReducedService:
		return "reduced-service"
	default:
		return "informational"
	}
}

// MarshalText renders the severity by name in JSON output.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SeverityFromEffect maps a GTFS-RT / Navitia effect name to a tier.
func SeverityFromEffect(effect string) Severity {
	switch strings.ToUpper(strings.TrimSpace(effect)) {
	case "NO_SERVICE":
		return SeverityNoService
	case "REDUCED_SERVICE", "SIGNIFICANT_DELAYS", "DETOUR", "MODIFIED_SERVICE", "STOP_MOVED":
		return SeverityReducedService
	default:
		return SeverityInformational
	}
}

// Disruption is an operator-issued alert affecting one line.
type Disruption struct {
	ID       string    `json:"id,omitempty"`
	LineID   string    `json:"line_id"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end,omitzero"` // zero = open-ended
	Category string    `json:"category,omitempty"`
}

// Active reports whether t falls inside the disruption window.
func (d Disruption) Active(t time.Time) bool {
	if !d.Start.IsZero() && t.Before(d.Start) {
		return false
	}
	return d.End.IsZero() || t.Before(d.End)
}

// Ended reports whether the window closed before t.
func (d Disruption) Ended(t time.Time) bool {
	return !d.End.IsZero() && !t.Before(d.End)
}
