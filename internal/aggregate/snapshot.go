package aggregate

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"livestop/internal/refdata"
	"livestop/internal/transit"
)

// DataState says how far the disruption data of a line can be trusted.
type DataState string

const (
	StateFresh   DataState = "fresh"
	StateStale   DataState = "stale"   // served from an earlier fetch after a failed refresh
	StateUnknown DataState = "unknown" // no usable answer; absence of disruptions means nothing
)

// LineStatus is the disruption state of one serving line.
type LineStatus struct {
	Line        *refdata.Line `json:"line"`
	Disruptions DataState     `json:"disruptions"`
	FetchedAt   time.Time     `json:"fetched_at,omitzero"`
}

// StopSnapshot is the merged live view of one stop.
type StopSnapshot struct {
	Stop         *refdata.Stop        `json:"stop"`
	Passages     []transit.Passage    `json:"passages"`
	Disruptions  []transit.Disruption `json:"disruptions"`
	Lines        []LineStatus         `json:"lines"`
	FetchedAt    time.Time            `json:"fetched_at"`
	GraphVersion uint64               `json:"graph_version"`

	// Stale: the passages come from an earlier fetch, or none could be
	// fetched. Degraded: some portion failed or a breaker was open.
	// Suspended: quiet hours, no passages were requested.
	Stale     bool `json:"stale"`
	Degraded  bool `json:"degraded"`
	Suspended bool `json:"suspended"`
}

// livePassages returns the passages expected at or after now, soonest
// first, ties broken by line then destination. The input is not modified.
func livePassages(in []transit.Passage, stopKey, onlyLine string, now time.Time) []transit.Passage {
	out := make([]transit.Passage, 0, len(in))
	for _, p := range in {
		exp := p.Expected()
		if exp.IsZero() || exp.Before(now) {
			continue
		}
		if onlyLine != "" && p.LineID != onlyLine {
			continue
		}
		if p.StopID == "" {
			p.StopID = stopKey
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if ea, eb := a.Expected(), b.Expected(); !ea.Equal(eb) {
			return ea.Before(eb)
		}
		if a.LineID != b.LineID {
			return a.LineID < b.LineID
		}
		return a.Destination < b.Destination
	})
	return out
}

// mergeDisruptions drops ended disruptions and duplicates by
// (line, message, start), most severe first.
func mergeDisruptions(perLine [][]transit.Disruption, lineKeys []string, now time.Time) []transit.Disruption {
	seen := make(map[string]bool)
	out := []transit.Disruption{}
	for i, ds := range perLine {
		for _, d := range ds {
			if d.LineID == "" {
				d.LineID = lineKeys[i]
			}
			if d.Ended(now) {
				continue
			}
			k := dedupeKey(d)
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Severity != b.Severity {
			return a.Severity > b.Severity
		}
		if a.LineID != b.LineID {
			return a.LineID < b.LineID
		}
		return a.Start.Before(b.Start)
	})
	return out
}

func dedupeKey(d transit.Disruption) string {
	start := int64(0)
	if !d.Start.IsZero() {
		start = d.Start.UnixNano()
	}
	return fmt.Sprintf("%s\x00%s\x00%d", d.LineID, strings.TrimSpace(d.Message), start)
}
