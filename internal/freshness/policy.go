package freshness

import (
	"fmt"
	"time"
)

// TTLClass selects how long a cached artifact counts as fresh.
type TTLClass int

const (
	ClassReference TTLClass = iota
	ClassRealtime
	ClassDisruption
	ClassTopology
)

func (c TTLClass) String() string {
	switch c {
	case ClassReference:
		return "reference"
	case ClassRealtime:
		return "realtime"
	case ClassDisruption:
		return "disruption"
	case ClassTopology:
		return "topology"
	default:
		return fmt.Sprintf("TTLClass(%d)", int(c))
	}
}

// Policy holds the TTL of each class and how long an expired value may
// still be served as a stale fallback.
type Policy struct {
	Reference  time.Duration
	Realtime   time.Duration
	Disruption time.Duration
	Topology   time.Duration // ordered stop sequences of a line
	MaxStale   time.Duration
}

// TTL returns the freshness window of class c.
func (p Policy) TTL(c TTLClass) time.Duration {
	switch c {
	case ClassReference:
		return p.Reference
	case ClassRealtime:
		return p.Realtime
	case ClassTopology:
		return p.Topology
	default:
		return p.Disruption
	}
}

// Retention is how long an entry of class c is kept at all: its TTL
// plus the stale window.
func (p Policy) Retention(c TTLClass) time.Duration {
	return p.TTL(c) + p.MaxStale
}
