// Package resolve translates between the identifier schemes of the
// reference graph and the real-time APIs. Every lookup runs against the
// reference store's current snapshot; nothing is cached here.
package resolve

import (
	"fmt"

	"livestop/internal/refdata"
	"livestop/internal/transit"
)

// StopRef is a stop known to the current graph, with the identifier the
// stop-monitoring endpoint expects.
type StopRef struct {
	Key           string
	MonitoringRef string
	Stop          *refdata.Stop
}

// LineRef is a line known to the current graph, with the identifiers the
// stop-monitoring and line-report endpoints expect.
type LineRef struct {
	Key       string
	LineRef   string // stop-monitoring filter
	ReportRef string // line-report path segment
	Line      *refdata.Line
}

// Snapshotter yields the current reference graph. *refdata.Store
// implements it.
type Snapshotter interface {
	Current() *refdata.Graph
}

// Resolver validates raw identifiers against the reference graph.
type Resolver struct {
	store Snapshotter
}

// New creates a Resolver over store.
func New(store Snapshotter) *Resolver {
	return &Resolver{store: store}
}

// Graph returns the snapshot lookups are currently made against.
func (r *Resolver) Graph() *refdata.Graph {
	return r.store.Current()
}

// ResolveStop maps any stop identifier form to a known stop.
func (r *Resolver) ResolveStop(raw string) (StopRef, error) {
	return ResolveStopIn(r.store.Current(), raw)
}

// ResolveLine maps any line identifier form to a known line.
func (r *Resolver) ResolveLine(raw string) (LineRef, error) {
	return ResolveLineIn(r.store.Current(), raw)
}

// LinesServing returns the lines serving a stop key, ordered by key.
func (r *Resolver) LinesServing(stopKey string) []LineRef {
	return LinesServingIn(r.store.Current(), stopKey)
}

// ResolveStopIn resolves against a specific snapshot. Callers that need
// the stop and its lines to agree resolve both against the same graph.
func ResolveStopIn(g *refdata.Graph, raw string) (StopRef, error) {
	key := transit.Key(raw)
	s, ok := g.Stop(key)
	if !ok {
		return StopRef{}, fmt.Errorf("%w: %q", transit.ErrUnknownStop, raw)
	}
	return StopRef{Key: key, MonitoringRef: MonitoringRef(key), Stop: s}, nil
}

// ResolveLineIn resolves against a specific snapshot.
func ResolveLineIn(g *refdata.Graph, raw string) (LineRef, error) {
	key := transit.Key(raw)
	l, ok := g.Line(key)
	if !ok {
		return LineRef{}, fmt.Errorf("%w: %q", transit.ErrUnknownLine, raw)
	}
	return lineRef(l), nil
}

// LinesServingIn lists the lines serving a stop in a specific snapshot.
func LinesServingIn(g *refdata.Graph, stopKey string) []LineRef {
	lines := g.LinesServing(stopKey)
	out := make([]LineRef, 0, len(lines))
	for _, l := range lines {
		out = append(out, lineRef(l))
	}
	return out
}

// LineKey canonicalises a line identifier from a real-time payload.
// Unlike ResolveLine it never fails: unknown lines keep their bare key.
func LineKey(raw string) string {
	return transit.Key(raw)
}

// MonitoringRef is the stop-monitoring form of a stop key.
func MonitoringRef(stopKey string) string { return "STIF:StopPoint:Q:" + stopKey + ":" }

// StopMonitoringLineRef is the stop-monitoring filter form of a line key.
func StopMonitoringLineRef(lineKey string) string { return "STIF:Line::" + lineKey + ":" }

// ReportRef is the line-report form of a line key.
func ReportRef(lineKey string) string { return "line:IDFM:" + lineKey }

func lineRef(l *refdata.Line) LineRef {
	return LineRef{
		Key:       l.Key,
		LineRef:   StopMonitoringLineRef(l.Key),
		ReportRef: ReportRef(l.Key),
		Line:      l,
	}
}
