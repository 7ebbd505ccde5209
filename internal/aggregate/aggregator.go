// Package aggregate merges the real-time passages of a stop with the
// disruption state of its serving lines into one StopSnapshot. Either
// source may fail without failing the other.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bluele/gcache"
	"golang.org/x/sync/errgroup"

	"livestop/internal/freshness"
	"livestop/internal/resolve"
	"livestop/internal/transit"
)

// Fetcher performs guarded upstream calls. *fetch.Fetcher implements it.
type Fetcher interface {
	FetchStopMonitoring(ctx context.Context, monitoringRef, lineRef string) ([]transit.Passage, error)
	FetchLineReport(ctx context.Context, reportRef string) ([]transit.Disruption, error)
	FetchLineTopology(ctx context.Context, reportRef string) (transit.Topology, error)
}

// Options configures an Aggregator.
type Options struct {
	Policy     freshness.Policy
	CacheSize  int
	Workers    int           // upstream calls in flight per snapshot
	Budget     time.Duration // upstream time allowed per snapshot; 0 means none
	QuietHours QuietHours
	Clock      gcache.Clock // nil means wall clock
}

// Aggregator builds stop snapshots. Safe for concurrent use.
type Aggregator struct {
	resolver *resolve.Resolver
	fetcher  Fetcher
	passages *freshness.Cache[[]transit.Passage]
	reports  *freshness.Cache[[]transit.Disruption]
	topology *freshness.Cache[transit.Topology]
	workers  int
	budget   time.Duration
	quiet    QuietHours
	clock    gcache.Clock
	logger   *slog.Logger
}

// New creates an Aggregator with its own real-time and disruption caches.
func New(resolver *resolve.Resolver, fetcher Fetcher, opts Options, logger *slog.Logger) *Aggregator {
	clock := opts.Clock
	if clock == nil {
		clock = gcache.NewRealClock()
	}
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	cacheOpts := func(class freshness.TTLClass) freshness.Options {
		return freshness.Options{
			Class:  class,
			Policy: opts.Policy,
			Size:   opts.CacheSize,
			Clock:  clock,
			Logger: logger,
		}
	}
	return &Aggregator{
		resolver: resolver,
		fetcher:  fetcher,
		passages: freshness.New[[]transit.Passage](cacheOpts(freshness.ClassRealtime)),
		reports:  freshness.New[[]transit.Disruption](cacheOpts(freshness.ClassDisruption)),
		topology: freshness.New[transit.Topology](cacheOpts(freshness.ClassTopology)),
		workers:  workers,
		budget:   opts.Budget,
		quiet:    opts.QuietHours,
		clock:    clock,
		logger:   logger,
	}
}

// CacheStats returns the number of retained real-time and disruption
// entries.
func (a *Aggregator) CacheStats() (passages, reports int) {
	return a.passages.Len(), a.reports.Len()
}

// Filter narrows a snapshot. Empty fields do not filter.
type Filter struct {
	// Line restricts the snapshot to one serving line, in any id form.
	Line string
	// Destination is either a stop id, keeping passages that call there
	// after this stop, or a destination label matched case-insensitively.
	Destination string
	// Direction is a direction label matched case-insensitively.
	Direction string
}

// Snapshot returns the live view of a stop, narrowed by f. It fails only
// when the stop or line is unknown (nothing is fetched then) or ctx ends;
// upstream failures degrade the snapshot instead.
func (a *Aggregator) Snapshot(ctx context.Context, stopID string, f Filter) (*StopSnapshot, error) {
	// Stop, lines and relations all come from one graph snapshot.
	g := a.resolver.Graph()
	stop, err := resolve.ResolveStopIn(g, stopID)
	if err != nil {
		return nil, err
	}
	lines := resolve.LinesServingIn(g, stop.Key)

	var only *resolve.LineRef
	if f.Line != "" {
		lr, err := resolve.ResolveLineIn(g, f.Line)
		if err != nil {
			return nil, err
		}
		if !serves(lines, lr.Key) {
			return nil, fmt.Errorf("%w: line %s does not serve stop %s", transit.ErrUnknownLine, lr.Key, stop.Key)
		}
		lines = []resolve.LineRef{lr}
		only = &lr
	}

	// A destination naming a known stop is checked against line topology.
	var target string
	if f.Destination != "" {
		if ts, err := resolve.ResolveStopIn(g, f.Destination); err == nil {
			target = ts.Key
		}
	}

	fctx := ctx
	if a.budget > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, a.budget)
		defer cancel()
	}

	now := a.clock.Now()
	snap := &StopSnapshot{
		Stop:         stop.Stop,
		FetchedAt:    now,
		GraphVersion: g.Version,
		Lines:        make([]LineStatus, len(lines)),
		Suspended:    a.quiet.suspends(lines, now),
	}

	var (
		passRes freshness.Result[[]transit.Passage]
		passErr error
		repRes  = make([]freshness.Result[[]transit.Disruption], len(lines))
		repErr  = make([]error, len(lines))
	)

	var eg errgroup.Group
	eg.SetLimit(a.workers)
	if !snap.Suspended {
		eg.Go(func() error {
			passRes, passErr = a.fetchPassages(fctx, stop, only)
			return nil
		})
	}
	for i, l := range lines {
		eg.Go(func() error {
			repRes[i], repErr[i] = getOrRetained(fctx, a.reports, "lr:"+l.Key, func(ctx context.Context) ([]transit.Disruption, error) {
				return a.fetcher.FetchLineReport(ctx, l.ReportRef)
			})
			return nil
		})
	}
	eg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.applyPassages(snap, stop.Key, only, passRes, passErr)
	snap.Passages = matchLabels(snap.Passages, f, target == "")
	if target != "" && len(snap.Passages) > 0 {
		a.keepTowards(fctx, snap, stop.Key, target)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	perLine := make([][]transit.Disruption, len(lines))
	keys := make([]string, len(lines))
	for i, l := range lines {
		keys[i] = l.Key
		status := LineStatus{Line: l.Line}
		switch {
		case repErr[i] != nil:
			status.Disruptions = StateUnknown
			snap.Degraded = true
			a.logger.Warn("line reports unavailable", "stop", stop.Key, "line", l.Key, "error", repErr[i])
		case repRes[i].Stale:
			status.Disruptions = StateStale
			status.FetchedAt = repRes[i].FetchedAt
			perLine[i] = repRes[i].Value
			snap.Degraded = true
		default:
			status.Disruptions = StateFresh
			status.FetchedAt = repRes[i].FetchedAt
			perLine[i] = repRes[i].Value
		}
		snap.Lines[i] = status
	}
	snap.Disruptions = mergeDisruptions(perLine, keys, now)

	return snap, nil
}

func (a *Aggregator) fetchPassages(ctx context.Context, stop resolve.StopRef, only *resolve.LineRef) (freshness.Result[[]transit.Passage], error) {
	key, lineRef := "sm:"+stop.Key, ""
	if only != nil {
		key += ":" + only.Key
		lineRef = only.LineRef
	}
	return getOrRetained(ctx, a.passages, key, func(ctx context.Context) ([]transit.Passage, error) {
		return a.fetcher.FetchStopMonitoring(ctx, stop.MonitoringRef, lineRef)
	})
}

// getOrRetained is GetOrFetch that falls back to a retained value, tagged
// stale, when ctx ends before the fetch does.
func getOrRetained[T any](ctx context.Context, c *freshness.Cache[T], key string, fetch freshness.FetchFunc[T]) (freshness.Result[T], error) {
	res, err := c.GetOrFetch(ctx, key, fetch)
	if err != nil && ctx.Err() != nil {
		if prev, ok := c.Peek(key); ok {
			prev.Stale, prev.Err = true, err
			return prev, nil
		}
	}
	return res, err
}

// matchLabels keeps the passages matching the direction label and, when
// byName is set, the destination label.
func matchLabels(in []transit.Passage, f Filter, byName bool) []transit.Passage {
	if f.Direction == "" && (!byName || f.Destination == "") {
		return in
	}
	out := in[:0:0]
	for _, p := range in {
		if f.Direction != "" && !strings.EqualFold(p.Direction, f.Direction) {
			continue
		}
		if byName && f.Destination != "" && !strings.EqualFold(p.Destination, f.Destination) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// keepTowards keeps the passages that call at target after stopKey,
// checked against the ordered stop sequences of each passage's line. A
// line whose topology is unavailable only keeps passages terminating at
// target, and degrades the snapshot.
func (a *Aggregator) keepTowards(ctx context.Context, snap *StopSnapshot, stopKey, target string) {
	var lines []string
	for _, p := range snap.Passages {
		if !slices.Contains(lines, p.LineID) {
			lines = append(lines, p.LineID)
		}
	}

	var (
		mu    sync.Mutex
		topos = make(map[string]transit.Topology, len(lines))
		eg    errgroup.Group
	)
	eg.SetLimit(a.workers)
	for _, line := range lines {
		eg.Go(func() error {
			res, err := getOrRetained(ctx, a.topology, "topo:"+line, func(ctx context.Context) (transit.Topology, error) {
				return a.fetcher.FetchLineTopology(ctx, resolve.ReportRef(line))
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				snap.Degraded = true
				a.logger.Warn("line topology unavailable", "stop", stopKey, "line", line, "error", err)
				return nil
			}
			topos[line] = res.Value
			return nil
		})
	}
	eg.Wait()

	kept := snap.Passages[:0]
	for _, p := range snap.Passages {
		if p.DestinationID == target || topos[p.LineID].Reaches(stopKey, target, p.DestinationID) {
			kept = append(kept, p)
		}
	}
	snap.Passages = kept
}

func (a *Aggregator) applyPassages(snap *StopSnapshot, stopKey string, only *resolve.LineRef, res freshness.Result[[]transit.Passage], err error) {
	onlyKey := ""
	if only != nil {
		onlyKey = only.Key
	}
	switch {
	case snap.Suspended:
		snap.Passages = []transit.Passage{}
	case errors.Is(err, transit.ErrCircuitOpen):
		// Short-circuited: no data rather than a failed fetch.
		snap.Passages = []transit.Passage{}
		snap.Degraded = true
		a.logger.Warn("stop monitoring short-circuited", "stop", stopKey)
	case err != nil:
		snap.Passages = []transit.Passage{}
		snap.Stale = true
		snap.Degraded = true
		a.logger.Warn("stop monitoring unavailable", "stop", stopKey, "error", err)
	default:
		snap.Passages = livePassages(res.Value, stopKey, onlyKey, snap.FetchedAt)
		if res.Stale {
			snap.Stale = true
			snap.Degraded = true
		}
	}
}

func serves(lines []resolve.LineRef, key string) bool {
	for _, l := range lines {
		if l.Key == key {
			return true
		}
	}
	return false
}

// Watcher keeps a fixed set of stops warm by polling them through the
// Aggregator.
type Watcher struct {
	agg      *Aggregator
	stops    []string
	interval time.Duration
	logger   *slog.Logger
}

// NewWatcher creates a Watcher for stops.
func NewWatcher(agg *Aggregator, stops []string, interval time.Duration, logger *slog.Logger) *Watcher {
	return &Watcher{agg: agg, stops: stops, interval: interval, logger: logger}
}

// Start polls immediately and then every interval. Blocks until ctx is
// cancelled.
func (w *Watcher) Start(ctx context.Context) {
	if len(w.stops) == 0 {
		return
	}
	w.logger.Info("stop watcher started", "stops", len(w.stops), "interval", w.interval)
	w.poll(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.poll(ctx)
		case <-ctx.Done():
			w.logger.Info("stop watcher stopped")
			return
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	degraded := 0
	for _, id := range w.stops {
		snap, err := w.agg.Snapshot(ctx, id, Filter{})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("watched stop failed", "stop", id, "error", err)
			degraded++
			continue
		}
		if snap.Degraded {
			degraded++
			w.logger.Warn("watched stop degraded", "stop", id, "stale", snap.Stale)
		}
	}
	w.logger.Info("watched stops refreshed", "stops", len(w.stops), "degraded", degraded)
}
