package refdata

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"livestop/internal/storage"
	"livestop/internal/transit"
)

// Source yields decoded reference datasets. Downloader is the production
// implementation.
type Source interface {
	Fetch(ctx context.Context) (*Datasets, error)
}

// Store owns the current reference graph. Readers never block: Current
// returns the last good snapshot even while a refresh is running or after
// one failed. A candidate is swapped in only after it validates.
type Store struct {
	source  Source
	logger  *slog.Logger
	current atomic.Pointer[Graph]
}

// NewStore creates a Store with an empty (version 0) graph.
func NewStore(source Source, logger *slog.Logger) *Store {
	s := &Store{source: source, logger: logger}
	s.current.Store(emptyGraph())
	return s
}

// Current returns the last good snapshot. Never nil.
func (s *Store) Current() *Graph {
	return s.current.Load()
}

// Load fetches the datasets, builds and validates a candidate graph and
// swaps it in. On any failure the previous snapshot stays current.
// The version increments only on a successful swap.
func (s *Store) Load(ctx context.Context) (*Graph, error) {
	ds, err := s.source.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch reference datasets: %w", err)
	}

	g, err := BuildGraph(ds)
	if err != nil {
		s.logger.Error("reference candidate rejected",
			"error", err,
			"current_version", s.Current().Version,
		)
		return nil, err
	}

	s.swap(g)
	s.logger.Info("reference graph swapped",
		"version", g.Version,
		"stops", g.NumStops(),
		"lines", g.NumLines(),
	)
	return g, nil
}

// Restore installs a previously persisted graph, keeping its version. It
// is a no-op if the current snapshot is already at that version or newer.
func (s *Store) Restore(g *Graph) bool {
	for {
		old := s.current.Load()
		if old.Version >= g.Version {
			return false
		}
		if s.current.CompareAndSwap(old, g) {
			return true
		}
	}
}

func (s *Store) swap(g *Graph) {
	for {
		old := s.current.Load()
		g.Version = old.Version + 1
		if s.current.CompareAndSwap(old, g) {
			return
		}
	}
}

// toSnapshot flattens a graph into storage rows.
func toSnapshot(g *Graph) *storage.Snapshot {
	snap := &storage.Snapshot{Version: g.Version, FetchedAt: g.FetchedAt}
	for _, l := range g.lines {
		snap.Lines = append(snap.Lines, storage.LineRow{
			Key:       l.Key,
			ID:        l.ID,
			Name:      l.Name,
			ShortName: l.ShortName,
			Mode:      string(l.Mode),
			Operator:  l.Operator,
		})
	}
	for _, k := range g.stopKeys {
		st := g.stops[k]
		snap.Stops = append(snap.Stops, storage.StopRow{
			Key:  st.Key,
			ID:   st.ID,
			Name: st.Name,
			Lat:  st.Lat,
			Lon:  st.Lon,
			Town: st.Town,
		})
		for _, lk := range st.Lines {
			snap.Relations = append(snap.Relations, storage.RelationRow{StopKey: st.Key, LineKey: lk})
		}
	}
	return snap
}

// fromSnapshot rebuilds a graph from storage rows, re-running validation.
func fromSnapshot(snap *storage.Snapshot) (*Graph, error) {
	b := newBuilder(snap.FetchedAt)
	for _, r := range snap.Lines {
		b.addLine(&Line{
			Key:       r.Key,
			ID:        r.ID,
			Name:      r.Name,
			ShortName: r.ShortName,
			Mode:      transit.Mode(r.Mode),
			Operator:  r.Operator,
		})
	}
	for _, r := range snap.Stops {
		b.addStop(&Stop{Key: r.Key, ID: r.ID, Name: r.Name, Lat: r.Lat, Lon: r.Lon, Town: r.Town})
	}
	for _, r := range snap.Relations {
		b.relate(r.StopKey, r.LineKey)
	}
	g, err := b.finish()
	if err != nil {
		return nil, err
	}
	g.Version = snap.Version
	return g, nil
}
