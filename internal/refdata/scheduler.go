package refdata

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"livestop/internal/storage"
)

// Persister stores and restores the last good snapshot. *storage.DB
// implements it.
type Persister interface {
	SaveSnapshot(ctx context.Context, s *storage.Snapshot) error
	LoadSnapshot(ctx context.Context) (*storage.Snapshot, error)
}

// Scheduler refreshes the reference graph on a fixed interval, independent
// of requests.
type Scheduler struct {
	store    *Store
	db       Persister // may be nil
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler creates a Scheduler. db may be nil to disable persistence.
func NewScheduler(store *Store, db Persister, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		db:       db,
		interval: interval,
		logger:   logger,
	}
}

// EnsureData makes sure a graph is available. Called on startup: it
// restores the persisted snapshot when there is one and otherwise
// performs an initial download. A restored snapshot older than the
// refresh interval is refreshed right away; if that fails the restored
// graph keeps serving.
func (s *Scheduler) EnsureData(ctx context.Context) error {
	if !s.store.Current().Empty() {
		return nil
	}
	if s.restore(ctx) {
		if age := time.Since(s.store.Current().FetchedAt); age >= s.interval {
			s.logger.Info("restored reference snapshot is due for refresh", "age", age.Round(time.Minute))
			if err := s.Refresh(ctx); err != nil {
				s.logger.Warn("refresh failed, serving restored snapshot", "error", err)
			}
		}
		return nil
	}
	s.logger.Info("no reference snapshot found, performing initial download")
	return s.Refresh(ctx)
}

// Refresh runs one download-validate-swap cycle and persists the result.
// A not-modified answer is not an error.
func (s *Scheduler) Refresh(ctx context.Context) error {
	g, err := s.store.Load(ctx)
	if errors.Is(err, ErrNotModified) {
		s.logger.Info("reference datasets unchanged", "version", s.store.Current().Version)
		return nil
	}
	if err != nil {
		return err
	}

	if s.db != nil {
		if err := s.db.SaveSnapshot(ctx, toSnapshot(g)); err != nil {
			// The in-memory swap already happened; only persistence is lost.
			s.logger.Error("failed to persist reference snapshot", "version", g.Version, "error", err)
		}
	}
	return nil
}

// StartBackground refreshes the graph every interval. A failed refresh
// keeps the previous snapshot and is retried on the next tick. Blocks
// until the context is cancelled.
func (s *Scheduler) StartBackground(ctx context.Context) {
	s.logger.Info("reference scheduler started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				s.logger.Error("background reference refresh failed",
					"error", err,
					"serving_version", s.store.Current().Version,
				)
			}
			s.logger.Info("next reference refresh scheduled", "at", time.Now().Add(s.interval).Format(time.RFC3339))
		case <-ctx.Done():
			s.logger.Info("reference scheduler stopped")
			return
		}
	}
}

func (s *Scheduler) restore(ctx context.Context) bool {
	if s.db == nil {
		return false
	}
	snap, err := s.db.LoadSnapshot(ctx)
	if errors.Is(err, storage.ErrNoSnapshot) {
		return false
	}
	if err != nil {
		s.logger.Error("failed to read persisted reference snapshot", "error", err)
		return false
	}
	g, err := fromSnapshot(snap)
	if err != nil {
		s.logger.Error("persisted reference snapshot rejected", "error", err)
		return false
	}
	if s.store.Restore(g) {
		s.logger.Info("reference graph restored",
			"version", g.Version,
			"fetched_at", g.FetchedAt.Format(time.RFC3339),
			"stops", g.NumStops(),
		)
	}
	return true
}
