package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
)

// LineRow is a persisted line.
type LineRow struct {
	Key       string `db:"line_key"`
	ID        string `db:"line_id"`
	Name      string `db:"name"`
	ShortName string `db:"short_name"`
	Mode      string `db:"mode"`
	Operator  string `db:"operator"`
}

// StopRow is a persisted stop.
type StopRow struct {
	Key  string  `db:"stop_key"`
	ID   string  `db:"stop_id"`
	Name string  `db:"name"`
	Lat  float64 `db:"lat"`
	Lon  float64 `db:"lon"`
	Town string  `db:"town"`
}

// RelationRow links a stop to a line it is served by.
type RelationRow struct {
	StopKey string `db:"stop_key"`
	LineKey string `db:"line_key"`
}

// Snapshot is one complete reference graph as stored on disk.
type Snapshot struct {
	Version   uint64
	FetchedAt time.Time
	Lines     []LineRow
	Stops     []StopRow
	Relations []RelationRow
}

// ErrNoSnapshot is returned by LoadSnapshot when nothing has been saved yet.
var ErrNoSnapshot = errors.New("no snapshot stored")

// GetMetadata retrieves a value from the snapshot_metadata table.
func (db *DB) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM snapshot_metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func setMetadata(ctx context.Context, tx *sqlx.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO snapshot_metadata (key, value) VALUES (?, ?)`,
		key, value)
	return err
}

// SaveSnapshot replaces the stored snapshot. The whole write runs in a
// single transaction so a reader never sees a half-written graph.
func (db *DB) SaveSnapshot(ctx context.Context, s *Snapshot) error {
	start := time.Now()

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, t := range []string{"stop_lines", "stops", "lines"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", t)); err != nil {
			return fmt.Errorf("clear %s: %w", t, err)
		}
	}

	if err := insertNamed(ctx, tx, `INSERT INTO lines (line_key, line_id, name, short_name, mode, operator)
		VALUES (:line_key, :line_id, :name, :short_name, :mode, :operator)`, s.Lines); err != nil {
		return fmt.Errorf("insert lines: %w", err)
	}
	if err := insertNamed(ctx, tx, `INSERT INTO stops (stop_key, stop_id, name, lat, lon, town)
		VALUES (:stop_key, :stop_id, :name, :lat, :lon, :town)`, s.Stops); err != nil {
		return fmt.Errorf("insert stops: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO stop_lines (stop_key, line_key) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare stop_lines: %w", err)
	}
	defer stmt.Close()
	for _, r := range s.Relations {
		if _, err := stmt.ExecContext(ctx, r.StopKey, r.LineKey); err != nil {
			return fmt.Errorf("insert stop_line %s/%s: %w", r.StopKey, r.LineKey, err)
		}
	}

	meta := map[string]string{
		"version":    strconv.FormatUint(s.Version, 10),
		"fetched_at": s.FetchedAt.UTC().Format(time.RFC3339),
		"saved_at":   time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range meta {
		if err := setMetadata(ctx, tx, k, v); err != nil {
			return fmt.Errorf("set %s: %w", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	db.logger.Info("reference snapshot saved",
		"version", s.Version,
		"duration", time.Since(start).Round(time.Millisecond),
		"lines", len(s.Lines),
		"stops", len(s.Stops),
		"relations", len(s.Relations),
	)
	return nil
}

// LoadSnapshot reads the stored snapshot back. Returns ErrNoSnapshot if
// none was ever saved.
func (db *DB) LoadSnapshot(ctx context.Context) (*Snapshot, error) {
	version, err := db.GetMetadata(ctx, "version")
	if err != nil {
		return nil, fmt.Errorf("read version: %w", err)
	}
	if version == "" {
		return nil, ErrNoSnapshot
	}

	s := &Snapshot{}
	if s.Version, err = strconv.ParseUint(version, 10, 64); err != nil {
		return nil, fmt.Errorf("parse version %q: %w", version, err)
	}
	if fetched, _ := db.GetMetadata(ctx, "fetched_at"); fetched != "" {
		if s.FetchedAt, err = time.Parse(time.RFC3339, fetched); err != nil {
			return nil, fmt.Errorf("parse fetched_at %q: %w", fetched, err)
		}
	}

	if err := db.SelectContext(ctx, &s.Lines,
		`SELECT line_key, line_id, name, short_name, mode, operator FROM lines ORDER BY line_key`); err != nil {
		return nil, fmt.Errorf("select lines: %w", err)
	}
	if err := db.SelectContext(ctx, &s.Stops,
		`SELECT stop_key, stop_id, name, lat, lon, town FROM stops ORDER BY stop_key`); err != nil {
		return nil, fmt.Errorf("select stops: %w", err)
	}
	if err := db.SelectContext(ctx, &s.Relations,
		`SELECT stop_key, line_key FROM stop_lines ORDER BY stop_key, line_key`); err != nil {
		return nil, fmt.Errorf("select stop_lines: %w", err)
	}
	return s, nil
}

// HasData reports whether a snapshot has been stored.
func (db *DB) HasData(ctx context.Context) bool {
	v, err := db.GetMetadata(ctx, "version")
	return err == nil && v != ""
}

// insertNamed executes a prepared named statement once per row. Rows are
// not batched into one statement to stay under SQLite's bound-variable cap.
func insertNamed[T any](ctx context.Context, tx *sqlx.Tx, query string, rows []T) error {
	stmt, err := tx.PrepareNamedContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i := range rows {
		if _, err := stmt.ExecContext(ctx, rows[i]); err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
	}
	return nil
}
