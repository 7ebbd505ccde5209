package refdata

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"livestop/internal/transit"
)

// ErrNotModified is returned by Downloader.Fetch when none of the datasets
// changed since the previous fetch.
var ErrNotModified = errors.New("reference datasets not modified")

// URLs locates the three open-data exports.
type URLs struct {
	Lines     string
	Stops     string
	Relations string
}

// Downloader fetches the open-data exports with conditional requests and
// decodes them. It remembers the last decoded body of each dataset so a
// 304 can be answered from memory.
type Downloader struct {
	client *http.Client
	urls   URLs
	logger *slog.Logger

	mu   sync.Mutex
	last map[string]*datasetState
}

type datasetState struct {
	lastModified string
	etag         string
	records      any
}

// NewDownloader creates a Downloader for the given dataset URLs.
func NewDownloader(urls URLs, logger *slog.Logger) *Downloader {
	return &Downloader{
		client: &http.Client{Timeout: 2 * time.Minute},
		urls:   urls,
		logger: logger,
		last:   make(map[string]*datasetState),
	}
}

// Fetch downloads and decodes all three datasets. A dataset answering 304
// reuses its previous records; if all three do, ErrNotModified is returned.
// Transport failures wrap transit.ErrSourceUnavailable, decode failures
// wrap transit.ErrMalformedData.
func (d *Downloader) Fetch(ctx context.Context) (*Datasets, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ds := &Datasets{FetchedAt: time.Now()}
	changed := 0

	lines, fresh, err := fetchDataset[LineRecord](ctx, d, "lines", d.urls.Lines, "id_line", "name_line")
	if err != nil {
		return nil, err
	}
	ds.Lines = lines
	changed += fresh

	stops, fresh, err := fetchDataset[StopRecord](ctx, d, "stops", d.urls.Stops, "stop_id", "stop_name")
	if err != nil {
		return nil, err
	}
	ds.Stops = stops
	changed += fresh

	relations, fresh, err := fetchDataset[RelationRecord](ctx, d, "relations", d.urls.Relations, "id", "stop_id")
	if err != nil {
		return nil, err
	}
	ds.Relations = relations
	changed += fresh

	if changed == 0 {
		return nil, ErrNotModified
	}
	return ds, nil
}

// fetchDataset returns the decoded records and 1 when the body was
// downloaded, 0 when it was served from memory after a 304.
func fetchDataset[T any](ctx context.Context, d *Downloader, name, url string, required ...string) ([]T, int, error) {
	prev := d.last[name]

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: create request: %w", name, err)
	}
	req.Header.Set("Accept", "text/csv")
	if prev != nil {
		if prev.lastModified != "" {
			req.Header.Set("If-Modified-Since", prev.lastModified)
		}
		if prev.etag != "" {
			req.Header.Set("If-None-Match", prev.etag)
		}
	}

	d.logger.Debug("downloading reference dataset", "dataset", name, "url", url)
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s: %v", transit.ErrSourceUnavailable, name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && prev != nil {
		d.logger.Info("reference dataset not modified", "dataset", name)
		return prev.records.([]T), 0, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("%w: %s: unexpected status %d", transit.ErrSourceUnavailable, name, resp.StatusCode)
	}

	// Read fully first so a dropped connection is reported as an
	// unavailable source, not as corrupt data.
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s: read body: %v", transit.ErrSourceUnavailable, name, err)
	}

	records, err := parseCSV[T](bytes.NewReader(body), required...)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", name, err)
	}

	d.last[name] = &datasetState{
		lastModified: resp.Header.Get("Last-Modified"),
		etag:         resp.Header.Get("ETag"),
		records:      records,
	}
	d.logger.Info("reference dataset downloaded", "dataset", name, "records", len(records))
	return records, 1, nil
}
