package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultURL is the public Nominatim search endpoint.
const DefaultURL = "https://nominatim.openstreetmap.org/search"

// ErrNotFound is returned when a query matches nothing in the search area.
var ErrNotFound = errors.New("geocode: no match")

// Result holds a geocoding result.
type Result struct {
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	DisplayName string  `json:"display_name"`
}

// Client is a Nominatim geocoding client.
type Client struct {
	httpClient *http.Client
	searchURL  string
	userAgent  string
}

// New creates a Nominatim geocoding client. An empty searchURL uses
// DefaultURL. userAgent is required by Nominatim's usage policy.
func New(searchURL, userAgent string) *Client {
	if searchURL == "" {
		searchURL = DefaultURL
	}
	return &Client{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		searchURL:  searchURL,
		userAgent:  userAgent,
	}
}

// Search geocodes a free-form query, bounded to the Île-de-France region.
// Returns the top result, or ErrNotFound.
func (c *Client) Search(ctx context.Context, query string) (*Result, error) {
	u := c.searchURL + "?" + url.Values{
		"q":              {query},
		"format":         {"jsonv2"},
		"limit":          {"1"},
		"countrycodes":   {"fr"},
		"viewbox":        {"1.44,49.24,3.56,48.12"}, // Île-de-France
		"bounded":        {"1"},
		"addressdetails": {"0"},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept-Language", "fr")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("nominatim request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nominatim status %d", resp.StatusCode)
	}

	var results []struct {
		Lat         string `json:"lat"`
		Lon         string `json:"lon"`
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("nominatim decode: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, query)
	}

	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return nil, fmt.Errorf("parse lat: %w", err)
	}
	lon, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return nil, fmt.Errorf("parse lon: %w", err)
	}

	return &Result{
		Lat:         lat,
		Lon:         lon,
		DisplayName: shortName(results[0].DisplayName),
	}, nil
}

// shortName keeps the first two components of a Nominatim display name,
// e.g. "Place de la Nation, Paris" out of the full administrative chain.
func shortName(display string) string {
	parts := strings.SplitN(display, ",", 3)
	if len(parts) > 2 {
		parts = parts[:2]
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return strings.Join(parts, ", ")
}
