// Package prim is the client for the operator's authenticated real-time
// APIs: stop monitoring (SIRI Lite), line reports (Navitia JSON or
// GTFS-RT) and line topology (Navitia routes). It maps HTTP outcomes onto the transit error taxonomy and
// leaves retry, rate limiting and circuit breaking to package fetch.
package prim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"time"

	"livestop/internal/transit"
)

const (
	EndpointStopMonitoring = "stop-monitoring"
	EndpointLineReports    = "line-reports"
	EndpointLineTopology   = "line-topology"

	maxBodyBytes = 8 << 20
)

// Options configures a Client.
type Options struct {
	StopMonitoringURL string
	LineReportsURL    string
	Tokens            []string
	ExcludeElevators  bool
	Location          *time.Location // zone of Navitia timestamps
	HTTPClient        *http.Client   // nil uses a pooled client without timeout
}

// Client calls the authenticated endpoints. Per-call deadlines come from
// the context.
type Client struct {
	stopMonitoringURL string
	lineReportsURL    string
	creds             *Credentials
	excludeElevators  bool
	loc               *time.Location
	client            *http.Client
	logger            *slog.Logger
	now               func() time.Time
}

// NewClient creates a Client. At least one token is required.
func NewClient(opts Options, logger *slog.Logger) (*Client, error) {
	creds := NewCredentials(opts.Tokens, logger)
	if creds.Len() == 0 {
		return nil, errors.New("prim: no API token configured")
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		stopMonitoringURL: opts.StopMonitoringURL,
		lineReportsURL:    opts.LineReportsURL,
		creds:             creds,
		excludeElevators:  opts.ExcludeElevators,
		loc:               loc,
		client:            hc,
		logger:            logger,
		now:               time.Now,
	}, nil
}

// Credentials returns the number of configured API tokens.
func (c *Client) Credentials() int {
	return c.creds.Len()
}

// StopMonitoring fetches upcoming passages at a stop, optionally filtered
// to one line. Refs are in the stop-monitoring scheme.
func (c *Client) StopMonitoring(ctx context.Context, monitoringRef, lineRef string) ([]transit.Passage, error) {
	q := url.Values{}
	q.Set("MonitoringRef", monitoringRef)
	if lineRef != "" {
		q.Set("LineRef", lineRef)
	}
	body, _, err := c.get(ctx, EndpointStopMonitoring, c.stopMonitoringURL+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	passages, err := decodeStopMonitoring(body, transit.Key(monitoringRef))
	if err != nil {
		return nil, &transit.UpstreamError{Endpoint: EndpointStopMonitoring, Status: http.StatusOK, Err: err}
	}
	c.logger.Debug("stop monitoring fetched", "stop", monitoringRef, "line", lineRef, "passages", len(passages))
	return passages, nil
}

// LineReports fetches the disruptions of one line. reportRef is in the
// line-report scheme (line:IDFM:<key>).
func (c *Client) LineReports(ctx context.Context, reportRef string) ([]transit.Disruption, error) {
	u := c.lineReportsURL + "/lines/" + url.PathEscape(reportRef) + "/line_reports"
	body, contentType, err := c.get(ctx, EndpointLineReports, u)
	if err != nil {
		return nil, err
	}

	lineKey := transit.Key(reportRef)
	var disruptions []transit.Disruption
	if isProtobuf(contentType) {
		disruptions, err = decodeAlertFeed(body, lineKey, c.now())
	} else {
		disruptions, err = decodeLineReports(body, lineKey, c.loc, c.now(), c.excludeElevators)
	}
	if err != nil {
		return nil, &transit.UpstreamError{Endpoint: EndpointLineReports, Status: http.StatusOK, Err: err}
	}
	c.logger.Debug("line reports fetched", "line", reportRef, "disruptions", len(disruptions))
	return disruptions, nil
}

// get performs one logical call, trying each token at most once while the
// upstream answers 429.
func (c *Client) get(ctx context.Context, endpoint, rawURL string) ([]byte, string, error) {
	for range c.creds.Len() {
		idx, token := c.creds.Current()
		body, contentType, status, err := c.do(ctx, rawURL, token)
		if err != nil {
			return nil, "", &transit.UpstreamError{Endpoint: endpoint, Err: transportError(err)}
		}
		switch {
		case status == http.StatusOK:
			return body, contentType, nil
		case status == http.StatusTooManyRequests:
			c.creds.Rotate(idx)
			continue
		default:
			return nil, "", &transit.UpstreamError{Endpoint: endpoint, Status: status, Err: statusError(status)}
		}
	}
	return nil, "", &transit.UpstreamError{
		Endpoint: endpoint,
		Status:   http.StatusTooManyRequests,
		Err:      fmt.Errorf("%w: every API token is rate limited", transit.ErrRateLimited),
	}
}

func (c *Client) do(ctx context.Context, rawURL, token string) ([]byte, string, int, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, "", 0, err
	}
	req.Header.Set("Accept", "application/json, application/x-protobuf")
	req.Header.Set("apiKey", token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, "", resp.StatusCode, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, "", 0, err
	}
	return body, resp.Header.Get("Content-Type"), resp.StatusCode, nil
}

func statusError(status int) error {
	switch {
	case status == http.StatusBadRequest || status == http.StatusNotFound:
		return transit.ErrBadRequest
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return transit.ErrUnauthorized
	case status >= 500:
		return transit.ErrUpstream
	default:
		return fmt.Errorf("%w: unexpected status", transit.ErrBadRequest)
	}
}

func transportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %v", transit.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", transit.ErrUpstream, err)
}

func isProtobuf(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && (mt == "application/x-protobuf" || mt == "application/protobuf")
}
