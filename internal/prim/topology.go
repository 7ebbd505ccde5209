package prim

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"livestop/internal/transit"
)

// Navitia pages collections at 25 items by default; a route has fewer
// stops than this.
const maxStopPoints = 500

type routesResponse struct {
	Routes []struct {
		ID string `json:"id"`
	} `json:"routes"`
}

type stopPointsResponse struct {
	StopPoints []struct {
		ID string `json:"id"`
	} `json:"stop_points"`
}

// LineTopology fetches the ordered stop sequence of every route of a line.
// reportRef is in the line-report scheme (line:IDFM:<key>). A failure on
// any route fails the whole call so a partial topology is never cached.
func (c *Client) LineTopology(ctx context.Context, reportRef string) (transit.Topology, error) {
	body, _, err := c.get(ctx, EndpointLineTopology, c.lineReportsURL+"/lines/"+url.PathEscape(reportRef)+"/routes")
	if err != nil {
		return nil, err
	}
	var routes routesResponse
	if err := json.Unmarshal(body, &routes); err != nil {
		return nil, malformedTopology(err)
	}

	topo := transit.Topology{}
	for _, r := range routes.Routes {
		u := fmt.Sprintf("%s/routes/%s/stop_points?count=%d", c.lineReportsURL, url.PathEscape(r.ID), maxStopPoints)
		body, _, err := c.get(ctx, EndpointLineTopology, u)
		if err != nil {
			return nil, err
		}
		var points stopPointsResponse
		if err := json.Unmarshal(body, &points); err != nil {
			return nil, malformedTopology(err)
		}
		stops := make([]string, 0, len(points.StopPoints))
		for _, p := range points.StopPoints {
			if k := transit.Key(p.ID); k != "" {
				stops = append(stops, k)
			}
		}
		topo.AddRoute(stops)
	}
	c.logger.Debug("line topology fetched", "line", reportRef, "routes", len(routes.Routes), "termini", len(topo))
	return topo, nil
}

func malformedTopology(err error) error {
	return &transit.UpstreamError{
		Endpoint: EndpointLineTopology,
		Status:   http.StatusOK,
		Err:      fmt.Errorf("%w: line topology: %v", transit.ErrMalformedData, err),
	}
}
