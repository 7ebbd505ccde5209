package prim

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"livestop/internal/transit"
)

const stopMonitoringBody = `{
  "Siri": {
    "ServiceDelivery": {
      "StopMonitoringDelivery": [{
        "MonitoredStopVisit": [
          {
            "MonitoringRef": {"value": "STIF:StopPoint:Q:41178:"},
            "MonitoredVehicleJourney": {
              "LineRef": {"value": "STIF:Line::C01742:"},
              "DirectionName": [{"value": "Marne-la-Vallée"}],
              "DestinationName": [{"value": "Boissy-Saint-Léger"}],
              "DestinationRef": {"value": "STIF:StopPoint:Q:411432:"},
              "MonitoredCall": {
                "ExpectedArrivalTime": "2025-06-15T10:05:00.000Z",
                "AimedArrivalTime": "2025-06-15T10:03:00.000Z",
                "ArrivalStatus": "delayed"
              }
            }
          },
          {
            "MonitoringRef": {"value": "STIF:StopPoint:Q:41178:"},
            "MonitoredVehicleJourney": {
              "LineRef": {"value": "STIF:Line::C01742:"},
              "DestinationName": [{"value": "Cergy-Le-Haut"}],
              "MonitoredCall": {
                "AimedDepartureTime": "2025-06-15T10:12:00+02:00",
                "DestinationDisplay": [{"value": "Cergy"}],
                "DepartureStatus": "onTime"
              }
            }
          }
        ]
      }]
    }
  }
}`

const lineReportsBody = `{
  "disruptions": [
    {
      "id": "d1",
      "status": "active",
      "category": "Incidents",
      "severity": {"effect": "REDUCED_SERVICE", "name": "perturbée"},
      "messages": [{"text": ""}, {"text": "Trafic perturbé entre Nation et Vincennes"}],
      "application_periods": [
        {"begin": "20250614T000000", "end": "20250614T235959"},
        {"begin": "20250615T090000", "end": "20250615T180000"}
      ]
    },
    {
      "id": "d2",
      "status": "active",
      "severity": {"effect": "OTHER_EFFECT"},
      "messages": [{"text": "Ascenseur hors service"}],
      "application_periods": [{"begin": "20250601T000000"}],
      "tags": ["Ascenseur"]
    },
    {
      "id": "d3",
      "status": "past",
      "severity": {"effect": "NO_SERVICE"},
      "messages": [{"text": "old"}]
    },
    {
      "id": "d4",
      "status": "future",
      "severity": {"effect": "NO_SERVICE"},
      "messages": [{"text": "Travaux"}],
      "application_periods": [{"begin": "20250620T223000", "end": "20250621T050000"}]
    }
  ]
}`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var paris = func() *time.Location {
	loc, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		return time.FixedZone("CEST", 2*3600)
	}
	return loc
}()

func newTestClient(t *testing.T, srv *httptest.Server, tokens ...string) *Client {
	t.Helper()
	if len(tokens) == 0 {
		tokens = []string{"tok-a"}
	}
	c, err := NewClient(Options{
		StopMonitoringURL: srv.URL + "/stop-monitoring",
		LineReportsURL:    srv.URL + "/v2/navitia",
		Tokens:            tokens,
		ExcludeElevators:  true,
		Location:          paris,
	}, testLogger())
	require.NoError(t, err)
	c.now = func() time.Time { return time.Date(2025, 6, 15, 12, 0, 0, 0, paris) }
	return c
}

func TestStopMonitoring(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stop-monitoring", r.URL.Path)
		assert.Equal(t, "STIF:StopPoint:Q:41178:", r.URL.Query().Get("MonitoringRef"))
		assert.Equal(t, "STIF:Line::C01742:", r.URL.Query().Get("LineRef"))
		assert.Equal(t, "tok-a", r.Header.Get("apiKey"))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, stopMonitoringBody)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	got, err := c.StopMonitoring(context.Background(), "STIF:StopPoint:Q:41178:", "STIF:Line::C01742:")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, transit.Passage{
		StopID:        "41178",
		LineID:        "C01742",
		Destination:   "Boissy-Saint-Léger",
		DestinationID: "411432",
		Direction:     "Marne-la-Vallée",
		Scheduled:     time.Date(2025, 6, 15, 10, 3, 0, 0, time.UTC),
		Estimated:     time.Date(2025, 6, 15, 10, 5, 0, 0, time.UTC),
		Realtime:      true,
		Status:        "delayed",
	}, normalize(got[0]))

	second := got[1]
	assert.Equal(t, "Cergy", second.Destination, "destination display wins")
	assert.False(t, second.Realtime)
	assert.True(t, second.Estimated.IsZero())
	assert.True(t, second.Scheduled.Equal(time.Date(2025, 6, 15, 8, 12, 0, 0, time.UTC)))
	assert.Equal(t, "onTime", second.Status)
	assert.Empty(t, second.DestinationID)
}

// normalize strips time zones so struct equality compares instants.
func normalize(p transit.Passage) transit.Passage {
	p.Scheduled = p.Scheduled.UTC()
	p.Estimated = p.Estimated.UTC()
	return p
}

func TestStopMonitoring_NoLineFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, has := r.URL.Query()["LineRef"]
		assert.False(t, has)
		io.WriteString(w, `{"Siri":{"ServiceDelivery":{"StopMonitoringDelivery":[{"MonitoredStopVisit":[]}]}}}`)
	}))
	defer srv.Close()

	got, err := newTestClient(t, srv).StopMonitoring(context.Background(), "STIF:StopPoint:Q:41178:", "")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLineReports_JSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/navitia/lines/line:IDFM:C01742/line_reports", r.URL.Path)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		io.WriteString(w, lineReportsBody)
	}))
	defer srv.Close()

	got, err := newTestClient(t, srv).LineReports(context.Background(), "line:IDFM:C01742")
	require.NoError(t, err)
	require.Len(t, got, 2, "elevator and past reports dropped")

	d := got[0]
	assert.Equal(t, "d1", d.ID)
	assert.Equal(t, "C01742", d.LineID)
	assert.Equal(t, transit.SeverityReducedService, d.Severity)
	assert.Equal(t, "Trafic perturbé entre Nation et Vincennes", d.Message)
	assert.True(t, d.Start.Equal(time.Date(2025, 6, 15, 9, 0, 0, 0, paris)), "period containing now is chosen")
	assert.True(t, d.End.Equal(time.Date(2025, 6, 15, 18, 0, 0, 0, paris)))

	future := got[1]
	assert.Equal(t, transit.SeverityNoService, future.Severity)
	assert.True(t, future.Start.Equal(time.Date(2025, 6, 20, 22, 30, 0, 0, paris)))
}

func TestLineReports_KeepsElevatorsWhenAsked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, lineReportsBody)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	c.excludeElevators = false
	got, err := c.LineReports(context.Background(), "line:IDFM:C01742")
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func alertFeed(t *testing.T) []byte {
	t.Helper()
	start := uint64(time.Date(2025, 6, 15, 8, 0, 0, 0, time.UTC).Unix())
	end := uint64(time.Date(2025, 6, 15, 20, 0, 0, 0, time.UTC).Unix())
	text := func(s string) *gtfs.TranslatedString {
		return &gtfs.TranslatedString{Translation: []*gtfs.TranslatedString_Translation{{Text: proto.String(s)}}}
	}
	feed := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{GtfsRealtimeVersion: proto.String("2.0")},
		Entity: []*gtfs.FeedEntity{
			{
				Id: proto.String("a1"),
				Alert: &gtfs.Alert{
					ActivePeriod:   []*gtfs.TimeRange{{Start: proto.Uint64(start), End: proto.Uint64(end)}},
					InformedEntity: []*gtfs.EntitySelector{{RouteId: proto.String("IDFM:C01742")}},
					Effect:         gtfs.Alert_NO_SERVICE.Enum(),
					HeaderText:     text("Trafic interrompu"),
				},
			},
			{
				Id: proto.String("a2"),
				Alert: &gtfs.Alert{
					InformedEntity: []*gtfs.EntitySelector{{RouteId: proto.String("IDFM:C01371")}},
					HeaderText:     text("Other line"),
				},
			},
			{Id: proto.String("tu")},
		},
	}
	b, err := proto.Marshal(feed)
	require.NoError(t, err)
	return b
}

func TestLineReports_GTFSRealtime(t *testing.T) {
	body := alertFeed(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-protobuf")
		w.Write(body)
	}))
	defer srv.Close()

	got, err := newTestClient(t, srv).LineReports(context.Background(), "line:IDFM:C01742")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a1", got[0].ID)
	assert.Equal(t, "C01742", got[0].LineID)
	assert.Equal(t, transit.SeverityNoService, got[0].Severity)
	assert.Equal(t, "Trafic interrompu", got[0].Message)
	assert.True(t, got[0].Active(time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)))
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, transit.ErrBadRequest},
		{http.StatusNotFound, transit.ErrBadRequest},
		{http.StatusUnauthorized, transit.ErrUnauthorized},
		{http.StatusForbidden, transit.ErrUnauthorized},
		{http.StatusInternalServerError, transit.ErrUpstream},
		{http.StatusBadGateway, transit.ErrUpstream},
		{http.StatusServiceUnavailable, transit.ErrUpstream},
		{http.StatusTooManyRequests, transit.ErrRateLimited},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv).StopMonitoring(context.Background(), "STIF:StopPoint:Q:1:", "")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var ue *transit.UpstreamError
			require.True(t, errors.As(err, &ue))
			assert.Equal(t, EndpointStopMonitoring, ue.Endpoint)
			assert.Equal(t, tt.status, ue.Status)
		})
	}
}

func TestMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "line_reports") {
			w.Header().Set("Content-Type", "application/x-protobuf")
			w.Write([]byte{0xff, 0xff, 0xff})
			return
		}
		io.WriteString(w, `{"Siri": [`)
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	_, err := c.StopMonitoring(context.Background(), "STIF:StopPoint:Q:1:", "")
	assert.ErrorIs(t, err, transit.ErrMalformedData)
	assert.False(t, transit.IsTransient(err))

	_, err = c.LineReports(context.Background(), "line:IDFM:C1")
	assert.ErrorIs(t, err, transit.ErrMalformedData)
}

func TestTimeoutMapping(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := newTestClient(t, srv).StopMonitoring(ctx, "STIF:StopPoint:Q:1:", "")
	assert.ErrorIs(t, err, transit.ErrTimeout)
	assert.True(t, transit.IsTransient(err))
}

func TestCredentialRotationOn429(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("apiKey") != "tok-b" {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		io.WriteString(w, `{"disruptions": []}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, "tok-a", "tok-b", "tok-c")
	_, err := c.LineReports(context.Background(), "line:IDFM:C01742")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	// The working token stays selected.
	_, err = c.LineReports(context.Background(), "line:IDFM:C01742")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	idx, tok := c.creds.Current()
	assert.Equal(t, 1, idx)
	assert.Equal(t, "tok-b", tok)
}

func TestNewClient_RequiresToken(t *testing.T) {
	_, err := NewClient(Options{Tokens: []string{" ", ""}}, testLogger())
	assert.Error(t, err)
}

func TestCredentials_RotateOnce(t *testing.T) {
	c := NewCredentials([]string{"a", "b", "c"}, testLogger())
	idx, _ := c.Current()
	c.Rotate(idx)
	c.Rotate(idx) // stale observer, ignored
	idx, tok := c.Current()
	assert.Equal(t, 1, idx)
	assert.Equal(t, "b", tok)

	c.Rotate(1)
	c.Rotate(2)
	idx, _ = c.Current()
	assert.Equal(t, 0, idx, "wraps around")
}

func TestLineTopology(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "tok-a", r.Header.Get("apiKey"))
		switch r.URL.Path {
		case "/v2/navitia/lines/line:IDFM:C01742/routes":
			io.WriteString(w, `{"routes":[{"id":"route:IDFM:east"},{"id":"route:IDFM:west"}]}`)
		case "/v2/navitia/routes/route:IDFM:east/stop_points":
			assert.Equal(t, "500", r.URL.Query().Get("count"))
			io.WriteString(w, `{"stop_points":[
				{"id":"stop_point:IDFM:monomodalStopPlace:41178"},
				{"id":"stop_point:IDFM:22092"},
				{"id":"stop_point:IDFM:411432"}]}`)
		case "/v2/navitia/routes/route:IDFM:west/stop_points":
			io.WriteString(w, `{"stop_points":[
				{"id":"stop_point:IDFM:411432"},
				{"id":"stop_point:IDFM:22092"},
				{"id":"stop_point:IDFM:41178"},
				{"id":"stop_point:IDFM:412280"}]}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	topo, err := newTestClient(t, srv).LineTopology(context.Background(), "line:IDFM:C01742")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, [][]string{{"41178", "22092", "411432"}}, topo["411432"])
	assert.True(t, topo.Reaches("41178", "22092", "411432"))
	assert.False(t, topo.Reaches("41178", "22092", "412280"))
}

func TestLineTopology_RouteFailureFailsCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/routes") {
			io.WriteString(w, `{"routes":[{"id":"route:IDFM:east"}]}`)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).LineTopology(context.Background(), "line:IDFM:C01742")
	var ue *transit.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, EndpointLineTopology, ue.Endpoint)
	assert.True(t, transit.IsTransient(err))
}
