package prim

import (
	"fmt"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"livestop/internal/transit"
)

// decodeAlertFeed turns the alerts of a GTFS-RT feed that inform lineKey
// into disruptions. Alerts about other routes are ignored.
func decodeAlertFeed(body []byte, lineKey string, now time.Time) ([]transit.Disruption, error) {
	feed := &gtfs.FeedMessage{}
	if err := proto.Unmarshal(body, feed); err != nil {
		return nil, fmt.Errorf("%w: alerts protobuf: %v", transit.ErrMalformedData, err)
	}

	var out []transit.Disruption
	for _, entity := range feed.GetEntity() {
		a := entity.GetAlert()
		if a == nil || !informsRoute(a, lineKey) {
			continue
		}

		periods := make([]window, 0, len(a.GetActivePeriod()))
		for _, p := range a.GetActivePeriod() {
			var w window
			if s := p.GetStart(); s != 0 {
				w.start = time.Unix(int64(s), 0)
			}
			if e := p.GetEnd(); e != 0 {
				w.end = time.Unix(int64(e), 0)
			}
			periods = append(periods, w)
		}
		w := pickWindow(periods, now)

		msg := getTranslation(a.GetHeaderText())
		if msg == "" {
			msg = getTranslation(a.GetDescriptionText())
		}

		out = append(out, transit.Disruption{
			ID:       entity.GetId(),
			LineID:   lineKey,
			Severity: transit.SeverityFromEffect(a.GetEffect().String()),
			Message:  msg,
			Start:    w.start,
			End:      w.end,
			Category: a.GetCause().String(),
		})
	}
	return out, nil
}

func informsRoute(a *gtfs.Alert, lineKey string) bool {
	for _, ie := range a.GetInformedEntity() {
		if rid := ie.GetRouteId(); rid != "" && transit.Key(rid) == lineKey {
			return true
		}
	}
	return false
}

func getTranslation(ts *gtfs.TranslatedString) string {
	if ts == nil {
		return ""
	}
	for _, t := range ts.GetTranslation() {
		if text := t.GetText(); text != "" {
			return text
		}
	}
	return ""
}
