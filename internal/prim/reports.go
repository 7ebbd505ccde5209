package prim

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"livestop/internal/transit"
)

const navitiaTime = "20060102T150405"

type lineReportsResponse struct {
	Disruptions []navitiaDisruption `json:"disruptions"`
}

type navitiaDisruption struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Category string `json:"category"`
	Cause    string `json:"cause"`
	Severity struct {
		Effect string `json:"effect"`
		Name   string `json:"name"`
	} `json:"severity"`
	Messages []struct {
		Text string `json:"text"`
	} `json:"messages"`
	ApplicationPeriods []struct {
		Begin string `json:"begin"`
		End   string `json:"end"`
	} `json:"application_periods"`
	Tags []string `json:"tags"`
}

func decodeLineReports(body []byte, lineKey string, loc *time.Location, now time.Time, excludeElevators bool) ([]transit.Disruption, error) {
	var resp lineReportsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: line reports: %v", transit.ErrMalformedData, err)
	}

	var out []transit.Disruption
	for _, d := range resp.Disruptions {
		if d.Status == "past" {
			continue
		}
		if excludeElevators && isElevator(d) {
			continue
		}

		periods := make([]window, 0, len(d.ApplicationPeriods))
		for _, p := range d.ApplicationPeriods {
			w, err := parseWindow(p.Begin, p.End, loc)
			if err != nil {
				return nil, err
			}
			periods = append(periods, w)
		}
		w := pickWindow(periods, now)

		out = append(out, transit.Disruption{
			ID:       d.ID,
			LineID:   lineKey,
			Severity: transit.SeverityFromEffect(d.Severity.Effect),
			Message:  reportMessage(d),
			Start:    w.start,
			End:      w.end,
			Category: d.Category,
		})
	}
	return out, nil
}

func isElevator(d navitiaDisruption) bool {
	if elevatorWord(d.Category) {
		return true
	}
	for _, t := range d.Tags {
		if elevatorWord(t) {
			return true
		}
	}
	return false
}

func elevatorWord(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "ascenseur") || strings.Contains(s, "elevator")
}

func reportMessage(d navitiaDisruption) string {
	for _, m := range d.Messages {
		if t := strings.TrimSpace(m.Text); t != "" {
			return t
		}
	}
	if d.Cause != "" {
		return d.Cause
	}
	return d.Severity.Name
}

type window struct {
	start, end time.Time
}

func parseWindow(begin, end string, loc *time.Location) (window, error) {
	var w window
	var err error
	if begin != "" {
		if w.start, err = time.ParseInLocation(navitiaTime, begin, loc); err != nil {
			return window{}, fmt.Errorf("%w: period begin %q", transit.ErrMalformedData, begin)
		}
	}
	if end != "" {
		if w.end, err = time.ParseInLocation(navitiaTime, end, loc); err != nil {
			return window{}, fmt.Errorf("%w: period end %q", transit.ErrMalformedData, end)
		}
	}
	return w, nil
}

// pickWindow returns the period containing now, else the next upcoming
// one, else the last. Periods may come in any order.
func pickWindow(periods []window, now time.Time) window {
	var next, last window
	haveNext, haveLast := false, false
	for _, w := range periods {
		d := transit.Disruption{Start: w.start, End: w.end}
		if d.Active(now) {
			return w
		}
		if w.start.After(now) && (!haveNext || w.start.Before(next.start)) {
			next, haveNext = w, true
		}
		if !haveLast || w.start.After(last.start) {
			last, haveLast = w, true
		}
	}
	if haveNext {
		return next
	}
	return last
}
