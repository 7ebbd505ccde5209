package prim

import (
	"encoding/json"
	"fmt"
	"time"

	"livestop/internal/transit"
)

// SIRI Lite stop-monitoring response, reduced to the fields we read.
type siriResponse struct {
	Siri struct {
		ServiceDelivery struct {
			StopMonitoringDelivery []struct {
				MonitoredStopVisit []monitoredStopVisit `json:"MonitoredStopVisit"`
			} `json:"StopMonitoringDelivery"`
		} `json:"ServiceDelivery"`
	} `json:"Siri"`
}

type siriValue struct {
	Value string `json:"value"`
}

type monitoredStopVisit struct {
	MonitoringRef           siriValue `json:"MonitoringRef"`
	MonitoredVehicleJourney struct {
		LineRef         siriValue   `json:"LineRef"`
		DirectionName   []siriValue `json:"DirectionName"`
		DestinationName []siriValue `json:"DestinationName"`
		DestinationRef  siriValue   `json:"DestinationRef"`
		MonitoredCall   struct {
			ExpectedArrivalTime   string      `json:"ExpectedArrivalTime"`
			AimedArrivalTime      string      `json:"AimedArrivalTime"`
			ExpectedDepartureTime string      `json:"ExpectedDepartureTime"`
			AimedDepartureTime    string      `json:"AimedDepartureTime"`
			ArrivalStatus         string      `json:"ArrivalStatus"`
			DepartureStatus       string      `json:"DepartureStatus"`
			DestinationDisplay    []siriValue `json:"DestinationDisplay"`
		} `json:"MonitoredCall"`
	} `json:"MonitoredVehicleJourney"`
}

func decodeStopMonitoring(body []byte, stopKey string) ([]transit.Passage, error) {
	var resp siriResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: stop monitoring: %v", transit.ErrMalformedData, err)
	}

	var out []transit.Passage
	for _, d := range resp.Siri.ServiceDelivery.StopMonitoringDelivery {
		for _, v := range d.MonitoredStopVisit {
			p, err := visitPassage(v, stopKey)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
	}
	return out, nil
}

func visitPassage(v monitoredStopVisit, stopKey string) (transit.Passage, error) {
	j := v.MonitoredVehicleJourney
	call := j.MonitoredCall

	estimated, err := firstTime(call.ExpectedArrivalTime, call.ExpectedDepartureTime)
	if err != nil {
		return transit.Passage{}, err
	}
	scheduled, err := firstTime(call.AimedArrivalTime, call.AimedDepartureTime)
	if err != nil {
		return transit.Passage{}, err
	}

	dest := firstValue(call.DestinationDisplay)
	if dest == "" {
		dest = firstValue(j.DestinationName)
	}
	status := call.ArrivalStatus
	if status == "" {
		status = call.DepartureStatus
	}
	if k := transit.Key(v.MonitoringRef.Value); k != "" {
		stopKey = k
	}

	return transit.Passage{
		StopID:        stopKey,
		LineID:        transit.Key(j.LineRef.Value),
		Destination:   dest,
		DestinationID: transit.Key(j.DestinationRef.Value),
		Direction:     firstValue(j.DirectionName),
		Scheduled:     scheduled,
		Estimated:     estimated,
		Realtime:      !estimated.IsZero(),
		Status:        status,
	}, nil
}

// firstTime parses the first non-empty RFC 3339 timestamp.
func firstTime(candidates ...string) (time.Time, error) {
	for _, s := range candidates {
		if s == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: timestamp %q: %v", transit.ErrMalformedData, s, err)
		}
		return t, nil
	}
	return time.Time{}, nil
}

func firstValue(vs []siriValue) string {
	for _, v := range vs {
		if v.Value != "" {
			return v.Value
		}
	}
	return ""
}
