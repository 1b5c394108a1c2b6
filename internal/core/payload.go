package core

import (
	"encoding/json"
	"errors"
	"math"
)

// StatsPayload is the body returned by an agent's statistics endpoint.
// Pointer fields distinguish a missing counter from a zero counter.
type StatsPayload struct {
	Timestamp     *float64         `json:"timestamp"`
	TotalRequests *int64           `json:"total_requests"`
	RequestsByApp map[string]int64 `json:"requests_by_app,omitempty"`
	TotalErrors   *int64           `json:"total_errors,omitempty"`
	ErrorsByApp   map[string]int64 `json:"errors_by_app,omitempty"`
}

// ErrMalformedPayload is returned when a required counter field is missing or invalid.
var ErrMalformedPayload = errors.New("malformed stats payload")

// UnmarshalJSON accepts both the snake_case contract and the camelCase keys the
// agent API emits (totalRequests, requestsByApp, totalErrors, errorsByApp).
func (p *StatsPayload) UnmarshalJSON(data []byte) error {
	var raw struct {
		Timestamp          *float64         `json:"timestamp"`
		TotalRequests      *int64           `json:"total_requests"`
		TotalRequestsCamel *int64           `json:"totalRequests"`
		RequestsByApp      map[string]int64 `json:"requests_by_app"`
		RequestsByAppCamel map[string]int64 `json:"requestsByApp"`
		TotalErrors        *int64           `json:"total_errors"`
		TotalErrorsCamel   *int64           `json:"totalErrors"`
		ErrorsByApp        map[string]int64 `json:"errors_by_app"`
		ErrorsByAppCamel   map[string]int64 `json:"errorsByApp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*p = StatsPayload{
		Timestamp:     raw.Timestamp,
		TotalRequests: firstInt(raw.TotalRequests, raw.TotalRequestsCamel),
		RequestsByApp: firstMap(raw.RequestsByApp, raw.RequestsByAppCamel),
		TotalErrors:   firstInt(raw.TotalErrors, raw.TotalErrorsCamel),
		ErrorsByApp:   firstMap(raw.ErrorsByApp, raw.ErrorsByAppCamel),
	}
	return nil
}

// RequestSnapshot converts the payload into the aggregate request snapshot.
func (p StatsPayload) RequestSnapshot() (Snapshot, error) {
	if p.Timestamp == nil || p.TotalRequests == nil {
		return Snapshot{}, ErrMalformedPayload
	}
	ts := *p.Timestamp
	if math.IsNaN(ts) || math.IsInf(ts, 0) || ts < 0 || *p.TotalRequests < 0 {
		return Snapshot{}, ErrMalformedPayload
	}
	return Snapshot{
		Timestamp: int64(ts),
		Total:     *p.TotalRequests,
		PerKey:    copyCounts(p.RequestsByApp),
	}, nil
}

// ErrorSnapshot converts the error counters, if the agent reported them.
func (p StatsPayload) ErrorSnapshot() (Snapshot, bool) {
	if p.TotalErrors == nil || *p.TotalErrors < 0 {
		return Snapshot{}, false
	}
	req, err := p.RequestSnapshot()
	if err != nil {
		return Snapshot{}, false
	}
	return Snapshot{
		Timestamp: req.Timestamp,
		Total:     *p.TotalErrors,
		PerKey:    copyCounts(p.ErrorsByApp),
	}, true
}

func firstInt(values ...*int64) *int64 {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstMap(values ...map[string]int64) map[string]int64 {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func copyCounts(src map[string]int64) map[string]int64 {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]int64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
