package core

import "time"

// Snapshot is one polled reading of an agent's cumulative counters.
// Timestamps are epoch seconds. Total never decreases unless the counter was reset.
type Snapshot struct {
	Timestamp int64            `json:"timestamp"`
	Total     int64            `json:"total"`
	PerKey    map[string]int64 `json:"per_key,omitempty"`
}

// Valid reports whether the snapshot carries usable counter fields.
func (s Snapshot) Valid() bool {
	return s.Timestamp >= 0 && s.Total >= 0
}

// HistoryPoint is one derived chart sample.
type HistoryPoint struct {
	Timestamp int64            `json:"timestamp"`
	Rate      float64          `json:"rate"`
	Total     int64            `json:"total"`
	PerKey    map[string]int64 `json:"per_key,omitempty"`
}

// Time returns the point timestamp as UTC time.
func (p HistoryPoint) Time() time.Time {
	return time.Unix(p.Timestamp, 0).UTC()
}

// IngestOutcome names the branch the reconciler took for a snapshot.
type IngestOutcome string

const (
	OutcomeMalformed IngestOutcome = "malformed"
	OutcomeBaseline  IngestOutcome = "baseline"
	OutcomeStale     IngestOutcome = "stale"
	OutcomeReset     IngestOutcome = "reset"
	OutcomeIdle      IngestOutcome = "idle"
	OutcomeDecayed   IngestOutcome = "decayed"
	OutcomeAdvanced  IngestOutcome = "advanced"
)

// IngestResult is returned from every ingest call.
type IngestResult struct {
	Rate            float64       `json:"rate"`
	HistoryAppended bool          `json:"history_appended"`
	Outcome         IngestOutcome `json:"outcome"`
}

// StreamKind groups streams that share a history cap.
type StreamKind string

const (
	StreamKindRequests StreamKind = "requests"
	StreamKindErrors   StreamKind = "errors"
	StreamKindApp      StreamKind = "app"
)

const (
	// StreamRequests is fed from the aggregate request counter.
	StreamRequests = "requests"
	// StreamErrors is fed from the aggregate error counter, when reported.
	StreamErrors = "errors"
	// AppStreamPrefix prefixes per-application request streams.
	AppStreamPrefix = "app:"
)

// StreamStatus summarizes one metric stream for display.
type StreamStatus struct {
	AgentID     string     `json:"agent_id"`
	Stream      string     `json:"stream"`
	Kind        StreamKind `json:"kind"`
	Rate        float64    `json:"rate_per_minute"`
	Total       int64      `json:"total"`
	Points      int        `json:"points"`
	LastPointAt *time.Time `json:"last_point_at,omitempty"`
}

// AgentStatus describes the polling health of one agent.
type AgentStatus struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	URL         string     `json:"url"`
	Interval    string     `json:"interval"`
	Polls       int64      `json:"polls"`
	Failures    int64      `json:"failures"`
	Superseded  int64      `json:"superseded"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Stale       bool       `json:"stale"`
	Streams     int        `json:"streams"`
}

// HistoryRecord is a history point tagged with where it came from, as
// persisted by the store.
type HistoryRecord struct {
	AgentID string       `json:"agent_id"`
	Stream  string       `json:"stream"`
	PollID  string       `json:"poll_id,omitempty"`
	Point   HistoryPoint `json:"point"`
}

// StreamSummary describes the persisted extent of one stream.
type StreamSummary struct {
	AgentID string    `json:"agent_id"`
	Stream  string    `json:"stream"`
	Points  int       `json:"points"`
	First   time.Time `json:"first"`
	Last    time.Time `json:"last"`
}
