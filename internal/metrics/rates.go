package metrics

import (
	"time"

	"github.com/sdwanlab/ratewatch/internal/observability"
)

// Poll and reconciliation metrics
const (
	PollsTotal          = "polls_total"
	PollDuration        = "poll_duration_ms"
	PollsInFlight       = "polls_in_flight"
	IngestOutcomesTotal = "ingest_outcomes_total"
	StreamRatePerMinute = "stream_rate_per_minute"
	HistoryPrunedLast   = "history_pruned_last"
	ServerStartTime     = "app_server_start_time_seconds"
)

// Poll statuses
const (
	PollOK         = "ok"
	PollError      = "error"
	PollMalformed  = "malformed"
	PollThrottled  = "throttled"
	PollSkipped    = "skipped"
	PollSuperseded = "superseded"
)

// RecordPoll records one poll attempt for an agent and how it ended.
func RecordPoll(agent string, status string, duration time.Duration) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(
		PollsTotal,
		1,
		map[string]string{
			"agent":  agent,
			"status": status,
		},
	)
	if duration > 0 {
		_ = observability.TelemetrySystem.Histogram(
			PollDuration,
			duration,
			map[string]string{"agent": agent},
		)
	}
}

// SetPollsInFlight reports the number of outstanding fetches for an agent.
func SetPollsInFlight(agent string, n int) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			PollsInFlight,
			float64(n),
			map[string]string{"agent": agent},
		)
	}
}

// RecordIngestOutcome counts reconciler outcomes per stream kind.
func RecordIngestOutcome(streamKind string, outcome string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			IngestOutcomesTotal,
			1,
			map[string]string{
				"stream_kind": streamKind,
				"outcome":     outcome,
			},
		)
	}
}

// SetStreamRate publishes the current per-minute rate of a stream.
func SetStreamRate(agent string, stream string, rate float64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			StreamRatePerMinute,
			rate,
			map[string]string{
				"agent":  agent,
				"stream": stream,
			},
		)
	}
}

// SetHistoryPruned reports how many persisted points the last retention pass removed.
func SetHistoryPruned(count int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(HistoryPrunedLast, float64(count), nil)
	}
}

// SetServerStartTime records the server start time (Unix timestamp)
func SetServerStartTime(timestamp int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			ServerStartTime,
			float64(timestamp),
			nil,
		)
	}
}
