// Package reconcile turns cumulative counter snapshots into per-minute rates and
// bounded chart history.
package reconcile

import (
	"maps"
	"math"

	"github.com/sdwanlab/ratewatch/internal/core"
)

// Policy values. They are tuned for dashboards polled every 1-2 seconds and are
// not derived from the agents themselves.
const (
	// DefaultStalenessThreshold is how long (seconds) a counter may stay flat
	// before the displayed rate is forced to zero.
	DefaultStalenessThreshold int64 = 15

	// DefaultMaxHistory caps the aggregate request stream.
	DefaultMaxHistory = 50

	// PerKeyMaxHistory caps per-application and error streams.
	PerKeyMaxHistory = 30

	// rateWindow scales the rate to "per 60 time units" (per minute for epoch seconds).
	rateWindow = 60
)

// Reconciler owns the state of a single metric stream.
//
// It is not safe for concurrent use; callers serialize Ingest and the accessors.
type Reconciler struct {
	previous    *core.Snapshot
	lastSeen    int64
	currentRate float64
	history     []core.HistoryPoint

	maxHistory int
	staleAfter int64
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithMaxHistory sets the history cap. Values below 1 keep the default.
func WithMaxHistory(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.maxHistory = n
		}
	}
}

// WithStalenessThreshold sets the flat-counter threshold in seconds.
func WithStalenessThreshold(seconds int64) Option {
	return func(r *Reconciler) {
		if seconds > 0 {
			r.staleAfter = seconds
		}
	}
}

// New returns an empty reconciler.
func New(opts ...Option) *Reconciler {
	r := &Reconciler{
		maxHistory: DefaultMaxHistory,
		staleAfter: DefaultStalenessThreshold,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.history = make([]core.HistoryPoint, 0, r.maxHistory)
	return r
}

// Ingest folds one snapshot into the stream state.
func (r *Reconciler) Ingest(s core.Snapshot) core.IngestResult {
	if !s.Valid() {
		return r.result(false, core.OutcomeMalformed)
	}

	if r.previous == nil {
		r.setBaseline(s)
		return r.result(false, core.OutcomeBaseline)
	}

	// Timestamps may repeat the last idle poll; only going backwards is stale.
	deltaTime := s.Timestamp - r.previous.Timestamp
	if deltaTime <= 0 || s.Timestamp < r.lastSeen {
		return r.result(false, core.OutcomeStale)
	}

	deltaCount := s.Total - r.previous.Total
	switch {
	case deltaCount < 0:
		// Counter reset (agent restart or stats cleared).
		r.setBaseline(s)
		r.currentRate = 0
		return r.result(false, core.OutcomeReset)

	case deltaCount == 0:
		// Baseline keeps the timestamp of the last change so the flat period
		// keeps growing; only lastSeen moves.
		r.lastSeen = s.Timestamp
		if deltaTime > r.staleAfter {
			r.currentRate = 0
			return r.result(false, core.OutcomeDecayed)
		}
		return r.result(false, core.OutcomeIdle)
	}

	r.currentRate = float64(deltaCount) / float64(deltaTime) * rateWindow
	r.setBaseline(s)
	r.history = append(r.history, core.HistoryPoint{
		Timestamp: s.Timestamp,
		Rate:      math.Round(r.currentRate),
		Total:     s.Total,
		PerKey:    maps.Clone(s.PerKey),
	})
	if over := len(r.history) - r.maxHistory; over > 0 {
		r.history = append(r.history[:0], r.history[over:]...)
	}
	return r.result(true, core.OutcomeAdvanced)
}

// IngestPayload ingests the aggregate request counters of a stats payload.
// A payload missing its timestamp or total is ignored.
func (r *Reconciler) IngestPayload(p core.StatsPayload) core.IngestResult {
	s, err := p.RequestSnapshot()
	if err != nil {
		return r.result(false, core.OutcomeMalformed)
	}
	return r.Ingest(s)
}

// CurrentRate returns the latest rate per minute.
func (r *Reconciler) CurrentRate() float64 {
	return r.currentRate
}

// History returns a copy of the retained points, oldest first.
func (r *Reconciler) History() []core.HistoryPoint {
	out := make([]core.HistoryPoint, len(r.history))
	for i, p := range r.history {
		p.PerKey = maps.Clone(p.PerKey)
		out[i] = p
	}
	return out
}

// Len returns the number of retained points.
func (r *Reconciler) Len() int {
	return len(r.history)
}

// Last returns the most recent point, if any.
func (r *Reconciler) Last() (core.HistoryPoint, bool) {
	if len(r.history) == 0 {
		return core.HistoryPoint{}, false
	}
	return r.history[len(r.history)-1], true
}

// Total returns the counter value of the current baseline.
func (r *Reconciler) Total() int64 {
	if r.previous == nil {
		return 0
	}
	return r.previous.Total
}

// MaxHistory returns the configured cap.
func (r *Reconciler) MaxHistory() int {
	return r.maxHistory
}

// Reset drops all state, as if the reconciler had just been created.
func (r *Reconciler) Reset() {
	r.previous = nil
	r.lastSeen = 0
	r.currentRate = 0
	r.history = r.history[:0]
}

func (r *Reconciler) setBaseline(s core.Snapshot) {
	snap := s
	r.previous = &snap
	r.lastSeen = s.Timestamp
}

func (r *Reconciler) result(appended bool, outcome core.IngestOutcome) core.IngestResult {
	return core.IngestResult{
		Rate:            r.currentRate,
		HistoryAppended: appended,
		Outcome:         outcome,
	}
}
