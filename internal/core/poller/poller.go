package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sdwanlab/ratewatch/internal/core"
	"github.com/sdwanlab/ratewatch/internal/core/engine"
	"github.com/sdwanlab/ratewatch/internal/core/reconcile"
	"github.com/sdwanlab/ratewatch/internal/metrics"
	"github.com/sdwanlab/ratewatch/internal/observability"
)

const (
	DefaultInterval    = 2 * time.Second
	DefaultTimeout     = 5 * time.Second
	DefaultMaxInFlight = 2
)

// Fetcher returns the current stats document of an agent.
type Fetcher interface {
	FetchStats(ctx context.Context) (*core.StatsPayload, error)
}

// HistorySink receives every history point the reconcilers append.
type HistorySink interface {
	AppendHistory(ctx context.Context, records []core.HistoryRecord) error
}

// Options configures a Poller.
type Options struct {
	AgentID string
	Name    string
	URL     string

	// Host keys the poll budget. Empty disables budget checks.
	Host string

	Interval    time.Duration
	Timeout     time.Duration
	MaxInFlight int

	Limits  reconcile.Limits
	Limiter *engine.RateLimiter
	Sink    HistorySink
	Logger  *logging.Logger

	// OnApply is called from the poll loop after each applied response.
	OnApply func([]reconcile.StreamUpdate)

	Clock func() time.Time
}

type fetchStatus int

const (
	fetchOK fetchStatus = iota
	fetchFailed
	fetchThrottled
)

type fetchResult struct {
	seq      uint64
	pollID   string
	status   fetchStatus
	payload  *core.StatsPayload
	err      error
	wait     time.Duration
	duration time.Duration
}

// Poller polls one agent. Each tick issues a fetch tagged with an increasing
// sequence number; a response is applied only if it is newer than the last
// applied one, so a slow response can never roll the streams back.
type Poller struct {
	opts    Options
	fetcher Fetcher
	streams *reconcile.StreamSet

	mu          sync.Mutex
	nextSeq     uint64
	lastApplied uint64
	inFlight    int
	polls       int64
	failures    int64
	superseded  int64
	skipped     int64
	lastSuccess *time.Time
	lastError   string
	stale       bool
}

// New returns a poller for one agent. Zero option values take defaults.
func New(fetcher Fetcher, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = DefaultMaxInFlight
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.Name == "" {
		opts.Name = opts.AgentID
	}
	// Budgets are keyed by host; without a limiter there is nothing to key.
	if opts.Limiter == nil {
		opts.Host = ""
	}

	return &Poller{
		opts:    opts,
		fetcher: fetcher,
		streams: reconcile.NewStreamSet(opts.AgentID, opts.Limits),
		stale:   true,
	}
}

// AgentID returns the polled agent's id.
func (p *Poller) AgentID() string {
	return p.opts.AgentID
}

// Streams exposes the agent's reconcilers.
func (p *Poller) Streams() *reconcile.StreamSet {
	return p.streams
}

// Run polls until ctx is cancelled. The first fetch is issued immediately.
// In-flight fetches share ctx; their results are dropped once it is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	results := make(chan fetchResult, p.opts.MaxInFlight)
	var wg sync.WaitGroup
	defer wg.Wait()

	p.logger().Info("Poller started",
		zap.String("agent", p.opts.AgentID),
		zap.String("url", p.opts.URL),
		zap.Duration("interval", p.opts.Interval),
		zap.Int("max_in_flight", p.opts.MaxInFlight))

	p.launch(ctx, &wg, results)
	for {
		select {
		case <-ctx.Done():
			p.logger().Info("Poller stopped", zap.String("agent", p.opts.AgentID))
			return nil
		case <-ticker.C:
			p.launch(ctx, &wg, results)
		case res := <-results:
			p.mu.Lock()
			p.inFlight--
			inFlight := p.inFlight
			p.mu.Unlock()
			metrics.SetPollsInFlight(p.opts.AgentID, inFlight)

			if ctx.Err() != nil {
				continue
			}
			p.handle(ctx, res)
		}
	}
}

// PollOnce fetches and applies one response synchronously.
func (p *Poller) PollOnce(ctx context.Context) error {
	p.mu.Lock()
	p.nextSeq++
	seq := p.nextSeq
	p.mu.Unlock()

	res := p.fetch(ctx, seq)
	p.handle(ctx, res)

	switch res.status {
	case fetchThrottled:
		return &ThrottledError{Wait: res.wait}
	case fetchFailed:
		return res.err
	}
	return nil
}

// ThrottledError is returned by PollOnce when the poll budget is exhausted.
type ThrottledError struct {
	Wait time.Duration
}

func (e *ThrottledError) Error() string {
	return "poll budget exhausted, retry in " + e.Wait.Round(time.Second).String()
}

func (p *Poller) launch(ctx context.Context, wg *sync.WaitGroup, results chan<- fetchResult) {
	p.mu.Lock()
	if p.inFlight >= p.opts.MaxInFlight {
		p.skipped++
		p.mu.Unlock()
		metrics.RecordPoll(p.opts.AgentID, metrics.PollSkipped, 0)
		p.logger().Debug("Tick skipped, fetches still in flight",
			zap.String("agent", p.opts.AgentID),
			zap.Int("in_flight", p.opts.MaxInFlight))
		return
	}
	p.inFlight++
	p.nextSeq++
	seq := p.nextSeq
	inFlight := p.inFlight
	p.mu.Unlock()
	metrics.SetPollsInFlight(p.opts.AgentID, inFlight)

	wg.Add(1)
	go func() {
		defer wg.Done()
		res := p.fetch(ctx, seq)
		// results has room for every in-flight fetch.
		results <- res
	}()
}

func (p *Poller) fetch(ctx context.Context, seq uint64) fetchResult {
	res := fetchResult{seq: seq, pollID: uuid.NewString()}

	if p.opts.Host != "" {
		allowed, wait, err := p.opts.Limiter.Reserve(ctx, p.opts.Host)
		if err != nil {
			p.logger().Warn("Poll budget check failed",
				zap.String("agent", p.opts.AgentID),
				zap.String("host", p.opts.Host),
				zap.Error(err))
		} else if !allowed {
			res.status = fetchThrottled
			res.wait = wait
			return res
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	start := time.Now()
	payload, err := p.fetcher.FetchStats(fetchCtx)
	res.duration = time.Since(start)
	if err != nil {
		res.status = fetchFailed
		res.err = err
		return res
	}
	res.payload = payload
	return res
}

func (p *Poller) handle(ctx context.Context, res fetchResult) {
	agent := p.opts.AgentID

	switch res.status {
	case fetchThrottled:
		p.mu.Lock()
		p.skipped++
		p.mu.Unlock()
		metrics.RecordPoll(agent, metrics.PollThrottled, 0)
		p.logger().Debug("Poll throttled by budget",
			zap.String("agent", agent),
			zap.Duration("retry_in", res.wait))
		return

	case fetchFailed:
		var statusErr *StatusError
		if errors.As(res.err, &statusErr) && statusErr.Throttled() && p.opts.Host != "" {
			if err := p.opts.Limiter.Record429(ctx, p.opts.Host, statusErr.RetryAfter); err != nil {
				p.logger().Warn("Failed to record agent backoff", zap.String("agent", agent), zap.Error(err))
			}
		}

		// A failure older than the applied data says nothing about the agent now.
		if !p.recordFailure(res.seq, res.err.Error()) {
			metrics.RecordPoll(agent, metrics.PollSuperseded, res.duration)
			p.logger().Debug("Discarding superseded poll failure",
				zap.String("agent", agent),
				zap.Uint64("seq", res.seq),
				zap.Error(res.err))
			return
		}
		metrics.RecordPoll(agent, metrics.PollError, res.duration)
		p.logger().Warn("Agent poll failed",
			zap.String("agent", agent),
			zap.Uint64("seq", res.seq),
			zap.Duration("duration", res.duration),
			zap.Error(res.err))
		return
	}

	p.mu.Lock()
	if res.seq <= p.lastApplied {
		p.superseded++
		lastApplied := p.lastApplied
		p.mu.Unlock()
		metrics.RecordPoll(agent, metrics.PollSuperseded, res.duration)
		p.logger().Debug("Discarding superseded response",
			zap.String("agent", agent),
			zap.Uint64("seq", res.seq),
			zap.Uint64("last_applied", lastApplied))
		return
	}
	p.lastApplied = res.seq
	updates := p.streams.Apply(*res.payload)
	malformed := len(updates) == 1 && updates[0].Result.Outcome == core.OutcomeMalformed
	now := p.opts.Clock()
	p.polls++
	if malformed {
		p.failures++
		p.lastError = "malformed stats payload"
		p.stale = true
	} else {
		p.lastSuccess = &now
		p.lastError = ""
		p.stale = false
	}
	p.mu.Unlock()

	metrics.RecordPoll(agent, appliedStatus(malformed), res.duration)

	var records []core.HistoryRecord
	for _, u := range updates {
		metrics.RecordIngestOutcome(string(u.Kind), string(u.Result.Outcome))
		if u.Result.Outcome != core.OutcomeMalformed {
			metrics.SetStreamRate(agent, u.Stream, u.Result.Rate)
		}
		if u.Point != nil {
			records = append(records, core.HistoryRecord{
				AgentID: agent,
				Stream:  u.Stream,
				PollID:  res.pollID,
				Point:   *u.Point,
			})
		}
	}

	if malformed {
		p.logger().Warn("Agent returned malformed stats", zap.String("agent", agent), zap.Uint64("seq", res.seq))
	}

	if p.opts.Sink != nil && len(records) > 0 {
		if err := p.opts.Sink.AppendHistory(ctx, records); err != nil {
			p.logger().Warn("Failed to persist history",
				zap.String("agent", agent),
				zap.Int("points", len(records)),
				zap.Error(err))
		}
	}

	if p.opts.OnApply != nil {
		p.opts.OnApply(updates)
	}
}

// recordFailure marks the agent stale unless a newer response was already
// applied, in which case the failure counts as superseded and false is returned.
func (p *Poller) recordFailure(seq uint64, msg string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seq <= p.lastApplied {
		p.superseded++
		return false
	}
	p.polls++
	p.failures++
	p.lastError = msg
	p.stale = true
	return true
}

// appliedStatus is the polls_total status of a response that reached the
// reconciler. Malformed payloads count as failures in Status, so they are
// not reported as ok.
func appliedStatus(malformed bool) string {
	if malformed {
		return metrics.PollMalformed
	}
	return metrics.PollOK
}

// Status reports the agent's polling health.
func (p *Poller) Status() core.AgentStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := core.AgentStatus{
		ID:         p.opts.AgentID,
		Name:       p.opts.Name,
		URL:        p.opts.URL,
		Interval:   p.opts.Interval.String(),
		Polls:      p.polls,
		Failures:   p.failures,
		Superseded: p.superseded,
		LastError:  p.lastError,
		Stale:      p.stale,
		Streams:    p.streams.Len(),
	}
	if p.lastSuccess != nil {
		t := *p.lastSuccess
		status.LastSuccess = &t
	}
	return status
}

func (p *Poller) logger() *logging.Logger {
	if p.opts.Logger != nil {
		return p.opts.Logger
	}
	return observability.Logger()
}
