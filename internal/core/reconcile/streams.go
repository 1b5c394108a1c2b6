package reconcile

import (
	"sort"
	"strings"
	"sync"

	"github.com/sdwanlab/ratewatch/internal/core"
)

// Limits configures the reconcilers a StreamSet creates.
type Limits struct {
	StalenessThreshold int64
	MaxHistory         int
	PerKeyMaxHistory   int
}

// DefaultLimits returns the policy defaults.
func DefaultLimits() Limits {
	return Limits{
		StalenessThreshold: DefaultStalenessThreshold,
		MaxHistory:         DefaultMaxHistory,
		PerKeyMaxHistory:   PerKeyMaxHistory,
	}
}

// StreamUpdate reports what one stream did with an applied payload.
type StreamUpdate struct {
	Stream string
	Kind   core.StreamKind
	Result core.IngestResult
	Point  *core.HistoryPoint
}

// StreamSet holds the independent reconcilers of one agent: the aggregate
// request stream, the error stream and one stream per application.
// All methods are safe for concurrent use.
type StreamSet struct {
	mu      sync.Mutex
	agentID string
	limits  Limits
	streams map[string]*Reconciler
}

// NewStreamSet returns an empty set for agentID.
func NewStreamSet(agentID string, limits Limits) *StreamSet {
	if limits.StalenessThreshold <= 0 {
		limits.StalenessThreshold = DefaultStalenessThreshold
	}
	if limits.MaxHistory <= 0 {
		limits.MaxHistory = DefaultMaxHistory
	}
	if limits.PerKeyMaxHistory <= 0 {
		limits.PerKeyMaxHistory = PerKeyMaxHistory
	}
	return &StreamSet{
		agentID: agentID,
		limits:  limits,
		streams: make(map[string]*Reconciler),
	}
}

// AgentID returns the owning agent.
func (s *StreamSet) AgentID() string {
	return s.agentID
}

// Apply feeds one payload to every stream it carries. A malformed payload
// leaves all streams untouched and yields a single malformed update.
func (s *StreamSet) Apply(p core.StatsPayload) []StreamUpdate {
	req, err := p.RequestSnapshot()
	if err != nil {
		return []StreamUpdate{{
			Stream: core.StreamRequests,
			Kind:   core.StreamKindRequests,
			Result: core.IngestResult{Outcome: core.OutcomeMalformed},
		}}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	updates := make([]StreamUpdate, 0, 2+len(req.PerKey))
	updates = append(updates, s.ingestLocked(core.StreamRequests, req))

	if errSnap, ok := p.ErrorSnapshot(); ok {
		updates = append(updates, s.ingestLocked(core.StreamErrors, errSnap))
	}

	apps := make([]string, 0, len(req.PerKey))
	for app := range req.PerKey {
		apps = append(apps, app)
	}
	sort.Strings(apps)
	for _, app := range apps {
		snap := core.Snapshot{Timestamp: req.Timestamp, Total: req.PerKey[app]}
		updates = append(updates, s.ingestLocked(AppStream(app), snap))
	}

	return updates
}

// Rate returns the current rate of a stream.
func (s *StreamSet) Rate(stream string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.streams[stream]
	if !ok {
		return 0, false
	}
	return r.CurrentRate(), true
}

// History returns a copy of a stream's history.
func (s *StreamSet) History(stream string) ([]core.HistoryPoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.streams[stream]
	if !ok {
		return nil, false
	}
	return r.History(), true
}

// Status summarizes every stream, requests first, then errors, then apps by name.
func (s *StreamSet) Status() []core.StreamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]core.StreamStatus, 0, len(s.streams))
	for name, r := range s.streams {
		st := core.StreamStatus{
			AgentID: s.agentID,
			Stream:  name,
			Kind:    KindOf(name),
			Rate:    r.CurrentRate(),
			Total:   r.Total(),
			Points:  r.Len(),
		}
		if last, ok := r.Last(); ok {
			at := last.Time()
			st.LastPointAt = &at
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		ki, kj := kindOrder(out[i].Kind), kindOrder(out[j].Kind)
		if ki != kj {
			return ki < kj
		}
		return out[i].Stream < out[j].Stream
	})
	return out
}

// Len returns the number of known streams.
func (s *StreamSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// Reset drops every stream.
func (s *StreamSet) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams = make(map[string]*Reconciler)
}

func (s *StreamSet) ingestLocked(stream string, snap core.Snapshot) StreamUpdate {
	r, ok := s.streams[stream]
	if !ok {
		r = s.newReconciler(stream)
		s.streams[stream] = r
	}

	update := StreamUpdate{
		Stream: stream,
		Kind:   KindOf(stream),
		Result: r.Ingest(snap),
	}
	if update.Result.HistoryAppended {
		if last, ok := r.Last(); ok {
			update.Point = &last
		}
	}
	return update
}

func (s *StreamSet) newReconciler(stream string) *Reconciler {
	limit := s.limits.PerKeyMaxHistory
	if KindOf(stream) == core.StreamKindRequests {
		limit = s.limits.MaxHistory
	}
	return New(WithMaxHistory(limit), WithStalenessThreshold(s.limits.StalenessThreshold))
}

// AppStream returns the stream name for an application.
func AppStream(app string) string {
	return core.AppStreamPrefix + app
}

// KindOf classifies a stream name.
func KindOf(stream string) core.StreamKind {
	switch {
	case stream == core.StreamRequests:
		return core.StreamKindRequests
	case stream == core.StreamErrors:
		return core.StreamKindErrors
	case strings.HasPrefix(stream, core.AppStreamPrefix):
		return core.StreamKindApp
	default:
		return core.StreamKind("")
	}
}

func kindOrder(k core.StreamKind) int {
	switch k {
	case core.StreamKindRequests:
		return 0
	case core.StreamKindErrors:
		return 1
	default:
		return 2
	}
}
