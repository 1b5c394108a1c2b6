package reconcile

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdwanlab/ratewatch/internal/core"
)

func payload(ts float64, total int64, apps map[string]int64) core.StatsPayload {
	return core.StatsPayload{Timestamp: &ts, TotalRequests: &total, RequestsByApp: apps}
}

func TestStreamSetApply(t *testing.T) {
	set := NewStreamSet("branch-1", DefaultLimits())

	updates := set.Apply(payload(0, 0, map[string]int64{"zoom": 0, "teams": 0}))
	require.Len(t, updates, 3)
	for _, u := range updates {
		assert.Equal(t, core.OutcomeBaseline, u.Result.Outcome)
	}

	updates = set.Apply(payload(30, 60, map[string]int64{"zoom": 30, "teams": 30}))
	require.Len(t, updates, 3)
	assert.Equal(t, core.StreamRequests, updates[0].Stream)
	assert.Equal(t, "app:teams", updates[1].Stream)
	assert.Equal(t, "app:zoom", updates[2].Stream)
	for _, u := range updates {
		assert.True(t, u.Result.HistoryAppended, u.Stream)
		require.NotNil(t, u.Point)
	}

	rate, ok := set.Rate(core.StreamRequests)
	require.True(t, ok)
	assert.Equal(t, 120.0, rate)

	rate, ok = set.Rate("app:zoom")
	require.True(t, ok)
	assert.Equal(t, 60.0, rate)

	_, ok = set.Rate("app:missing")
	assert.False(t, ok)
}

func TestStreamSetAppStreamsAreIndependent(t *testing.T) {
	set := NewStreamSet("a", DefaultLimits())
	set.Apply(payload(0, 0, map[string]int64{"zoom": 0}))
	set.Apply(payload(10, 10, map[string]int64{"zoom": 10}))

	// A new app appears mid-stream and only establishes its own baseline.
	updates := set.Apply(payload(20, 30, map[string]int64{"zoom": 10, "webex": 20}))

	byStream := map[string]StreamUpdate{}
	for _, u := range updates {
		byStream[u.Stream] = u
	}
	assert.Equal(t, core.OutcomeAdvanced, byStream[core.StreamRequests].Result.Outcome)
	assert.Equal(t, core.OutcomeIdle, byStream["app:zoom"].Result.Outcome)
	assert.Equal(t, core.OutcomeBaseline, byStream["app:webex"].Result.Outcome)
}

func TestStreamSetErrorStream(t *testing.T) {
	set := NewStreamSet("a", DefaultLimits())

	p := payload(0, 0, nil)
	errs := int64(0)
	p.TotalErrors = &errs
	set.Apply(p)

	p = payload(60, 100, nil)
	errs2 := int64(6)
	p.TotalErrors = &errs2
	set.Apply(p)

	rate, ok := set.Rate(core.StreamErrors)
	require.True(t, ok)
	assert.Equal(t, 6.0, rate)
}

func TestStreamSetMalformedPayload(t *testing.T) {
	set := NewStreamSet("a", DefaultLimits())
	set.Apply(payload(0, 0, nil))

	updates := set.Apply(core.StatsPayload{})
	require.Len(t, updates, 1)
	assert.Equal(t, core.OutcomeMalformed, updates[0].Result.Outcome)
	assert.Equal(t, 1, set.Len())
}

func TestStreamSetHistoryCaps(t *testing.T) {
	set := NewStreamSet("a", Limits{MaxHistory: 4, PerKeyMaxHistory: 2})
	for i := 0; i < 10; i++ {
		set.Apply(payload(float64(i), int64(i*10), map[string]int64{"zoom": int64(i)}))
	}

	hist, ok := set.History(core.StreamRequests)
	require.True(t, ok)
	assert.Len(t, hist, 4)

	hist, ok = set.History("app:zoom")
	require.True(t, ok)
	assert.Len(t, hist, 2)
}

func TestStreamSetStatusOrdering(t *testing.T) {
	set := NewStreamSet("a", DefaultLimits())
	p := payload(0, 0, map[string]int64{"zoom": 0, "alpha": 0})
	e := int64(0)
	p.TotalErrors = &e
	set.Apply(p)

	status := set.Status()
	require.Len(t, status, 4)
	assert.Equal(t, []string{"requests", "errors", "app:alpha", "app:zoom"},
		[]string{status[0].Stream, status[1].Stream, status[2].Stream, status[3].Stream})
	assert.Equal(t, "a", status[0].AgentID)
	assert.Nil(t, status[0].LastPointAt)
}

func TestStreamSetConcurrentAccess(t *testing.T) {
	set := NewStreamSet("a", DefaultLimits())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			set.Apply(payload(float64(i), int64(i), map[string]int64{"zoom": int64(i)}))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = set.Status()
			_, _ = set.History(core.StreamRequests)
		}
	}()
	wg.Wait()

	hist, _ := set.History(core.StreamRequests)
	assert.Len(t, hist, DefaultMaxHistory)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, core.StreamKindRequests, KindOf("requests"))
	assert.Equal(t, core.StreamKindErrors, KindOf("errors"))
	assert.Equal(t, core.StreamKindApp, KindOf(AppStream("zoom")))
	assert.Equal(t, core.StreamKind(""), KindOf("bogus"))
}
