package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdwanlab/ratewatch/internal/core"
)

func snap(ts, total int64) core.Snapshot {
	return core.Snapshot{Timestamp: ts, Total: total}
}

func TestIngestFirstSampleIsBaseline(t *testing.T) {
	for _, s := range []core.Snapshot{snap(0, 0), snap(1700000000, 98123), {Timestamp: 5, Total: 7, PerKey: map[string]int64{"zoom": 7}}} {
		r := New()
		res := r.Ingest(s)

		assert.Equal(t, 0.0, res.Rate)
		assert.False(t, res.HistoryAppended)
		assert.Equal(t, core.OutcomeBaseline, res.Outcome)
		assert.Empty(t, r.History())
	}
}

func TestIngestRateArithmetic(t *testing.T) {
	t.Run("120 over 60s", func(t *testing.T) {
		r := New()
		r.Ingest(snap(0, 0))
		res := r.Ingest(snap(60, 120))

		require.True(t, res.HistoryAppended)
		assert.Equal(t, 120.0, res.Rate)
		assert.Equal(t, 120.0, r.CurrentRate())
	})

	t.Run("30 over 30s", func(t *testing.T) {
		r := New()
		r.Ingest(snap(0, 0))
		res := r.Ingest(snap(30, 30))

		assert.Equal(t, 60.0, res.Rate)
	})

	t.Run("history point is rounded", func(t *testing.T) {
		r := New()
		r.Ingest(snap(0, 0))
		r.Ingest(snap(7, 1))

		hist := r.History()
		require.Len(t, hist, 1)
		assert.InDelta(t, 60.0/7.0, r.CurrentRate(), 1e-9)
		assert.Equal(t, 9.0, hist[0].Rate)
		assert.Equal(t, int64(1), hist[0].Total)
		assert.Equal(t, int64(7), hist[0].Timestamp)
	})
}

func TestIngestMonotonicAccumulation(t *testing.T) {
	r := New(WithMaxHistory(100))
	totals := []int64{0, 5, 5, 9, 9, 9, 20, 21, 21, 40}

	advancing := 0
	for i, total := range totals {
		res := r.Ingest(snap(int64(i), total))
		if i > 0 && total > totals[i-1] {
			advancing++
			assert.True(t, res.HistoryAppended, "sample %d", i)
		} else {
			assert.False(t, res.HistoryAppended, "sample %d", i)
		}
	}

	assert.Equal(t, advancing, r.Len())

	hist := r.History()
	for i := 1; i < len(hist); i++ {
		assert.Greater(t, hist[i].Timestamp, hist[i-1].Timestamp)
	}
}

func TestIngestDuplicateSuppression(t *testing.T) {
	r := New()
	r.Ingest(snap(0, 0))
	first := r.Ingest(snap(2, 10))
	require.True(t, first.HistoryAppended)

	second := r.Ingest(snap(3, 10))
	assert.False(t, second.HistoryAppended)
	assert.Equal(t, core.OutcomeIdle, second.Outcome)
	assert.Equal(t, first.Rate, second.Rate)
	assert.Equal(t, 1, r.Len())

	// The same snapshot again is still idle and appends nothing.
	again := r.Ingest(snap(3, 10))
	assert.Equal(t, core.OutcomeIdle, again.Outcome)
	assert.False(t, again.HistoryAppended)
	assert.Equal(t, 1, r.Len())
}

func TestIngestAdvanceAtIdleTimestamp(t *testing.T) {
	r := New()
	r.Ingest(snap(0, 10))

	idle := r.Ingest(snap(5, 10))
	require.Equal(t, core.OutcomeIdle, idle.Outcome)

	// Same timestamp as the idle poll, but the counter moved.
	res := r.Ingest(snap(5, 20))
	assert.Equal(t, core.OutcomeAdvanced, res.Outcome)
	assert.True(t, res.HistoryAppended)
	assert.Equal(t, 120.0, res.Rate)
	require.Equal(t, 1, r.Len())
	assert.Equal(t, int64(5), r.History()[0].Timestamp)

	// Going back behind the last poll is still rejected.
	assert.Equal(t, core.OutcomeStale, r.Ingest(snap(4, 30)).Outcome)
}

func TestIngestBehindIdlePollIsStale(t *testing.T) {
	r := New()
	r.Ingest(snap(0, 10))
	r.Ingest(snap(8, 10))

	res := r.Ingest(snap(6, 20))
	assert.Equal(t, core.OutcomeStale, res.Outcome)
	assert.Equal(t, 0, r.Len())
}

func TestIngestCounterReset(t *testing.T) {
	r := New()

	res := r.Ingest(snap(0, 100))
	assert.GreaterOrEqual(t, res.Rate, 0.0)

	res = r.Ingest(snap(10, 120))
	assert.Equal(t, 120.0, res.Rate)

	res = r.Ingest(snap(20, 5))
	assert.Equal(t, 0.0, res.Rate)
	assert.Equal(t, core.OutcomeReset, res.Outcome)
	assert.False(t, res.HistoryAppended)
	assert.Equal(t, 1, r.Len())

	// The reset snapshot is the new baseline.
	res = r.Ingest(snap(30, 15))
	assert.Equal(t, 60.0, res.Rate)
	assert.Equal(t, int64(15), r.Total())
}

func TestIngestBoundedHistory(t *testing.T) {
	const limit, extra = 5, 7
	r := New(WithMaxHistory(limit))
	r.Ingest(snap(0, 0))

	for i := 1; i <= limit+extra; i++ {
		r.Ingest(snap(int64(i), int64(i*10)))
	}

	hist := r.History()
	require.Len(t, hist, limit)
	for i, p := range hist {
		assert.Equal(t, int64(extra+1+i), p.Timestamp)
	}
}

func TestIngestStalenessDecay(t *testing.T) {
	t.Run("beyond threshold forces zero", func(t *testing.T) {
		r := New()
		r.Ingest(snap(0, 0))
		r.Ingest(snap(10, 20))
		require.Equal(t, 120.0, r.CurrentRate())

		res := r.Ingest(snap(10+DefaultStalenessThreshold+1, 20))
		assert.Equal(t, 0.0, res.Rate)
		assert.Equal(t, core.OutcomeDecayed, res.Outcome)
		assert.Equal(t, 1, r.Len())
	})

	t.Run("below threshold keeps rate", func(t *testing.T) {
		r := New()
		r.Ingest(snap(0, 0))
		r.Ingest(snap(10, 20))

		res := r.Ingest(snap(10+DefaultStalenessThreshold-1, 20))
		assert.Equal(t, 120.0, res.Rate)
		assert.Equal(t, core.OutcomeIdle, res.Outcome)
	})

	t.Run("flat period accumulates across polls", func(t *testing.T) {
		r := New()
		r.Ingest(snap(0, 0))
		r.Ingest(snap(1, 2))
		for ts := int64(2); ts <= 16; ts++ {
			res := r.Ingest(snap(ts, 2))
			require.Equal(t, 120.0, res.Rate, "ts=%d", ts)
		}
		res := r.Ingest(snap(17, 2))
		assert.Equal(t, 0.0, res.Rate)
	})

	t.Run("custom threshold", func(t *testing.T) {
		r := New(WithStalenessThreshold(3))
		r.Ingest(snap(0, 0))
		r.Ingest(snap(1, 1))
		assert.Equal(t, 0.0, r.Ingest(snap(5, 1)).Rate)
	})
}

func TestIngestOutOfOrderLeavesStateUntouched(t *testing.T) {
	r := New()
	r.Ingest(snap(10, 0))
	r.Ingest(snap(20, 10))
	before := r.History()

	res := r.Ingest(snap(15, 50))
	assert.Equal(t, core.OutcomeStale, res.Outcome)
	assert.Equal(t, 60.0, res.Rate)
	assert.Equal(t, before, r.History())
	assert.Equal(t, int64(10), r.Total())
}

func TestIngestMalformedIsNoop(t *testing.T) {
	r := New()
	r.Ingest(snap(0, 0))
	r.Ingest(snap(30, 30))

	res := r.Ingest(core.Snapshot{Timestamp: 40, Total: -1})
	assert.Equal(t, core.OutcomeMalformed, res.Outcome)
	assert.Equal(t, 60.0, res.Rate)

	ts := 50.0
	res = r.IngestPayload(core.StatsPayload{Timestamp: &ts})
	assert.Equal(t, core.OutcomeMalformed, res.Outcome)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, int64(30), r.Total())
}

func TestIngestPayload(t *testing.T) {
	r := New()
	ts, total := 100.9, int64(10)
	r.IngestPayload(core.StatsPayload{Timestamp: &ts, TotalRequests: &total})

	ts2, total2 := 130.2, int64(40)
	res := r.IngestPayload(core.StatsPayload{Timestamp: &ts2, TotalRequests: &total2, RequestsByApp: map[string]int64{"teams": 40}})

	assert.Equal(t, 60.0, res.Rate)
	hist := r.History()
	require.Len(t, hist, 1)
	assert.Equal(t, map[string]int64{"teams": 40}, hist[0].PerKey)
}

func TestHistoryDoesNotShareCallerMaps(t *testing.T) {
	r := New()
	r.Ingest(core.Snapshot{Timestamp: 0, Total: 0, PerKey: map[string]int64{"zoom": 0}})
	perKey := map[string]int64{"zoom": 4}
	r.Ingest(core.Snapshot{Timestamp: 2, Total: 4, PerKey: perKey})

	perKey["zoom"] = 99
	hist := r.History()
	require.Len(t, hist, 1)
	assert.Equal(t, int64(4), hist[0].PerKey["zoom"])

	hist[0].PerKey["zoom"] = -1
	assert.Equal(t, int64(4), r.History()[0].PerKey["zoom"])
}

func TestHistoryReturnsCopy(t *testing.T) {
	r := New()
	r.Ingest(snap(0, 0))
	r.Ingest(snap(1, 1))

	hist := r.History()
	hist[0].Rate = -1

	assert.Equal(t, 60.0, r.History()[0].Rate)
}

func TestReset(t *testing.T) {
	r := New()
	r.Ingest(snap(0, 0))
	r.Ingest(snap(1, 1))
	r.Reset()

	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0.0, r.CurrentRate())
	assert.Equal(t, core.OutcomeBaseline, r.Ingest(snap(2, 5)).Outcome)
}
