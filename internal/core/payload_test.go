package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatsPayloadDecodesBothKeyStyles(t *testing.T) {
	t.Run("snake_case", func(t *testing.T) {
		var p StatsPayload
		require.NoError(t, json.Unmarshal([]byte(`{"timestamp": 1700000000.75, "total_requests": 42, "requests_by_app": {"zoom": 40, "teams": 2}}`), &p))

		s, err := p.RequestSnapshot()
		require.NoError(t, err)
		require.Equal(t, int64(1700000000), s.Timestamp)
		require.Equal(t, int64(42), s.Total)
		require.Equal(t, map[string]int64{"zoom": 40, "teams": 2}, s.PerKey)

		_, ok := p.ErrorSnapshot()
		require.False(t, ok)
	})

	t.Run("camelCase", func(t *testing.T) {
		var p StatsPayload
		require.NoError(t, json.Unmarshal([]byte(`{"timestamp": 10, "totalRequests": 7, "requestsByApp": {"webex": 7}, "totalErrors": 1, "errorsByApp": {"webex": 1}}`), &p))

		s, err := p.RequestSnapshot()
		require.NoError(t, err)
		require.Equal(t, int64(7), s.Total)

		e, ok := p.ErrorSnapshot()
		require.True(t, ok)
		require.Equal(t, int64(1), e.Total)
		require.Equal(t, int64(10), e.Timestamp)
		require.Equal(t, map[string]int64{"webex": 1}, e.PerKey)
	})
}

func TestStatsPayloadMalformed(t *testing.T) {
	cases := map[string]string{
		"missing timestamp": `{"total_requests": 1}`,
		"missing total":     `{"timestamp": 1}`,
		"negative total":    `{"timestamp": 1, "total_requests": -4}`,
		"negative time":     `{"timestamp": -1, "total_requests": 4}`,
		"empty":             `{}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			var p StatsPayload
			require.NoError(t, json.Unmarshal([]byte(body), &p))

			_, err := p.RequestSnapshot()
			require.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

func TestRequestSnapshotCopiesPerKey(t *testing.T) {
	ts, total := 1.0, int64(2)
	apps := map[string]int64{"zoom": 2}
	p := StatsPayload{Timestamp: &ts, TotalRequests: &total, RequestsByApp: apps}

	s, err := p.RequestSnapshot()
	require.NoError(t, err)
	apps["zoom"] = 99
	require.Equal(t, int64(2), s.PerKey["zoom"])
}
