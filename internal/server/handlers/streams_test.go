package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdwanlab/ratewatch/internal/core"
	"github.com/sdwanlab/ratewatch/internal/core/reconcile"
	"github.com/sdwanlab/ratewatch/internal/core/store"
)

type fakeAgents struct {
	sets map[string]*reconcile.StreamSet
}

func (f fakeAgents) Agents() []core.AgentStatus {
	out := []core.AgentStatus{}
	for id, set := range f.sets {
		out = append(out, core.AgentStatus{ID: id, Streams: set.Len()})
	}
	return out
}

func (f fakeAgents) Streams(id string) (*reconcile.StreamSet, bool) {
	set, ok := f.sets[id]
	return set, ok
}

type fakeHistory struct {
	query   store.HistoryQuery
	records []core.HistoryRecord
	err     error
}

func (f *fakeHistory) ListHistory(_ context.Context, q store.HistoryQuery) ([]core.HistoryRecord, error) {
	f.query = q
	return f.records, f.err
}

func feed(set *reconcile.StreamSet, ts float64, total int64, apps map[string]int64) {
	set.Apply(core.StatsPayload{Timestamp: &ts, TotalRequests: &total, RequestsByApp: apps})
}

func newAPI(t *testing.T, history HistoryReader) http.Handler {
	t.Helper()
	set := reconcile.NewStreamSet("branch-1", reconcile.DefaultLimits())
	feed(set, 1700000000, 0, map[string]int64{"zoom": 0})
	feed(set, 1700000030, 60, map[string]int64{"zoom": 30})
	feed(set, 1700000060, 150, map[string]int64{"zoom": 45})

	api := &StreamAPI{Agents: fakeAgents{sets: map[string]*reconcile.StreamSet{"branch-1": set}}, History: history}

	r := chi.NewRouter()
	r.Get("/api/v1/agents", api.ListAgents)
	r.Get("/api/v1/agents/{agent}/streams", api.ListStreams)
	r.Get("/api/v1/agents/{agent}/streams/{stream}/history", api.StreamHistory)
	r.Get("/api/v1/agents/{agent}/streams/{stream}/chart.png", api.StreamChart)
	return r
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestListAgents(t *testing.T) {
	rec := get(t, newAPI(t, nil), "/api/v1/agents")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AgentsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Agents, 1)
	assert.Equal(t, "branch-1", resp.Agents[0].ID)
	assert.Equal(t, 2, resp.Agents[0].Streams)
}

func TestListStreams(t *testing.T) {
	h := newAPI(t, nil)

	rec := get(t, h, "/api/v1/agents/branch-1/streams")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StreamsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Streams, 2)
	assert.Equal(t, "requests", resp.Streams[0].Stream)
	assert.Equal(t, 180.0, resp.Streams[0].Rate)
	assert.Equal(t, "app:zoom", resp.Streams[1].Stream)

	rec = get(t, h, "/api/v1/agents/nope/streams")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "UNKNOWN_AGENT")
}

func TestStreamHistoryLive(t *testing.T) {
	h := newAPI(t, nil)

	rec := get(t, h, "/api/v1/agents/branch-1/streams/requests/history")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HistoryResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "live", resp.Source)
	require.Len(t, resp.Points, 2)
	assert.Equal(t, 120.0, resp.Points[0].Rate)
	assert.Equal(t, 180.0, resp.Points[1].Rate)

	rec = get(t, h, "/api/v1/agents/branch-1/streams/app:zoom/history")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, h, "/api/v1/agents/branch-1/streams/app:teams/history")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "UNKNOWN_STREAM")
}

func TestStreamHistoryFromStore(t *testing.T) {
	history := &fakeHistory{records: []core.HistoryRecord{
		{AgentID: "branch-1", Stream: "requests", Point: core.HistoryPoint{Timestamp: 1, Rate: 5}},
	}}
	h := newAPI(t, history)

	rec := get(t, h, "/api/v1/agents/branch-1/streams/requests/history?source=store&since=2026-01-01T00:00:00Z&limit=10")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HistoryResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "store", resp.Source)
	require.Len(t, resp.Points, 1)
	assert.Equal(t, "branch-1", history.query.Agent)
	assert.Equal(t, "requests", history.query.Stream)
	assert.Equal(t, 10, history.query.Limit)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), history.query.Since.UTC())

	rec = get(t, h, "/api/v1/agents/branch-1/streams/requests/history?source=store&limit=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, h, "/api/v1/agents/branch-1/streams/requests/history?source=store&since=yesterday")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	history.err = errors.New("disk full")
	rec = get(t, h, "/api/v1/agents/branch-1/streams/requests/history?source=store")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStreamHistoryStoreNotConfigured(t *testing.T) {
	rec := get(t, newAPI(t, nil), "/api/v1/agents/branch-1/streams/requests/history?source=store")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStreamChart(t *testing.T) {
	h := newAPI(t, nil)

	rec := get(t, h, "/api/v1/agents/branch-1/streams/requests/chart.png?width=300&height=150")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 300, img.Bounds().Dx())

	rec = get(t, h, "/api/v1/agents/branch-1/streams/requests/chart.png?width=600&height=300&thumb=120")
	require.Equal(t, http.StatusOK, rec.Code)
	img, err = png.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 120, img.Bounds().Dx())

	rec = get(t, h, "/api/v1/agents/branch-1/streams/requests/chart.png?width=-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamChartWithoutHistory(t *testing.T) {
	set := reconcile.NewStreamSet("a", reconcile.DefaultLimits())
	feed(set, 0, 0, nil)
	api := &StreamAPI{Agents: fakeAgents{sets: map[string]*reconcile.StreamSet{"a": set}}}

	r := chi.NewRouter()
	r.Get("/api/v1/agents/{agent}/streams/{stream}/chart.png", api.StreamChart)

	rec := get(t, r, "/api/v1/agents/a/streams/requests/chart.png")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	since, err := ParseSince("1h", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-time.Hour), since)

	since, err = ParseSince("-30m", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-30*time.Minute), since)

	since, err = ParseSince("2026-02-28T00:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, 2026, since.Year())

	_, err = ParseSince("last week", now)
	assert.Error(t, err)
}
