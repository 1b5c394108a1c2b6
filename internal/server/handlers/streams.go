package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sdwanlab/ratewatch/internal/core"
	"github.com/sdwanlab/ratewatch/internal/core/reconcile"
	"github.com/sdwanlab/ratewatch/internal/core/store"
	apperrors "github.com/sdwanlab/ratewatch/internal/errors"
	"github.com/sdwanlab/ratewatch/internal/output"
)

const maxThumbSize = 1024

// AgentSource exposes the live reconcilers of every polled agent.
type AgentSource interface {
	Agents() []core.AgentStatus
	Streams(agentID string) (*reconcile.StreamSet, bool)
}

// HistoryReader reads persisted history.
type HistoryReader interface {
	ListHistory(ctx context.Context, q store.HistoryQuery) ([]core.HistoryRecord, error)
}

// StreamAPI serves agent and stream state.
type StreamAPI struct {
	Agents  AgentSource
	History HistoryReader
}

// AgentsResponse is returned by GET /api/v1/agents.
type AgentsResponse struct {
	Agents []core.AgentStatus `json:"agents"`
}

// StreamsResponse is returned by GET /api/v1/agents/{agent}/streams.
type StreamsResponse struct {
	Agent   string              `json:"agent"`
	Streams []core.StreamStatus `json:"streams"`
}

// HistoryResponse is returned by the history endpoint.
type HistoryResponse struct {
	Agent  string              `json:"agent"`
	Stream string              `json:"stream"`
	Source string              `json:"source"`
	Points []core.HistoryPoint `json:"points"`
}

// ListAgents handles GET /api/v1/agents.
func (a *StreamAPI) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents := a.Agents.Agents()
	if agents == nil {
		agents = []core.AgentStatus{}
	}
	writeJSON(w, http.StatusOK, AgentsResponse{Agents: agents})
}

// ListStreams handles GET /api/v1/agents/{agent}/streams.
func (a *StreamAPI) ListStreams(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent")
	set, ok := a.Agents.Streams(agentID)
	if !ok {
		respondWithError(w, r, apperrors.NewUnknownAgentError(agentID))
		return
	}

	streams := set.Status()
	if streams == nil {
		streams = []core.StreamStatus{}
	}
	writeJSON(w, http.StatusOK, StreamsResponse{Agent: agentID, Streams: streams})
}

// StreamHistory handles GET /api/v1/agents/{agent}/streams/{stream}/history.
// ?source=store reads persisted points, honouring since (RFC3339 or duration)
// and limit.
func (a *StreamAPI) StreamHistory(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent")
	stream := chi.URLParam(r, "stream")

	points, source, err := a.history(r, agentID, stream)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, HistoryResponse{
		Agent:  agentID,
		Stream: stream,
		Source: source,
		Points: points,
	})
}

// StreamChart handles GET /api/v1/agents/{agent}/streams/{stream}/chart.png.
func (a *StreamAPI) StreamChart(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent")
	stream := chi.URLParam(r, "stream")

	points, _, err := a.history(r, agentID, stream)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if len(points) == 0 {
		respondWithError(w, r, apperrors.NewNotFoundError("no history for stream "+stream))
		return
	}

	opts := output.ChartOptions{}
	if opts.Width, err = intParam(r, "width", 0, 4096); err != nil {
		respondWithError(w, r, err)
		return
	}
	if opts.Height, err = intParam(r, "height", 0, 4096); err != nil {
		respondWithError(w, r, err)
		return
	}
	thumb, err := intParam(r, "thumb", 0, maxThumbSize)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := output.RenderChart(&buf, agentID+" "+stream, points, opts); err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "failed to render chart"))
		return
	}

	body := buf.Bytes()
	if thumb > 0 {
		if body, err = output.Thumbnail(body, thumb); err != nil {
			respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "failed to scale chart"))
			return
		}
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (a *StreamAPI) history(r *http.Request, agentID, stream string) ([]core.HistoryPoint, string, error) {
	if strings.EqualFold(r.URL.Query().Get("source"), "store") {
		return a.storedHistory(r, agentID, stream)
	}

	set, ok := a.Agents.Streams(agentID)
	if !ok {
		return nil, "", apperrors.NewUnknownAgentError(agentID)
	}
	points, ok := set.History(stream)
	if !ok {
		return nil, "", apperrors.NewUnknownStreamError(agentID, stream)
	}
	if points == nil {
		points = []core.HistoryPoint{}
	}
	return points, "live", nil
}

func (a *StreamAPI) storedHistory(r *http.Request, agentID, stream string) ([]core.HistoryPoint, string, error) {
	if a.History == nil {
		return nil, "", apperrors.NewServiceUnavailableError("history store not configured")
	}

	q := store.HistoryQuery{Agent: agentID, Stream: stream}
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		since, err := ParseSince(raw, time.Now())
		if err != nil {
			return nil, "", apperrors.WrapInvalidInput(r.Context(), err, "invalid since parameter")
		}
		q.Since = since
	}
	limit, err := intParam(r, "limit", 0, 10000)
	if err != nil {
		return nil, "", err
	}
	q.Limit = limit

	records, err := a.History.ListHistory(r.Context(), q)
	if err != nil {
		return nil, "", apperrors.WrapDatabaseError(r.Context(), err, "failed to read history")
	}

	points := make([]core.HistoryPoint, 0, len(records))
	for _, rec := range records {
		points = append(points, rec.Point)
	}
	return points, "store", nil
}

// ParseSince accepts an RFC3339 timestamp or a Go duration counted back from now.
func ParseSince(raw string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(raw); err == nil {
		if d < 0 {
			d = -d
		}
		return now.Add(-d), nil
	}
	return time.Parse(time.RFC3339, raw)
}

func intParam(r *http.Request, name string, minValue, maxValue int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < minValue || value > maxValue {
		return 0, apperrors.NewInvalidInputError(name + " must be an integer between " +
			strconv.Itoa(minValue) + " and " + strconv.Itoa(maxValue))
	}
	return value, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
