package output

import (
	"encoding/json"

	"github.com/sdwanlab/ratewatch/internal/core"
)

// JSONFormatter renders state as JSON.
type JSONFormatter struct {
	Indent bool
}

type historyDocument struct {
	Stream string              `json:"stream"`
	Points []core.HistoryPoint `json:"points"`
}

// FormatAgents renders agents as a JSON array.
func (f *JSONFormatter) FormatAgents(agents []core.AgentStatus) (string, error) {
	if agents == nil {
		agents = []core.AgentStatus{}
	}
	return f.marshal(agents)
}

// FormatStatus renders stream status as a JSON array.
func (f *JSONFormatter) FormatStatus(streams []core.StreamStatus) (string, error) {
	if streams == nil {
		streams = []core.StreamStatus{}
	}
	return f.marshal(streams)
}

// FormatHistory renders history as {"stream": ..., "points": [...]}.
func (f *JSONFormatter) FormatHistory(stream string, points []core.HistoryPoint) (string, error) {
	if points == nil {
		points = []core.HistoryPoint{}
	}
	return f.marshal(historyDocument{Stream: stream, Points: points})
}

// FormatStreams renders stream summaries as a JSON array.
func (f *JSONFormatter) FormatStreams(streams []core.StreamSummary) (string, error) {
	if streams == nil {
		streams = []core.StreamSummary{}
	}
	return f.marshal(streams)
}

func (f *JSONFormatter) marshal(value any) (string, error) {
	var (
		data []byte
		err  error
	)

	if f.Indent {
		data, err = json.MarshalIndent(value, "", "  ")
	} else {
		data, err = json.Marshal(value)
	}
	if err != nil {
		return "", err
	}

	return string(data), nil
}
