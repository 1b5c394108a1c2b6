package output

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sdwanlab/ratewatch/internal/core"
)

// Format represents an output format.
type Format string

const (
	FormatTable    Format = "table"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// Formatter renders agent and stream state.
type Formatter interface {
	FormatAgents(agents []core.AgentStatus) (string, error)
	FormatStatus(streams []core.StreamStatus) (string, error)
	FormatHistory(stream string, points []core.HistoryPoint) (string, error)
	FormatStreams(streams []core.StreamSummary) (string, error)
}

// ParseFormat validates and normalizes a format string.
func ParseFormat(value string) (Format, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "", string(FormatTable):
		return FormatTable, nil
	case string(FormatJSON):
		return FormatJSON, nil
	case string(FormatMarkdown), "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", value)
	}
}

// NewFormatter returns a formatter for the requested format.
func NewFormatter(format Format) Formatter {
	switch format {
	case FormatJSON:
		return &JSONFormatter{Indent: true}
	case FormatMarkdown:
		return &MarkdownFormatter{}
	default:
		return &TableFormatter{}
	}
}

// FormatStatus renders stream status in the requested format.
func FormatStatus(format Format, streams []core.StreamStatus) (string, error) {
	return NewFormatter(format).FormatStatus(streams)
}

// FormatAgents renders agent poll state in the requested format.
func FormatAgents(format Format, agents []core.AgentStatus) (string, error) {
	return NewFormatter(format).FormatAgents(agents)
}

// FormatHistory renders one stream's history in the requested format.
func FormatHistory(format Format, stream string, points []core.HistoryPoint) (string, error) {
	return NewFormatter(format).FormatHistory(stream, points)
}

// FormatStreams renders persisted stream summaries in the requested format.
func FormatStreams(format Format, streams []core.StreamSummary) (string, error) {
	return NewFormatter(format).FormatStreams(streams)
}

func formatRate(rate float64) string {
	return fmt.Sprintf("%.1f/min", rate)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func agentState(a core.AgentStatus) string {
	switch {
	case a.Polls == 0:
		return "pending"
	case a.Stale:
		return "stale"
	default:
		return "ok"
	}
}

func formatPerKey(perKey map[string]int64) string {
	if len(perKey) == 0 {
		return ""
	}
	keys := make([]string, 0, len(perKey))
	for k := range perKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, perKey[k]))
	}
	return strings.Join(parts, " ")
}
