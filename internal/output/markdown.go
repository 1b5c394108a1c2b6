package output

import (
	"fmt"
	"strings"

	"github.com/sdwanlab/ratewatch/internal/core"
)

// MarkdownFormatter renders state as markdown tables.
type MarkdownFormatter struct{}

// FormatAgents renders agent poll state as Markdown.
func (f *MarkdownFormatter) FormatAgents(agents []core.AgentStatus) (string, error) {
	var sb strings.Builder
	sb.WriteString("## Agents\n\n")
	sb.WriteString("| Agent | URL | State | Polls | Failures | Last Success | Last Error |\n")
	sb.WriteString("|-------|-----|-------|-------|----------|--------------|------------|\n")

	for _, a := range agents {
		sb.WriteString(fmt.Sprintf("| %s | %s | %s | %d | %d | %s | %s |\n",
			escapeMarkdownCell(a.ID),
			escapeMarkdownCell(a.URL),
			agentState(a),
			a.Polls,
			a.Failures,
			formatTime(a.LastSuccess),
			escapeMarkdownCell(a.LastError),
		))
	}

	return sb.String(), nil
}

// FormatStatus renders stream status as Markdown.
func (f *MarkdownFormatter) FormatStatus(streams []core.StreamStatus) (string, error) {
	var sb strings.Builder
	sb.WriteString("| Agent | Stream | Rate | Total | Points |\n")
	sb.WriteString("|-------|--------|------|-------|--------|\n")

	for _, s := range streams {
		sb.WriteString(fmt.Sprintf("| %s | %s | %s | %d | %d |\n",
			escapeMarkdownCell(s.AgentID),
			escapeMarkdownCell(s.Stream),
			formatRate(s.Rate),
			s.Total,
			s.Points,
		))
	}

	return sb.String(), nil
}

// FormatHistory renders history points as Markdown.
func (f *MarkdownFormatter) FormatHistory(stream string, points []core.HistoryPoint) (string, error) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## %s history\n\n", escapeMarkdownCell(stream)))
	sb.WriteString("| Time | Rate | Total |\n")
	sb.WriteString("|------|------|-------|\n")

	for _, p := range points {
		ts := p.Time()
		sb.WriteString(fmt.Sprintf("| %s | %s | %d |\n", formatTime(&ts), formatRate(p.Rate), p.Total))
	}

	sb.WriteString(fmt.Sprintf("\n**Points**: %d\n", len(points)))
	return sb.String(), nil
}

// FormatStreams renders persisted stream summaries as Markdown.
func (f *MarkdownFormatter) FormatStreams(streams []core.StreamSummary) (string, error) {
	var sb strings.Builder
	sb.WriteString("| Agent | Stream | Points | First | Last |\n")
	sb.WriteString("|-------|--------|--------|-------|------|\n")

	for _, s := range streams {
		first, last := s.First, s.Last
		sb.WriteString(fmt.Sprintf("| %s | %s | %d | %s | %s |\n",
			escapeMarkdownCell(s.AgentID),
			escapeMarkdownCell(s.Stream),
			s.Points,
			formatTime(&first),
			formatTime(&last),
		))
	}

	return sb.String(), nil
}

func escapeMarkdownCell(value string) string {
	return strings.ReplaceAll(value, "|", "\\|")
}
