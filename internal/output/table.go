package output

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/sdwanlab/ratewatch/internal/core"
)

// TableFormatter renders state as an ASCII table.
type TableFormatter struct{}

// FormatAgents renders agent poll state as a table.
func (f *TableFormatter) FormatAgents(agents []core.AgentStatus) (string, error) {
	t := newTable()
	t.AppendHeader(table.Row{"Agent", "URL", "State", "Polls", "Failures", "Superseded", "Last Success", "Last Error"})

	stale := 0
	for _, a := range agents {
		if a.Stale {
			stale++
		}
		t.AppendRow(table.Row{
			a.ID,
			a.URL,
			agentState(a),
			a.Polls,
			a.Failures,
			a.Superseded,
			formatTime(a.LastSuccess),
			a.LastError,
		})
	}
	t.AppendFooter(table.Row{"", "", fmt.Sprintf("%d/%d stale", stale, len(agents)), "", "", "", "", ""})

	return t.Render(), nil
}

// FormatStatus renders stream status as a table.
func (f *TableFormatter) FormatStatus(streams []core.StreamStatus) (string, error) {
	t := newTable()
	t.AppendHeader(table.Row{"Agent", "Stream", "Rate", "Total", "Points", "Last Point"})

	for _, s := range streams {
		t.AppendRow(table.Row{
			s.AgentID,
			s.Stream,
			formatRate(s.Rate),
			s.Total,
			s.Points,
			formatTime(s.LastPointAt),
		})
	}

	return t.Render(), nil
}

// FormatHistory renders history points as a table.
func (f *TableFormatter) FormatHistory(stream string, points []core.HistoryPoint) (string, error) {
	t := newTable()
	t.SetTitle(stream)
	t.AppendHeader(table.Row{"Time", "Rate", "Total", "Per Key"})

	for _, p := range points {
		ts := p.Time()
		t.AppendRow(table.Row{
			formatTime(&ts),
			formatRate(p.Rate),
			p.Total,
			formatPerKey(p.PerKey),
		})
	}
	if len(points) > 0 {
		t.AppendFooter(table.Row{"", fmt.Sprintf("%d points", len(points)), "", ""})
	}

	return t.Render(), nil
}

// FormatStreams renders persisted stream summaries as a table.
func (f *TableFormatter) FormatStreams(streams []core.StreamSummary) (string, error) {
	t := newTable()
	t.AppendHeader(table.Row{"Agent", "Stream", "Points", "First", "Last"})

	for _, s := range streams {
		first, last := s.First, s.Last
		t.AppendRow(table.Row{s.AgentID, s.Stream, s.Points, formatTime(&first), formatTime(&last)})
	}

	return t.Render(), nil
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	return t
}
