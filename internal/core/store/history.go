package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sdwanlab/ratewatch/internal/core"
)

// DefaultHistoryLimit caps ListHistory when the query sets no limit.
const DefaultHistoryLimit = 1000

// HistoryQuery selects persisted history points.
type HistoryQuery struct {
	Agent  string
	Stream string
	Since  time.Time
	Until  time.Time
	Limit  int
}

func (q HistoryQuery) whereClause() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if agent := strings.TrimSpace(q.Agent); agent != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, agent)
	}
	if stream := strings.TrimSpace(q.Stream); stream != "" {
		conds = append(conds, "stream = ?")
		args = append(args, stream)
	}
	if !q.Since.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, q.Since.Unix())
	}
	if !q.Until.IsZero() {
		conds = append(conds, "ts <= ?")
		args = append(args, q.Until.Unix())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// AppendHistory persists history records in one transaction. A point that
// already exists for the same agent, stream and timestamp is kept as is.
func (s *Store) AppendHistory(ctx context.Context, records []core.HistoryRecord) error {
	if err := s.ready(); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO history_points (agent_id, stream, ts, rate, total, per_key, poll_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, stream, ts) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("prepare history append: %w", err)
	}
	defer stmt.Close() // nolint:errcheck // closed with the transaction

	for _, rec := range records {
		if strings.TrimSpace(rec.AgentID) == "" || strings.TrimSpace(rec.Stream) == "" {
			return errors.New("history record requires agent and stream")
		}

		var perKey sql.NullString
		if len(rec.Point.PerKey) > 0 {
			encoded, err := json.Marshal(rec.Point.PerKey)
			if err != nil {
				return fmt.Errorf("encode per-key counts: %w", err)
			}
			perKey = sql.NullString{String: string(encoded), Valid: true}
		}

		var pollID sql.NullString
		if rec.PollID != "" {
			pollID = sql.NullString{String: rec.PollID, Valid: true}
		}

		if _, err := stmt.ExecContext(ctx, rec.AgentID, rec.Stream, rec.Point.Timestamp,
			rec.Point.Rate, rec.Point.Total, perKey, pollID); err != nil {
			return fmt.Errorf("append history point: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history append: %w", err)
	}
	return nil
}

// ListHistory returns matching points oldest first. When more than Limit
// points match, the most recent Limit are returned.
func (s *Store) ListHistory(ctx context.Context, q HistoryQuery) ([]core.HistoryRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	where, args := q.whereClause()
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT agent_id, stream, ts, rate, total, per_key, poll_id FROM (
			SELECT agent_id, stream, ts, rate, total, per_key, poll_id
			FROM history_points
			%s
			ORDER BY ts DESC, agent_id, stream
			LIMIT ?
		) ORDER BY ts ASC, agent_id, stream
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	records := []core.HistoryRecord{}
	for rows.Next() {
		var (
			rec    core.HistoryRecord
			perKey sql.NullString
			pollID sql.NullString
		)
		if err := rows.Scan(&rec.AgentID, &rec.Stream, &rec.Point.Timestamp, &rec.Point.Rate,
			&rec.Point.Total, &perKey, &pollID); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if perKey.Valid && perKey.String != "" {
			if err := json.Unmarshal([]byte(perKey.String), &rec.Point.PerKey); err != nil {
				return nil, fmt.Errorf("decode per-key counts: %w", err)
			}
		}
		rec.PollID = pollID.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}

	return records, nil
}

// PruneHistory deletes points with a timestamp before the cutoff.
func (s *Store) PruneHistory(ctx context.Context, before time.Time) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := s.DB.ExecContext(ctx, `DELETE FROM history_points WHERE ts < ?`, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return affected, nil
}

// ListStreams summarizes persisted streams, optionally for one agent.
func (s *Store) ListStreams(ctx context.Context, agent string) ([]core.StreamSummary, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args := HistoryQuery{Agent: agent}.whereClause()
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT agent_id, stream, COUNT(*), MIN(ts), MAX(ts)
		FROM history_points
		%s
		GROUP BY agent_id, stream
		ORDER BY agent_id, stream
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	summaries := []core.StreamSummary{}
	for rows.Next() {
		var (
			summary     core.StreamSummary
			first, last int64
		)
		if err := rows.Scan(&summary.AgentID, &summary.Stream, &summary.Points, &first, &last); err != nil {
			return nil, fmt.Errorf("scan streams: %w", err)
		}
		summary.First = time.Unix(first, 0).UTC()
		summary.Last = time.Unix(last, 0).UTC()
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}

	return summaries, nil
}
