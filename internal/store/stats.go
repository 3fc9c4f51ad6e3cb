package store

import (
	"context"
	"database/sql"
	"fmt"

	"docchat/internal/kst"
)

// StatRow is one aggregated statistics row. Hour is nil for daily rows. The
// JSON columns arrive pre-serialized with non-ASCII preserved.
type StatRow struct {
	CollectionName        string
	Date                  string // YYYY-MM-DD (KST)
	Hour                  *int
	TotalMessages         int
	UserMessages          int
	AssistantMessages     int
	TotalTokens           int
	AvgResponseTimeMS     float64
	P50ResponseTimeMS     float64
	P95ResponseTimeMS     float64
	P99ResponseTimeMS     float64
	MaxResponseTimeMS     float64
	AvgRetrievalScore     *float64
	RerankingUsedCount    int
	ErrorCount            int
	TopQueries            string
	ModelUsage            string
	ReasoningDistribution string
}

const upsertStatSQL = `
INSERT INTO chat_statistics (
    collection_name, date, hour,
    total_messages, user_messages, assistant_messages, total_tokens,
    avg_response_time_ms, p50_response_time_ms, p95_response_time_ms,
    p99_response_time_ms, max_response_time_ms,
    avg_retrieval_score, reranking_used_count, error_count,
    top_queries, model_usage, reasoning_distribution,
    created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(collection_name, date, IFNULL(hour, -1)) DO UPDATE SET
    total_messages         = excluded.total_messages,
    user_messages          = excluded.user_messages,
    assistant_messages     = excluded.assistant_messages,
    total_tokens           = excluded.total_tokens,
    avg_response_time_ms   = excluded.avg_response_time_ms,
    p50_response_time_ms   = excluded.p50_response_time_ms,
    p95_response_time_ms   = excluded.p95_response_time_ms,
    p99_response_time_ms   = excluded.p99_response_time_ms,
    max_response_time_ms   = excluded.max_response_time_ms,
    avg_retrieval_score    = excluded.avg_retrieval_score,
    reranking_used_count   = excluded.reranking_used_count,
    error_count            = excluded.error_count,
    top_queries            = excluded.top_queries,
    model_usage            = excluded.model_usage,
    reasoning_distribution = excluded.reasoning_distribution,
    updated_at             = excluded.updated_at
`

// UpsertStatistics writes one rollup row keyed on (collection, date, hour).
// Re-running an aggregation overwrites every field except stat_id and
// created_at.
func (d *DB) UpsertStatistics(ctx context.Context, row *StatRow) error {
	now := kst.Now().Format(kst.TimestampLayout)
	_, err := d.sql.ExecContext(ctx, upsertStatSQL,
		row.CollectionName, row.Date, row.Hour,
		row.TotalMessages, row.UserMessages, row.AssistantMessages, row.TotalTokens,
		row.AvgResponseTimeMS, row.P50ResponseTimeMS, row.P95ResponseTimeMS,
		row.P99ResponseTimeMS, row.MaxResponseTimeMS,
		row.AvgRetrievalScore, row.RerankingUsedCount, row.ErrorCount,
		row.TopQueries, row.ModelUsage, row.ReasoningDistribution,
		now, now,
	)
	if err != nil {
		return fmt.Errorf("statistics upsert for %s/%s failed: %w", row.CollectionName, row.Date, err)
	}
	return nil
}

// DatesWithDailyStats returns the set of dates that already have at least one
// daily (hour IS NULL) row.
func (d *DB) DatesWithDailyStats(ctx context.Context) (map[string]bool, error) {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT DISTINCT date FROM chat_statistics WHERE hour IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to list stat dates: %w", err)
	}
	defer rows.Close()

	dates := make(map[string]bool)
	for rows.Next() {
		var date string
		if err := rows.Scan(&date); err != nil {
			return nil, fmt.Errorf("failed to scan stat date: %w", err)
		}
		dates[date] = true
	}
	return dates, rows.Err()
}

// DailyStats returns the daily rows for a collection over [start..end],
// ordered by date ascending.
func (d *DB) DailyStats(ctx context.Context, collection, start, end string) ([]StatRow, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT collection_name, date, hour,
		       total_messages, user_messages, assistant_messages, total_tokens,
		       avg_response_time_ms, p50_response_time_ms, p95_response_time_ms,
		       p99_response_time_ms, max_response_time_ms,
		       avg_retrieval_score, reranking_used_count, error_count,
		       top_queries, model_usage, reasoning_distribution
		FROM chat_statistics
		WHERE collection_name = ? AND hour IS NULL AND date BETWEEN ? AND ?
		ORDER BY date`, collection, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily stats: %w", err)
	}
	defer rows.Close()
	return scanStatRows(rows)
}

func scanStatRows(rows *sql.Rows) ([]StatRow, error) {
	var out []StatRow
	for rows.Next() {
		var r StatRow
		if err := rows.Scan(
			&r.CollectionName, &r.Date, &r.Hour,
			&r.TotalMessages, &r.UserMessages, &r.AssistantMessages, &r.TotalTokens,
			&r.AvgResponseTimeMS, &r.P50ResponseTimeMS, &r.P95ResponseTimeMS,
			&r.P99ResponseTimeMS, &r.MaxResponseTimeMS,
			&r.AvgRetrievalScore, &r.RerankingUsedCount, &r.ErrorCount,
			&r.TopQueries, &r.ModelUsage, &r.ReasoningDistribution,
		); err != nil {
			return nil, fmt.Errorf("failed to scan stat row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
