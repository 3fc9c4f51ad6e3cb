package stats

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docchat/internal/config"
	"docchat/internal/kst"
	"docchat/internal/store"
)

func kstDaysAgo(n int) string {
	return kst.Today().AddDate(0, 0, -n).Format(kst.DateLayout)
}

func TestPercentileLinearInterpolation(t *testing.T) {
	sorted := []float64{100, 200, 300, 400, 500, 1000}

	assert.InDelta(t, 350, percentile(sorted, 50), 1e-9)
	assert.InDelta(t, 875, percentile(sorted, 95), 1e-9)
	assert.InDelta(t, 975, percentile(sorted, 99), 1e-9)
	assert.InDelta(t, 1000, percentile(sorted, 100), 1e-9)
}

func TestPercentileEdgeCases(t *testing.T) {
	assert.Equal(t, 0.0, percentile(nil, 50))
	assert.Equal(t, 42.0, percentile([]float64{42}, 99))
}

func testAggregator(t *testing.T) (*Aggregator, *store.DB, string) {
	t.Helper()
	logsDir := t.TempDir()
	db, err := store.Open(filepath.Join(t.TempDir(), "stats.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := config.StatsConfig{ChunkSize: 2, LargeFileThreshold: 100 << 20}
	return New(cfg, logsDir, db), db, logsDir
}

func writeShardLines(t *testing.T, logsDir, date string, lines []string) {
	t.Helper()
	dir := filepath.Join(logsDir, "data", date[:4], date[5:7])
	require.NoError(t, os.MkdirAll(dir, 0o755))
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, date+".jsonl"), []byte(content), 0o644))
}

func userLine(session, collection, content, createdAt string) string {
	return fmt.Sprintf(`{"log_id":"u-%s","session_id":%q,"collection_name":%q,"message_type":"user","message_content":%q,"created_at":%q}`,
		session, session, collection, content, createdAt)
}

func assistantLine(session, collection string, responseMS, tokens int, createdAt string) string {
	return fmt.Sprintf(`{"log_id":"a-%s","session_id":%q,"collection_name":%q,"message_type":"assistant","message_content":"답변","llm_model":"qwen2.5","reasoning_level":"medium","performance":{"response_time_ms":%d,"token_count":%d},"retrieval_info":{"retrieved_count":2,"top_scores":[0.8,0.6],"reranking_used":true},"created_at":%q}`,
		session, session, collection, responseMS, tokens, createdAt)
}

func TestAggregateDailyScenarioPercentiles(t *testing.T) {
	agg, db, logsDir := testAggregator(t)
	date := "2026-08-20"

	var lines []string
	for i, ms := range []int{100, 200, 300, 400, 500, 1000, 0} {
		s := fmt.Sprintf("s%d", i)
		lines = append(lines,
			userLine(s, "docs", "환불 규정", date+"T10:00:00"),
			assistantLine(s, "docs", ms, 50, date+"T10:00:05"),
		)
	}
	writeShardLines(t, logsDir, date, lines)

	status, err := agg.AggregateDaily(context.Background(), date)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, status)

	rows, err := db.DailyStats(context.Background(), "docs", date, date)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	r := rows[0]

	// The zero response time is excluded from every latency statistic.
	assert.Equal(t, 7, r.UserMessages)
	assert.Equal(t, 7, r.AssistantMessages)
	assert.Equal(t, 14, r.TotalMessages)
	assert.InDelta(t, 350, r.P50ResponseTimeMS, 1e-9)
	assert.InDelta(t, 875, r.P95ResponseTimeMS, 1e-9)
	assert.InDelta(t, 975, r.P99ResponseTimeMS, 1e-9)
	assert.InDelta(t, 1000, r.MaxResponseTimeMS, 1e-9)
	assert.Equal(t, 7, r.RerankingUsedCount)
	require.NotNil(t, r.AvgRetrievalScore)
	assert.InDelta(t, 0.7, *r.AvgRetrievalScore, 1e-9)
	assert.Contains(t, r.TopQueries, "환불 규정")

	// The synthetic ALL rollup mirrors the single collection.
	allRows, err := db.DailyStats(context.Background(), AllCollections, date, date)
	require.NoError(t, err)
	require.Len(t, allRows, 1)
	assert.Equal(t, 14, allRows[0].TotalMessages)
}

func TestAggregateDailyIdempotent(t *testing.T) {
	agg, db, logsDir := testAggregator(t)
	date := "2026-08-21"
	writeShardLines(t, logsDir, date, []string{
		userLine("s1", "docs", "질문", date+"T09:00:00"),
		assistantLine("s1", "docs", 400, 80, date+"T09:00:03"),
	})

	_, err := agg.AggregateDaily(context.Background(), date)
	require.NoError(t, err)
	first, err := db.DailyStats(context.Background(), "docs", date, date)
	require.NoError(t, err)

	_, err = agg.AggregateDaily(context.Background(), date)
	require.NoError(t, err)
	second, err := db.DailyStats(context.Background(), "docs", date, date)
	require.NoError(t, err)

	require.Len(t, second, 1)
	assert.Equal(t, first, second)
}

func TestAggregateDailySkipsCorruptLines(t *testing.T) {
	agg, db, logsDir := testAggregator(t)
	date := "2026-08-22"
	writeShardLines(t, logsDir, date, []string{
		userLine("s1", "docs", "질문 하나", date+"T09:00:00"),
		"{not valid json",
		assistantLine("s1", "docs", 250, 40, date+"T09:00:02"),
	})

	status, err := agg.AggregateDaily(context.Background(), date)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, status)

	rows, err := db.DailyStats(context.Background(), "docs", date, date)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].TotalMessages)
}

func TestAggregateDailyNoShard(t *testing.T) {
	agg, _, _ := testAggregator(t)
	status, err := agg.AggregateDaily(context.Background(), "2026-01-01")
	require.NoError(t, err)
	assert.Equal(t, StatusNoData, status)
}

func TestNormalizeKSTTimestampForms(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"naive passes through", "2026-08-20T10:00:00", "2026-08-20T10:00:00"},
		{"utc converted to kst", "2026-08-20T01:00:00Z", "2026-08-20T10:00:00"},
		{"offset converted to kst", "2026-08-20T10:00:00+09:00", "2026-08-20T10:00:00"},
		{"garbage unchanged", "not-a-time", "not-a-time"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, normalizeKST(tt.input))
		})
	}
}

func TestBackfillConvergesOldestFirst(t *testing.T) {
	agg, db, logsDir := testAggregator(t)
	ctx := context.Background()

	var dates []string
	for i := 3; i >= 1; i-- {
		date := kstDaysAgo(i)
		dates = append(dates, date)
		writeShardLines(t, logsDir, date, []string{
			userLine("s1", "docs", "질문", date+"T09:00:00"),
			assistantLine("s1", "docs", 300, 40, date+"T09:00:02"),
		})
	}

	missing, err := agg.FindMissingDates(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, dates, missing)

	// One date per tick: three ticks reach zero remaining.
	for i := 0; i < 3; i++ {
		remaining, err := agg.Backfill(ctx, 30, 1)
		require.NoError(t, err)
		assert.Equal(t, 2-i, remaining)
	}

	for _, date := range dates {
		rows, err := db.DailyStats(ctx, "docs", date, date)
		require.NoError(t, err)
		assert.Len(t, rows, 1, "date %s", date)
	}

	missing, err = agg.FindMissingDates(ctx, 30)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestGetTimelineZeroFillsMissingDays(t *testing.T) {
	agg, db, _ := testAggregator(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertStatistics(ctx, &store.StatRow{
		CollectionName: "docs", Date: "2026-08-20", TotalMessages: 6, UserMessages: 3,
		TopQueries: "[]", ModelUsage: "{}", ReasoningDistribution: "{}",
	}))

	timeline, err := agg.GetTimeline(ctx, "docs", "2026-08-19", "2026-08-21")
	require.NoError(t, err)
	require.Len(t, timeline, 3)

	assert.Equal(t, 0, timeline[0].TotalMessages)
	assert.Equal(t, 6, timeline[1].TotalMessages)
	assert.Equal(t, "2026-08-21", timeline[2].Date)
	assert.Equal(t, 0, timeline[2].TotalMessages)
}
