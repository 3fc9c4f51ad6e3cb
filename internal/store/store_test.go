package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docchat/internal/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestApplySessionUpdatesTwoTurns(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	// Turn 1: clean turn.
	failed, err := db.ApplySessionUpdates(ctx, []models.SessionUpdate{{
		SessionID:      "s1",
		CollectionName: "docs",
		DeltaUser:      1,
		DeltaAssistant: 1,
		ResponseTimeMS: 1200,
		TopScores:      []float64{0.82, 0.71},
		LLMModel:       "qwen2.5",
		ReasoningLevel: "medium",
	}})
	require.NoError(t, err)
	assert.Zero(t, failed)

	// Turn 2: slower, lower score, errored.
	failed, err = db.ApplySessionUpdates(ctx, []models.SessionUpdate{{
		SessionID:      "s1",
		CollectionName: "docs",
		DeltaUser:      1,
		DeltaAssistant: 1,
		ResponseTimeMS: 800,
		TopScores:      []float64{0.55},
		HasError:       true,
		LLMModel:       "qwen2.5",
		ReasoningLevel: "medium",
	}})
	require.NoError(t, err)
	assert.Zero(t, failed)

	s, err := db.GetSession(ctx, "s1")
	require.NoError(t, err)

	assert.Equal(t, 4, s.MessageCount)
	assert.Equal(t, 2, s.UserMessageCount)
	assert.Equal(t, 2, s.AssistantMessageCount)
	assert.Equal(t, int64(2000), s.TotalResponseTimeMS)
	assert.Equal(t, int64(1000), s.AvgResponseTimeMS)
	assert.True(t, s.HasError)
	require.NotNil(t, s.MinRetrievalScore)
	assert.InDelta(t, 0.55, *s.MinRetrievalScore, 1e-9)
}

func TestApplySessionUpdatesCountingInvariants(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	updates := []models.SessionUpdate{
		{SessionID: "s2", DeltaUser: 1, DeltaAssistant: 1, ResponseTimeMS: 300},
		{SessionID: "s2", DeltaUser: 1, DeltaAssistant: 1, ResponseTimeMS: 500},
		{SessionID: "s2", DeltaUser: 1, DeltaAssistant: 1, ResponseTimeMS: 100},
	}
	_, err := db.ApplySessionUpdates(ctx, updates)
	require.NoError(t, err)

	s, err := db.GetSession(ctx, "s2")
	require.NoError(t, err)

	assert.Equal(t, s.UserMessageCount+s.AssistantMessageCount, s.MessageCount)
	assert.Equal(t, s.TotalResponseTimeMS/int64(s.AssistantMessageCount), s.AvgResponseTimeMS)
	assert.Equal(t, int64(900), s.TotalResponseTimeMS)
	assert.Equal(t, int64(300), s.AvgResponseTimeMS)
	assert.False(t, s.HasError)
	assert.Nil(t, s.MinRetrievalScore)
}

func TestUpsertStatisticsOverwrites(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	row := &StatRow{
		CollectionName:        "docs",
		Date:                  "2026-08-20",
		TotalMessages:         10,
		UserMessages:          5,
		AssistantMessages:     5,
		AvgResponseTimeMS:     400,
		TopQueries:            `[{"query":"환불","count":3}]`,
		ModelUsage:            `{"qwen2.5":5}`,
		ReasoningDistribution: `{"medium":5}`,
	}
	require.NoError(t, db.UpsertStatistics(ctx, row))

	row.TotalMessages = 12
	row.UserMessages = 6
	row.AssistantMessages = 6
	require.NoError(t, db.UpsertStatistics(ctx, row))

	rows, err := db.DailyStats(ctx, "docs", "2026-08-20", "2026-08-20")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 12, rows[0].TotalMessages)
	assert.Equal(t, 6, rows[0].UserMessages)
	assert.Equal(t, `{"qwen2.5":5}`, rows[0].ModelUsage)
}

func TestUpsertStatisticsHourlyAndDailyCoexist(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	hour := 9
	require.NoError(t, db.UpsertStatistics(ctx, &StatRow{
		CollectionName: "docs", Date: "2026-08-20",
		TopQueries: "[]", ModelUsage: "{}", ReasoningDistribution: "{}",
	}))
	require.NoError(t, db.UpsertStatistics(ctx, &StatRow{
		CollectionName: "docs", Date: "2026-08-20", Hour: &hour,
		TopQueries: "[]", ModelUsage: "{}", ReasoningDistribution: "{}",
	}))

	// DailyStats only sees the hour IS NULL row.
	rows, err := db.DailyStats(ctx, "docs", "2026-08-20", "2026-08-20")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].Hour)

	dates, err := db.DatesWithDailyStats(ctx)
	require.NoError(t, err)
	assert.True(t, dates["2026-08-20"])
}
