// Package stats aggregates daily JSONL interaction shards into per-collection
// rollup rows and serves summary queries over them.
package stats

import (
	"context"
	"fmt"
	"sort"

	"docchat/internal/config"
	"docchat/internal/kst"
	"docchat/internal/logging"
	"docchat/internal/models"
	"docchat/internal/store"
)

// AllCollections is the synthetic rollup spanning every collection in a shard.
const AllCollections = "ALL"

// Status classifies one aggregation run.
type Status string

const (
	StatusOK     Status = "ok"
	StatusNoData Status = "no_data"
)

// Aggregator turns shards into chat_statistics rows.
type Aggregator struct {
	cfg     config.StatsConfig
	logsDir string
	db      *store.DB
}

// New builds the aggregator.
func New(cfg config.StatsConfig, logsDir string, db *store.DB) *Aggregator {
	return &Aggregator{cfg: cfg, logsDir: logsDir, db: db}
}

// AggregateDaily computes and upserts the daily rollups for one KST date.
// Collections present in the shard each get a row, plus the synthetic ALL row.
func (a *Aggregator) AggregateDaily(ctx context.Context, date string) (Status, error) {
	rollups, err := a.collectRollups(date)
	if err != nil {
		return StatusNoData, err
	}
	if rollups == nil {
		return StatusNoData, nil
	}

	for collection, r := range rollups {
		row, err := r.toRow(collection, date, nil)
		if err != nil {
			return StatusOK, fmt.Errorf("failed to serialize rollup for %s: %w", collection, err)
		}
		if err := a.db.UpsertStatistics(ctx, row); err != nil {
			return StatusOK, err
		}
	}
	logging.For("stats").Info().
		Str("date", date).
		Int("collections", len(rollups)-1).
		Msg("daily aggregation complete")
	return StatusOK, nil
}

// AggregateHourly refreshes today's rollups from the partial shard so
// dashboards track the current day without waiting for the nightly run.
func (a *Aggregator) AggregateHourly(ctx context.Context) (Status, error) {
	return a.AggregateDaily(ctx, kst.Today().Format(kst.DateLayout))
}

// collectRollups streams the date's shard into per-collection rollups plus
// ALL. A nil map means the shard does not exist.
func (a *Aggregator) collectRollups(date string) (map[string]*rollup, error) {
	path := shardPath(a.logsDir, date)
	if path == "" {
		return nil, nil
	}

	rollups := map[string]*rollup{AllCollections: newRollup()}
	err := readShard(path, a.cfg.ChunkSize, a.cfg.LargeFileThreshold, func(chunk []models.InteractionRecord) error {
		for i := range chunk {
			rec := &chunk[i]
			rollups[AllCollections].add(rec)
			name := rec.CollectionName
			if name == "" {
				continue
			}
			r, ok := rollups[name]
			if !ok {
				r = newRollup()
				rollups[name] = r
			}
			r.add(rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rollups, nil
}

// FindMissingDates lists dates within daysBack whose shard exists but which
// have no daily statistics rows yet, oldest first.
func (a *Aggregator) FindMissingDates(ctx context.Context, daysBack int) ([]string, error) {
	have, err := a.db.DatesWithDailyStats(ctx)
	if err != nil {
		return nil, err
	}

	var missing []string
	today := kst.Today()
	for i := daysBack; i >= 1; i-- {
		date := today.AddDate(0, 0, -i).Format(kst.DateLayout)
		if have[date] {
			continue
		}
		if shardPath(a.logsDir, date) != "" {
			missing = append(missing, date)
		}
	}
	return missing, nil
}

// Backfill aggregates up to maxDates missing dates, oldest first, and returns
// how many dates remain afterwards.
func (a *Aggregator) Backfill(ctx context.Context, daysBack, maxDates int) (int, error) {
	missing, err := a.FindMissingDates(ctx, daysBack)
	if err != nil {
		return 0, err
	}
	if len(missing) == 0 {
		return 0, nil
	}

	process := missing
	if len(process) > maxDates {
		process = process[:maxDates]
	}
	for _, date := range process {
		if _, err := a.AggregateDaily(ctx, date); err != nil {
			return len(missing), fmt.Errorf("backfill of %s failed: %w", date, err)
		}
		logging.For("stats").Info().Str("date", date).Msg("backfilled")
	}
	return len(missing) - len(process), nil
}

// Summary is the rolled-up view over a date range.
type Summary struct {
	CollectionName    string   `json:"collection_name"`
	StartDate         string   `json:"start_date"`
	EndDate           string   `json:"end_date"`
	TotalMessages     int      `json:"total_messages"`
	UserMessages      int      `json:"user_messages"`
	AssistantMessages int      `json:"assistant_messages"`
	TotalTokens       int      `json:"total_tokens"`
	AvgResponseTimeMS float64  `json:"avg_response_time_ms"`
	AvgRetrievalScore *float64 `json:"avg_retrieval_score,omitempty"`
	ErrorCount        int      `json:"error_count"`
	DaysWithData      int      `json:"days_with_data"`
}

// TimelinePoint is one day of the timeline; missing days carry zeros.
type TimelinePoint struct {
	Date              string  `json:"date"`
	TotalMessages     int     `json:"total_messages"`
	UserMessages      int     `json:"user_messages"`
	AvgResponseTimeMS float64 `json:"avg_response_time_ms"`
	ErrorCount        int     `json:"error_count"`
}

// GetSummary prefers the statistics table and falls back to scanning shards
// when the table has nothing for the range.
func (a *Aggregator) GetSummary(ctx context.Context, collection, start, end string) (*Summary, error) {
	if collection == "" {
		collection = AllCollections
	}
	rows, err := a.db.DailyStats(ctx, collection, start, end)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return a.summaryFromShards(collection, start, end)
	}

	s := &Summary{CollectionName: collection, StartDate: start, EndDate: end, DaysWithData: len(rows)}
	var weightedRT, rtWeight float64
	var scoreSum float64
	scoreDays := 0
	for _, r := range rows {
		s.TotalMessages += r.TotalMessages
		s.UserMessages += r.UserMessages
		s.AssistantMessages += r.AssistantMessages
		s.TotalTokens += r.TotalTokens
		s.ErrorCount += r.ErrorCount
		if r.AssistantMessages > 0 {
			weightedRT += r.AvgResponseTimeMS * float64(r.AssistantMessages)
			rtWeight += float64(r.AssistantMessages)
		}
		if r.AvgRetrievalScore != nil {
			scoreSum += *r.AvgRetrievalScore
			scoreDays++
		}
	}
	if rtWeight > 0 {
		s.AvgResponseTimeMS = weightedRT / rtWeight
	}
	if scoreDays > 0 {
		avg := scoreSum / float64(scoreDays)
		s.AvgRetrievalScore = &avg
	}
	return s, nil
}

// summaryFromShards computes the summary directly from JSONL when the table
// has no rows for the range.
func (a *Aggregator) summaryFromShards(collection, start, end string) (*Summary, error) {
	s := &Summary{CollectionName: collection, StartDate: start, EndDate: end}
	var rtSum float64
	rtCount := 0
	var scoreSum float64
	scoreCount := 0

	for _, date := range dateRange(start, end) {
		rollups, err := a.collectRollups(date)
		if err != nil {
			return nil, err
		}
		if rollups == nil {
			continue
		}
		r, ok := rollups[collection]
		if !ok {
			continue
		}
		s.DaysWithData++
		s.TotalMessages += r.userMessages + r.assistantMessages
		s.UserMessages += r.userMessages
		s.AssistantMessages += r.assistantMessages
		s.TotalTokens += r.totalTokens
		s.ErrorCount += r.errorCount
		for _, rt := range r.responseTimes {
			rtSum += rt
			rtCount++
		}
		for _, sc := range r.topScores {
			scoreSum += sc
			scoreCount++
		}
	}
	if rtCount > 0 {
		s.AvgResponseTimeMS = rtSum / float64(rtCount)
	}
	if scoreCount > 0 {
		avg := scoreSum / float64(scoreCount)
		s.AvgRetrievalScore = &avg
	}
	return s, nil
}

// GetTimeline returns one point per day in [start..end], zero-filled for days
// without data.
func (a *Aggregator) GetTimeline(ctx context.Context, collection, start, end string) ([]TimelinePoint, error) {
	if collection == "" {
		collection = AllCollections
	}
	rows, err := a.db.DailyStats(ctx, collection, start, end)
	if err != nil {
		return nil, err
	}
	byDate := make(map[string]store.StatRow, len(rows))
	for _, r := range rows {
		byDate[r.Date] = r
	}

	var timeline []TimelinePoint
	for _, date := range dateRange(start, end) {
		point := TimelinePoint{Date: date}
		if r, ok := byDate[date]; ok {
			point.TotalMessages = r.TotalMessages
			point.UserMessages = r.UserMessages
			point.AvgResponseTimeMS = r.AvgResponseTimeMS
			point.ErrorCount = r.ErrorCount
		}
		timeline = append(timeline, point)
	}
	return timeline, nil
}

// Report bundles summary, timeline and the usage distributions for a range.
type Report struct {
	Summary    *Summary        `json:"summary"`
	Timeline   []TimelinePoint `json:"timeline"`
	TopQueries []queryCount    `json:"top_queries"`
	ModelUsage map[string]int  `json:"model_usage"`
	Reasoning  map[string]int  `json:"reasoning_distribution"`
}

// GetReport builds the comprehensive report for a collection and range.
func (a *Aggregator) GetReport(ctx context.Context, collection, start, end string) (*Report, error) {
	if collection == "" {
		collection = AllCollections
	}
	summary, err := a.GetSummary(ctx, collection, start, end)
	if err != nil {
		return nil, err
	}
	timeline, err := a.GetTimeline(ctx, collection, start, end)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Summary:    summary,
		Timeline:   timeline,
		ModelUsage: make(map[string]int),
		Reasoning:  make(map[string]int),
	}

	rows, err := a.db.DailyStats(ctx, collection, start, end)
	if err != nil {
		return nil, err
	}
	queryCounts := make(map[string]int)
	for _, r := range rows {
		var tq []queryCount
		if err := json.Unmarshal([]byte(r.TopQueries), &tq); err == nil {
			for _, q := range tq {
				queryCounts[q.Query] += q.Count
			}
		}
		var mu map[string]int
		if err := json.Unmarshal([]byte(r.ModelUsage), &mu); err == nil {
			for k, v := range mu {
				report.ModelUsage[k] += v
			}
		}
		var rd map[string]int
		if err := json.Unmarshal([]byte(r.ReasoningDistribution), &rd); err == nil {
			for k, v := range rd {
				report.Reasoning[k] += v
			}
		}
	}

	merged := make([]queryCount, 0, len(queryCounts))
	for q, c := range queryCounts {
		merged = append(merged, queryCount{Query: q, Count: c})
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Count != merged[j].Count {
			return merged[i].Count > merged[j].Count
		}
		return merged[i].Query < merged[j].Query
	})
	if len(merged) > 10 {
		merged = merged[:10]
	}
	report.TopQueries = merged
	return report, nil
}

// dateRange enumerates KST dates from start to end inclusive. Unparseable
// bounds yield an empty range.
func dateRange(start, end string) []string {
	s, err := kst.Parse(start + "T00:00:00")
	if err != nil {
		return nil
	}
	e, err := kst.Parse(end + "T00:00:00")
	if err != nil {
		return nil
	}
	var dates []string
	for d := s; !d.After(e); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format(kst.DateLayout))
	}
	return dates
}
