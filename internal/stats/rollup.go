package stats

import (
	"math"
	"sort"

	"docchat/internal/models"
	"docchat/internal/store"
)

// rollup accumulates one collection's statistics while streaming a shard.
type rollup struct {
	userMessages      int
	assistantMessages int
	totalTokens       int
	responseTimes     []float64
	topScores         []float64
	rerankingUsed     int
	errorCount        int
	queryCounts       map[string]int
	modelUsage        map[string]int
	reasoningLevels   map[string]int
}

func newRollup() *rollup {
	return &rollup{
		queryCounts:     make(map[string]int),
		modelUsage:      make(map[string]int),
		reasoningLevels: make(map[string]int),
	}
}

func (r *rollup) add(rec *models.InteractionRecord) {
	switch rec.MessageType {
	case "user":
		r.userMessages++
		if rec.MessageContent != "" {
			r.queryCounts[rec.MessageContent]++
		}
	case "assistant":
		r.assistantMessages++
		if rec.Performance != nil {
			r.totalTokens += rec.Performance.TokenCount
			// Zero response times are enqueue artifacts, not measurements.
			if rec.Performance.ResponseTimeMS > 0 {
				r.responseTimes = append(r.responseTimes, float64(rec.Performance.ResponseTimeMS))
			}
		}
		if rec.RetrievalInfo != nil {
			r.topScores = append(r.topScores, rec.RetrievalInfo.TopScores...)
			if rec.RetrievalInfo.RerankingUsed != nil && *rec.RetrievalInfo.RerankingUsed {
				r.rerankingUsed++
			}
		}
		if rec.LLMModel != "" {
			r.modelUsage[rec.LLMModel]++
		}
		if rec.ReasoningLevel != "" {
			r.reasoningLevels[rec.ReasoningLevel]++
		}
		if rec.ErrorInfo != nil {
			r.errorCount++
		}
	}
}

// queryCount is one entry of the top-queries JSON column.
type queryCount struct {
	Query string `json:"query"`
	Count int    `json:"count"`
}

func (r *rollup) topQueries(n int) []queryCount {
	out := make([]queryCount, 0, len(r.queryCounts))
	for q, c := range r.queryCounts {
		out = append(out, queryCount{Query: q, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Query < out[j].Query
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// toRow freezes the rollup into an upsertable row.
func (r *rollup) toRow(collection, date string, hour *int) (*store.StatRow, error) {
	row := &store.StatRow{
		CollectionName:     collection,
		Date:               date,
		Hour:               hour,
		TotalMessages:      r.userMessages + r.assistantMessages,
		UserMessages:       r.userMessages,
		AssistantMessages:  r.assistantMessages,
		TotalTokens:        r.totalTokens,
		RerankingUsedCount: r.rerankingUsed,
		ErrorCount:         r.errorCount,
	}

	if len(r.responseTimes) > 0 {
		sorted := append([]float64(nil), r.responseTimes...)
		sort.Float64s(sorted)
		row.AvgResponseTimeMS = mean(sorted)
		row.P50ResponseTimeMS = percentile(sorted, 50)
		row.P95ResponseTimeMS = percentile(sorted, 95)
		row.P99ResponseTimeMS = percentile(sorted, 99)
		row.MaxResponseTimeMS = sorted[len(sorted)-1]
	}
	if len(r.topScores) > 0 {
		avg := mean(r.topScores)
		row.AvgRetrievalScore = &avg
	}

	topQueries, err := json.Marshal(r.topQueries(10))
	if err != nil {
		return nil, err
	}
	modelUsage, err := json.Marshal(r.modelUsage)
	if err != nil {
		return nil, err
	}
	reasoning, err := json.Marshal(r.reasoningLevels)
	if err != nil {
		return nil, err
	}
	row.TopQueries = string(topQueries)
	row.ModelUsage = string(modelUsage)
	row.ReasoningDistribution = string(reasoning)
	return row, nil
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// percentile computes the p-th percentile of an ascending-sorted series using
// linear interpolation between closest ranks.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(n-1)
	lower := int(math.Floor(rank))
	if lower >= n-1 {
		return sorted[n-1]
	}
	frac := rank - float64(lower)
	return sorted[lower] + frac*(sorted[lower+1]-sorted[lower])
}
