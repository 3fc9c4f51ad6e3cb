package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"

	"docchat/internal/config"
	"docchat/internal/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RerankResult is one scored (query, document) pair, highest score first.
type RerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
	Document       string  `json:"document,omitempty"`
}

type rerankRequest struct {
	Model           string   `json:"model"`
	Query           string   `json:"query"`
	Documents       []string `json:"documents"`
	TopN            int      `json:"top_n,omitempty"`
	ReturnDocuments bool     `json:"return_documents,omitempty"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
		Document       any     `json:"document,omitempty"`
	} `json:"results"`
}

// Reranker scores (query, passage) pairs against the external cross-encoder.
type Reranker struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewReranker builds the reranker client against RERANKER_URL.
func NewReranker(cfg *config.Config) *Reranker {
	return &Reranker{
		baseURL:    cfg.RerankerURL,
		model:      cfg.RerankerModel,
		httpClient: &http.Client{Timeout: cfg.Timeouts.Reranker},
	}
}

// Rerank scores documents against the query and returns results sorted by
// relevance descending.
func (r *Reranker) Rerank(ctx context.Context, query string, documents []string, topN int, returnDocuments bool) ([]RerankResult, error) {
	if len(documents) == 0 {
		return nil, fmt.Errorf("no documents provided for reranking")
	}

	body, err := json.Marshal(rerankRequest{
		Model:           r.model,
		Query:           query,
		Documents:       documents,
		TopN:            topN,
		ReturnDocuments: returnDocuments,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rerank API returned status %d: %s: %w", resp.StatusCode, string(raw), ErrUpstreamUnavailable)
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode rerank response: %w", err)
	}

	results := make([]RerankResult, len(parsed.Results))
	for i, item := range parsed.Results {
		doc := ""
		switch v := item.Document.(type) {
		case string:
			doc = v
		case map[string]any:
			doc, _ = v["text"].(string)
		}
		results[i] = RerankResult{Index: item.Index, RelevanceScore: item.RelevanceScore, Document: doc}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].RelevanceScore > results[j].RelevanceScore
	})

	logging.For("reranker").Debug().
		Int("documents", len(documents)).
		Dur("took", time.Since(start)).
		Msg("rerank complete")
	return results, nil
}

// RerankWithFallback returns nil instead of an error so callers can degrade
// to vector-only ordering. Timeouts, HTTP errors and network errors all
// collapse to "no results".
func (r *Reranker) RerankWithFallback(ctx context.Context, query string, documents []string, topN int) []RerankResult {
	results, err := r.Rerank(ctx, query, documents, topN, false)
	if err != nil {
		logging.For("reranker").Warn().Err(err).Msg("rerank failed, falling back to vector ordering")
		return nil
	}
	return results
}
