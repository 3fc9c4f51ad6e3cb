package rag

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docchat/internal/config"
	"docchat/internal/llm"
	"docchat/internal/models"
	"docchat/internal/search"
	"docchat/internal/vector"
)

type fakeEmbedder struct{ calls int }

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

type fakeHybrid struct {
	mu      sync.Mutex
	calls   []search.HybridOptions
	perColl map[string][]models.RetrievedDoc
	err     error
}

func (f *fakeHybrid) Search(ctx context.Context, collection, queryText string, queryVec []float32, opts search.HybridOptions) ([]models.RetrievedDoc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, opts)
	if f.err != nil {
		return nil, f.err
	}
	return f.perColl[collection], nil
}

type fakeVectors struct{ hits []vector.Hit }

func (f *fakeVectors) Search(ctx context.Context, collection string, queryVec []float32, limit int, scoreThreshold *float64) ([]vector.Hit, error) {
	return f.hits, nil
}

type fakeReranker struct {
	results []llm.RerankResult
	queries []string
}

func (f *fakeReranker) RerankWithFallback(ctx context.Context, query string, documents []string, topN int) []llm.RerankResult {
	f.queries = append(f.queries, query)
	return f.results
}

type fakeChat struct {
	messages []models.ChatMessage
	resp     *llm.ChatResponse
	err      error
	calls    int

	deltas    []llm.StreamDelta
	streamErr error
}

func (f *fakeChat) Chat(ctx context.Context, modelKey string, messages []models.ChatMessage, params llm.Params) (*llm.ChatResponse, error) {
	f.calls++
	f.messages = messages
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeChat) ChatStream(ctx context.Context, modelKey string, messages []models.ChatMessage, params llm.Params) (<-chan llm.StreamDelta, <-chan error, error) {
	f.calls++
	f.messages = messages
	if f.err != nil {
		return nil, nil, f.err
	}
	deltas := make(chan llm.StreamDelta, len(f.deltas))
	errs := make(chan error, 1)
	for _, d := range f.deltas {
		deltas <- d
	}
	close(deltas)
	errs <- f.streamErr
	return deltas, errs, nil
}

type fakeSink struct {
	mu      sync.Mutex
	records []models.InteractionRecord
	updates []models.SessionUpdate
}

func (f *fakeSink) TryEnqueueLog(rec models.InteractionRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
}

func (f *fakeSink) TryEnqueueSession(upd models.SessionUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, upd)
}

func (f *fakeSink) assistantRecords() []models.InteractionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.InteractionRecord
	for _, rec := range f.records {
		if rec.MessageType == "assistant" {
			out = append(out, rec)
		}
	}
	return out
}

type fakePrompts struct{ collections []string }

func (f *fakePrompts) SystemPrompt(collectionName, reasoningLevel, modelKey string) string {
	f.collections = append(f.collections, collectionName)
	return "시스템 프롬프트"
}

func testRAGConfig() *config.Config {
	threshold := 0.3
	return &config.Config{
		RAG: config.RAGConfig{
			DefaultTopK:           3,
			DefaultReasoningLevel: "medium",
			DefaultScoreThreshold: &threshold,
			CitationExtraction:    true,
		},
		Rerank: config.RerankConfig{TopKMultiplier: 5, ScoreThreshold: 0.35},
		Hybrid: config.HybridConfig{VectorWeight: 0.7, BM25Weight: 0.3, RRFK: 60},
	}
}

func hybridDocs(collection string, scored ...float64) []models.RetrievedDoc {
	docs := make([]models.RetrievedDoc, len(scored))
	for i, s := range scored {
		docs[i] = doc(collection+"-d"+string(rune('1'+i)), "본문 내용", s)
	}
	return docs
}

func newTestOrchestrator(hybrid *fakeHybrid, reranker *fakeReranker, chat *fakeChat) (*Orchestrator, *fakePrompts) {
	prompts := &fakePrompts{}
	var rr RerankClient
	if reranker != nil {
		rr = reranker
	}
	o := New(testRAGConfig(), &fakeEmbedder{}, &fakeVectors{}, hybrid, rr, chat, prompts)
	return o, prompts
}

func TestChatCasualSkipsRetrieval(t *testing.T) {
	hybrid := &fakeHybrid{}
	chat := &fakeChat{resp: &llm.ChatResponse{Content: "안녕하세요!"}}
	o, prompts := newTestOrchestrator(hybrid, nil, chat)

	result, err := o.Chat(context.Background(), &models.ChatRequest{
		Query: "안녕", ModelKey: "qwen2.5", UseHybrid: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "안녕하세요!", result.Answer)
	assert.Empty(t, result.RetrievedDocs)
	assert.Empty(t, hybrid.calls)
	// Casual mode resolves the empty-collection prompt.
	assert.Equal(t, []string{""}, prompts.collections)
	assert.NotEmpty(t, result.ConversationID)
}

func TestChatEmptyRetrievalSkipsLLM(t *testing.T) {
	hybrid := &fakeHybrid{perColl: map[string][]models.RetrievedDoc{}}
	chat := &fakeChat{resp: &llm.ChatResponse{Content: "호출되면 안 됨"}}
	o, _ := newTestOrchestrator(hybrid, nil, chat)

	result, err := o.Chat(context.Background(), &models.ChatRequest{
		CollectionName: "docs", Query: "환불 규정", ModelKey: "qwen2.5", UseHybrid: true,
	})
	require.NoError(t, err)

	assert.Equal(t, noDocsAnswer, result.Answer)
	assert.NotNil(t, result.RetrievedDocs)
	assert.Empty(t, result.RetrievedDocs)
	assert.Zero(t, chat.calls)
}

func TestChatRerankingExpandsInitialK(t *testing.T) {
	hybrid := &fakeHybrid{perColl: map[string][]models.RetrievedDoc{
		"docs": hybridDocs("docs", 0.9, 0.8, 0.7, 0.6),
	}}
	reranker := &fakeReranker{results: []llm.RerankResult{
		{Index: 2, RelevanceScore: 0.95},
		{Index: 0, RelevanceScore: 0.80},
		{Index: 1, RelevanceScore: 0.10},
		{Index: 3, RelevanceScore: 0.05},
	}}
	chat := &fakeChat{resp: &llm.ChatResponse{Content: "답변"}}
	o, _ := newTestOrchestrator(hybrid, reranker, chat)

	result, err := o.Chat(context.Background(), &models.ChatRequest{
		CollectionName: "docs", Query: "질문", ModelKey: "qwen2.5",
		UseHybrid: true, UseReranking: true, TopK: 3,
	})
	require.NoError(t, err)

	// Candidate pool is TopK times the multiplier.
	require.Len(t, hybrid.calls, 1)
	assert.Equal(t, 15, hybrid.calls[0].TopK)

	// Reranked order with sub-threshold candidates dropped, capped at TopK.
	require.Len(t, result.RetrievedDocs, 2)
	assert.Equal(t, "docs-d3", result.RetrievedDocs[0].ID)
	assert.InDelta(t, 0.95, result.RetrievedDocs[0].Score, 1e-9)
	assert.Equal(t, "docs-d1", result.RetrievedDocs[1].ID)
}

func TestChatRerankAllBelowThresholdKeepsTruncatedOrder(t *testing.T) {
	hybrid := &fakeHybrid{perColl: map[string][]models.RetrievedDoc{
		"docs": hybridDocs("docs", 0.9, 0.8, 0.7, 0.6),
	}}
	reranker := &fakeReranker{results: []llm.RerankResult{
		{Index: 1, RelevanceScore: 0.20},
		{Index: 0, RelevanceScore: 0.15},
		{Index: 3, RelevanceScore: 0.10},
		{Index: 2, RelevanceScore: 0.05},
	}}
	chat := &fakeChat{resp: &llm.ChatResponse{Content: "답변"}}
	o, _ := newTestOrchestrator(hybrid, reranker, chat)

	result, err := o.Chat(context.Background(), &models.ChatRequest{
		CollectionName: "docs", Query: "질문", ModelKey: "qwen2.5",
		UseHybrid: true, UseReranking: true, TopK: 3,
	})
	require.NoError(t, err)

	// Nothing passed the threshold: the reranked order survives, truncated.
	require.Len(t, result.RetrievedDocs, 3)
	assert.Equal(t, "docs-d2", result.RetrievedDocs[0].ID)
	assert.Equal(t, "docs-d1", result.RetrievedDocs[1].ID)
	assert.Equal(t, "docs-d4", result.RetrievedDocs[2].ID)
}

func TestChatRerankerFailureKeepsPreRerankOrder(t *testing.T) {
	hybrid := &fakeHybrid{perColl: map[string][]models.RetrievedDoc{
		"docs": hybridDocs("docs", 0.9, 0.8, 0.7, 0.6),
	}}
	reranker := &fakeReranker{results: nil}
	chat := &fakeChat{resp: &llm.ChatResponse{Content: "답변"}}
	o, _ := newTestOrchestrator(hybrid, reranker, chat)

	result, err := o.Chat(context.Background(), &models.ChatRequest{
		CollectionName: "docs", Query: "질문", ModelKey: "qwen2.5",
		UseHybrid: true, UseReranking: true, TopK: 3,
	})
	require.NoError(t, err)

	require.Len(t, result.RetrievedDocs, 3)
	assert.Equal(t, "docs-d1", result.RetrievedDocs[0].ID)
	assert.InDelta(t, 0.9, result.RetrievedDocs[0].Score, 1e-9)
}

func TestChatMultiCollectionMergeTagsSource(t *testing.T) {
	hybrid := &fakeHybrid{perColl: map[string][]models.RetrievedDoc{
		"docs": hybridDocs("docs", 0.9, 0.5),
		"temp": hybridDocs("temp", 0.7),
	}}
	chat := &fakeChat{resp: &llm.ChatResponse{Content: "답변"}}
	o, _ := newTestOrchestrator(hybrid, nil, chat)

	result, err := o.Chat(context.Background(), &models.ChatRequest{
		CollectionName: "docs", TempCollectionName: "temp",
		Query: "질문", ModelKey: "qwen2.5", UseHybrid: true, TopK: 3,
	})
	require.NoError(t, err)

	require.Len(t, result.RetrievedDocs, 3)
	assert.Equal(t, "docs-d1", result.RetrievedDocs[0].ID)
	assert.Equal(t, "docs", result.RetrievedDocs[0].SourceCollection)
	assert.Equal(t, "temp-d1", result.RetrievedDocs[1].ID)
	assert.Equal(t, "temp", result.RetrievedDocs[1].SourceCollection)
	assert.Equal(t, "docs-d2", result.RetrievedDocs[2].ID)
}

func TestChatGenerationErrorPropagates(t *testing.T) {
	hybrid := &fakeHybrid{perColl: map[string][]models.RetrievedDoc{
		"docs": hybridDocs("docs", 0.9),
	}}
	chat := &fakeChat{err: llm.ErrUpstreamUnavailable}
	o, _ := newTestOrchestrator(hybrid, nil, chat)

	_, err := o.Chat(context.Background(), &models.ChatRequest{
		CollectionName: "docs", Query: "질문", ModelKey: "qwen2.5", UseHybrid: true,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, llm.ErrUpstreamUnavailable))
}

func TestRegenerateSkipsRetrieval(t *testing.T) {
	hybrid := &fakeHybrid{}
	chat := &fakeChat{resp: &llm.ChatResponse{Content: "다시 생성한 답변"}}
	o, _ := newTestOrchestrator(hybrid, nil, chat)

	docs := hybridDocs("docs", 0.8)
	result, err := o.Regenerate(context.Background(), &models.RegenerateRequest{
		CollectionName: "docs", Query: "질문", ModelKey: "qwen2.5",
		RetrievedDocs: docs, SessionID: "s1",
	})
	require.NoError(t, err)

	assert.Empty(t, hybrid.calls)
	assert.Equal(t, "다시 생성한 답변", result.Answer)
	assert.Equal(t, docs, result.RetrievedDocs)
	assert.Equal(t, "s1", result.ConversationID)

	// The held documents still reach the prompt.
	joined := ""
	for _, m := range chat.messages {
		joined += m.Content
	}
	assert.Contains(t, joined, "[참고 문서]")
}

func TestNormalizeDefaults(t *testing.T) {
	o, _ := newTestOrchestrator(&fakeHybrid{}, nil, &fakeChat{})

	req := &models.ChatRequest{Query: "질문"}
	o.normalize(req)

	assert.Equal(t, 3, req.TopK)
	assert.Equal(t, "medium", req.ReasoningLevel)
	require.NotNil(t, req.ScoreThreshold)
	assert.InDelta(t, 0.3, *req.ScoreThreshold, 1e-9)
	assert.NotEmpty(t, req.SessionID)
}
