// Package rag orchestrates one chat turn: retrieval, reranking, prompt
// assembly, generation and the logging hand-off.
package rag

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"docchat/internal/config"
	"docchat/internal/extract"
	"docchat/internal/llm"
	"docchat/internal/logging"
	"docchat/internal/models"
	"docchat/internal/search"
	"docchat/internal/vector"
)

// Embedder is the query-embedding slice of the LLM layer.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ChatLLM is the completion slice of the LLM layer.
type ChatLLM interface {
	Chat(ctx context.Context, modelKey string, messages []models.ChatMessage, params llm.Params) (*llm.ChatResponse, error)
	ChatStream(ctx context.Context, modelKey string, messages []models.ChatMessage, params llm.Params) (<-chan llm.StreamDelta, <-chan error, error)
}

// RerankClient degrades to nil results on failure; the orchestrator then keeps
// the pre-rerank ordering.
type RerankClient interface {
	RerankWithFallback(ctx context.Context, query string, documents []string, topN int) []llm.RerankResult
}

// HybridSearcher is the fused retrieval leg.
type HybridSearcher interface {
	Search(ctx context.Context, collection, queryText string, queryVec []float32, opts search.HybridOptions) ([]models.RetrievedDoc, error)
}

// VectorSearcher is the dense-only retrieval leg.
type VectorSearcher interface {
	Search(ctx context.Context, collection string, queryVec []float32, limit int, scoreThreshold *float64) ([]vector.Hit, error)
}

// PromptSource resolves system prompts per collection and reasoning level.
type PromptSource interface {
	SystemPrompt(collectionName, reasoningLevel, modelKey string) string
}

// LogSink receives interaction records and session diffs. Implementations
// must never block; queue-full handling is theirs.
type LogSink interface {
	TryEnqueueLog(rec models.InteractionRecord)
	TryEnqueueSession(upd models.SessionUpdate)
}

// ConversationRecorder accumulates turns for end-of-conversation persistence.
type ConversationRecorder interface {
	Record(conversationID, collection, role, content string, score *float64, isError, isRegen bool)
}

// Orchestrator runs the full pipeline for chat, streaming chat and
// regeneration. Sink and Conversations may be nil in tests; retrieval and
// generation never depend on them.
type Orchestrator struct {
	cfg      *config.Config
	embedder Embedder
	vectors  VectorSearcher
	hybrid   HybridSearcher
	reranker RerankClient
	llm      ChatLLM
	prompts  PromptSource

	Sink          LogSink
	Conversations ConversationRecorder
}

// New wires the orchestrator over its collaborators.
func New(cfg *config.Config, embedder Embedder, vectors VectorSearcher, hybrid HybridSearcher, reranker RerankClient, chat ChatLLM, prompts PromptSource) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		embedder: embedder,
		vectors:  vectors,
		hybrid:   hybrid,
		reranker: reranker,
		llm:      chat,
		prompts:  prompts,
	}
}

func (o *Orchestrator) normalize(req *models.ChatRequest) {
	if req.TopK <= 0 {
		req.TopK = o.cfg.RAG.DefaultTopK
	}
	if req.ReasoningLevel == "" {
		req.ReasoningLevel = o.cfg.RAG.DefaultReasoningLevel
	}
	if req.ScoreThreshold == nil {
		req.ScoreThreshold = o.cfg.RAG.DefaultScoreThreshold
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
}

func (o *Orchestrator) params(req *models.ChatRequest) llm.Params {
	return llm.Params{
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		MaxTokens:        req.MaxTokens,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
	}
}

// Chat answers one turn without streaming.
func (o *Orchestrator) Chat(ctx context.Context, req *models.ChatRequest) (*models.ChatResult, error) {
	o.normalize(req)
	start := time.Now()

	targets := req.Targets()
	if len(targets) == 0 {
		return o.casualChat(ctx, req, start)
	}

	retrievalStart := time.Now()
	docs, err := o.retrieve(ctx, req, targets)
	if err != nil {
		o.logTurn(req, turnOutcome{start: start, err: err})
		return nil, err
	}
	if len(docs) == 0 {
		result := &models.ChatResult{
			ConversationID: req.SessionID,
			Answer:         noDocsAnswer,
			RetrievedDocs:  []models.RetrievedDoc{},
		}
		o.logTurn(req, turnOutcome{start: start, answer: result.Answer, retrievalMS: msSince(retrievalStart)})
		return result, nil
	}

	rerankingUsed := false
	if req.UseReranking && o.reranker != nil {
		docs, rerankingUsed = o.rerank(ctx, req.Query, docs, req.TopK)
	} else if len(docs) > req.TopK {
		docs = docs[:req.TopK]
	}
	retrievalMS := msSince(retrievalStart)

	extract.AnnotateKeywords(req.Query, docs)

	systemPrompt := o.prompts.SystemPrompt(req.CollectionName, req.ReasoningLevel, req.ModelKey)
	messages := BuildRAGMessages(systemPrompt, req.Query, docs, req.ChatHistory, req.ModelKey)

	resp, err := o.llm.Chat(ctx, req.ModelKey, messages, o.params(req))
	if err != nil {
		o.logTurn(req, turnOutcome{start: start, err: err, docs: docs, retrievalMS: retrievalMS, reranked: rerankingUsed})
		return nil, fmt.Errorf("generation failed: %w", err)
	}

	if o.cfg.RAG.CitationExtraction {
		extract.AnnotateCitations(resp.Content, docs)
	}

	result := &models.ChatResult{
		ConversationID:   req.SessionID,
		Answer:           resp.Content,
		RetrievedDocs:    docs,
		Usage:            resp.Usage,
		ReasoningContent: resp.ReasoningContent,
	}
	o.logTurn(req, turnOutcome{
		start:       start,
		answer:      resp.Content,
		docs:        docs,
		usage:       resp.Usage,
		retrievalMS: retrievalMS,
		reranked:    rerankingUsed,
	})
	return result, nil
}

func (o *Orchestrator) casualChat(ctx context.Context, req *models.ChatRequest, start time.Time) (*models.ChatResult, error) {
	systemPrompt := o.prompts.SystemPrompt("", req.ReasoningLevel, req.ModelKey)
	messages := BuildRAGMessages(systemPrompt, req.Query, nil, req.ChatHistory, req.ModelKey)

	resp, err := o.llm.Chat(ctx, req.ModelKey, messages, o.params(req))
	if err != nil {
		o.logTurn(req, turnOutcome{start: start, err: err})
		return nil, fmt.Errorf("generation failed: %w", err)
	}

	result := &models.ChatResult{
		ConversationID:   req.SessionID,
		Answer:           resp.Content,
		RetrievedDocs:    []models.RetrievedDoc{},
		Usage:            resp.Usage,
		ReasoningContent: resp.ReasoningContent,
	}
	o.logTurn(req, turnOutcome{start: start, answer: resp.Content, usage: resp.Usage})
	return result, nil
}

// Regenerate replays a turn over the documents the client already holds.
// Retrieval and reranking are skipped entirely.
func (o *Orchestrator) Regenerate(ctx context.Context, req *models.RegenerateRequest) (*models.ChatResult, error) {
	chatReq := &models.ChatRequest{
		CollectionName:   req.CollectionName,
		Query:            req.Query,
		ModelKey:         req.ModelKey,
		ReasoningLevel:   req.ReasoningLevel,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		MaxTokens:        req.MaxTokens,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		ChatHistory:      req.ChatHistory,
		SessionID:        req.SessionID,
	}
	o.normalize(chatReq)
	start := time.Now()

	systemPrompt := o.prompts.SystemPrompt(req.CollectionName, chatReq.ReasoningLevel, req.ModelKey)
	messages := BuildRAGMessages(systemPrompt, req.Query, req.RetrievedDocs, req.ChatHistory, req.ModelKey)

	resp, err := o.llm.Chat(ctx, req.ModelKey, messages, o.params(chatReq))
	if err != nil {
		o.logTurn(chatReq, turnOutcome{start: start, err: err, docs: req.RetrievedDocs, regen: true})
		return nil, fmt.Errorf("regeneration failed: %w", err)
	}

	result := &models.ChatResult{
		ConversationID:   chatReq.SessionID,
		Answer:           resp.Content,
		RetrievedDocs:    req.RetrievedDocs,
		Usage:            resp.Usage,
		ReasoningContent: resp.ReasoningContent,
	}
	o.logTurn(chatReq, turnOutcome{start: start, answer: resp.Content, docs: req.RetrievedDocs, usage: resp.Usage, regen: true})
	return result, nil
}

// retrieve embeds the query once and fans out across the target collections.
// Multi-collection results are merged by score descending with each document
// tagged by its source.
func (o *Orchestrator) retrieve(ctx context.Context, req *models.ChatRequest, targets []string) ([]models.RetrievedDoc, error) {
	initialK := req.TopK
	if req.UseReranking && o.reranker != nil {
		initialK = req.TopK * o.cfg.Rerank.TopKMultiplier
	}

	vecs, err := o.embedder.Embed(ctx, []string{req.Query})
	if err != nil {
		return nil, fmt.Errorf("query embedding failed: %w", err)
	}
	queryVec := vecs[0]

	perTarget := make([][]models.RetrievedDoc, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, target := range targets {
		g.Go(func() error {
			docs, err := o.retrieveOne(gctx, req, target, queryVec, initialK)
			if err != nil {
				return fmt.Errorf("retrieval from %s failed: %w", target, err)
			}
			perTarget[i] = docs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(targets) == 1 {
		return perTarget[0], nil
	}

	var merged []models.RetrievedDoc
	for i, docs := range perTarget {
		for j := range docs {
			docs[j].SourceCollection = targets[i]
		}
		merged = append(merged, docs...)
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > initialK {
		merged = merged[:initialK]
	}
	return merged, nil
}

func (o *Orchestrator) retrieveOne(ctx context.Context, req *models.ChatRequest, collection string, queryVec []float32, limit int) ([]models.RetrievedDoc, error) {
	if req.UseHybrid && o.hybrid != nil {
		return o.hybrid.Search(ctx, collection, req.Query, queryVec, search.HybridOptions{
			TopK:           limit,
			ScoreThreshold: req.ScoreThreshold,
			VectorWeight:   o.cfg.Hybrid.VectorWeight,
			BM25Weight:     o.cfg.Hybrid.BM25Weight,
			RRFK:           o.cfg.Hybrid.RRFK,
		})
	}

	hits, err := o.vectors.Search(ctx, collection, queryVec, limit, req.ScoreThreshold)
	if err != nil {
		return nil, err
	}
	docs := make([]models.RetrievedDoc, len(hits))
	for i, hit := range hits {
		score := hit.Score
		docs[i] = models.RetrievedDoc{
			ID:          hit.ID,
			Score:       hit.Score,
			Payload:     hit.Payload,
			VectorScore: &score,
		}
	}
	return docs, nil
}

// rerank scores the candidates with the cross-encoder and replaces each
// document's score with the relevance score. Documents below the configured
// threshold are dropped unless that would drop everything, in which case the
// reranked order is kept truncated to topK. A reranker failure keeps the
// pre-rerank ordering.
func (o *Orchestrator) rerank(ctx context.Context, query string, docs []models.RetrievedDoc, topK int) ([]models.RetrievedDoc, bool) {
	strs := make([]string, len(docs))
	for i := range docs {
		strs[i] = rerankString(&docs[i])
	}

	results := o.reranker.RerankWithFallback(ctx, query, strs, topK)
	if results == nil {
		if len(docs) > topK {
			docs = docs[:topK]
		}
		return docs, false
	}

	reordered := make([]models.RetrievedDoc, 0, len(results))
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(docs) {
			continue
		}
		doc := docs[r.Index]
		doc.Score = r.RelevanceScore
		reordered = append(reordered, doc)
	}

	passed := make([]models.RetrievedDoc, 0, len(reordered))
	for _, doc := range reordered {
		if doc.Score >= o.cfg.Rerank.ScoreThreshold {
			passed = append(passed, doc)
		}
	}
	if len(passed) == 0 {
		logging.For("rag").Debug().Msg("no documents passed rerank threshold, keeping truncated order")
		passed = reordered
	}
	if len(passed) > topK {
		passed = passed[:topK]
	}
	return passed, true
}

// rerankString is the cross-encoder input: filename and section context ahead
// of the chunk body.
func rerankString(doc *models.RetrievedDoc) string {
	s := ""
	if fn := doc.Filename(); fn != "" {
		s += "[" + fn + "] "
	}
	if headings := doc.Headings(); len(headings) >= 2 {
		s += "[" + headings[1] + "] "
	}
	return s + doc.Text()
}

func msSince(t time.Time) int64 {
	return time.Since(t).Milliseconds()
}
