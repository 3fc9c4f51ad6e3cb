package rag

import (
	"context"
	"time"

	"docchat/internal/extract"
	"docchat/internal/llm"
	"docchat/internal/models"
)

// EventKind discriminates the frames of one streaming response.
type EventKind int

const (
	// EventStage marks a pipeline stage boundary.
	EventStage EventKind = iota
	// EventSources carries the retrieved documents, exactly once, before any
	// token delta.
	EventSources
	// EventDelta is one token chunk from the LLM.
	EventDelta
	// EventSourcesUpdate carries the documents re-annotated with citations
	// after the full answer is known.
	EventSourcesUpdate
	// EventError terminates the stream with a message; at most one is emitted
	// and nothing follows it.
	EventError
)

// Pipeline stages surfaced to the client.
const (
	StageAnalyze  = "analyze"
	StageSearch   = "search"
	StageRerank   = "rerank"
	StageGenerate = "generate"
)

// Event is one frame of a streaming chat response. The server layer owns the
// SSE encoding and the trailing [DONE] sentinel.
type Event struct {
	Kind    EventKind
	Stage   string
	Sources []models.RetrievedDoc
	Delta   llm.StreamDelta
	Err     string
}

// streamState drives the linear stage sequence. Transitions only ever move
// forward; an error from any state jumps straight to failed.
type streamState int

const (
	stateAnalyzing streamState = iota
	stateSearching
	stateReranking
	stateGenerating
	stateFinalizing
	stateDone
	stateFailed
)

// ChatStream answers one turn as an ordered event stream: stage markers, one
// sources event, token deltas, an optional sources_update, then channel close.
// Casual mode emits only the generate stage. Any failure becomes a single
// error event; the channel always closes.
func (o *Orchestrator) ChatStream(ctx context.Context, req *models.ChatRequest) <-chan Event {
	o.normalize(req)
	events := make(chan Event, 16)
	go o.runStream(ctx, req, events)
	return events
}

func (o *Orchestrator) runStream(ctx context.Context, req *models.ChatRequest, events chan<- Event) {
	defer close(events)
	start := time.Now()

	emit := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	state := stateAnalyzing
	var (
		docs          []models.RetrievedDoc
		answer        []byte
		retrievalMS   int64
		rerankingUsed bool
	)

	// Tokens already streamed to the client survive in the assistant log even
	// when the stream dies mid-generation.
	fail := func(err error) {
		if state == stateFailed {
			return
		}
		state = stateFailed
		emit(Event{Kind: EventError, Err: err.Error()})
		o.logTurn(req, turnOutcome{start: start, err: err, answer: string(answer), docs: docs, retrievalMS: retrievalMS, reranked: rerankingUsed})
	}

	targets := req.Targets()
	casual := len(targets) == 0

	if !casual {
		if !emit(Event{Kind: EventStage, Stage: StageAnalyze}) {
			return
		}

		state = stateSearching
		if !emit(Event{Kind: EventStage, Stage: StageSearch}) {
			return
		}
		retrievalStart := time.Now()
		retrieved, err := o.retrieve(ctx, req, targets)
		if err != nil {
			fail(err)
			return
		}
		docs = retrieved

		if len(docs) == 0 {
			retrievalMS = msSince(retrievalStart)
			if !emit(Event{Kind: EventStage, Stage: StageGenerate}) {
				return
			}
			emit(Event{Kind: EventSources, Sources: []models.RetrievedDoc{}})
			emit(Event{Kind: EventDelta, Delta: llm.StreamDelta{Content: noDocsAnswer}})
			o.logTurn(req, turnOutcome{start: start, answer: noDocsAnswer, retrievalMS: retrievalMS})
			return
		}

		if req.UseReranking && o.reranker != nil {
			state = stateReranking
			if !emit(Event{Kind: EventStage, Stage: StageRerank}) {
				return
			}
			docs, rerankingUsed = o.rerank(ctx, req.Query, docs, req.TopK)
		} else if len(docs) > req.TopK {
			docs = docs[:req.TopK]
		}
		retrievalMS = msSince(retrievalStart)

		extract.AnnotateKeywords(req.Query, docs)
	}

	state = stateGenerating
	if !emit(Event{Kind: EventStage, Stage: StageGenerate}) {
		return
	}
	if !casual {
		if !emit(Event{Kind: EventSources, Sources: docs}) {
			return
		}
	}

	collection := req.CollectionName
	if casual {
		collection = ""
	}
	systemPrompt := o.prompts.SystemPrompt(collection, req.ReasoningLevel, req.ModelKey)
	messages := BuildRAGMessages(systemPrompt, req.Query, docs, req.ChatHistory, req.ModelKey)

	deltas, errs, err := o.llm.ChatStream(ctx, req.ModelKey, messages, o.params(req))
	if err != nil {
		fail(err)
		return
	}

	chunks := 0
	for delta := range deltas {
		answer = append(answer, delta.Content...)
		if delta.Content != "" {
			chunks++
		}
		if !emit(Event{Kind: EventDelta, Delta: delta}) {
			o.logTurn(req, turnOutcome{start: start, err: ctx.Err(), answer: string(answer), docs: docs, retrievalMS: retrievalMS, reranked: rerankingUsed})
			return
		}
	}
	if streamErr := <-errs; streamErr != nil {
		fail(streamErr)
		return
	}

	state = stateFinalizing
	if !casual && o.cfg.RAG.CitationExtraction {
		extract.AnnotateCitations(string(answer), docs)
		if anyCitations(docs) {
			emit(Event{Kind: EventSourcesUpdate, Sources: docs})
		}
	}

	state = stateDone
	o.logTurn(req, turnOutcome{
		start:       start,
		answer:      string(answer),
		docs:        docs,
		usage:       &models.Usage{CompletionTokens: chunks, TotalTokens: chunks},
		retrievalMS: retrievalMS,
		reranked:    rerankingUsed,
	})
}

func anyCitations(docs []models.RetrievedDoc) bool {
	for i := range docs {
		if len(docs[i].CitedPhrases) > 0 {
			return true
		}
	}
	return false
}
