package rag

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"docchat/internal/kst"
	"docchat/internal/llm"
	"docchat/internal/models"
)

// turnOutcome captures what happened during one turn for the logging hand-off.
type turnOutcome struct {
	start       time.Time
	answer      string
	docs        []models.RetrievedDoc
	usage       *models.Usage
	retrievalMS int64
	reranked    bool
	regen       bool
	err         error
}

func errorType(err error) string {
	switch {
	case errors.Is(err, llm.ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, llm.ErrShapeMismatch):
		return "shape_mismatch"
	default:
		return "internal_error"
	}
}

// logTurn enqueues the user record, the assistant record and the session diff.
// It never blocks the response path; the sink handles overflow internally.
// Conversation turns are recorded alongside when a recorder is wired.
func (o *Orchestrator) logTurn(req *models.ChatRequest, out turnOutcome) {
	responseMS := time.Since(out.start).Milliseconds()
	now := kst.Now().Format(kst.TimestampLayout)

	topScores := make([]float64, 0, len(out.docs))
	for i := range out.docs {
		topScores = append(topScores, out.docs[i].Score)
	}

	var minScore *float64
	for _, s := range topScores {
		if minScore == nil || s < *minScore {
			v := s
			minScore = &v
		}
	}

	if o.Sink != nil {
		o.Sink.TryEnqueueLog(models.InteractionRecord{
			LogID:          uuid.NewString(),
			SessionID:      req.SessionID,
			CollectionName: req.CollectionName,
			MessageType:    "user",
			MessageContent: req.Query,
			CreatedAt:      now,
		})

		tokens := 0
		if out.usage != nil {
			tokens = out.usage.CompletionTokens
		}
		rec := models.InteractionRecord{
			LogID:          uuid.NewString(),
			SessionID:      req.SessionID,
			CollectionName: req.CollectionName,
			MessageType:    "assistant",
			MessageContent: out.answer,
			ReasoningLevel: req.ReasoningLevel,
			LLMModel:       req.ModelKey,
			LLMParams: map[string]any{
				"temperature": req.Temperature,
				"top_p":       req.TopP,
				"max_tokens":  req.MaxTokens,
			},
			Performance: &models.Performance{
				ResponseTimeMS: responseMS,
				TokenCount:     tokens,
			},
			CreatedAt: now,
		}
		if len(out.docs) > 0 || out.retrievalMS > 0 {
			retrievalMS := out.retrievalMS
			reranked := out.reranked
			rec.RetrievalInfo = &models.RetrievalInfo{
				RetrievedCount:  len(out.docs),
				TopScores:       topScores,
				RetrievalTimeMS: &retrievalMS,
				RerankingUsed:   &reranked,
			}
			rec.Performance.RetrievalTimeMS = &retrievalMS
		}
		if out.err != nil {
			rec.ErrorInfo = &models.ErrorInfo{
				ErrorType:    errorType(out.err),
				ErrorMessage: out.err.Error(),
			}
		}
		o.Sink.TryEnqueueLog(rec)

		o.Sink.TryEnqueueSession(models.SessionUpdate{
			SessionID:      req.SessionID,
			CollectionName: req.CollectionName,
			DeltaUser:      1,
			DeltaAssistant: 1,
			ResponseTimeMS: responseMS,
			TopScores:      topScores,
			HasError:       out.err != nil,
			LLMModel:       req.ModelKey,
			ReasoningLevel: req.ReasoningLevel,
		})
	}

	if o.Conversations != nil {
		o.Conversations.Record(req.SessionID, req.CollectionName, "user", req.Query, nil, false, false)
		o.Conversations.Record(req.SessionID, req.CollectionName, "assistant", out.answer, minScore, out.err != nil, out.regen)
	}
}
