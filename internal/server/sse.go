package server

import (
	"fmt"
	"net/http"

	"docchat/internal/logging"
	"docchat/internal/models"
	"docchat/internal/rag"
)

// SSE frame shapes. The stream carries, in order: stage markers, one sources
// frame, token deltas, an optional sources_update and the [DONE] sentinel.
type stageFrame struct {
	Type  string `json:"type"`
	Stage string `json:"stage"`
}

type sourcesFrame struct {
	Sources []models.RetrievedDoc `json:"sources"`
}

type sourcesUpdateFrame struct {
	SourcesUpdate []models.RetrievedDoc `json:"sources_update"`
}

type deltaFrame struct {
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
	FinishReason     string `json:"finish_reason,omitempty"`
}

type errorFrame struct {
	Error string `json:"error"`
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req := s.defaultChatRequest()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Query == "" {
		s.writeError(w, http.StatusBadRequest, "message is required", nil)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	writeFrame := func(payload any) bool {
		data, err := json.Marshal(payload)
		if err != nil {
			logging.For("server").Error().Err(err).Msg("sse frame marshal failed")
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for ev := range s.orch.ChatStream(r.Context(), &req) {
		var ok bool
		switch ev.Kind {
		case rag.EventStage:
			ok = writeFrame(stageFrame{Type: "stage", Stage: ev.Stage})
		case rag.EventSources:
			ok = writeFrame(sourcesFrame{Sources: ev.Sources})
		case rag.EventSourcesUpdate:
			ok = writeFrame(sourcesUpdateFrame{SourcesUpdate: ev.Sources})
		case rag.EventDelta:
			ok = writeFrame(deltaFrame{
				Content:          ev.Delta.Content,
				ReasoningContent: ev.Delta.ReasoningContent,
				FinishReason:     ev.Delta.FinishReason,
			})
		case rag.EventError:
			// The orchestrator emits nothing after an error; the [DONE]
			// sentinel still follows so clients terminate cleanly.
			ok = writeFrame(errorFrame{Error: ev.Err})
		}
		if !ok {
			return
		}
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}
