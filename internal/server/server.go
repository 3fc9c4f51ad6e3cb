// Package server exposes the HTTP surface: chat, streaming chat, regenerate,
// collection listing, statistics queries and operational metrics.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"docchat/internal/config"
	"docchat/internal/kst"
	"docchat/internal/llm"
	"docchat/internal/logging"
	"docchat/internal/logstore"
	"docchat/internal/models"
	"docchat/internal/rag"
	"docchat/internal/stats"
	"docchat/internal/vector"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CollectionLister is the collection-metadata slice of the vector store.
type CollectionLister interface {
	ListCollections(ctx context.Context) ([]vector.Info, error)
}

// Server wires the handlers over the orchestrator and its satellites.
type Server struct {
	cfg        *config.Config
	orch       *rag.Orchestrator
	vectors    CollectionLister
	pipeline   *logstore.Pipeline
	aggregator *stats.Aggregator
}

// New builds the server.
func New(cfg *config.Config, orch *rag.Orchestrator, vectors CollectionLister, pipeline *logstore.Pipeline, aggregator *stats.Aggregator) *Server {
	return &Server{cfg: cfg, orch: orch, vectors: vectors, pipeline: pipeline, aggregator: aggregator}
}

// Router assembles the chi routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", s.handleChat)
		r.Post("/chat/stream", s.handleChatStream)
		r.Post("/regenerate", s.handleRegenerate)
		r.Get("/collections", s.handleCollections)
		r.Get("/logs/stats", s.handleLogStats)
		r.Route("/stats", func(r chi.Router) {
			r.Get("/summary", s.handleStatsSummary)
			r.Get("/timeline", s.handleStatsTimeline)
			r.Get("/report", s.handleStatsReport)
		})
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// defaultChatRequest pre-fills the toggles and sampling defaults so absent
// JSON fields keep the configured behavior instead of the zero value.
func (s *Server) defaultChatRequest() models.ChatRequest {
	return models.ChatRequest{
		ReasoningLevel: s.cfg.RAG.DefaultReasoningLevel,
		Temperature:    0.7,
		TopP:           1.0,
		TopK:           s.cfg.RAG.DefaultTopK,
		UseReranking:   s.cfg.Rerank.Enabled,
		UseHybrid:      s.cfg.Hybrid.Enabled,
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req := s.defaultChatRequest()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Query == "" {
		s.writeError(w, http.StatusBadRequest, "message is required", nil)
		return
	}

	result, err := s.orch.Chat(r.Context(), &req)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	var req models.RegenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Query == "" {
		s.writeError(w, http.StatusBadRequest, "query is required", nil)
		return
	}

	result, err := s.orch.Regenerate(r.Context(), &req)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

type collectionView struct {
	Name           string `json:"name"`
	DocumentsCount uint64 `json:"documents_count"`
	PointsCount    uint64 `json:"points_count"`
	VectorSize     uint64 `json:"vector_size"`
	Distance       string `json:"distance"`
	Visibility     string `json:"visibility"`
	IsOwner        bool   `json:"is_owner"`
}

func (s *Server) handleCollections(w http.ResponseWriter, r *http.Request) {
	infos, err := s.vectors.ListCollections(r.Context())
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	views := make([]collectionView, len(infos))
	for i, info := range infos {
		views[i] = collectionView{
			Name:           info.Name,
			DocumentsCount: info.PointsCount,
			PointsCount:    info.PointsCount,
			VectorSize:     info.VectorSize,
			Distance:       info.Distance,
			Visibility:     "public",
			IsOwner:        true,
		}
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleLogStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.pipeline.Stats())
}

// statsRange reads collection/start/end query params, defaulting to the last
// seven KST days.
func statsRange(r *http.Request) (collection, start, end string) {
	q := r.URL.Query()
	collection = q.Get("collection")
	start = q.Get("start_date")
	end = q.Get("end_date")
	if end == "" {
		end = kst.Today().Format(kst.DateLayout)
	}
	if start == "" {
		start = kst.Today().AddDate(0, 0, -6).Format(kst.DateLayout)
	}
	return collection, start, end
}

func (s *Server) handleStatsSummary(w http.ResponseWriter, r *http.Request) {
	collection, start, end := statsRange(r)
	summary, err := s.aggregator.GetSummary(r.Context(), collection, start, end)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleStatsTimeline(w http.ResponseWriter, r *http.Request) {
	collection, start, end := statsRange(r)
	timeline, err := s.aggregator.GetTimeline(r.Context(), collection, start, end)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, timeline)
}

func (s *Server) handleStatsReport(w http.ResponseWriter, r *http.Request) {
	collection, start, end := statsRange(r)
	report, err := s.aggregator.GetReport(r.Context(), collection, start, end)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.For("server").Error().Err(err).Msg("response encoding failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, detail string, err error) {
	if err != nil {
		logging.For("server").Warn().Err(err).Int("status", status).Msg(detail)
		if s.cfg.Debug {
			detail = detail + ": " + err.Error()
		}
	}
	s.writeJSON(w, status, map[string]string{"detail": detail})
}

// writeUpstreamError maps pipeline failures onto HTTP statuses: unknown
// collections become 404, everything else 500 with a generic detail unless
// debug is on.
func (s *Server) writeUpstreamError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, vector.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "collection not found", err)
	case errors.Is(err, llm.ErrUpstreamUnavailable):
		s.writeError(w, http.StatusInternalServerError, "upstream service unavailable", err)
	default:
		s.writeError(w, http.StatusInternalServerError, "internal error", err)
	}
}

// ListenAndServe runs the HTTP server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.For("server").Info().Str("addr", s.cfg.ListenAddr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
