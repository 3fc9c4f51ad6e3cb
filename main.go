package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"docchat/internal/config"
	"docchat/internal/convstore"
	"docchat/internal/llm"
	"docchat/internal/logging"
	"docchat/internal/logstore"
	"docchat/internal/prompt"
	"docchat/internal/rag"
	"docchat/internal/schedule"
	"docchat/internal/search"
	"docchat/internal/server"
	"docchat/internal/stats"
	"docchat/internal/store"
	"docchat/internal/vector"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "docchat: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogsDir); err != nil {
		return err
	}
	log := logging.For("main")

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	vectors, err := vector.New(cfg)
	if err != nil {
		return err
	}
	defer vectors.Close()

	embedder := llm.NewEmbedder(cfg)
	reranker := llm.NewReranker(cfg)
	chatClient := llm.NewClient(cfg)

	bm25 := search.NewBM25Cache(vectors)
	hybrid := search.NewHybrid(vectors, bm25)
	prompts := prompt.NewLoader(cfg.PromptsDir)

	pipeline := logstore.New(cfg.Logging, cfg.LogsDir, db, prometheus.DefaultRegisterer)
	pipeline.Start()
	defer pipeline.Stop()

	conversations := convstore.New(cfg.Retention, cfg.LogsDir)

	orch := rag.New(cfg, embedder, vectors, hybrid, reranker, chatClient, prompts)
	orch.Sink = pipeline
	orch.Conversations = conversations

	aggregator := stats.New(cfg.Stats, cfg.LogsDir, db)
	scheduler := schedule.New(aggregator, cfg.Retention, cfg.LogsDir)
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer scheduler.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, orch, vectors, pipeline, aggregator)
	log.Info().Str("addr", cfg.ListenAddr).Msg("starting")
	return srv.ListenAndServe(ctx)
}
