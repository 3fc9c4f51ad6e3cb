package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface. Values merge in three layers:
// built-in defaults, then config.yaml, then environment variables.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	Debug      bool   `yaml:"debug"`
	LogLevel   string `yaml:"log_level"`

	QdrantURL    string `yaml:"qdrant_url"`
	EmbeddingURL string `yaml:"embedding_url"`
	LLMBaseURL   string `yaml:"llm_base_url"`
	RerankerURL  string `yaml:"reranker_url"`

	EmbeddingModel      string `yaml:"embedding_model"`
	EmbeddingDimensions int    `yaml:"embedding_dimensions"`
	RerankerModel       string `yaml:"reranker_model"`

	// Per-model overrides keyed by model key. Base URL defaults to LLMBaseURL.
	Models map[string]ModelConfig `yaml:"models"`

	Rerank    RerankConfig    `yaml:"rerank"`
	Hybrid    HybridConfig    `yaml:"hybrid"`
	RAG       RAGConfig       `yaml:"rag"`
	Logging   LoggingConfig   `yaml:"logging"`
	Stats     StatsConfig     `yaml:"stats"`
	Retention RetentionConfig `yaml:"retention"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`

	PromptsDir string `yaml:"prompts_dir"`
	LogsDir    string `yaml:"logs_dir"`
	DBPath     string `yaml:"db_path"`
}

// ModelConfig overrides endpoint and sampling defaults for one model key.
type ModelConfig struct {
	BaseURL     string   `yaml:"base_url"`
	Model       string   `yaml:"model"`
	Temperature *float64 `yaml:"temperature"`
	TopP        *float64 `yaml:"top_p"`
	MaxTokens   *int     `yaml:"max_tokens"`
}

type RerankConfig struct {
	Enabled        bool    `yaml:"enabled"`
	TopKMultiplier int     `yaml:"top_k_multiplier"`
	ScoreThreshold float64 `yaml:"score_threshold"`
}

type HybridConfig struct {
	Enabled      bool    `yaml:"enabled"`
	VectorWeight float64 `yaml:"vector_weight"`
	BM25Weight   float64 `yaml:"bm25_weight"`
	RRFK         int     `yaml:"rrf_k"`
}

type RAGConfig struct {
	DefaultTopK            int      `yaml:"default_top_k"`
	DefaultScoreThreshold  *float64 `yaml:"default_score_threshold"`
	DefaultReasoningLevel  string   `yaml:"default_reasoning_level"`
	CitationExtraction     bool     `yaml:"citation_extraction"`
	MinimumAnswerThreshold float64  `yaml:"minimum_answer_threshold"`
}

type LoggingConfig struct {
	QueueSize        int           `yaml:"queue_size"`
	SessionQueueSize int           `yaml:"session_queue_size"`
	BatchSize        int           `yaml:"batch_size"`
	SessionBatchSize int           `yaml:"session_batch_size"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
}

type StatsConfig struct {
	ChunkSize          int   `yaml:"chunk_size"`
	LargeFileThreshold int64 `yaml:"large_file_threshold"`
}

type RetentionConfig struct {
	CompressAfterDays      int     `yaml:"compress_after_days"`
	RetentionDays          int     `yaml:"retention_days"`
	ConversationSampleRate float64 `yaml:"conversation_sample_rate"`
}

type TimeoutConfig struct {
	Embed     time.Duration `yaml:"embed"`
	LLM       time.Duration `yaml:"llm"`
	Streaming time.Duration `yaml:"streaming"`
	Reranker  time.Duration `yaml:"reranker"`
	Vector    time.Duration `yaml:"vector"`
}

func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",

		QdrantURL:    "http://127.0.0.1:6334",
		EmbeddingURL: "http://127.0.0.1:8001/v1",
		LLMBaseURL:   "http://127.0.0.1:8000/v1",
		RerankerURL:  "http://127.0.0.1:8002",

		EmbeddingModel:      "bge-m3",
		EmbeddingDimensions: 1024,
		RerankerModel:       "bge-reranker-v2-m3",

		Rerank: RerankConfig{
			Enabled:        true,
			TopKMultiplier: 3,
			ScoreThreshold: 0.3,
		},
		Hybrid: HybridConfig{
			Enabled:      true,
			VectorWeight: 1.0,
			BM25Weight:   1.0,
			RRFK:         60,
		},
		RAG: RAGConfig{
			DefaultTopK:           5,
			DefaultReasoningLevel: "medium",
			CitationExtraction:    true,
		},
		Logging: LoggingConfig{
			QueueSize:        1000,
			SessionQueueSize: 500,
			BatchSize:        50,
			SessionBatchSize: 20,
			FlushInterval:    5 * time.Second,
		},
		Stats: StatsConfig{
			ChunkSize:          10000,
			LargeFileThreshold: 100 << 20,
		},
		Retention: RetentionConfig{
			CompressAfterDays:      7,
			RetentionDays:          90,
			ConversationSampleRate: 0.1,
		},
		Timeouts: TimeoutConfig{
			Embed:     60 * time.Second,
			LLM:       180 * time.Second,
			Streaming: 300 * time.Second,
			Reranker:  60 * time.Second,
			Vector:    30 * time.Second,
		},

		PromptsDir: "prompts",
		LogsDir:    "logs",
		DBPath:     "docchat.db",
	}
}

// Load builds the configuration from defaults, an optional yaml file and the
// environment. A missing file is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr(&c.QdrantURL, "QDRANT_URL")
	envStr(&c.EmbeddingURL, "EMBEDDING_URL")
	envStr(&c.LLMBaseURL, "LLM_BASE_URL")
	envStr(&c.RerankerURL, "RERANKER_URL")
	envStr(&c.EmbeddingModel, "EMBEDDING_MODEL")
	envInt(&c.EmbeddingDimensions, "EMBEDDING_DIMENSIONS")
	envStr(&c.RerankerModel, "RERANKER_MODEL")

	envBool(&c.Debug, "DEBUG")
	envStr(&c.LogLevel, "LOG_LEVEL")
	envStr(&c.ListenAddr, "LISTEN_ADDR")

	envBool(&c.Rerank.Enabled, "USE_RERANKING")
	envInt(&c.Rerank.TopKMultiplier, "RERANK_TOP_K_MULTIPLIER")
	envFloat(&c.Rerank.ScoreThreshold, "RERANK_SCORE_THRESHOLD")
	envFloat(&c.RAG.MinimumAnswerThreshold, "MINIMUM_ANSWER_THRESHOLD")

	envBool(&c.Hybrid.Enabled, "USE_HYBRID_SEARCH")
	envFloat(&c.Hybrid.VectorWeight, "HYBRID_VECTOR_WEIGHT")
	envFloat(&c.Hybrid.BM25Weight, "HYBRID_BM25_WEIGHT")
	envInt(&c.Hybrid.RRFK, "HYBRID_RRF_K")

	envInt(&c.RAG.DefaultTopK, "RAG_DEFAULT_TOP_K")
	if v := os.Getenv("RAG_DEFAULT_SCORE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RAG.DefaultScoreThreshold = &f
		}
	}
	envStr(&c.RAG.DefaultReasoningLevel, "RAG_DEFAULT_REASONING_LEVEL")
	envBool(&c.RAG.CitationExtraction, "RAG_CITATION_EXTRACTION")

	envInt(&c.Logging.QueueSize, "LOG_QUEUE_SIZE")
	envInt(&c.Logging.SessionQueueSize, "SESSION_QUEUE_SIZE")
	envInt(&c.Logging.BatchSize, "LOG_BATCH_SIZE")
	envInt(&c.Logging.SessionBatchSize, "SESSION_BATCH_SIZE")

	envInt(&c.Retention.CompressAfterDays, "COMPRESS_AFTER_DAYS")
	envInt(&c.Retention.RetentionDays, "RETENTION_DAYS")
	envFloat(&c.Retention.ConversationSampleRate, "CONVERSATION_SAMPLE_RATE")

	envInt(&c.Stats.ChunkSize, "STATS_CHUNK_SIZE")

	envStr(&c.PromptsDir, "PROMPTS_DIR")
	envStr(&c.LogsDir, "LOGS_DIR")
	envStr(&c.DBPath, "DB_PATH")
}

// Validate validates the configuration values.
func (c *Config) Validate() error {
	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("embedding_dimensions must be positive, got %d", c.EmbeddingDimensions)
	}
	if c.Rerank.TopKMultiplier < 1 {
		return fmt.Errorf("rerank.top_k_multiplier must be >= 1, got %d", c.Rerank.TopKMultiplier)
	}
	if c.Hybrid.RRFK <= 0 {
		return fmt.Errorf("hybrid.rrf_k must be positive, got %d", c.Hybrid.RRFK)
	}
	if c.Hybrid.VectorWeight < 0 || c.Hybrid.BM25Weight < 0 {
		return fmt.Errorf("hybrid weights must be non-negative")
	}
	if c.RAG.DefaultTopK <= 0 {
		return fmt.Errorf("rag.default_top_k must be positive, got %d", c.RAG.DefaultTopK)
	}
	if c.Logging.QueueSize <= 0 || c.Logging.SessionQueueSize <= 0 {
		return fmt.Errorf("logging queue sizes must be positive")
	}
	if c.Logging.BatchSize <= 0 || c.Logging.SessionBatchSize <= 0 {
		return fmt.Errorf("logging batch sizes must be positive")
	}
	if r := c.Retention.ConversationSampleRate; r < 0 || r > 1 {
		return fmt.Errorf("retention.conversation_sample_rate must be in [0,1], got %f", r)
	}
	switch c.RAG.DefaultReasoningLevel {
	case "low", "medium", "high":
	default:
		return fmt.Errorf("rag.default_reasoning_level must be low, medium or high, got %q", c.RAG.DefaultReasoningLevel)
	}
	return nil
}

// ModelFor resolves the override block for a model key, falling back to the
// shared LLM endpoint with the key used verbatim as the model name.
func (c *Config) ModelFor(key string) ModelConfig {
	if m, ok := c.Models[key]; ok {
		if m.BaseURL == "" {
			m.BaseURL = c.LLMBaseURL
		}
		if m.Model == "" {
			m.Model = key
		}
		return m
	}
	return ModelConfig{BaseURL: c.LLMBaseURL, Model: key}
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
