package models

// ErrorInfo is attached to assistant records produced by a failed turn.
type ErrorInfo struct {
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
}

// RetrievalInfo summarizes the retrieval leg of one assistant turn.
type RetrievalInfo struct {
	RetrievedCount  int       `json:"retrieved_count"`
	TopScores       []float64 `json:"top_scores"`
	RetrievalTimeMS *int64    `json:"retrieval_time_ms,omitempty"`
	RerankingUsed   *bool     `json:"reranking_used,omitempty"`
}

// Performance summarizes the generation leg of one assistant turn.
type Performance struct {
	ResponseTimeMS  int64  `json:"response_time_ms"`
	TokenCount      int    `json:"token_count"`
	RetrievalTimeMS *int64 `json:"retrieval_time_ms,omitempty"`
}

// InteractionRecord is one JSONL line in a daily log shard. Records are
// immutable once written; CreatedAt is naive KST.
type InteractionRecord struct {
	LogID          string         `json:"log_id"`
	SessionID      string         `json:"session_id"`
	CollectionName string         `json:"collection_name"`
	MessageType    string         `json:"message_type"` // user or assistant
	MessageContent string         `json:"message_content"`
	ReasoningLevel string         `json:"reasoning_level,omitempty"`
	LLMModel       string         `json:"llm_model,omitempty"`
	LLMParams      map[string]any `json:"llm_params,omitempty"`
	RetrievalInfo  *RetrievalInfo `json:"retrieval_info,omitempty"`
	Performance    *Performance   `json:"performance,omitempty"`
	ErrorInfo      *ErrorInfo     `json:"error_info,omitempty"`
	CreatedAt      string         `json:"created_at"`
}

// SessionUpdate is the per-turn diff applied to the session row. The batcher
// folds it into chat_sessions maintaining the counting invariants.
type SessionUpdate struct {
	SessionID      string
	CollectionName string
	DeltaUser      int
	DeltaAssistant int
	ResponseTimeMS int64
	TopScores      []float64
	HasError       bool
	LLMModel       string
	ReasoningLevel string
}
