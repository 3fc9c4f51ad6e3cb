package models

// ChatMessage is one turn of conversation history as received from the client.
// The optional fields let clients round-trip assistant turns with their
// sources and error details intact; the orchestrator only reads role and
// content.
type ChatMessage struct {
	Role          string         `json:"role"` // user, assistant, system
	Content       string         `json:"content"`
	Timestamp     string         `json:"timestamp,omitempty"`
	RetrievedDocs []RetrievedDoc `json:"retrieved_docs,omitempty"`
	ErrorInfo     *ErrorInfo     `json:"error_info,omitempty"`
}

// Usage mirrors the OpenAI-compatible token accounting block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatRequest carries everything the orchestrator needs for one turn.
type ChatRequest struct {
	CollectionName     string        `json:"collection_name,omitempty"`
	TempCollectionName string        `json:"temp_collection_name,omitempty"`
	Query              string        `json:"message"`
	ModelKey           string        `json:"model"`
	ReasoningLevel     string        `json:"reasoning_level"` // low, medium, high
	Temperature        float64       `json:"temperature"`
	TopP               float64       `json:"top_p"`
	MaxTokens          int           `json:"max_tokens"`
	FrequencyPenalty   float64       `json:"frequency_penalty"`
	PresencePenalty    float64       `json:"presence_penalty"`
	TopK               int           `json:"top_k"`
	ScoreThreshold     *float64      `json:"score_threshold,omitempty"`
	ChatHistory        []ChatMessage `json:"chat_history,omitempty"`
	UseReranking       bool          `json:"use_reranking"`
	UseHybrid          bool          `json:"use_hybrid"`
	SessionID          string        `json:"session_id,omitempty"`
}

// Targets lists the collections bound to the request, temp collection last.
// Empty means casual mode.
func (r *ChatRequest) Targets() []string {
	var targets []string
	if r.CollectionName != "" {
		targets = append(targets, r.CollectionName)
	}
	if r.TempCollectionName != "" {
		targets = append(targets, r.TempCollectionName)
	}
	return targets
}

// ChatResult is the non-streaming answer.
type ChatResult struct {
	ConversationID   string         `json:"conversation_id,omitempty"`
	Answer           string         `json:"answer"`
	RetrievedDocs    []RetrievedDoc `json:"retrieved_docs"`
	Usage            *Usage         `json:"usage"`
	ReasoningContent string         `json:"reasoning_content,omitempty"`
}

// RegenerateRequest replays a turn over previously retrieved documents,
// skipping retrieval and reranking entirely.
type RegenerateRequest struct {
	Query            string         `json:"query"`
	CollectionName   string         `json:"collection_name,omitempty"`
	RetrievedDocs    []RetrievedDoc `json:"retrieved_docs"`
	ModelKey         string         `json:"model"`
	ReasoningLevel   string         `json:"reasoning_level"`
	Temperature      float64        `json:"temperature"`
	TopP             float64        `json:"top_p"`
	MaxTokens        int            `json:"max_tokens"`
	FrequencyPenalty float64        `json:"frequency_penalty"`
	PresencePenalty  float64        `json:"presence_penalty"`
	ChatHistory      []ChatMessage  `json:"chat_history,omitempty"`
	SessionID        string         `json:"session_id,omitempty"`
}
