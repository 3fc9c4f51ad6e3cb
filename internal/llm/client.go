package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"docchat/internal/config"
	"docchat/internal/models"
)

// Params are the sampling parameters forwarded to the chat endpoint.
type Params struct {
	Temperature      float64
	TopP             float64
	MaxTokens        int
	FrequencyPenalty float64
	PresencePenalty  float64
}

// ChatResponse is the post-processed result of a non-streaming completion.
type ChatResponse struct {
	Content          string
	ReasoningContent string
	Usage            *models.Usage
}

// StreamDelta is one post-processed token chunk from a streaming completion.
type StreamDelta struct {
	Content          string
	ReasoningContent string
	FinishReason     string
}

// Client serves chat and streaming completions for all configured model keys.
// Underlying clients are created lazily and shared per endpoint, so each
// logical base URL owns exactly one connection pool.
type Client struct {
	cfg *config.Config

	mu      sync.Mutex
	clients map[string]*openai.Client
}

// NewClient builds the shared LLM client.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		cfg:     cfg,
		clients: make(map[string]*openai.Client),
	}
}

func (c *Client) clientFor(baseURL string, timeout time.Duration) *openai.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := fmt.Sprintf("%s|%s", baseURL, timeout)
	if cl, ok := c.clients[key]; ok {
		return cl
	}
	conf := openai.DefaultConfig("")
	conf.BaseURL = baseURL
	conf.HTTPClient = &http.Client{Timeout: timeout}
	cl := openai.NewClientWithConfig(conf)
	c.clients[key] = cl
	return cl
}

func (c *Client) buildRequest(mc config.ModelConfig, messages []models.ChatMessage, params Params, stream bool) openai.ChatCompletionRequest {
	temperature := params.Temperature
	if mc.Temperature != nil {
		temperature = *mc.Temperature
	}
	topP := params.TopP
	if mc.TopP != nil {
		topP = *mc.TopP
	}
	maxTokens := params.MaxTokens
	if mc.MaxTokens != nil && (maxTokens == 0 || maxTokens > *mc.MaxTokens) {
		maxTokens = *mc.MaxTokens
	}

	msgs := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		msgs[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return openai.ChatCompletionRequest{
		Model:            mc.Model,
		Messages:         msgs,
		Temperature:      float32(temperature),
		TopP:             float32(topP),
		MaxTokens:        maxTokens,
		FrequencyPenalty: float32(params.FrequencyPenalty),
		PresencePenalty:  float32(params.PresencePenalty),
		Stream:           stream,
	}
}

// Chat runs a non-streaming completion and applies family post-processing.
func (c *Client) Chat(ctx context.Context, modelKey string, messages []models.ChatMessage, params Params) (*ChatResponse, error) {
	mc := c.cfg.ModelFor(modelKey)
	client := c.clientFor(mc.BaseURL, c.cfg.Timeouts.LLM)

	resp, err := client.CreateChatCompletion(ctx, c.buildRequest(mc, messages, params, false))
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", wrapUpstream(err))
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices: %w", ErrUpstreamUnavailable)
	}

	content := resp.Choices[0].Message.Content
	reasoning := resp.Choices[0].Message.ReasoningContent
	if FamilyOf(modelKey) == FamilyDeepReasoning {
		content = CleanDeepReasoning(content)
	}

	return &ChatResponse{
		Content:          content,
		ReasoningContent: reasoning,
		Usage: &models.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// ChatStream runs a streaming completion. Deltas arrive post-processed on the
// first channel; a terminal error, if any, on the second. Both channels close
// when the stream ends.
func (c *Client) ChatStream(ctx context.Context, modelKey string, messages []models.ChatMessage, params Params) (<-chan StreamDelta, <-chan error, error) {
	mc := c.cfg.ModelFor(modelKey)
	client := c.clientFor(mc.BaseURL, c.cfg.Timeouts.Streaming)

	stream, err := client.CreateChatCompletionStream(ctx, c.buildRequest(mc, messages, params, true))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start chat stream: %w", wrapUpstream(err))
	}

	deltaChan := make(chan StreamDelta, 16)
	errChan := make(chan error, 1)

	var stripper *ThoughtStripper
	if FamilyOf(modelKey) == FamilyDeepReasoning {
		stripper = NewThoughtStripper()
	}

	go func() {
		defer stream.Close()
		defer close(deltaChan)
		defer close(errChan)

		emit := func(d StreamDelta) bool {
			select {
			case deltaChan <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}
		flushTail := func() {
			if stripper == nil {
				return
			}
			if tail := stripper.Flush(); tail != "" {
				emit(StreamDelta{Content: tail})
			}
		}

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				flushTail()
				return
			}
			if err != nil {
				errChan <- fmt.Errorf("stream read failed: %w", wrapUpstream(err))
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}

			choice := resp.Choices[0]
			content := choice.Delta.Content
			if stripper != nil && content != "" {
				content = stripper.Feed(content)
			}

			if content == "" && choice.Delta.ReasoningContent == "" && choice.FinishReason == "" {
				continue
			}
			if !emit(StreamDelta{
				Content:          content,
				ReasoningContent: choice.Delta.ReasoningContent,
				FinishReason:     string(choice.FinishReason),
			}) {
				return
			}
			if choice.FinishReason != "" {
				flushTail()
				return
			}
		}
	}()

	return deltaChan, errChan, nil
}

func wrapUpstream(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode < 500 {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
}
