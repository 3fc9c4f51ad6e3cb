package llm

import "errors"

var (
	// ErrUpstreamUnavailable marks transport failures, timeouts and 5xx
	// responses from the embedding, LLM or reranker services.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrShapeMismatch marks an embedding response whose vector length does
	// not match the configured dimension.
	ErrShapeMismatch = errors.New("embedding shape mismatch")
)
