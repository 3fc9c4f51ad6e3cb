package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatMessageRoundTripsOptionalFields(t *testing.T) {
	in := `{
		"role": "assistant",
		"content": "환불은 7일 이내입니다.",
		"timestamp": "2026-08-20T10:00:05",
		"retrieved_docs": [{"id": "d1", "score": 0.82, "payload": {"text": "환불 규정"}}],
		"error_info": {"error_type": "upstream_unavailable", "error_message": "timeout"}
	}`

	var m ChatMessage
	require.NoError(t, json.Unmarshal([]byte(in), &m))
	assert.Equal(t, "2026-08-20T10:00:05", m.Timestamp)
	require.Len(t, m.RetrievedDocs, 1)
	assert.Equal(t, "d1", m.RetrievedDocs[0].ID)
	require.NotNil(t, m.ErrorInfo)
	assert.Equal(t, "upstream_unavailable", m.ErrorInfo.ErrorType)

	out, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"retrieved_docs"`)
	assert.Contains(t, string(out), `"error_info"`)

	// A bare turn stays bare on the wire.
	bare, err := json.Marshal(ChatMessage{Role: "user", Content: "질문"})
	require.NoError(t, err)
	assert.NotContains(t, string(bare), "timestamp")
	assert.NotContains(t, string(bare), "retrieved_docs")
	assert.NotContains(t, string(bare), "error_info")
}
