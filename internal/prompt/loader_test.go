package prompt

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePromptDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestSystemPromptResolutionChain(t *testing.T) {
	dir := writePromptDir(t, map[string]string{
		"mapping.json": `{"collection_prompts":{"legal":{"prompt_file":"legal.md"}},"default_prompt":"default.md"}`,
		"legal.md":     "LEGAL {reasoning_instruction}",
		"default.md":   "DEFAULT {reasoning_instruction}",
		"casual.md":    "CASUAL {reasoning_instruction}",
	})
	l := NewLoader(dir)

	tests := []struct {
		name       string
		collection string
		expected   string
	}{
		{"mapped collection", "legal", "LEGAL"},
		{"unmapped collection falls back to default", "hr", "DEFAULT"},
		{"empty collection uses casual", "", "CASUAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := l.SystemPrompt(tt.collection, "medium", "qwen2.5")
			assert.Contains(t, got, tt.expected)
			assert.NotContains(t, got, "{reasoning_instruction}")
		})
	}
}

func TestSystemPromptMissingFilesFallThrough(t *testing.T) {
	// mapping points at a file that does not exist; default.md exists.
	dir := writePromptDir(t, map[string]string{
		"mapping.json": `{"collection_prompts":{"legal":{"prompt_file":"gone.md"}},"default_prompt":"default.md"}`,
		"default.md":   "DEFAULT {reasoning_instruction}",
	})
	l := NewLoader(dir)

	assert.Contains(t, l.SystemPrompt("legal", "low", "m"), "DEFAULT")
}

func TestSystemPromptHardcodedLastResort(t *testing.T) {
	l := NewLoader(t.TempDir())
	got := l.SystemPrompt("anything", "medium", "m")
	assert.NotEmpty(t, got)
	assert.NotContains(t, got, "{reasoning_instruction}")
}

func TestInstructionTables(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		modelKey string
		expected string
	}{
		{"literal low", "low", "gpt-oss-20b", "Reasoning: low"},
		{"literal high", "high", "gpt-oss-120b", "Reasoning: high"},
		{"deep family uses korean directive", "medium", "exaone-deep-32b", deepInstructions["medium"]},
		{"default family", "high", "qwen2.5", defaultInstructions["high"]},
		{"unknown level falls back to medium", "extreme", "qwen2.5", defaultInstructions["medium"]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Instruction(tt.level, tt.modelKey))
		})
	}
}

func TestReloadPicksUpChanges(t *testing.T) {
	dir := writePromptDir(t, map[string]string{
		"casual.md": "BEFORE {reasoning_instruction}",
	})
	l := NewLoader(dir)
	assert.Contains(t, l.SystemPrompt("", "medium", "m"), "BEFORE")

	// Rewrite with an identical mtime risk; Reload must bypass the cache
	// regardless of timestamp granularity.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "casual.md"), []byte("AFTER {reasoning_instruction}"), 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "casual.md"), past, past))
	l.Reload()

	assert.Contains(t, l.SystemPrompt("", "medium", "m"), "AFTER")
}

func TestRecommendedParams(t *testing.T) {
	dir := writePromptDir(t, map[string]string{
		"mapping.json": `{"collection_prompts":{"legal":{"prompt_file":"legal.md","recommended_params":{"temperature":0.3}}},"default_prompt":"default.md"}`,
	})
	l := NewLoader(dir)

	params := l.RecommendedParams("legal")
	require.NotNil(t, params)
	assert.InDelta(t, 0.3, params["temperature"].(float64), 1e-9)

	assert.Nil(t, l.RecommendedParams("unknown"))
}
