package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFamilyOf(t *testing.T) {
	tests := []struct {
		name     string
		modelKey string
		expected Family
	}{
		{"deep reasoning prefix", "exaone-deep-32b", FamilyDeepReasoning},
		{"literal reasoning prefix", "gpt-oss-20b", FamilyReasoningLiteral},
		{"plain model", "qwen2.5-7b-instruct", FamilyDefault},
		{"empty key", "", FamilyDefault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FamilyOf(tt.modelKey))
		})
	}
}

func TestCleanDeepReasoning(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "thought block removed",
			input:    "<thought>internal reasoning</thought>안녕하세요.",
			expected: "안녕하세요.",
		},
		{
			name:     "inline tags removed",
			input:    "환불은 <ref id=\"1\">제10조</ref>에 <span class=\"x\">따라</span> 가능합니다.[|endofturn|]",
			expected: "환불은 제10조에 따라 가능합니다.",
		},
		{
			name:     "no markup passes through",
			input:    "그대로 전달됩니다.",
			expected: "그대로 전달됩니다.",
		},
		{
			name:     "leading newlines after close tag trimmed",
			input:    "<thought>x</thought>\n\n답변입니다.",
			expected: "답변입니다.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CleanDeepReasoning(tt.input))
		})
	}
}

func feedAll(s *ThoughtStripper, chunks []string) []string {
	var emitted []string
	for _, chunk := range chunks {
		if out := s.Feed(chunk); out != "" {
			emitted = append(emitted, out)
		}
	}
	if tail := s.Flush(); tail != "" {
		emitted = append(emitted, tail)
	}
	return emitted
}

func TestThoughtStripperChunkBoundaries(t *testing.T) {
	s := NewThoughtStripper()
	emitted := feedAll(s, []string{"<thought>solve", " in english</thought>안녕", "하세요."})

	assert.Equal(t, []string{"안녕", "하세요."}, emitted)
}

func TestThoughtStripperNeverClosed(t *testing.T) {
	// A stream that never closes its thought block emits nothing and must not
	// hang.
	s := NewThoughtStripper()
	emitted := feedAll(s, []string{"<thought>step one", " step two", " still thinking"})

	assert.Empty(t, emitted)
}

func TestThoughtStripperTagSplitAcrossChunks(t *testing.T) {
	s := NewThoughtStripper()
	emitted := feedAll(s, []string{"<thought>x</thou", "ght>결론은 ", "<re", "f id=\"2\">근거</ref>입니다."})

	assert.Equal(t, "결론은 근거입니다.", joinChunks(emitted))
}

func joinChunks(chunks []string) string {
	joined := ""
	for _, c := range chunks {
		joined += c
	}
	return joined
}
