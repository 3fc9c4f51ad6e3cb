package llm

import "strings"

// Family partitions model keys into behavior groups. Everything that varies by
// model (system-prompt support, thought stripping, reasoning-instruction table)
// dispatches on this one enumeration instead of scattered prefix checks.
type Family int

const (
	// FamilyDefault covers ordinary OpenAI-compatible chat models.
	FamilyDefault Family = iota
	// FamilyDeepReasoning emits a <thought>...</thought> block before the
	// answer and rejects system prompts; output needs stateful stripping.
	FamilyDeepReasoning
	// FamilyReasoningLiteral consumes the literal "Reasoning: low|medium|high"
	// instruction string.
	FamilyReasoningLiteral
)

// FamilyOf classifies a model key by prefix.
func FamilyOf(modelKey string) Family {
	key := strings.ToLower(modelKey)
	switch {
	case strings.HasPrefix(key, "exaone-deep"):
		return FamilyDeepReasoning
	case strings.HasPrefix(key, "gpt-oss"):
		return FamilyReasoningLiteral
	default:
		return FamilyDefault
	}
}

// UsesSystemPrompt reports whether the family accepts a system message. The
// deep-reasoning family takes the whole prompt as a single user message.
func (f Family) UsesSystemPrompt() bool {
	return f != FamilyDeepReasoning
}
