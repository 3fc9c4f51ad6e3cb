// Package prompt resolves collections to system prompts and injects the
// reasoning instruction for the requested effort level.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"docchat/internal/llm"
	"docchat/internal/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	mappingFile = "mapping.json"
	casualFile  = "casual.md"
	defaultFile = "default.md"

	reasoningPlaceholder = "{reasoning_instruction}"

	// Last-resort prompt when every file in the fallback chain is unreadable.
	hardcodedDefault = "당신은 문서 기반 질의응답을 돕는 어시스턴트입니다. 제공된 참고 문서의 내용에 근거하여 정확하게 답변하세요.\n\n{reasoning_instruction}"
)

// Mapping is the parsed prompts/mapping.json.
type Mapping struct {
	CollectionPrompts map[string]CollectionPrompt `json:"collection_prompts"`
	DefaultPrompt     string                      `json:"default_prompt"`
}

// CollectionPrompt is one mapping entry.
type CollectionPrompt struct {
	PromptFile        string         `json:"prompt_file"`
	Description       string         `json:"description"`
	RecommendedParams map[string]any `json:"recommended_params,omitempty"`
}

// Reasoning-instruction tables, selected by model family.
var (
	literalInstructions = map[string]string{
		"low":    "Reasoning: low",
		"medium": "Reasoning: medium",
		"high":   "Reasoning: high",
	}
	deepInstructions = map[string]string{
		"low":    "간단한 질문이므로 핵심만 짧게 생각한 뒤 바로 답하세요.",
		"medium": "질문을 단계별로 검토한 뒤 답하세요.",
		"high":   "질문을 충분히 단계별로 분석하고, 근거를 검증한 뒤 신중하게 답하세요.",
	}
	defaultInstructions = map[string]string{
		"low":    "핵심만 간결하게 답변하세요.",
		"medium": "단계적으로 생각한 후 답변하세요.",
		"high":   "문제를 깊이 있게 단계별로 분석한 후 상세히 답변하세요.",
	}
)

type cachedFile struct {
	content string
	mtime   time.Time
}

// Loader serves system prompts with mtime-guarded file caching.
type Loader struct {
	dir string

	mu      sync.Mutex
	files   map[string]cachedFile
	mapping *Mapping
	mapTime time.Time
}

// NewLoader builds a loader over the prompts directory.
func NewLoader(dir string) *Loader {
	return &Loader{
		dir:   dir,
		files: make(map[string]cachedFile),
	}
}

// SystemPrompt resolves the prompt for a collection and substitutes the
// reasoning instruction. An empty collection name selects the casual prompt.
func (l *Loader) SystemPrompt(collectionName, reasoningLevel, modelKey string) string {
	var chain []string
	if collectionName == "" {
		chain = []string{casualFile, defaultFile}
	} else {
		mapping := l.loadMapping()
		if entry, ok := mapping.CollectionPrompts[collectionName]; ok && entry.PromptFile != "" {
			chain = append(chain, entry.PromptFile)
		}
		if mapping.DefaultPrompt != "" {
			chain = append(chain, mapping.DefaultPrompt)
		}
		chain = append(chain, defaultFile)
	}

	content := hardcodedDefault
	for _, name := range chain {
		if text, err := l.readCached(name); err == nil {
			content = text
			break
		} else {
			logging.For("prompt").Warn().Str("file", name).Err(err).Msg("prompt file unreadable, trying next")
		}
	}

	return strings.ReplaceAll(content, reasoningPlaceholder, Instruction(reasoningLevel, modelKey))
}

// RecommendedParams returns the mapping's recommended sampling parameters for
// a collection, if any.
func (l *Loader) RecommendedParams(collectionName string) map[string]any {
	entry, ok := l.loadMapping().CollectionPrompts[collectionName]
	if !ok {
		return nil
	}
	return entry.RecommendedParams
}

// Reload clears every cache; the next access re-reads from disk.
func (l *Loader) Reload() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.files = make(map[string]cachedFile)
	l.mapping = nil
}

// Instruction returns the level-appropriate reasoning instruction for the
// model family owning the key.
func Instruction(reasoningLevel, modelKey string) string {
	var table map[string]string
	switch llm.FamilyOf(modelKey) {
	case llm.FamilyReasoningLiteral:
		table = literalInstructions
	case llm.FamilyDeepReasoning:
		table = deepInstructions
	default:
		table = defaultInstructions
	}
	if s, ok := table[reasoningLevel]; ok {
		return s
	}
	return table["medium"]
}

func (l *Loader) loadMapping() *Mapping {
	l.mu.Lock()
	defer l.mu.Unlock()

	path := filepath.Join(l.dir, mappingFile)
	stat, err := os.Stat(path)
	if err == nil && l.mapping != nil && stat.ModTime().Equal(l.mapTime) {
		return l.mapping
	}

	mapping := &Mapping{CollectionPrompts: map[string]CollectionPrompt{}, DefaultPrompt: defaultFile}
	if err == nil {
		if data, readErr := os.ReadFile(path); readErr == nil {
			if parseErr := json.Unmarshal(data, mapping); parseErr != nil {
				logging.For("prompt").Warn().Err(parseErr).Msg("mapping.json parse failed, using defaults")
			}
			l.mapTime = stat.ModTime()
		}
	}
	l.mapping = mapping
	return mapping
}

func (l *Loader) readCached(name string) (string, error) {
	path := filepath.Join(l.dir, name)
	stat, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", name, err)
	}

	l.mu.Lock()
	cached, ok := l.files[name]
	l.mu.Unlock()
	if ok && cached.mtime.Equal(stat.ModTime()) {
		return cached.content, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}

	l.mu.Lock()
	l.files[name] = cachedFile{content: string(data), mtime: stat.ModTime()}
	l.mu.Unlock()
	return string(data), nil
}
