// Package convstore accumulates conversations in memory and persists a
// sampled subset as JSONL when they end.
package convstore

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"docchat/internal/config"
	"docchat/internal/kst"
	"docchat/internal/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Retention priorities, from kept-longest down.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

const summaryMaxRunes = 100

// Turn is one recorded message of a live conversation.
type Turn struct {
	Role      string   `json:"role"`
	Content   string   `json:"content"`
	Score     *float64 `json:"score,omitempty"`
	IsError   bool     `json:"is_error,omitempty"`
	IsRegen   bool     `json:"is_regen,omitempty"`
	CreatedAt string   `json:"created_at"`
}

// Conversation is the finalized JSONL line.
type Conversation struct {
	ConversationID    string   `json:"conversation_id"`
	CollectionName    string   `json:"collection_name"`
	StartedAt         string   `json:"started_at"`
	EndedAt           string   `json:"ended_at"`
	DurationSeconds   float64  `json:"duration_seconds"`
	TotalTurns        int      `json:"total_turns"`
	HasError          bool     `json:"has_error"`
	HasRegeneration   bool     `json:"has_regeneration"`
	MinRetrievalScore *float64 `json:"min_retrieval_score,omitempty"`
	IsSampled         bool     `json:"is_sampled"`
	RetentionPriority string   `json:"retention_priority"`
	Summary           string   `json:"summary"`
	Messages          []Turn   `json:"messages"`
}

type liveConversation struct {
	collection string
	startedAt  time.Time
	turns      []Turn
}

// Tracker holds live conversations keyed by conversation id.
type Tracker struct {
	cfg     config.RetentionConfig
	logsDir string

	mu   sync.Mutex
	live map[string]*liveConversation

	// rnd drives the sampling decision; tests may replace it.
	rnd func() float64
}

// New builds the tracker.
func New(cfg config.RetentionConfig, logsDir string) *Tracker {
	return &Tracker{
		cfg:     cfg,
		logsDir: logsDir,
		live:    make(map[string]*liveConversation),
		rnd:     rand.Float64,
	}
}

// Record appends one turn to a live conversation, starting it if needed.
func (t *Tracker) Record(conversationID, collection, role, content string, score *float64, isError, isRegen bool) {
	if conversationID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	conv, ok := t.live[conversationID]
	if !ok {
		conv = &liveConversation{collection: collection, startedAt: kst.Now()}
		t.live[conversationID] = conv
	}
	if collection != "" && conv.collection == "" {
		conv.collection = collection
	}
	conv.turns = append(conv.turns, Turn{
		Role:      role,
		Content:   content,
		Score:     score,
		IsError:   isError,
		IsRegen:   isRegen,
		CreatedAt: kst.Format(kst.Now()),
	})
}

// ActiveCount reports how many conversations are currently live.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

// End finalizes a conversation and persists it when the sampling policy says
// so. Unknown ids are ignored.
func (t *Tracker) End(conversationID string) error {
	t.mu.Lock()
	conv, ok := t.live[conversationID]
	if ok {
		delete(t.live, conversationID)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}

	final := t.finalize(conversationID, conv)
	if !t.shouldPersist(final) {
		return nil
	}
	return t.persist(final)
}

func (t *Tracker) finalize(id string, conv *liveConversation) *Conversation {
	now := kst.Now()
	final := &Conversation{
		ConversationID:  id,
		CollectionName:  conv.collection,
		StartedAt:       kst.Format(conv.startedAt),
		EndedAt:         kst.Format(now),
		DurationSeconds: now.Sub(conv.startedAt).Seconds(),
		TotalTurns:      len(conv.turns),
		Messages:        conv.turns,
	}

	for _, turn := range conv.turns {
		if turn.IsError {
			final.HasError = true
		}
		if turn.IsRegen {
			final.HasRegeneration = true
		}
		if turn.Score != nil {
			if final.MinRetrievalScore == nil || *turn.Score < *final.MinRetrievalScore {
				v := *turn.Score
				final.MinRetrievalScore = &v
			}
		}
		if final.Summary == "" && turn.Role == "user" {
			final.Summary = truncateRunes(turn.Content, summaryMaxRunes)
		}
	}
	final.RetentionPriority = retentionPriority(final)
	return final
}

// shouldPersist applies the sampling policy: problem conversations always
// persist, the rest with the configured probability.
func (t *Tracker) shouldPersist(c *Conversation) bool {
	if c.HasError || c.HasRegeneration || c.TotalTurns >= 5 {
		return true
	}
	if c.MinRetrievalScore != nil && *c.MinRetrievalScore < 0.5 {
		return true
	}
	c.IsSampled = true
	return t.rnd() < t.cfg.ConversationSampleRate
}

func retentionPriority(c *Conversation) string {
	lowScore := c.MinRetrievalScore != nil && *c.MinRetrievalScore < 0.3
	midScore := c.MinRetrievalScore != nil && *c.MinRetrievalScore < 0.5
	switch {
	case c.HasError || lowScore || c.HasRegeneration || c.TotalTurns >= 5:
		return PriorityHigh
	case c.TotalTurns >= 3 || midScore:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

func (t *Tracker) persist(c *Conversation) error {
	now := kst.Now()
	path := filepath.Join(t.logsDir, "conversations",
		now.Format("2006"), now.Format("01"),
		now.Format(kst.DateLayout)+".jsonl")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create conversations directory: %w", err)
	}
	line, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open conversations file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append conversation: %w", err)
	}

	logging.For("convstore").Debug().
		Str("conversation_id", c.ConversationID).
		Str("priority", c.RetentionPriority).
		Int("turns", c.TotalTurns).
		Msg("conversation persisted")
	return nil
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
