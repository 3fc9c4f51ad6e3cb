package rag

import (
	"fmt"
	"strings"

	"docchat/internal/llm"
	"docchat/internal/models"
)

// noDocsAnswer is returned without calling the LLM when retrieval comes back
// empty for a document-bound request.
const noDocsAnswer = "관련된 문서를 찾을 수 없습니다. 질문을 바꿔서 다시 시도하거나 다른 문서 컬렉션을 선택해 주세요."

// referenceLabel renders the bracketed source label shown before each chunk.
func referenceLabel(doc *models.RetrievedDoc, ordinal int) string {
	headings := doc.Headings()
	switch {
	case len(headings) >= 2:
		return fmt.Sprintf("[%s, %s]", headings[0], headings[1])
	case len(headings) == 1:
		return fmt.Sprintf("[%s]", headings[0])
	default:
		return fmt.Sprintf("[문서 %d]", ordinal)
	}
}

func documentBlock(docs []models.RetrievedDoc) string {
	if len(docs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("[참고 문서]\n")
	for i := range docs {
		fmt.Fprintf(&b, "%d. %s (유사도: %.4f)\n%s\n\n",
			i+1, referenceLabel(&docs[i], i+1), docs[i].Score, docs[i].Text())
	}
	return strings.TrimRight(b.String(), "\n")
}

// BuildRAGMessages assembles the completion messages for one turn. The deep
// reasoning family rejects system prompts, so everything collapses into a
// single user message there; every other family gets the conventional
// system + history + user layout with the document block embedded in the
// user message.
func BuildRAGMessages(systemPrompt, query string, docs []models.RetrievedDoc, history []models.ChatMessage, modelKey string) []models.ChatMessage {
	block := documentBlock(docs)

	if !llm.FamilyOf(modelKey).UsesSystemPrompt() {
		var b strings.Builder
		b.WriteString(systemPrompt)
		if block != "" {
			b.WriteString("\n\n")
			b.WriteString(block)
		}
		b.WriteString("\n\n질문: ")
		b.WriteString(query)
		return []models.ChatMessage{{Role: "user", Content: b.String()}}
	}

	messages := make([]models.ChatMessage, 0, len(history)+2)
	messages = append(messages, models.ChatMessage{Role: "system", Content: systemPrompt})
	for _, m := range history {
		if m.Role == "user" || m.Role == "assistant" {
			messages = append(messages, m)
		}
	}

	userContent := query
	if block != "" {
		userContent = block + "\n\n질문: " + query
	}
	return append(messages, models.ChatMessage{Role: "user", Content: userContent})
}
