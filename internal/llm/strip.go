package llm

import (
	"regexp"
	"strings"
)

const thoughtClose = "</thought>"

// thoughtBufferLimit caps how much pre-answer text the streaming stripper will
// hold while waiting for the closing tag. Past the limit the buffer is trimmed
// from the front; the close tag can never be longer than the retained tail.
const thoughtBufferLimit = 64 * 1024

// inlineTagRE matches the residual markup the deep-reasoning family leaks into
// its answers.
var inlineTagRE = regexp.MustCompile(`</?think>|</?ref[^>]*>|</?span[^>]*>|<신설[^>]*>|\[\|endofturn\|\]`)

// CleanDeepReasoning strips a complete (non-streaming) deep-reasoning answer:
// everything through the first </thought> goes, then inline tags are removed.
func CleanDeepReasoning(content string) string {
	if idx := strings.Index(content, thoughtClose); idx >= 0 {
		content = content[idx+len(thoughtClose):]
	}
	content = inlineTagRE.ReplaceAllString(content, "")
	return strings.TrimLeft(content, "\n")
}

// ThoughtStripper is the stateful streaming variant. Nothing is emitted until
// the first </thought> arrives; the remainder of that chunk is flushed and
// later chunks pass through with inline tags removed. A stream that never
// closes its thought block emits nothing.
type ThoughtStripper struct {
	closed  bool
	trimmed bool
	buf     strings.Builder
	pending string
}

// NewThoughtStripper returns a stripper for one stream.
func NewThoughtStripper() *ThoughtStripper {
	return &ThoughtStripper{}
}

// Feed consumes one delta and returns the text safe to emit now.
func (s *ThoughtStripper) Feed(chunk string) string {
	if !s.closed {
		s.buf.WriteString(chunk)
		text := s.buf.String()
		idx := strings.Index(text, thoughtClose)
		if idx < 0 {
			if s.buf.Len() > thoughtBufferLimit {
				tail := text[len(text)-thoughtBufferLimit/2:]
				s.buf.Reset()
				s.buf.WriteString(tail)
			}
			return ""
		}
		s.closed = true
		rest := text[idx+len(thoughtClose):]
		s.buf.Reset()
		return s.clean(rest)
	}
	return s.clean(chunk)
}

// Flush returns whatever was held back waiting for a possible tag boundary.
func (s *ThoughtStripper) Flush() string {
	out := inlineTagRE.ReplaceAllString(s.pending, "")
	s.pending = ""
	return out
}

// clean removes inline tags, holding back a trailing fragment that could be
// the start of a tag split across chunk boundaries.
func (s *ThoughtStripper) clean(chunk string) string {
	text := s.pending + chunk
	s.pending = ""

	hold := len(text)
	if i := strings.LastIndexAny(text, "<["); i >= 0 && !strings.ContainsAny(text[i:], ">]") {
		// Unterminated tag candidate; keep fragments shorter than the longest
		// removable token, flush anything bigger as ordinary text.
		if len(text)-i <= len("[|endofturn|]")+16 {
			hold = i
		}
	}
	s.pending = text[hold:]
	text = text[:hold]

	text = inlineTagRE.ReplaceAllString(text, "")
	if !s.trimmed {
		trimmedText := strings.TrimLeft(text, "\n")
		if trimmedText != "" || text == "" {
			if trimmedText != "" {
				s.trimmed = true
			}
			text = trimmedText
		} else {
			text = ""
		}
	}
	return text
}
