package extract

import (
	"regexp"
	"strings"

	"docchat/internal/logging"
	"docchat/internal/models"
)

const (
	maxCitationsPerDoc = 5
	minQuoteLen        = 10
	minCommonRunLen    = 15
)

// articleRE matches statute-style references: 제N조 [제M항 [제K호]].
var articleRE = regexp.MustCompile(`제\d+조(?:\s*제\d+항)?(?:\s*제\d+호)?`)

// quoteRE captures the inside of paired quotes, ASCII and Unicode.
var quoteRE = regexp.MustCompile(`"([^"]+)"|“([^”]+)”|‘([^’]+)’|「([^」]+)」|『([^』]+)』`)

var spaceRE = regexp.MustCompile(`\s+`)

// AnnotateCitations runs after the full answer is known and attaches
// cited_phrases to every document. Three strategies are unioned per doc:
// article references, quoted phrases, and (only when the first two yielded
// nothing anywhere) a longest-common-substring fallback. Never fails; any
// internal problem leaves a doc with an empty slice.
func AnnotateCitations(answer string, docs []models.RetrievedDoc) {
	defer func() {
		if r := recover(); r != nil {
			logging.For("extract").Warn().Any("panic", r).Msg("citation extraction failed")
			for i := range docs {
				if docs[i].CitedPhrases == nil {
					docs[i].CitedPhrases = []string{}
				}
			}
		}
	}()

	articles := articleRefs(answer)
	quotes := quotedPhrases(answer)
	anyPrimary := false

	for i := range docs {
		text := docs[i].Text()
		var phrases []string

		for _, ref := range articles {
			for _, sent := range sentencesContaining(text, ref.components) {
				phrases = appendPhrase(phrases, sent)
			}
		}
		for _, q := range quotes {
			if containsNormalized(text, q) {
				phrases = appendPhrase(phrases, q)
			}
		}
		if len(phrases) > 0 {
			anyPrimary = true
		}
		if phrases == nil {
			phrases = []string{}
		}
		docs[i].CitedPhrases = phrases
	}

	if anyPrimary {
		return
	}
	// Fallback: greedy common-substring scan between answer and each source.
	for i := range docs {
		if run := longestCommonRun(answer, docs[i].Text()); len([]rune(run)) >= minCommonRunLen {
			docs[i].CitedPhrases = appendPhrase(docs[i].CitedPhrases, strings.TrimSpace(run))
		}
	}
}

type articleRef struct {
	full       string
	components []string
}

func articleRefs(answer string) []articleRef {
	var refs []articleRef
	seen := make(map[string]struct{})
	for _, m := range articleRE.FindAllString(answer, -1) {
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		refs = append(refs, articleRef{full: m, components: strings.Fields(m)})
	}
	return refs
}

func quotedPhrases(answer string) []string {
	var phrases []string
	for _, groups := range quoteRE.FindAllStringSubmatch(answer, -1) {
		for _, inner := range groups[1:] {
			if inner == "" {
				continue
			}
			if len([]rune(inner)) >= minQuoteLen {
				phrases = append(phrases, inner)
			}
		}
	}
	return phrases
}

// sentencesContaining splits text into rough sentences and keeps those that
// contain every component token of an article reference.
func sentencesContaining(text string, components []string) []string {
	if len(components) == 0 {
		return nil
	}
	var out []string
	for _, sent := range splitSentences(text) {
		ok := true
		for _, comp := range components {
			if !strings.Contains(sent, comp) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, strings.TrimSpace(sent))
		}
	}
	return out
}

func splitSentences(text string) []string {
	var sentences []string
	start := 0
	runes := []rune(text)
	for i, r := range runes {
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
				sentences = append(sentences, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// containsNormalized reports whether needle occurs in haystack after
// collapsing whitespace runs on both sides.
func containsNormalized(haystack, needle string) bool {
	h := spaceRE.ReplaceAllString(haystack, " ")
	n := spaceRE.ReplaceAllString(strings.TrimSpace(needle), " ")
	return n != "" && strings.Contains(h, n)
}

// longestCommonRun finds the longest contiguous substring shared by a and b.
// Quadratic in rune count, bounded by chunk sizes in practice.
func longestCommonRun(a, b string) string {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 || len(rb) == 0 {
		return ""
	}
	best, bestLen := "", 0
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for i := 1; i <= len(ra); i++ {
		for j := 1; j <= len(rb); j++ {
			if ra[i-1] == rb[j-1] {
				curr[j] = prev[j-1] + 1
				if curr[j] > bestLen {
					bestLen = curr[j]
					best = string(ra[i-bestLen : i])
				}
			} else {
				curr[j] = 0
			}
		}
		prev, curr = curr, prev
	}
	return best
}

func appendPhrase(phrases []string, phrase string) []string {
	if len(phrases) >= maxCitationsPerDoc {
		return phrases
	}
	for _, p := range phrases {
		if p == phrase {
			return phrases
		}
	}
	return append(phrases, phrase)
}
