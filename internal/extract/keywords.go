// Package extract attaches query keywords and answer citations to retrieved
// documents. Everything here is best-effort: extraction failures degrade to
// empty annotations, never to errors.
package extract

import (
	"strings"
	"unicode"

	"docchat/internal/models"
)

// Interrogatives and pronouns that never make useful keywords.
var keywordStoplist = map[string]struct{}{
	"무엇": {}, "뭐": {}, "뭔가": {}, "어떤": {}, "어떻게": {}, "어디": {},
	"언제": {}, "누구": {}, "왜": {}, "무슨": {}, "몇": {}, "얼마": {},
	"이것": {}, "그것": {}, "저것": {}, "이거": {}, "그거": {}, "저거": {},
	"여기": {}, "거기": {}, "저기": {}, "관련": {}, "대해": {}, "대한": {},
	"what": {}, "which": {}, "how": {}, "when": {}, "where": {}, "who": {}, "why": {},
}

// Trailing josa particles stripped when deriving the base form of a query
// token. Longest match wins.
var particles = []string{
	"에서부터", "으로부터", "에게서", "까지", "부터", "에서", "에게", "으로", "이나", "이란", "라는",
	"은", "는", "이", "가", "을", "를", "에", "의", "도", "로", "와", "과", "나", "란",
}

// QueryKeywords derives the matchable keywords of a query: common/proper-noun
// candidates of length >= 2 with trailing particles stripped, minus the
// interrogative stoplist. The result is deterministic for a given query.
func QueryKeywords(query string) []string {
	var keywords []string
	seen := make(map[string]struct{})
	for _, token := range splitTokens(query) {
		base := stripParticle(token)
		if len([]rune(base)) < 2 {
			continue
		}
		if _, stop := keywordStoplist[base]; stop {
			continue
		}
		if _, dup := seen[base]; dup {
			continue
		}
		seen[base] = struct{}{}
		keywords = append(keywords, base)
	}
	return keywords
}

// AnnotateKeywords attaches to each document the query keywords that occur in
// its text, allowing trailing particle variants on the document side.
func AnnotateKeywords(query string, docs []models.RetrievedDoc) {
	keywords := QueryKeywords(query)
	for i := range docs {
		text := docs[i].Text()
		var matched []string
		for _, kw := range keywords {
			if strings.Contains(text, kw) {
				matched = append(matched, kw)
			}
		}
		if matched == nil {
			matched = []string{}
		}
		docs[i].Keywords = matched
	}
}

func splitTokens(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r))
	})
}

func stripParticle(token string) string {
	for _, p := range particles {
		if strings.HasSuffix(token, p) {
			base := strings.TrimSuffix(token, p)
			if len([]rune(base)) >= 2 {
				return base
			}
		}
	}
	return token
}
