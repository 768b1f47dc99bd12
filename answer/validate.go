package answer

import (
	"sort"
	"strings"
	"unicode"
)

// stopWords are excluded from alignment scoring on both sides; function
// words carry no grounding signal either way.
var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {},
	"in": {}, "on": {}, "at": {}, "to": {}, "for": {}, "of": {},
	"with": {}, "by": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"be": {}, "been": {}, "being": {}, "have": {}, "has": {}, "had": {},
	"do": {}, "does": {}, "did": {}, "will": {}, "would": {}, "could": {},
	"should": {}, "may": {}, "might": {}, "must": {}, "can": {},
	"this": {}, "that": {}, "these": {}, "those": {},
	"i": {}, "you": {}, "he": {}, "she": {}, "it": {}, "we": {}, "they": {},
	"me": {}, "him": {}, "her": {}, "us": {}, "them": {},
}

// AlignmentScore measures how much of a response the context supports:
// 1 minus the fraction of response tokens absent from the context, after
// lower-casing, punctuation stripping, and stop-word removal. A response
// with no content tokens scores 1. Returns the score and the unmatched
// tokens, sorted for stable output.
func AlignmentScore(response string, contexts []string) (float64, []string) {
	responseTokens := contentTokens(response)
	if len(responseTokens) == 0 {
		return 1.0, nil
	}

	contextTokens := make(map[string]struct{})
	for _, c := range contexts {
		for token := range contentTokens(c) {
			contextTokens[token] = struct{}{}
		}
	}

	var unmatched []string
	for token := range responseTokens {
		if _, ok := contextTokens[token]; !ok {
			unmatched = append(unmatched, token)
		}
	}
	sort.Strings(unmatched)

	score := 1.0 - float64(len(unmatched))/float64(len(responseTokens))
	return score, unmatched
}

// contentTokens lower-cases, splits on whitespace, trims surrounding
// punctuation, and drops stop words and empties.
func contentTokens(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, field := range strings.Fields(strings.ToLower(text)) {
		token := strings.TrimFunc(field, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if token == "" {
			continue
		}
		if _, skip := stopWords[token]; skip {
			continue
		}
		tokens[token] = struct{}{}
	}
	return tokens
}
