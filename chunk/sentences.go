package chunk

import (
	"strings"
	"unicode"
)

// abbreviations that end with a period but do not end a sentence.
var abbreviations = map[string]struct{}{
	"mr": {}, "mrs": {}, "ms": {}, "dr": {}, "prof": {}, "rev": {},
	"sr": {}, "jr": {}, "st": {}, "vs": {}, "etc": {}, "al": {},
	"e.g": {}, "i.e": {}, "cf": {}, "fig": {}, "eq": {}, "no": {},
	"vol": {}, "inc": {}, "ltd": {}, "co": {}, "approx": {},
}

// SplitSentences splits text at sentence boundaries: a terminator
// (./!/?) followed by whitespace and an uppercase letter, with periods
// after known abbreviations and single-letter initials left alone.
func SplitSentences(text string) []string {
	runes := []rune(text)
	var sentences []string
	start := 0

	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		if ch != '.' && ch != '!' && ch != '?' {
			continue
		}

		// A boundary needs whitespace after the terminator...
		j := i + 1
		if j >= len(runes) || !unicode.IsSpace(runes[j]) {
			continue
		}
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			j++
		}
		// ...and an uppercase sentence opener after the whitespace.
		if j >= len(runes) || !unicode.IsUpper(runes[j]) {
			continue
		}

		if ch == '.' && isAbbreviation(runes[start:i]) {
			continue
		}

		sentence := strings.TrimSpace(string(runes[start : i+1]))
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
		start = j
		i = j - 1
	}

	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}

// isAbbreviation inspects the word ending just before a period and reports
// whether the period belongs to it rather than closing a sentence.
func isAbbreviation(before []rune) bool {
	end := len(before)
	begin := end
	for begin > 0 && !unicode.IsSpace(before[begin-1]) {
		begin--
	}
	word := strings.TrimRight(strings.ToLower(string(before[begin:end])), ".")
	if word == "" {
		return false
	}
	// Single-letter initials: "J. R. Tolkien".
	if len([]rune(word)) == 1 && unicode.IsLetter([]rune(word)[0]) {
		return true
	}
	_, ok := abbreviations[word]
	return ok
}
