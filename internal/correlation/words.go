package correlation

import "strings"

// stopWords are excluded from "significant word" sets used by the
// keyword_echo pattern rule (spec.md §4.12).
var stopWords = map[string]bool{
	"the": true, "and": true, "or": true, "but": true, "is": true,
	"are": true, "was": true, "were": true, "a": true, "an": true,
	"to": true, "for": true, "of": true, "in": true, "on": true,
	"at": true, "by": true,
}

// reactionTokens are chat tokens treated as an emote/reaction regardless of
// whether the platform's actual emote catalog is known to this package.
var reactionTokens = map[string]bool{
	"lol": true, "lmao": true, "lul": true, "pog": true, "pogchamp": true,
	"kekw": true, "omegalul": true, "rofl": true, "haha": true, "lmfao": true,
}

// questionWords are the interrogatives checked by the question_response
// pattern rule.
var questionWords = []string{"what", "why", "how", "when"}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
}

// significantWords returns the lowercased tokens of text that are longer
// than 2 characters and not in the stop-word set.
func significantWords(text string) []string {
	var out []string
	for _, w := range tokenize(text) {
		if len(w) > 2 && !stopWords[w] {
			out = append(out, w)
		}
	}
	return out
}

func containsAny(text string, candidates []string) bool {
	lower := strings.ToLower(text)
	for _, c := range candidates {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}

func containsReactionToken(text string) bool {
	for _, w := range tokenize(text) {
		if reactionTokens[w] {
			return true
		}
	}
	return false
}

// overlapCount returns the number of distinct words that appear in both a
// and b, used by the keyword_echo overlap-ratio rule.
func overlapCount(a, b []string) int {
	setA := toSet(a)
	setB := toSet(b)
	n := 0
	for w := range setA {
		if setB[w] {
			n++
		}
	}
	return n
}

func toSet(words []string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}
