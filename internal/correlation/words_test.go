package correlation

import "testing"

func TestSignificantWordsDropsStopWordsAndShortTokens(t *testing.T) {
	words := significantWords("the cat and a dog are on it")
	for _, w := range words {
		if stopWords[w] || len(w) <= 2 {
			t.Fatalf("unexpected non-significant word kept: %q", w)
		}
	}
}

func TestOverlapCountIsSetBased(t *testing.T) {
	a := []string{"hello", "world", "world"}
	b := []string{"hello", "world"}
	if got := overlapCount(a, b); got != 2 {
		t.Fatalf("expected overlap of 2 distinct words, got %d", got)
	}
}

func TestContainsReactionToken(t *testing.T) {
	if !containsReactionToken("lmaooo that was pog") {
		t.Fatal("expected tokenization to find 'pog'")
	}
	if containsReactionToken("that was great") {
		t.Fatal("did not expect a reaction token here")
	}
}
