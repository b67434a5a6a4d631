package idwords

import (
	"strings"
	"testing"
)

func TestNodeID(t *testing.T) {
	id := NodeID(0)
	if !strings.HasPrefix(id, Prefix) {
		t.Fatalf("missing prefix: %q", id)
	}
	parts := strings.Split(strings.TrimPrefix(id, Prefix), "-")
	if len(parts) != DefaultWords {
		t.Fatalf("expected %d words, got %d: %q", DefaultWords, len(parts), id)
	}
	if !Valid(id) {
		t.Fatalf("generated id should be valid: %q", id)
	}
	if n := len(strings.Split(NodeID(5), "-")); n != 6 {
		t.Fatalf("five words: got %d segments", n)
	}
}

func TestWordlist(t *testing.T) {
	load()
	if len(wordlist) != 256 {
		t.Fatalf("wordlist: got %d words, want 256", len(wordlist))
	}
	for _, w := range wordlist {
		if strings.ContainsAny(w, "- :") {
			t.Fatalf("word %q has a separator", w)
		}
	}
}

func TestValid(t *testing.T) {
	if Valid("") {
		t.Fatal("empty should be invalid")
	}
	if Valid("rn-") {
		t.Fatal("prefix only should be invalid")
	}
	if Valid("able-acid-aged") {
		t.Fatal("missing prefix should be invalid")
	}
	if Valid("rn-able-zzzz-aged") {
		t.Fatal("unknown word should be invalid")
	}
	if Valid("rn-able--aged") {
		t.Fatal("empty word should be invalid")
	}
	if !Valid("rn-able-acid-aged") {
		t.Fatal("list words should be valid")
	}
}
