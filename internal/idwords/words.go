// Package idwords builds short, speakable node ids ("rn-" + words) that fit
// comfortably in a discovery beacon.
package idwords

import (
	"crypto/rand"
	"embed"
	"strings"
	"sync"
)

//go:embed words.txt
var wordsFS embed.FS

// Prefix of every generated node id.
const Prefix = "rn-"

// DefaultWords per node id.
const DefaultWords = 3

var (
	wordlist []string
	wordset  map[string]bool
	loadOnce sync.Once
)

func load() {
	loadOnce.Do(func() {
		b, _ := wordsFS.ReadFile("words.txt")
		wordset = make(map[string]bool)
		for _, w := range strings.Split(string(b), "\n") {
			if w = strings.TrimSpace(w); w != "" && !wordset[w] {
				wordlist = append(wordlist, w)
				wordset[w] = true
			}
		}
	})
}

// NodeID returns Prefix + n random words joined by "-". n < 1 = DefaultWords.
func NodeID(n int) string {
	load()
	if len(wordlist) == 0 {
		return ""
	}
	if n < 1 {
		n = DefaultWords
	}
	// list is 256 long: one byte per word is uniform
	b := make([]byte, n)
	rand.Read(b)
	parts := make([]string, n)
	for i := range parts {
		parts[i] = wordlist[int(b[i])%len(wordlist)]
	}
	return Prefix + strings.Join(parts, "-")
}

// Valid true if s is Prefix + one or more list words joined by "-".
func Valid(s string) bool {
	load()
	rest, ok := strings.CutPrefix(s, Prefix)
	if !ok || rest == "" {
		return false
	}
	for _, p := range strings.Split(rest, "-") {
		if !wordset[p] {
			return false
		}
	}
	return true
}
