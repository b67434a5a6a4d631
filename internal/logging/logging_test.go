package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestInitLevel(t *testing.T) {
	l := Init("radionode", "warn", "json")
	if l.GetLevel() != zerolog.WarnLevel {
		t.Fatalf("level %v", l.GetLevel())
	}
	if l := Init("radionode", "bogus", "console"); l.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("fallback level %v", l.GetLevel())
	}
}

func TestComponentField(t *testing.T) {
	var buf bytes.Buffer
	l := Component(zerolog.New(&buf), "spool")
	l.Info().Msg("x")
	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatal(err)
	}
	if m["component"] != "spool" {
		t.Fatalf("got %v", m)
	}
}
