package ledger

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"dev.c0redev.radionode/internal/store"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func openDir(t *testing.T, dir string, ttl time.Duration, c *clock) *Ledger {
	t.Helper()
	b, err := store.NewDir(dir)
	require.NoError(t, err)
	l, err := Open(b, ttl, zerolog.Nop(), WithClock(c.Now))
	require.NoError(t, err)
	return l
}

func TestObserveIdempotent(t *testing.T) {
	dir := t.TempDir()
	c := &clock{t: time.UnixMilli(1_700_000_000_000)}
	l := openDir(t, dir, time.Hour, c)

	require.True(t, l.Observe("personal:x", 1))
	require.False(t, l.Observe("personal:x", 1))
	require.True(t, l.Observe("personal:x", 2))
	require.True(t, l.Observe("work:x", 1))

	b, _ := store.NewDir(dir)
	recs, err := b.Load()
	require.NoError(t, err)
	require.Len(t, recs, 3)
}

func TestControlTopicsNeverRecorded(t *testing.T) {
	dir := t.TempDir()
	l := openDir(t, dir, time.Hour, &clock{t: time.Now()})
	require.True(t, l.Observe("control:beacon", 5))
	require.True(t, l.Observe("control:beacon", 5))
	require.Equal(t, 0, l.Len())
	b, _ := store.NewDir(dir)
	recs, _ := b.Load()
	require.Empty(t, recs)
}

func TestHydrateDropsExpired(t *testing.T) {
	dir := t.TempDir()
	c := &clock{t: time.UnixMilli(1_700_000_000_000)}
	l := openDir(t, dir, time.Hour, c)
	l.Observe("personal:x", 1)
	c.t = c.t.Add(30 * time.Minute)
	l.Observe("personal:x", 2)

	// restart 45 minutes later: seq 1 is 75m old, seq 2 is 45m old
	c.t = c.t.Add(45 * time.Minute)
	l2 := openDir(t, dir, time.Hour, c)
	require.Equal(t, 1, l2.Len())
	require.False(t, l2.Seen("personal:x", 1))
	require.True(t, l2.Seen("personal:x", 2))
	require.False(t, l2.Observe("personal:x", 2), "dedup survives restart")

	b, _ := store.NewDir(dir)
	recs, _ := b.Load()
	require.Len(t, recs, 1)
}

func TestHydrateDropsCorrupt(t *testing.T) {
	dir := t.TempDir()
	b, err := store.NewDir(dir)
	require.NoError(t, err)
	require.NoError(t, b.Put("junk", []byte("not json")))
	l, err := Open(b, time.Hour, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, 0, l.Len())
	recs, _ := b.Load()
	require.Empty(t, recs)
}

func TestSweep(t *testing.T) {
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()
	c := &clock{t: time.UnixMilli(1_700_000_000_000)}
	l, err := Open(db.Bucket("rx"), time.Minute, zerolog.Nop(), WithClock(c.Now))
	require.NoError(t, err)

	l.Observe("personal:a", 1)
	c.t = c.t.Add(50 * time.Second)
	l.Observe("personal:a", 2)
	c.t = c.t.Add(20 * time.Second)

	require.Equal(t, 1, l.Sweep())
	require.False(t, l.Seen("personal:a", 1))
	require.True(t, l.Seen("personal:a", 2))
	n, err := db.Count("rx")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestZeroTTLKeepsForever(t *testing.T) {
	c := &clock{t: time.Unix(0, 0)}
	l := openDir(t, t.TempDir(), 0, c)
	l.Observe("personal:a", 1)
	c.t = c.t.Add(1000 * time.Hour)
	require.Equal(t, 0, l.Sweep())
	require.Equal(t, 1, l.Len())
}

func TestLongTopicSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	c := &clock{t: time.UnixMilli(1_700_000_000_000)}
	topic := "personal:ucs://local/" + strings.Repeat("a/", 117)
	require.Len(t, topic, 255)

	l := openDir(t, dir, time.Hour, c)
	require.True(t, l.Observe(topic, 1))

	b, _ := store.NewDir(dir)
	recs, err := b.Load()
	require.NoError(t, err)
	require.Len(t, recs, 1)

	l2 := openDir(t, dir, time.Hour, c)
	require.True(t, l2.Seen(topic, 1))
	require.False(t, l2.Observe(topic, 1))
}
