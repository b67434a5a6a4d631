package neighbor

import (
	"testing"
	"time"
)

func TestUpsertMerges(t *testing.T) {
	now := time.Unix(1000, 0)
	tb := New(time.Minute)
	tb.SetClock(func() time.Time { return now })

	tb.Upsert(Neighbor{ID: "a", Profile: "EU-868", MTU: 51, RateHz: 6, UserAgent: "serial:/dev/ttyUSB0"})
	now = now.Add(time.Second)
	tb.Upsert(Neighbor{ID: "a", MTU: 64})

	got := tb.Current()
	if len(got) != 1 {
		t.Fatalf("len %d", len(got))
	}
	n := got[0]
	if n.Profile != "EU-868" || n.MTU != 64 || n.RateHz != 6 || n.UserAgent != "serial:/dev/ttyUSB0" {
		t.Fatalf("merge: %+v", n)
	}
	if !n.SeenAt.Equal(now) {
		t.Fatalf("seenAt %v", n.SeenAt)
	}
}

func TestCurrentOrderAndLazyPrune(t *testing.T) {
	now := time.Unix(1000, 0)
	tb := New(time.Minute)
	tb.SetClock(func() time.Time { return now })

	tb.Upsert(Neighbor{ID: "old"})
	now = now.Add(30 * time.Second)
	tb.Upsert(Neighbor{ID: "mid"})
	now = now.Add(20 * time.Second)
	tb.Upsert(Neighbor{ID: "new"})

	got := tb.Current()
	if len(got) != 3 || got[0].ID != "new" || got[2].ID != "old" {
		t.Fatalf("order: %+v", got)
	}

	now = now.Add(15 * time.Second) // old is 65s, mid 35s
	if tb.Size() != 3 {
		t.Fatal("no background sweep expected")
	}
	got = tb.Current()
	if len(got) != 2 || got[1].ID != "mid" {
		t.Fatalf("after ttl: %+v", got)
	}
	if tb.Size() != 2 {
		t.Fatalf("stale entry not pruned on read: %d", tb.Size())
	}
}

func TestUpsertIgnoresEmptyID(t *testing.T) {
	tb := New(time.Minute)
	tb.Upsert(Neighbor{Profile: "x"})
	if tb.Size() != 0 {
		t.Fatal("empty id stored")
	}
}
