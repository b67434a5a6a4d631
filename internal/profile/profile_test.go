package profile

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	ps, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	if err != nil {
		t.Fatal(err)
	}
	if ps["EU-868"].MTU != 51 || ps["ISM-2.4"].RateHz != 20 {
		t.Fatalf("defaults: %+v", ps)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "band_profile.yml")
	data := "LAB:\n  MTU: 64\n  RATE_HZ: 2.5\nBROKEN:\n  MTU: 0\n  RATE_HZ: 4\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	ps, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(ps) != 1 || ps["LAB"].MTU != 64 || ps["LAB"].RateHz != 2.5 {
		t.Fatalf("got %+v", ps)
	}
}

func TestLoadGarbageFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yml")
	if err := os.WriteFile(path, []byte("LAB: [1, 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	ps, err := Load(path)
	if err == nil {
		t.Fatal("expected parse error")
	}
	if ps[DefaultName].MTU != 180 {
		t.Fatalf("fallback table: %+v", ps)
	}
}

func TestSelect(t *testing.T) {
	tbl, fb := Select(Defaults(), "EU-868")
	if fb || tbl.Active().MTU != 51 {
		t.Fatalf("EU-868: fb=%v %+v", fb, tbl.Active())
	}
	tbl, fb = Select(map[string]Profile{"LAB": {MTU: 64, RateHz: 1}}, "MARS")
	if !fb || tbl.Active().MTU != 180 || tbl.Name() != "MARS" {
		t.Fatalf("fallback: fb=%v %+v", fb, tbl.Active())
	}
	if got := tbl.Names(); len(got) != 1 || got[0] != "LAB" {
		t.Fatalf("names %v", got)
	}
}

func TestTickInterval(t *testing.T) {
	if d := (Profile{MTU: 180, RateHz: 10}).TickInterval(); d != 100*time.Millisecond {
		t.Fatalf("10Hz: %v", d)
	}
	if d := (Profile{}).TickInterval(); d != time.Second {
		t.Fatalf("zero rate: %v", d)
	}
	for _, hz := range []float64{2e9, math.Inf(1)} {
		if d := (Profile{MTU: 180, RateHz: hz}).TickInterval(); d != time.Millisecond {
			t.Fatalf("%v Hz: %v", hz, d)
		}
	}
	if d := (Profile{RateHz: math.NaN()}).TickInterval(); d != time.Second {
		t.Fatalf("NaN rate: %v", d)
	}
}

func TestLoadSkipsAbsurdRate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "band.yml")
	os.WriteFile(path, []byte("FAST:\n  MTU: 100\n  RATE_HZ: 2000000000\nOK:\n  MTU: 100\n  RATE_HZ: 5\n"), 0o644)
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got["FAST"]; ok {
		t.Fatalf("absurd rate kept: %+v", got)
	}
	if got["OK"].RateHz != 5 {
		t.Fatalf("got %+v", got)
	}
}
