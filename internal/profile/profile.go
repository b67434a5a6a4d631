// Package profile holds the band profile table (MTU + frame rate per band).
package profile

import (
	"errors"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultName is used when the requested profile is unknown.
const DefaultName = "NA-915"

// Profile: byte budget and frame rate of one band.
type Profile struct {
	MTU    int     `yaml:"MTU" json:"mtu"`
	RateHz float64 `yaml:"RATE_HZ" json:"rate_hz"`
}

// MaxRateHz bounds RATE_HZ; faster rates pace at 1ms.
const MaxRateHz = 1000

// TickInterval = 1s / RATE_HZ, never below 1ms. Non-positive rate -> 1s.
func (p Profile) TickInterval() time.Duration {
	if !(p.RateHz > 0) {
		return time.Second
	}
	if p.RateHz > MaxRateHz {
		return time.Second / MaxRateHz
	}
	return time.Duration(float64(time.Second) / p.RateHz)
}

// Defaults returns a fresh copy of the built-in table.
func Defaults() map[string]Profile {
	return map[string]Profile{
		"NA-915":  {MTU: 180, RateHz: 10},
		"EU-868":  {MTU: 51, RateHz: 6},
		"ISM-2.4": {MTU: 200, RateHz: 20},
	}
}

// Table: named profiles plus the active selection.
type Table struct {
	profiles map[string]Profile
	name     string
	active   Profile
}

// Load reads a YAML map name -> {MTU, RATE_HZ}. Missing, unparsable or empty
// files yield the defaults; entries without positive values, or with RATE_HZ
// above MaxRateHz, are skipped.
// The returned error is informational only (the table is always usable).
func Load(path string) (map[string]Profile, error) {
	if path == "" {
		return Defaults(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Defaults(), nil
		}
		return Defaults(), err
	}
	var raw map[string]Profile
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return Defaults(), err
	}
	out := make(map[string]Profile, len(raw))
	for name, p := range raw {
		if p.MTU > 0 && p.RateHz > 0 && p.RateHz <= MaxRateHz {
			out[name] = p
		}
	}
	if len(out) == 0 {
		return Defaults(), nil
	}
	return out, nil
}

// Select fixes the active profile. Unknown name -> NA-915 from the defaults;
// fallback reports that.
func Select(profiles map[string]Profile, name string) (t *Table, fallback bool) {
	if len(profiles) == 0 {
		profiles = Defaults()
	}
	if name == "" {
		name = DefaultName
	}
	p, ok := profiles[name]
	if !ok {
		if p, ok = profiles[DefaultName]; !ok {
			p = Defaults()[DefaultName]
		}
		fallback = true
	}
	return &Table{profiles: profiles, name: name, active: p}, fallback
}

// Name of the requested profile (as configured, even on fallback).
func (t *Table) Name() string { return t.name }

// Active profile.
func (t *Table) Active() Profile { return t.active }

// Names sorted.
func (t *Table) Names() []string {
	out := make([]string, 0, len(t.profiles))
	for k := range t.profiles {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
