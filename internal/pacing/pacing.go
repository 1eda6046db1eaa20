// Package pacing holds the volume-based send pacing rules.
//
// The tier table emulates human sending behavior: tiny lists go out
// immediately, anything larger gets randomized inter-message delays, and
// long lists additionally rest between batches.
package pacing

import (
	"math"
	"math/rand"
	"sort"
	"time"
)

type Mode string

const (
	ModeInstant Mode = "instant"
	ModeQuick   Mode = "quick"
	ModeNormal  Mode = "normal"
	ModeBatch   Mode = "batch"
)

// Tier is one row of the mode table. MaxRecipients <= 0 means unbounded.
type Tier struct {
	Mode          Mode
	MaxRecipients int
	MinDelay      time.Duration
	MaxDelay      time.Duration
}

// Policy is a pure rule set; all methods are safe for concurrent use.
type Policy struct {
	tiers      []Tier
	batchSize  int
	batchPause time.Duration
}

const (
	jitterMin = 0.9
	jitterMax = 1.1
)

// DefaultTiers returns the stock tier table.
func DefaultTiers() []Tier {
	return []Tier{
		{Mode: ModeInstant, MaxRecipients: 2},
		{Mode: ModeQuick, MaxRecipients: 4, MinDelay: 2 * time.Second, MaxDelay: 5 * time.Second},
		{Mode: ModeNormal, MaxRecipients: 5, MinDelay: 5 * time.Second, MaxDelay: 10 * time.Second},
		{Mode: ModeBatch, MaxRecipients: 0, MinDelay: 5 * time.Second, MaxDelay: 10 * time.Second},
	}
}

// Default returns a policy over the stock tier table.
func Default() Policy {
	return New(DefaultTiers(), 20, 15*time.Second)
}

// New builds a policy from a tier table. Bounded tiers are kept in
// ascending threshold order; the unbounded tier (if any) goes last.
func New(tiers []Tier, batchSize int, batchPause time.Duration) Policy {
	ts := append([]Tier(nil), tiers...)
	sort.SliceStable(ts, func(i, j int) bool {
		a, b := ts[i].MaxRecipients, ts[j].MaxRecipients
		if a <= 0 {
			return false
		}
		if b <= 0 {
			return true
		}
		return a < b
	})
	if batchSize <= 0 {
		batchSize = 20
	}
	if batchPause <= 0 {
		batchPause = 15 * time.Second
	}
	return Policy{tiers: ts, batchSize: batchSize, batchPause: batchPause}
}

// Empty reports whether the policy carries no tier table.
func (p Policy) Empty() bool { return len(p.tiers) == 0 }

// SelectMode picks the first tier whose threshold covers n recipients,
// falling through to the unbounded tier.
func (p Policy) SelectMode(n int) Mode {
	for _, t := range p.tiers {
		if t.MaxRecipients > 0 && n <= t.MaxRecipients {
			return t.Mode
		}
	}
	if len(p.tiers) > 0 {
		return p.tiers[len(p.tiers)-1].Mode
	}
	return ModeBatch
}

// Delay draws the next inter-message delay for mode: uniform over the
// tier's [min,max] range with a multiplicative jitter in [0.9, 1.1],
// rounded to milliseconds. Instant mode always returns 0.
func (p Policy) Delay(mode Mode) time.Duration {
	t, ok := p.tier(mode)
	if !ok || t.MaxDelay <= 0 {
		return 0
	}
	base := float64(t.MinDelay) + rand.Float64()*float64(t.MaxDelay-t.MinDelay)
	jitter := jitterMin + rand.Float64()*(jitterMax-jitterMin)
	ms := math.Round(base * jitter / float64(time.Millisecond))
	return time.Duration(ms) * time.Millisecond
}

// Pause describes a triggered batch rest.
type Pause struct {
	Triggered    bool
	Duration     time.Duration
	BatchNumber  int
	TotalBatches int
}

// BatchPause reports whether the loop should rest after `processed`
// recipients (sent + failed) out of `total`. Only the batch mode rests:
// every batchSize processed, for a fixed duration.
func (p Policy) BatchPause(mode Mode, processed, total int) Pause {
	if mode != ModeBatch || processed <= 0 || processed%p.batchSize != 0 {
		return Pause{}
	}
	return Pause{
		Triggered:    true,
		Duration:     p.batchPause,
		BatchNumber:  processed / p.batchSize,
		TotalBatches: (total + p.batchSize - 1) / p.batchSize,
	}
}

func (p Policy) tier(mode Mode) (Tier, bool) {
	for _, t := range p.tiers {
		if t.Mode == mode {
			return t, true
		}
	}
	return Tier{}, false
}
