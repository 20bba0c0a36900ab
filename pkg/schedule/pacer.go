package schedule

import (
	"math"
	"sync/atomic"
	"time"
)

const MaxMultiplier = 4.0

// Pacer scales every observer interval. SelfMonitor widens it under
// resource pressure and resets it once usage is back to normal.
type Pacer struct {
	bits atomic.Uint64
}

func NewPacer() *Pacer {
	p := &Pacer{}
	p.bits.Store(math.Float64bits(1))
	return p
}

func (p *Pacer) Multiplier() float64 {
	if p == nil {
		return 1
	}
	return math.Float64frombits(p.bits.Load())
}

// Widen doubles the multiplier up to MaxMultiplier and returns the new value
func (p *Pacer) Widen() float64 {
	for {
		old := p.bits.Load()
		next := math.Min(math.Float64frombits(old)*2, MaxMultiplier)
		if p.bits.CompareAndSwap(old, math.Float64bits(next)) {
			return next
		}
	}
}

// Reset restores the base cadence and reports whether it was widened
func (p *Pacer) Reset() bool {
	old := p.bits.Swap(math.Float64bits(1))
	return math.Float64frombits(old) != 1
}

// Scale applies the multiplier to d
func (p *Pacer) Scale(d time.Duration) time.Duration {
	return time.Duration(float64(d) * p.Multiplier())
}
