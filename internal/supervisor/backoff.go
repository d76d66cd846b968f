package supervisor

import "time"

// Backoff controls the delay between restarts of a failing job.
//
// The first restart waits Min. Each following restart multiplies the previous
// delay by Multiplier, capped at Max. When a failed attempt had been running
// for at least ResetAfter, the job is considered to have recovered and the
// delay starts over from Min.
type Backoff struct {
	Min        time.Duration
	Max        time.Duration
	Multiplier float64
	ResetAfter time.Duration
}

// DefaultBackoff returns the backoff used when none is configured.
func DefaultBackoff() Backoff {
	return Backoff{
		Min:        500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2,
		ResetAfter: time.Minute,
	}
}

func (b Backoff) normalize() Backoff {
	def := DefaultBackoff()
	if b.Min <= 0 {
		b.Min = def.Min
	}
	if b.Max < b.Min {
		b.Max = b.Min
	}
	if b.Multiplier < 1 {
		b.Multiplier = def.Multiplier
	}
	if b.ResetAfter <= 0 {
		b.ResetAfter = def.ResetAfter
	}
	return b
}

// next returns the delay following prev. A zero prev yields Min.
func (b Backoff) next(prev time.Duration) time.Duration {
	if prev <= 0 {
		return b.Min
	}
	d := time.Duration(float64(prev) * b.Multiplier)
	if d > b.Max || d < prev {
		return b.Max
	}
	return d
}
