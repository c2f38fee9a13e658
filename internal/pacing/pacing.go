// Package pacing inserts randomized human-like waits between automated actions.
package pacing

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

// Range bounds a randomized delay.
type Range struct {
	Min time.Duration `mapstructure:"min"`
	Max time.Duration `mapstructure:"max"`
}

// Validate rejects negative or inverted ranges.
func (r Range) Validate() error {
	if r.Min < 0 || r.Max < 0 {
		return fmt.Errorf("delay bounds must be >= 0")
	}
	if r.Max < r.Min {
		return fmt.Errorf("delay max %s is below min %s", r.Max, r.Min)
	}
	return nil
}

// Pick returns a uniformly random duration in [Min, Max].
func (r Range) Pick() time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	span := int64(r.Max - r.Min)
	n, err := rand.Int(rand.Reader, big.NewInt(span+1))
	if err != nil {
		return r.Min + time.Duration(span/2)
	}
	return r.Min + time.Duration(n.Int64())
}

// Pacer waits for a delay drawn from a range.
type Pacer interface {
	Pause(ctx context.Context, r Range) error
}

// TimerPacer sleeps on a timer and wakes early when ctx is done.
type TimerPacer struct{}

// New returns a TimerPacer.
func New() *TimerPacer {
	return &TimerPacer{}
}

// Pause blocks for r.Pick() or until ctx is done.
func (TimerPacer) Pause(ctx context.Context, r Range) error {
	delay := r.Pick()
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("pause interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// Recorder is a Pacer that never sleeps and remembers every requested range.
type Recorder struct {
	Calls []Range
}

// Pause records r and returns immediately.
func (p *Recorder) Pause(ctx context.Context, r Range) error {
	p.Calls = append(p.Calls, r)
	return ctx.Err()
}
