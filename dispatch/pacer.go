package dispatch

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer waits between consecutive sends of one sequence. Pacing only smooths
// load on the receiver; schedule correctness rests on target timestamps.
type Pacer interface {
	Pace(ctx context.Context, delay time.Duration) error
}

// SleepPacer blocks for the requested delay
type SleepPacer struct{}

func (SleepPacer) Pace(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NopPacer never waits. Used by tests and dry runs.
type NopPacer struct{}

func (NopPacer) Pace(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// RatePacer caps the send rate with a token bucket and ignores the
// per-sequence delay.
type RatePacer struct {
	limiter *rate.Limiter
}

// NewRatePacer allows perSecond sends with the given burst
func NewRatePacer(perSecond float64, burst int) *RatePacer {
	return &RatePacer{limiter: rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))}
}

func (p *RatePacer) Pace(ctx context.Context, _ time.Duration) error {
	return p.limiter.Wait(ctx)
}

// PacerFor maps a config mode name to a pacer
func PacerFor(mode string, perSecond float64) Pacer {
	switch mode {
	case "none":
		return NopPacer{}
	case "rate":
		return NewRatePacer(perSecond, 1)
	default:
		return SleepPacer{}
	}
}
