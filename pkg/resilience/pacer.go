package resilience

import (
	"context"
	"time"

	"github.com/WessleyAI/civiphrases/pkg/fn"
	"golang.org/x/time/rate"
)

// Pacer enforces a minimum spacing between remote calls. The first call
// proceeds immediately; each later call waits until delay has passed since
// the previous one started. A nil Pacer never waits.
type Pacer struct {
	lim   *rate.Limiter
	delay time.Duration
}

// NewPacer creates a Pacer. A zero or negative delay disables pacing.
func NewPacer(delay time.Duration) *Pacer {
	if delay <= 0 {
		return &Pacer{lim: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Pacer{lim: rate.NewLimiter(rate.Every(delay), 1), delay: delay}
}

// Delay returns the configured minimum spacing.
func (p *Pacer) Delay() time.Duration {
	if p == nil {
		return 0
	}
	return p.delay
}

// Wait blocks until the next call may start or ctx is cancelled.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return p.lim.Wait(ctx)
}

// PacedStage waits on p before running stage.
func PacedStage[In, Out any](p *Pacer, stage fn.Stage[In, Out]) fn.Stage[In, Out] {
	return func(ctx context.Context, in In) fn.Result[Out] {
		if err := p.Wait(ctx); err != nil {
			return fn.Err[Out](err)
		}
		return stage(ctx, in)
	}
}
