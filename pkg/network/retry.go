package network

import (
	"context"
	"fmt"
	"time"
)

// Policy describes a bounded retry loop with a fixed delay between
// attempts. It is shared by the container readiness probe and the
// framebuffer connect loop, so both degrade the same way.
type Policy struct {
	Attempts int
	Delay    time.Duration
}

// Run calls fn until it succeeds or the attempt budget is exhausted.
// Waits Delay between attempts and honors ctx cancellation during the
// wait. The last error is wrapped into the result on exhaustion.
func (p Policy) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var last error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Delay):
			}
		}
		if last = fn(ctx); last == nil {
			return nil
		}
	}
	return fmt.Errorf("%d attempts exhausted: %w", attempts, last)
}
