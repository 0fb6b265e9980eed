package download

import (
	"context"
	"time"
)

// Limiter caps simultaneous in-flight download attempts across the process. Waiters poll
// for a free slot.
type Limiter struct {
	slots chan struct{}
	poll  time.Duration
}

func NewLimiter(max int, poll time.Duration) *Limiter {
	if max < 1 {
		max = 1
	}

	if poll <= 0 {
		poll = 100 * time.Millisecond
	}

	return &Limiter{slots: make(chan struct{}, max), poll: poll}
}

// Acquire waits until a slot is free or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		select {
		case l.slots <- struct{}{}:
			return nil
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Release frees a slot taken by Acquire.
func (l *Limiter) Release() {
	<-l.slots
}

// InFlight returns the number of held slots.
func (l *Limiter) InFlight() int {
	return len(l.slots)
}

