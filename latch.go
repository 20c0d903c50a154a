package conveyor

import (
	"context"
	"sync"
)

// Latch is a one-shot countdown gate: Wait blocks until CountDown has been
// called n times (or ctx is done), mirroring the countdown_latch used by
// callers that need to know when a fixed number of independent goroutines
// have finished.
type Latch interface {
	CountDown()
	Wait(ctx context.Context) error
}

type countdownLatch struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int
}

// NewLatch returns a Latch that releases its Wait callers once CountDown
// has been called n times. n must be non-negative; a zero-count latch is
// already released.
func NewLatch(n int) Latch {
	l := &countdownLatch{count: n}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// CountDown decrements the latch's count, waking every blocked Wait call
// once the count reaches zero. Calling CountDown more times than the
// latch's initial count has no further effect.
func (l *countdownLatch) CountDown() {
	l.mu.Lock()
	if l.count > 0 {
		l.count--
		if l.count == 0 {
			l.cond.Broadcast()
		}
	}
	l.mu.Unlock()
}

// Wait blocks until the latch's count reaches zero or ctx is done.
//
// A helper goroutine broadcasts on the condition variable when ctx is
// done, so a cancelled Wait wakes without waiting for another CountDown
// and returns ctx.Err(). The helper exits as soon as Wait returns.
func (l *countdownLatch) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.cond.Broadcast()
			l.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	l.mu.Lock()
	defer l.mu.Unlock()
	for l.count > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		l.cond.Wait()
	}
	return nil
}
