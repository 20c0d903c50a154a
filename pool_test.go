package conveyor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestGoPoolRunsAllTasksAndReportsFirstError(t *testing.T) {
	pool := NewGoPool()
	boom := errors.New("boom")

	var ran int32
	_ = pool.Submit(context.Background(), func(context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})
	_ = pool.Submit(context.Background(), func(context.Context) error {
		atomic.AddInt32(&ran, 1)
		return boom
	})
	_ = pool.Submit(context.Background(), func(context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})

	if err := pool.Wait(); !errors.Is(err, boom) {
		t.Errorf("Wait() = %v, want %v", err, boom)
	}
	if got := atomic.LoadInt32(&ran); got != 3 {
		t.Errorf("ran = %d, want 3", got)
	}
}

func TestErrGroupPoolHonorsLimit(t *testing.T) {
	pool := NewErrGroupPool(2)

	var active, maxActive int32
	for i := 0; i < 6; i++ {
		_ = pool.Submit(context.Background(), func(context.Context) error {
			n := atomic.AddInt32(&active, 1)
			defer atomic.AddInt32(&active, -1)
			for {
				cur := atomic.LoadInt32(&maxActive)
				if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
					break
				}
			}
			return nil
		})
	}

	if err := pool.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := atomic.LoadInt32(&maxActive); got > 2 {
		t.Errorf("max concurrent = %d, want <= 2", got)
	}
}
