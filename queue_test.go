package conveyor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewQueueRejectsInvalidCapacity(t *testing.T) {
	if _, err := NewQueue[int](0); !errors.Is(err, ErrInvalidCapacity) {
		t.Errorf("NewQueue(0) error = %v, want %v", err, ErrInvalidCapacity)
	}
	if _, err := NewQueue[int](-1); !errors.Is(err, ErrInvalidCapacity) {
		t.Errorf("NewQueue(-1) error = %v, want %v", err, ErrInvalidCapacity)
	}
}

func TestNewQueueFromRejectsOversizedInitial(t *testing.T) {
	if _, err := NewQueueFrom(2, []int{1, 2, 3}); !errors.Is(err, ErrInvalidCapacity) {
		t.Errorf("NewQueueFrom error = %v, want %v", err, ErrInvalidCapacity)
	}
}

func TestNewQueueFromPreloadsValues(t *testing.T) {
	q, err := NewQueueFrom(3, []int{1, 2, 3})
	if err != nil {
		t.Fatalf("NewQueueFrom: %v", err)
	}
	for _, want := range []int{1, 2, 3} {
		var got int
		if status := q.TryPop(&got); status != StatusSuccess {
			t.Fatalf("TryPop status = %v, want success", status)
		}
		if got != want {
			t.Errorf("popped %d, want %d", got, want)
		}
	}
	var ignored int
	if status := q.TryPop(&ignored); status != StatusEmpty {
		t.Errorf("TryPop on drained queue = %v, want empty", status)
	}
}

func TestTryPushTryPopRoundTrip(t *testing.T) {
	q, err := NewQueue[string](2)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	if status := q.TryPush("a"); status != StatusSuccess {
		t.Fatalf("TryPush = %v", status)
	}
	if status := q.TryPush("b"); status != StatusSuccess {
		t.Fatalf("TryPush = %v", status)
	}
	if status := q.TryPush("c"); status != StatusFull {
		t.Fatalf("TryPush on full queue = %v, want full", status)
	}

	var got string
	if status := q.TryPop(&got); status != StatusSuccess || got != "a" {
		t.Fatalf("TryPop = (%q, %v), want (a, success)", got, status)
	}
}

func TestCloseWakesBlockedPop(t *testing.T) {
	q, err := NewQueue[int](1)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}

	done := make(chan Status, 1)
	go func() {
		var v int
		done <- q.WaitPop(context.Background(), &v)
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case status := <-done:
		if status != StatusClosed {
			t.Errorf("WaitPop after Close = %v, want closed", status)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitPop did not wake up after Close")
	}
}

func TestCloseWakesBlockedPush(t *testing.T) {
	q, err := NewQueue[int](1)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	if status := q.TryPush(1); status != StatusSuccess {
		t.Fatalf("TryPush: %v", status)
	}

	done := make(chan Status, 1)
	go func() {
		done <- q.WaitPush(context.Background(), 2)
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case status := <-done:
		if status != StatusClosed {
			t.Errorf("WaitPush after Close = %v, want closed", status)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitPush did not wake up after Close")
	}
}

func TestContextCancellationAbandonsWait(t *testing.T) {
	q, err := NewQueue[int](1)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Status, 1)
	go func() {
		var v int
		done <- q.WaitPop(ctx, &v)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case status := <-done:
		if status != StatusClosed {
			t.Errorf("WaitPop after cancel = %v, want closed", status)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitPop did not wake up after context cancellation")
	}
	if q.IsClosed() {
		t.Error("canceling a caller's context must not close the queue itself")
	}
}

func TestValuePopReturnsErrQueueClosed(t *testing.T) {
	q, err := NewQueue[int](1)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	q.Close()
	if _, err := q.ValuePop(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("ValuePop error = %v, want %v", err, ErrQueueClosed)
	}
}

func TestPushReturnsErrQueueClosed(t *testing.T) {
	q, err := NewQueue[int](1)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	q.Close()
	if err := q.Push(context.Background(), 1); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Push error = %v, want %v", err, ErrQueueClosed)
	}
}

func TestConcurrentProducersConsumersDeliverEveryValue(t *testing.T) {
	q, err := NewQueue[int](4)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}

	const n = 500
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			if err := q.Push(context.Background(), i); err != nil {
				t.Errorf("Push: %v", err)
				return
			}
		}
		q.Close()
	}()

	sum := 0
	for {
		v, err := q.ValuePop(context.Background())
		if errors.Is(err, ErrQueueClosed) {
			break
		}
		if err != nil {
			t.Fatalf("ValuePop: %v", err)
		}
		sum += v
	}
	wg.Wait()

	want := n * (n - 1) / 2
	if sum != want {
		t.Errorf("sum of delivered values = %d, want %d", sum, want)
	}
}

func TestIsEmpty(t *testing.T) {
	q, err := NewQueue[int](2)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	if !q.IsEmpty() {
		t.Error("new queue should be empty")
	}
	q.TryPush(1) //nolint:errcheck
	if q.IsEmpty() {
		t.Error("queue with one element should not report empty")
	}
}

func TestNonblockingPopReportsBusy(t *testing.T) {
	q, err := NewQueue[int](1)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	var v int
	if status := q.NonblockingPop(&v); status != StatusBusy {
		t.Errorf("NonblockingPop while locked = %v, want busy", status)
	}
}

func TestQueueEmitsPushedPoppedClosedEvents(t *testing.T) {
	q, err := NewQueue[int](2, WithQueueName("events"))
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}

	var pushed, popped, closed int32
	if err := q.OnPushed(func(_ context.Context, e QueueEvent) error {
		atomic.AddInt32(&pushed, 1)
		if e.Name != "events" {
			t.Errorf("pushed event Name = %q, want events", e.Name)
		}
		return nil
	}); err != nil {
		t.Fatalf("OnPushed: %v", err)
	}
	if err := q.OnPopped(func(_ context.Context, e QueueEvent) error {
		atomic.AddInt32(&popped, 1)
		return nil
	}); err != nil {
		t.Fatalf("OnPopped: %v", err)
	}
	if err := q.OnClosed(func(_ context.Context, e QueueEvent) error {
		atomic.AddInt32(&closed, 1)
		return nil
	}); err != nil {
		t.Fatalf("OnClosed: %v", err)
	}

	if err := q.Push(context.Background(), 1); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if got, err := q.ValuePop(context.Background()); err != nil || got != 1 {
		t.Fatalf("ValuePop = (%d, %v), want (1, nil)", got, err)
	}
	q.Close()

	if atomic.LoadInt32(&pushed) != 1 {
		t.Errorf("pushed events = %d, want 1", pushed)
	}
	if atomic.LoadInt32(&popped) != 1 {
		t.Errorf("popped events = %d, want 1", popped)
	}
	if atomic.LoadInt32(&closed) != 1 {
		t.Errorf("closed events = %d, want 1", closed)
	}

	if q.Metrics() == nil {
		t.Error("Metrics() returned nil")
	}
	if q.Tracer() == nil {
		t.Error("Tracer() returned nil")
	}

	if err := q.CloseObservability(); err != nil {
		t.Errorf("CloseObservability: %v", err)
	}
}
