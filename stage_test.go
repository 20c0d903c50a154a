package conveyor

import (
	"context"
	"errors"
	"strconv"
	"testing"
)

func TestApplyThreadsValueThroughFilters(t *testing.T) {
	toString := NewPureFilter("itoa", func(_ context.Context, n int) string {
		return strconv.Itoa(n)
	})
	double := NewFilter("double", func(_ context.Context, s string) (string, error) {
		n, err := strconv.Atoi(s)
		if err != nil {
			return "", err
		}
		return strconv.Itoa(n * 2), nil
	})

	pipeline := Then(toString, double)
	out, err := pipeline.Apply(context.Background(), 21)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out != "42" {
		t.Errorf("Apply result = %q, want 42", out)
	}
}

func TestApplyPropagatesErrorWithPath(t *testing.T) {
	boom := errors.New("boom")
	first := NewPureFilter("first", func(_ context.Context, n int) int { return n })
	second := NewFilter("second", func(_ context.Context, n int) (int, error) {
		return 0, boom
	})

	pipeline := Then(first, second)
	_, err := pipeline.Apply(context.Background(), 1)
	if !errors.Is(err, boom) {
		t.Fatalf("Apply error = %v, want wrapping %v", err, boom)
	}
	var stageErr *StageError[int]
	if !errors.As(err, &stageErr) {
		t.Fatalf("Apply error = %v, want *StageError[int]", err)
	}
	if len(stageErr.Path) != 1 || stageErr.Path[0] != "second" {
		t.Errorf("Path = %v, want [second]", stageErr.Path)
	}
}

func TestApplyRecoversPanicIntoError(t *testing.T) {
	panics := NewFilter("panics", func(_ context.Context, n int) (int, error) {
		panic("kaboom")
	})
	_, err := panics.Apply(context.Background(), 1)
	if err == nil {
		t.Fatal("expected an error from a panicking stage")
	}
	var stageErr *StageError[int]
	if !errors.As(err, &stageErr) {
		t.Fatalf("error = %v, want *StageError[int]", err)
	}
}

func TestApplyPanicsOnNonFilterStage(t *testing.T) {
	q, err := NewQueue[int](1)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	source := NewSource("source", q)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected Apply to panic on a Source stage")
		}
		if !errors.Is(r.(error), ErrNotApplicable) {
			t.Errorf("panic value = %v, want %v", r, ErrNotApplicable)
		}
	}()
	_, _ = source.Apply(context.Background(), Unit{})
}

func TestDescribeReturnsComposedNodes(t *testing.T) {
	a := NewPureFilter("a", func(_ context.Context, n int) int { return n })
	b := NewPureFilter("b", func(_ context.Context, n int) int { return n })
	nodes := Then(a, b).Describe()

	if len(nodes) != 2 {
		t.Fatalf("len(Describe()) = %d, want 2", len(nodes))
	}
	if nodes[0].Name != "a" || nodes[1].Name != "b" {
		t.Errorf("Describe() = %+v, want names a, b in order", nodes)
	}
	if nodes[0].Kind != "filter" {
		t.Errorf("Kind = %q, want filter", nodes[0].Kind)
	}
}

func TestRunnableRequiresSourceAndConsumer(t *testing.T) {
	filterOnly := NewPureFilter("f", func(_ context.Context, n int) int { return n })
	if filterOnly.Runnable() {
		t.Error("a bare Filter pipeline should not be Runnable")
	}

	q, err := NewQueue[int](1)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	source := NewSource("source", q)
	consumer := NewConsumer("sink", func(_ context.Context, _ int) error { return nil })
	runnable := Then(Then(source, filterOnly), consumer)
	if !runnable.Runnable() {
		t.Error("a Source -> Filter -> Consumer pipeline should be Runnable")
	}
}

func TestWithParallelConfiguresLastStage(t *testing.T) {
	f := NewPureFilter("f", func(_ context.Context, n int) int { return n }).Parallel(4)
	if f.nodes[len(f.nodes)-1].parallel != 4 {
		t.Errorf("parallel = %d, want 4", f.nodes[len(f.nodes)-1].parallel)
	}
}
