package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"kiln/internal/task"
	"kiln/internal/value"
)

type poolAddInput struct{ A, B int }

func (i poolAddInput) ToValue() *value.Map {
	m := value.NewMap()
	m.Set("a", value.Scalar{V: float64(i.A)})
	m.Set("b", value.Scalar{V: float64(i.B)})
	return m
}

func poolAddInputFromValue(m *value.Map) (poolAddInput, error) {
	a, _ := m.Get("a")
	b, _ := m.Get("b")
	return poolAddInput{
		A: int(a.(value.Scalar).V.(float64)),
		B: int(b.(value.Scalar).V.(float64)),
	}, nil
}

type poolAddOutput struct{ Sum int }

func (o poolAddOutput) ToValue() *value.Map {
	m := value.NewMap()
	m.Set("sum", value.Scalar{V: float64(o.Sum)})
	return m
}

// TestPoolDispatchRunsBody exercises task.Options.Worker wired to a Pool:
// Dispatch must run job.Run and hand back its *value.Map untouched.
func TestPoolDispatchRunsBody(t *testing.T) {
	pool := NewPool(2)
	cacheRoot := t.TempDir()
	opts := task.Options{CacheRoot: cacheRoot, TypeName: "pool_add", DisplayName: "pool_add", Worker: pool}

	tk := task.New(opts, poolAddInput{A: 2, B: 5}, poolAddInputFromValue, func(in poolAddInput) (poolAddOutput, error) {
		return poolAddOutput{Sum: in.A + in.B}, nil
	})

	out, err := tk.Result(context.Background())
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	m := out.(*value.Map)
	sum, _ := m.Get("sum")
	if sum.(value.Scalar).V.(float64) != 7 {
		t.Fatalf("sum = %v, want 7", sum)
	}
}

// TestPoolBoundsConcurrency asserts a size-1 Pool never runs two bodies at
// once, dispatching directly (bypassing task.Task, whose per-fingerprint
// lock would otherwise serialize these on its own).
func TestPoolBoundsConcurrency(t *testing.T) {
	pool := NewPool(1)

	var inFlight, maxInFlight int32
	jobFn := func() (*value.Map, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			max := atomic.LoadInt32(&maxInFlight)
			if n <= max || atomic.CompareAndSwapInt32(&maxInFlight, max, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return value.NewMap(), nil
	}

	done := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		go func() {
			pool.Dispatch(task.Job{Run: jobFn})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 3; i++ {
		<-done
	}

	if maxInFlight != 1 {
		t.Fatalf("max concurrent bodies = %d, want 1", maxInFlight)
	}
}
