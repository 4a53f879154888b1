package scheduler

import (
	"context"
	"testing"

	"kiln/internal/digest"
	"kiln/internal/value"
)

// fakeTask is a minimal Resolvable for exercising Resolve without pulling
// in the full task package (which imports scheduler, so importing task
// here would cycle).
type fakeTask struct {
	name   string
	output *value.Map
	calls  int
}

func (*fakeTask) Kind() value.Kind { return value.KindTask }
func (f *fakeTask) DisplayName() string {
	return f.name
}
func (f *fakeTask) Fingerprint() (digest.Digest, error) {
	return digest.H128([]byte(f.name)), nil
}
func (f *fakeTask) Result(ctx context.Context) (value.Node, error) {
	f.calls++
	return f.output, nil
}

func TestResolveReplacesTaskWithOutput(t *testing.T) {
	out := value.NewMap()
	out.Set("sum", value.Scalar{V: float64(7)})
	ft := &fakeTask{name: "t1", output: out}

	in := value.NewMap()
	in.Set("upstream", ft)

	resolved, err := Resolve(context.Background(), in)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	m := resolved.(*value.Map)
	up, _ := m.Get("upstream")
	if up != out {
		t.Fatalf("resolved upstream = %v, want the task's output map", up)
	}
	if ft.calls != 1 {
		t.Fatalf("task called %d times, want 1", ft.calls)
	}
}

func TestResolveResolvesDeferredHandle(t *testing.T) {
	out := value.NewMap()
	out.Set("res", value.Scalar{V: "file-5"})
	out.Set("res2", value.Scalar{V: "file-6"})
	ft := &fakeTask{name: "t1", output: out}

	d := &value.Deferred{Task: ft, Key: "res2"}

	in := value.NewMap()
	in.Set("dep", d)

	resolved, err := Resolve(context.Background(), in)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	m := resolved.(*value.Map)
	dep, _ := m.Get("dep")
	if dep.(value.Scalar).V != "file-6" {
		t.Fatalf("resolved deferred = %v, want file-6", dep)
	}

	if _, done := d.Resolved(); !done {
		t.Fatal("Deferred handle should be marked resolved after Resolve")
	}
}

func TestTraverseVisitsEveryTask(t *testing.T) {
	ft1 := &fakeTask{name: "t1"}
	ft2 := &fakeTask{name: "t2"}

	seq := value.NewSeq(ft1, ft2)
	in := value.NewMap()
	in.Set("items", seq)

	seen := map[string]bool{}
	err := Traverse(in, func(n value.Node) error {
		seen[n.(value.TaskRef).DisplayName()] = true
		return nil
	})
	if err != nil {
		t.Fatalf("Traverse: %v", err)
	}
	if !seen["t1"] || !seen["t2"] {
		t.Fatalf("Traverse missed a task: %v", seen)
	}
}

func TestResolveDetectsCycle(t *testing.T) {
	m := value.NewMap()
	m.Set("self", m)

	if _, err := Resolve(context.Background(), m); err == nil {
		t.Fatal("expected a cycle error, got nil")
	}
}
