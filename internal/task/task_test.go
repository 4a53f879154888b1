package task

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"

	"kiln/internal/artifact"
	"kiln/internal/kilnerr"
	"kiln/internal/value"
)

type addInput struct{ A, B int }

func (a addInput) ToValue() *value.Map {
	m := value.NewMap()
	m.Set("a", value.Scalar{V: float64(a.A)})
	m.Set("b", value.Scalar{V: float64(a.B)})
	return m
}

func addInputFromValue(m *value.Map) (addInput, error) {
	av, ok := m.Get("a")
	if !ok {
		return addInput{}, fmt.Errorf("missing key %q", "a")
	}
	bv, ok := m.Get("b")
	if !ok {
		return addInput{}, fmt.Errorf("missing key %q", "b")
	}
	asc, ok := av.(value.Scalar)
	if !ok {
		return addInput{}, fmt.Errorf("key %q is not a scalar", "a")
	}
	bsc, ok := bv.(value.Scalar)
	if !ok {
		return addInput{}, fmt.Errorf("key %q is not a scalar", "b")
	}
	return addInput{A: int(asc.V.(float64)), B: int(bsc.V.(float64))}, nil
}

type addOutput struct{ Sum int }

func (o addOutput) ToValue() *value.Map {
	m := value.NewMap()
	m.Set("sum", value.Scalar{V: float64(o.Sum)})
	return m
}

func TestResultComputesSum(t *testing.T) {
	cacheRoot := t.TempDir()
	opts := Options{CacheRoot: cacheRoot, TypeName: "add", DisplayName: "add"}

	tk := New(opts, addInput{A: 2, B: 3}, addInputFromValue, func(in addInput) (addOutput, error) {
		return addOutput{Sum: in.A + in.B}, nil
	})

	out, err := tk.Result(context.Background())
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	m := out.(*value.Map)
	sum, _ := m.Get("sum")
	if sum.(value.Scalar).V.(float64) != 5 {
		t.Fatalf("sum = %v, want 5", sum)
	}
}

func TestCacheHitSkipsSecondInvocation(t *testing.T) {
	cacheRoot := t.TempDir()
	opts := Options{CacheRoot: cacheRoot, TypeName: "add", DisplayName: "add"}

	body := func(in addInput) (addOutput, error) {
		return addOutput{Sum: in.A + in.B}, nil
	}

	t1 := New(opts, addInput{A: 2, B: 3}, addInputFromValue, body)
	if _, err := t1.Result(context.Background()); err != nil {
		t.Fatalf("first Result: %v", err)
	}
	if t1.Invocations() != 1 {
		t.Fatalf("first task invocations = %d, want 1", t1.Invocations())
	}

	t2 := New(opts, addInput{A: 2, B: 3}, addInputFromValue, body)
	if _, err := t2.Result(context.Background()); err != nil {
		t.Fatalf("second Result: %v", err)
	}
	if t2.Invocations() != 0 {
		t.Fatalf("second task (cache hit) invocations = %d, want 0", t2.Invocations())
	}
}

func TestDifferentInputChangesFingerprint(t *testing.T) {
	cacheRoot := t.TempDir()
	opts := Options{CacheRoot: cacheRoot, TypeName: "add", DisplayName: "add"}

	body := func(in addInput) (addOutput, error) {
		return addOutput{Sum: in.A + in.B}, nil
	}

	a := New(opts, addInput{A: 2, B: 3}, addInputFromValue, body)
	b := New(opts, addInput{A: 3, B: 3}, addInputFromValue, body)

	fpA, err := a.Fingerprint()
	if err != nil {
		t.Fatal(err)
	}
	fpB, err := b.Fingerprint()
	if err != nil {
		t.Fatal(err)
	}
	if fpA == fpB {
		t.Fatal("distinct inputs produced the same fingerprint")
	}
}

func TestRetryTaskSucceedsOnThirdAttempt(t *testing.T) {
	cacheRoot := t.TempDir()
	opts := Options{CacheRoot: cacheRoot, TypeName: "flaky", DisplayName: "flaky"}

	attempts := 0
	tk := New(opts, addInput{A: 1, B: 1}, addInputFromValue, func(in addInput) (addOutput, error) {
		attempts++
		if attempts < 3 {
			return addOutput{}, &kilnerr.RetryTask{Reason: "not ready yet"}
		}
		return addOutput{Sum: in.A + in.B}, nil
	})

	out, err := tk.Result(context.Background())
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	m := out.(*value.Map)
	sum, _ := m.Get("sum")
	if sum.(value.Scalar).V.(float64) != 2 {
		t.Fatalf("sum = %v, want 2", sum)
	}
}

func TestRetriesExhaustedSurfacesError(t *testing.T) {
	cacheRoot := t.TempDir()
	opts := Options{CacheRoot: cacheRoot, TypeName: "always_flaky", DisplayName: "always_flaky"}

	tk := New(opts, addInput{A: 1, B: 1}, addInputFromValue, func(in addInput) (addOutput, error) {
		return addOutput{}, &kilnerr.RetryTask{Reason: "never ready"}
	})

	_, err := tk.Result(context.Background())
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
}

// makeFileInput/makeFileOutput and sumFilesInput/sumFilesOutput below build
// spec.md §8's S1 scenario end to end: one task writes a file artifact,
// a second depends on it via OutputKey, and its body actually reads the
// staged file. This exercises the full dependency-wiring path that the
// Deferred.Kind fix (internal/value/value.go) and the fromValue
// reconstruction (New, above) make possible: without either fix this test
// fails, the first inside Fingerprint, the second with a zero sum.

type makeFileInput struct{ Contents string }

func (makeFileInput) ToValue() *value.Map { return value.NewMap() }

func makeFileInputFromValue(*value.Map) (makeFileInput, error) {
	// Body reconstructs its own literal config; it has no upstream
	// dependency, so the resolved map is always empty.
	return makeFileInput{}, nil
}

type makeFileOutput struct{ File *artifact.Artifact }

func (o makeFileOutput) ToValue() *value.Map {
	m := value.NewMap()
	m.Set("file", o.File)
	return m
}

// sumFilesInput.File holds a value.Node rather than *artifact.Artifact
// directly: at construction time it is a *value.Deferred pointing at the
// upstream task's "file" output key; fromValue only ever sees the
// scheduler-resolved value, by which point it is the realized artifact.
type sumFilesInput struct{ File value.Node }

func (i sumFilesInput) ToValue() *value.Map {
	m := value.NewMap()
	m.Set("file", i.File)
	return m
}

func sumFilesInputFromValue(m *value.Map) (sumFilesInput, error) {
	v, ok := m.Get("file")
	if !ok {
		return sumFilesInput{}, fmt.Errorf("missing key %q", "file")
	}
	return sumFilesInput{File: v}, nil
}

type sumFilesOutput struct{ Sum int }

func (o sumFilesOutput) ToValue() *value.Map {
	m := value.NewMap()
	m.Set("sum", value.Scalar{V: float64(o.Sum)})
	return m
}

func TestDependencyPropagatesIntoDownstreamBody(t *testing.T) {
	cacheRoot := t.TempDir()

	createOpts := Options{CacheRoot: cacheRoot, TypeName: "make_file", DisplayName: "make_file"}
	createTask := New(createOpts, makeFileInput{}, makeFileInputFromValue, func(in makeFileInput) (makeFileOutput, error) {
		if err := os.WriteFile("numbers.txt", []byte("3\n7\n5\n"), 0o644); err != nil {
			return makeFileOutput{}, err
		}
		a, err := artifact.NewFile("numbers.txt")
		if err != nil {
			return makeFileOutput{}, err
		}
		return makeFileOutput{File: a}, nil
	})

	sumOpts := Options{CacheRoot: cacheRoot, TypeName: "sum_files", DisplayName: "sum_files"}
	sumInput := sumFilesInput{File: createTask.OutputKey("file")}
	sumTask := New(sumOpts, sumInput, sumFilesInputFromValue, func(in sumFilesInput) (sumFilesOutput, error) {
		a, ok := in.File.(*artifact.Artifact)
		if !ok {
			return sumFilesOutput{}, fmt.Errorf("file dependency did not resolve to an artifact, got %T", in.File)
		}
		data, err := os.ReadFile(a.DestPath())
		if err != nil {
			return sumFilesOutput{}, fmt.Errorf("reading staged dependency: %w", err)
		}
		sum := 0
		for _, field := range strings.Fields(string(data)) {
			n, err := strconv.Atoi(field)
			if err != nil {
				return sumFilesOutput{}, err
			}
			sum += n
		}
		return sumFilesOutput{Sum: sum}, nil
	})

	out, err := sumTask.Result(context.Background())
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	m := out.(*value.Map)
	sum, ok := m.Get("sum")
	if !ok {
		t.Fatal("sum_files output missing \"sum\" key")
	}
	if got := sum.(value.Scalar).V.(float64); got != 15 {
		t.Fatalf("sum = %v, want 15", got)
	}
	if createTask.Invocations() != 1 {
		t.Fatalf("upstream invocations = %d, want 1", createTask.Invocations())
	}
}

// TestConcurrentInstancesWithSameFingerprintDedup is spec.md §8's S5
// scenario: two independently constructed Task instances with an identical
// fingerprint, raced against each other, must collectively run their body
// exactly once (the global per-fingerprint lock, fpLocks) and both callers
// must observe the same output.
func TestConcurrentInstancesWithSameFingerprintDedup(t *testing.T) {
	cacheRoot := t.TempDir()
	opts := Options{CacheRoot: cacheRoot, TypeName: "add", DisplayName: "add"}

	body := func(in addInput) (addOutput, error) {
		return addOutput{Sum: in.A + in.B}, nil
	}

	t1 := New(opts, addInput{A: 4, B: 9}, addInputFromValue, body)
	t2 := New(opts, addInput{A: 4, B: 9}, addInputFromValue, body)

	var wg sync.WaitGroup
	results := make([]value.Node, 2)
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0], errs[0] = t1.Result(context.Background())
	}()
	go func() {
		defer wg.Done()
		results[1], errs[1] = t2.Result(context.Background())
	}()
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("instance %d Result: %v", i, err)
		}
	}

	if t1.Invocations()+t2.Invocations() != 1 {
		t.Fatalf("combined invocations = %d, want 1", t1.Invocations()+t2.Invocations())
	}

	sum1 := results[0].(*value.Map)
	s1, _ := sum1.Get("sum")
	sum2 := results[1].(*value.Map)
	s2, _ := sum2.Get("sum")
	if s1.(value.Scalar).V.(float64) != 13 || s2.(value.Scalar).V.(float64) != 13 {
		t.Fatalf("sums = %v, %v, want both 13", s1, s2)
	}
}
