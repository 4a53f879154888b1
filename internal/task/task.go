// Package task implements spec.md's C4 component: the task runtime. A Task
// wraps a user body of the form func(I) (O, error), memoizes its output,
// and drives the result() protocol of spec.md §4.4:
//
//  1. return output if already materialized
//  2. resolve upstream results (internal/scheduler)
//  3. acquire the global per-fingerprint lock
//  4. consult the cache (internal/cachestore)
//  5. stage artifacts into the work directory
//  6. run the body, retrying on RetryTask up to a fixed bound
//  7. validate the output shape
//  8. persist to cache and return
//
// Grounded on scriptweaver/internal/core/runner.go for the overall
// probe-then-execute-then-cache shape, generalized from scriptweaver's
// shell-command tasks to spec.md's closure-bodied, value-tree tasks.
package task

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"kiln/internal/artifact"
	"kiln/internal/cachestore"
	"kiln/internal/digest"
	"kiln/internal/eventlog"
	"kiln/internal/fingerprint"
	"kiln/internal/kilnerr"
	"kiln/internal/metrics"
	"kiln/internal/scheduler"
	"kiln/internal/value"
)

// Value is any node of the tagged input/output tree (see internal/value).
type Value = value.Node

// retryBound is spec.md §4.4's fixed retry count: up to 3 attempts total.
const retryBound = 3

// fpLocks serializes identical fingerprints across every Task instance in
// the process (spec.md §5's "global per-fingerprint primitive"): the
// second of two concurrent callers with an equal fingerprint observes the
// first's cache entry instead of re-running the body.
var fpLocks singleflight.Group

// Encodable is implemented by task input/output types: it must produce the
// canonical value-tree representation spec.md's runtime operates over.
type Encodable interface {
	ToValue() *value.Map
}

// Job is the unit of dispatch handed to a Worker. Run executes the body
// in-process, with the working directory already set; it is what an
// in-process pool uses. EncodeInput gob-encodes the task's original
// (pre-deep-copy) input for a cross-process worker, since a live closure
// cannot be shipped across an OS process boundary (spec.md §9): a
// ProcessWorker calls EncodeInput instead of Run, sends the bytes to a
// re-exec'd helper process, and reconstructs the output from its reply.
type Job struct {
	TypeName    string
	WorkDir     string
	EncodeInput func() ([]byte, error)
	Run         func() (*value.Map, error)
}

// Worker dispatches a task body off the scheduling goroutine.
type Worker interface {
	Dispatch(job Job) (*value.Map, error)
}

// StreamPolicy controls how a task body's stdout/stderr are handled.
type StreamPolicy int

const (
	StreamNone StreamPolicy = iota
	StreamStdout
	StreamStderr
	StreamBoth
)

func (p StreamPolicy) wantsStdout() bool { return p == StreamStdout || p == StreamBoth }
func (p StreamPolicy) wantsStderr() bool { return p == StreamStderr || p == StreamBoth }

// Options configures a Task's identity and runtime behavior.
type Options struct {
	CacheRoot string
	Worker    Worker // optional; body runs in the calling goroutine if nil
	WorkDir   string // optional sticky work directory; transient if empty

	ShowInput, ShowOutput bool

	// Capture controls which streams are written to stdout.log/stderr.log.
	// Suppress names the streams that are not forwarded to the process's
	// own stdout/stderr while the body runs.
	Capture, Suppress StreamPolicy

	DisplayName string

	// TypeName and Version together derive the task's BodyDigest (spec.md
	// §4.2's substitute for hashing Python code objects); see
	// fingerprint.ComputeBodyDigest.
	TypeName string
	Version  string

	Logger zerolog.Logger

	// EventSink, if set, receives lifecycle events (cache hit/miss, stage,
	// body start/done, retry) for ordering assertions in tests. A nil sink
	// is a no-op (eventlog.NopSink semantics).
	EventSink eventlog.Sink
}

// Task is spec.md's C4 task handle. Its fields are unexported: state is
// driven entirely through Result/Output.
type Task struct {
	opts  Options
	store *cachestore.Store

	displayName string
	bodyDigest  fingerprint.BodyDigest
	input       *value.Map
	runBody     func(workDir string, resolvedInput *value.Map) (*value.Map, error)
	encodeInput func(resolvedInput *value.Map) ([]byte, error)

	mu     sync.Mutex
	done   bool
	output *value.Map
	runErr error

	fpOnce sync.Once
	fp     digest.Digest
	fpErr  error

	invocations int32 // exported via Invocations, for test instrumentation
}

// New constructs a Task from a typed body. input.ToValue() is retained as
// the task's identity (fingerprinted and walked for dependencies) and may
// embed another task's OutputKey/Output handle; fromValue reconstructs a
// fresh I from the scheduler-resolved value tree (handles replaced by
// their realized values) immediately before every body invocation — this
// is spec.md §4.5's dependency-wiring mechanism actually reaching the
// body, not just the cache/staging layer. The reconstructed I is then
// deep-copied (via a gob round trip) so body mutation cannot affect the
// task's fingerprint or any sibling sharing the same resolved value.
func New[I Encodable, O Encodable](opts Options, input I, fromValue func(*value.Map) (I, error), body func(I) (O, error)) *Task {
	name := opts.DisplayName
	if name == "" {
		name = opts.TypeName
	}
	if name == "" {
		name = uuid.NewString()
	}

	t := &Task{
		opts:        opts,
		displayName: name,
		bodyDigest:  fingerprint.ComputeBodyDigest(opts.TypeName, opts.Version),
		input:       input.ToValue(),
	}

	t.runBody = func(workDir string, resolvedInput *value.Map) (*value.Map, error) {
		in0, err := fromValue(resolvedInput)
		if err != nil {
			return nil, fmt.Errorf("reconstructing input from resolved dependencies: %w", err)
		}
		in, err := deepCopy(in0)
		if err != nil {
			return nil, fmt.Errorf("deep-copying task input: %w", err)
		}

		cwd, err := os.Getwd()
		if err == nil {
			defer os.Chdir(cwd)
		}
		if workDir != "" {
			if err := os.Chdir(workDir); err != nil {
				return nil, fmt.Errorf("entering work directory %q: %w", workDir, err)
			}
		}

		out, err := body(in)
		if err != nil {
			return nil, err
		}
		return out.ToValue(), nil
	}

	t.encodeInput = func(resolvedInput *value.Map) ([]byte, error) {
		in, err := fromValue(resolvedInput)
		if err != nil {
			return nil, fmt.Errorf("reconstructing input from resolved dependencies: %w", err)
		}
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(in); err != nil {
			return nil, fmt.Errorf("gob-encoding input for cross-process dispatch: %w", err)
		}
		return buf.Bytes(), nil
	}

	return t
}

func deepCopy[T any](v T) (T, error) {
	var zero T
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return zero, err
	}
	var out T
	if err := gob.NewDecoder(&buf).Decode(&out); err != nil {
		return zero, err
	}
	return out, nil
}

// Kind implements value.Node: a Task may itself be embedded in another
// task's input tree, reducing to its own fingerprint (internal/fingerprint).
func (*Task) Kind() value.Kind { return value.KindTask }

// DisplayName implements value.TaskRef.
func (t *Task) DisplayName() string { return t.displayName }

// Invocations reports how many times the body has actually executed,
// for the body-invocation-counter assertions of spec.md §8 (S1, S5).
func (t *Task) Invocations() int32 { return atomic.LoadInt32(&t.invocations) }

// Fingerprint implements value.TaskRef and spec.md §4.2: a stable 128-bit
// digest of the task's body identity and canonicalized input, where nested
// task/reusable-artifact references reduce to their own fingerprint rather
// than their realized value. Computing it never runs any body.
func (t *Task) Fingerprint() (digest.Digest, error) {
	t.fpOnce.Do(func() {
		t.fp, t.fpErr = fingerprint.Fingerprint(t.bodyDigest, t.input)
	})
	return t.fp, t.fpErr
}

// Output returns a deferred placeholder if the task has not yet run, or
// the realized output once it has. This lets callers wire a task's output
// into another task's input before either has executed; the scheduler
// resolves the placeholder in place once this task reaches Done.
func (t *Task) Output() Value {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return t.output
	}
	return &value.Deferred{Task: t}
}

// OutputKey returns a deferred placeholder bound to a single key of this
// task's eventual output map, or that key's realized value once the task
// has run. This is spec.md §4.5's primary dependency-wiring form — the Go
// equivalent of the lazypp original's task.output["res"] — letting a
// downstream task depend on one upstream output without pulling in the
// whole map.
func (t *Task) OutputKey(key string) Value {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		if t.output == nil {
			return nil
		}
		v, _ := t.output.Get(key)
		return v
	}
	return &value.Deferred{Task: t, Key: key}
}

// Result is the blocking entry point: it runs the full protocol described
// in the package doc comment and returns the materialized output value.
func (t *Task) Result(ctx context.Context) (Value, error) {
	t.mu.Lock()
	if t.done {
		out, err := t.output, t.runErr
		t.mu.Unlock()
		return out, err
	}
	t.mu.Unlock()

	resolvedInput, err := scheduler.Resolve(ctx, t.input)
	if err != nil {
		return nil, fmt.Errorf("resolving task %q inputs: %w", t.displayName, err)
	}
	resolvedMap, _ := resolvedInput.(*value.Map)

	fp, err := t.Fingerprint()
	if err != nil {
		return nil, fmt.Errorf("fingerprinting task %q: %w", t.displayName, err)
	}

	store, err := t.cacheStore()
	if err != nil {
		return nil, err
	}

	raw, err, _ := fpLocks.Do(fp.String(), func() (any, error) {
		return t.runLocked(fp, store, resolvedMap)
	})
	if err != nil {
		return nil, err
	}
	out := raw.(*value.Map)

	t.mu.Lock()
	t.done = true
	t.output = out
	t.mu.Unlock()
	return out, nil
}

func (t *Task) cacheStore() (*cachestore.Store, error) {
	if t.store != nil {
		return t.store, nil
	}
	store, err := cachestore.Open(t.opts.CacheRoot)
	if err != nil {
		return nil, fmt.Errorf("opening cache root for task %q: %w", t.displayName, err)
	}
	t.store = store
	return store, nil
}

// runLocked executes steps 4-8 of the protocol, holding the process-wide
// per-fingerprint lock (via the caller's singleflight.Do) for its duration.
func (t *Task) runLocked(fp digest.Digest, store *cachestore.Store, resolvedInput *value.Map) (*value.Map, error) {
	logger := t.opts.Logger.With().Str("task", t.displayName).Str("fingerprint", fp.String()).Logger()

	if store.Lookup(fp, t.displayName) {
		out, err := store.Load(fp, t.displayName)
		if err == nil {
			metrics.ObserveCacheLookup(true)
			eventlog.SafeRecord(t.opts.EventSink, eventlog.Event{Kind: eventlog.KindCacheHit, Task: t.displayName, Fingerprint: fp.String()})
			logger.Debug().Msg("cache hit")
			return out, nil
		}
		logger.Warn().Err(err).Msg("cache entry present but unreadable, re-running")
	}
	metrics.ObserveCacheLookup(false)
	eventlog.SafeRecord(t.opts.EventSink, eventlog.Event{Kind: eventlog.KindCacheMiss, Task: t.displayName, Fingerprint: fp.String()})

	workDir, cleanup, err := t.prepareWorkDir()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if err := stageArtifacts(resolvedInput, workDir); err != nil {
		return nil, fmt.Errorf("staging inputs for task %q: %w", t.displayName, err)
	}
	eventlog.SafeRecord(t.opts.EventSink, eventlog.Event{Kind: eventlog.KindStaged, Task: t.displayName, Fingerprint: fp.String()})

	var (
		out     *value.Map
		streams cachestore.Streams
	)
	for attempt := 1; attempt <= retryBound; attempt++ {
		atomic.AddInt32(&t.invocations, 1)
		logger.Debug().Int("attempt", attempt).Msg("running body")

		eventlog.SafeRecord(t.opts.EventSink, eventlog.Event{Kind: eventlog.KindBodyStart, Task: t.displayName, Fingerprint: fp.String()})
		started := time.Now()
		bodyOut, stdout, stderr, bodyErr := t.runAttempt(workDir, resolvedInput)
		metrics.ObserveBodyDuration(t.displayName, time.Since(started))
		eventlog.SafeRecord(t.opts.EventSink, eventlog.Event{Kind: eventlog.KindBodyDone, Task: t.displayName, Fingerprint: fp.String()})
		streams = cachestore.Streams{Stdout: stdout, Stderr: stderr}

		if kilnerr.IsRetryTask(bodyErr) {
			eventlog.SafeRecord(t.opts.EventSink, eventlog.Event{Kind: eventlog.KindRetry, Task: t.displayName, Fingerprint: fp.String()})
			if attempt == retryBound {
				if logErr := store.WriteFailureLogs(fp, t.displayName, canonicalInput(resolvedInput), streams); logErr != nil {
					logger.Warn().Err(logErr).Msg("failed to persist failure logs")
				}
				return nil, kilnerr.Wrap(kilnerr.ErrRetriesExhausted, "task %q: %v", t.displayName, bodyErr)
			}
			if t.opts.WorkDir == "" {
				if err := recreateWorkDir(workDir); err != nil {
					return nil, fmt.Errorf("recreating work directory for retry: %w", err)
				}
			}
			continue
		}
		if bodyErr != nil {
			if logErr := store.WriteFailureLogs(fp, t.displayName, canonicalInput(resolvedInput), streams); logErr != nil {
				logger.Warn().Err(logErr).Msg("failed to persist failure logs")
			}
			return nil, bodyErr
		}

		out = bodyOut
		break
	}

	if out == nil {
		return nil, fmt.Errorf("task %q body produced no output", t.displayName)
	}

	if err := validateOutput(out); err != nil {
		return nil, err
	}

	if err := store.Store(fp, t.displayName, out, canonicalInput(resolvedInput), workDir, streams); err != nil {
		return nil, fmt.Errorf("caching task %q output: %w", t.displayName, err)
	}
	return out, nil
}

// runAttempt runs the body once, capturing stdout/stderr per t.opts'
// Capture/Suppress policies: Capture controls whether bytes are written to
// the returned slices (destined for stdout.log/stderr.log); Suppress
// controls whether the process's real stdout/stderr still receive them.
func (t *Task) runAttempt(workDir string, resolvedInput *value.Map) (out *value.Map, stdout, stderr []byte, err error) {
	var stdoutCap, stderrCap *streamCapture

	if t.opts.Capture.wantsStdout() || t.opts.Suppress.wantsStdout() {
		stdoutCap, err = startCapture(&osStdout, !t.opts.Suppress.wantsStdout())
		if err != nil {
			return nil, nil, nil, fmt.Errorf("capturing stdout: %w", err)
		}
	}
	if t.opts.Capture.wantsStderr() || t.opts.Suppress.wantsStderr() {
		stderrCap, err = startCapture(&osStderr, !t.opts.Suppress.wantsStderr())
		if err != nil {
			return nil, nil, nil, fmt.Errorf("capturing stderr: %w", err)
		}
	}

	var bodyOut *value.Map
	var bodyErr error
	if t.opts.Worker != nil {
		job := Job{
			TypeName:    t.opts.TypeName,
			WorkDir:     workDir,
			EncodeInput: func() ([]byte, error) { return t.encodeInput(resolvedInput) },
			Run:         func() (*value.Map, error) { return t.runBody(workDir, resolvedInput) },
		}
		bodyOut, bodyErr = t.opts.Worker.Dispatch(job)
	} else {
		bodyOut, bodyErr = t.runBody(workDir, resolvedInput)
	}

	if stdoutCap != nil {
		raw := stdoutCap.stop(&osStdout)
		if t.opts.Capture.wantsStdout() {
			stdout = raw
		}
	}
	if stderrCap != nil {
		raw := stderrCap.stop(&osStderr)
		if t.opts.Capture.wantsStderr() {
			stderr = raw
		}
	}

	return bodyOut, stdout, stderr, bodyErr
}

func (t *Task) prepareWorkDir() (dir string, cleanup func(), err error) {
	if t.opts.WorkDir != "" {
		if err := os.MkdirAll(t.opts.WorkDir, 0o755); err != nil {
			return "", nil, fmt.Errorf("creating sticky work directory: %w", err)
		}
		return t.opts.WorkDir, func() {}, nil
	}

	dir, err = newTransientDir()
	if err != nil {
		return "", nil, err
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}

func newTransientDir() (string, error) {
	dir := os.TempDir() + "/kiln-work-" + uuid.NewString()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating transient work directory: %w", err)
	}
	return dir, nil
}

func recreateWorkDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

// stageArtifacts stages every artifact reachable from v (spec.md §4.4 step
// 5: "input artifacts and every artifact inside every upstream output").
func stageArtifacts(v value.Node, workDir string) error {
	if v == nil {
		return nil
	}
	switch v.Kind() {
	case value.KindArtifact:
		a, ok := v.(*artifact.Artifact)
		if !ok {
			return kilnerr.Wrap(kilnerr.ErrInvalidInput, "artifact node has unexpected concrete type")
		}
		return a.StageInto(workDir)
	case value.KindMap:
		m := v.(*value.Map)
		for _, k := range m.Keys() {
			child, _ := m.Get(k)
			if err := stageArtifacts(child, workDir); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
		}
		return nil
	case value.KindSeq:
		s := v.(*value.Seq)
		for i := 0; i < s.Len(); i++ {
			if err := stageArtifacts(s.At(i), workDir); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		return nil
	default:
		return nil
	}
}

// validateOutput implements spec.md §4.4 step 7 and §7's InvalidOutput
// rule: the output must be a string-keyed map whose every reachable leaf
// is a scalar, artifact, task, or reusable-artifact reference.
func validateOutput(out *value.Map) error {
	if out == nil {
		return kilnerr.Wrap(kilnerr.ErrInvalidOutput, "output is nil")
	}
	for _, k := range out.Keys() {
		v, _ := out.Get(k)
		if _, err := fingerprint.Reduce(v); err != nil {
			return kilnerr.Wrap(kilnerr.ErrInvalidOutput, "output key %q: %v", k, err)
		}
	}
	return nil
}

func canonicalInput(m *value.Map) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, m.Len())
	for _, k := range m.Keys() {
		v, _ := m.Get(k)
		reduced, err := fingerprint.Reduce(v)
		if err != nil {
			reduced = fmt.Sprintf("<unreducible: %v>", err)
		}
		out[k] = reduced
	}
	return out
}
