package worker

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"

	"kiln/internal/artifact"
	"kiln/internal/task"
	"kiln/internal/value"
)

// Factory runs a registered task type's body against a gob-encoded input,
// returning output bytes produced by EncodeOutputValue. Registered
// factories are the Go substitute for shipping a live closure to a worker
// process: spec.md §9 requires "task types register themselves at process
// start so workers can reconstruct them," since a separate OS process
// cannot receive an in-memory func value. A typical factory:
//
//	worker.Register("sum_files", func(raw []byte) ([]byte, error) {
//	    var in SumFilesInput
//	    if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&in); err != nil {
//	        return nil, err
//	    }
//	    out, err := sumFilesBody(in)
//	    if err != nil {
//	        return nil, err
//	    }
//	    return worker.EncodeOutputValue(out.ToValue())
//	})
type Factory func(rawInput []byte) (rawOutput []byte, err error)

var registry = map[string]Factory{}

// Register associates a task type name with its factory. Call this at
// process init for every task type that may run inside a ProcessWorker.
func Register(typeName string, f Factory) {
	registry[typeName] = f
}

// RunRegistered is the helper-process entry point: cmd/kiln invokes this
// when launched with its hidden worker flag, reads the gob-encoded input
// from stdin, runs the registered factory, and writes the encoded output
// to stdout.
func RunRegistered(typeName string) error {
	f, ok := registry[typeName]
	if !ok {
		return fmt.Errorf("worker: unregistered task type %q", typeName)
	}
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("worker: reading input: %w", err)
	}
	out, err := f(raw)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}

// outputWire is the wire format EncodeOutputValue/DecodeOutputValue use to
// ship a *value.Map across a process boundary: scalar leaves as
// json-encoded bytes and artifact leaves as gob-encoded artifact headers,
// the same split cachestore.Store uses for its on-disk Entry (see
// internal/cachestore/store.go) — artifact bytes themselves are never
// copied, since a ProcessWorker's subprocess shares the task's work
// directory with its parent (Dispatch sets the child's cwd to job.WorkDir).
type outputWire struct {
	Scalars   map[string][]byte
	Artifacts map[string][]byte
}

// EncodeOutputValue serializes a task body's output value tree for
// transmission across a ProcessWorker boundary. A registered Factory calls
// this after converting its body's result via Encodable.ToValue.
func EncodeOutputValue(out *value.Map) ([]byte, error) {
	w := outputWire{Scalars: map[string][]byte{}, Artifacts: map[string][]byte{}}

	if out != nil {
		for _, k := range out.Keys() {
			v, _ := out.Get(k)
			switch n := v.(type) {
			case *artifact.Artifact:
				var buf bytes.Buffer
				if err := gob.NewEncoder(&buf).Encode(n); err != nil {
					return nil, fmt.Errorf("encoding artifact output %q: %w", k, err)
				}
				w.Artifacts[k] = buf.Bytes()
			case value.Scalar:
				encoded, err := json.Marshal(n.V)
				if err != nil {
					return nil, fmt.Errorf("encoding scalar output %q: %w", k, err)
				}
				w.Scalars[k] = encoded
			default:
				return nil, fmt.Errorf("output key %q is neither a scalar nor an artifact", k)
			}
		}
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(w); err != nil {
		return nil, fmt.Errorf("encoding worker output envelope: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeOutputValue reverses EncodeOutputValue, reconstructing the output
// value tree a ProcessWorker's subprocess produced.
func DecodeOutputValue(raw []byte) (*value.Map, error) {
	var w outputWire
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&w); err != nil {
		return nil, fmt.Errorf("decoding worker output envelope: %w", err)
	}

	out := value.NewMap()
	for k, encoded := range w.Scalars {
		var v any
		if err := json.Unmarshal(encoded, &v); err != nil {
			return nil, fmt.Errorf("decoding scalar output %q: %w", k, err)
		}
		out.Set(k, value.Scalar{V: v})
	}
	for k, encoded := range w.Artifacts {
		var a artifact.Artifact
		if err := gob.NewDecoder(bytes.NewReader(encoded)).Decode(&a); err != nil {
			return nil, fmt.Errorf("decoding artifact output %q: %w", k, err)
		}
		out.Set(k, &a)
	}
	return out, nil
}

// ProcessWorker dispatches a registered task type's body to a helper
// subprocess (a re-exec of the current binary), giving the body its own
// process-wide current directory and address space. Unlike Pool, it
// cannot run an arbitrary closure: Dispatch calls job.EncodeInput instead
// of job.Run, since only a type name previously passed to Register can
// cross the process boundary.
type ProcessWorker struct {
	exe string
}

// NewProcessWorker resolves the current executable path for re-exec. One
// ProcessWorker can dispatch any number of registered task types; the type
// name is taken from each Job's TypeName.
func NewProcessWorker() (*ProcessWorker, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving executable for worker re-exec: %w", err)
	}
	return &ProcessWorker{exe: exe}, nil
}

// Dispatch implements task.Worker: it gob-encodes job's input via
// EncodeInput, runs it through a re-exec'd helper process bound to
// job.TypeName, and decodes the helper's reply back into a *value.Map.
func (w *ProcessWorker) Dispatch(job task.Job) (*value.Map, error) {
	rawInput, err := job.EncodeInput()
	if err != nil {
		return nil, fmt.Errorf("encoding input for worker process: %w", err)
	}

	cmd := exec.Command(w.exe, "-kiln-worker", job.TypeName)
	cmd.Dir = job.WorkDir
	cmd.Stdin = bytes.NewReader(rawInput)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("worker process for %q: %w: %s", job.TypeName, err, stderr.String())
	}

	return DecodeOutputValue(stdout.Bytes())
}
