// Package fingerprint implements spec.md §4.2's fingerprint engine: it
// reduces a task's input value to a stable digest by recursively replacing
// embedded artifacts with their content hashes and embedded tasks with
// their fingerprints, combined with a digest of the task's body.
//
// The canonicalization and the dependency walk (internal/scheduler) operate
// on the same Node types defined in internal/value; each has its own walk
// of the tree (Reduce below for this package).
package fingerprint

import (
	"encoding/json"
	"fmt"

	"kiln/internal/digest"
	"kiln/internal/kilnerr"
	"kiln/internal/value"
)

// BodyDigest identifies a task body's semantics. spec.md §4.2 notes that
// non-Python hosts "substitute an equivalent stable representation of the
// callable's semantics — e.g. a user-supplied version string or
// source-text hash — and must document what they use." kiln's choice:
// BodyDigest is H128 over the registered task-type
// name concatenated with a caller-supplied version string (empty string
// is a valid version, meaning "the type name alone identifies the body").
type BodyDigest = digest.Digest

// ComputeBodyDigest derives a BodyDigest from a registered task-type name
// and an optional version/source-hash string. Two tasks of the same
// typeName and version always share a BodyDigest; this is how spec.md's
// third open question ("should two distinct task types with identical
// bodies and inputs collide") is resolved: typeName is part of the digest
// input, so distinct registered types never collide even with identical
// version strings and inputs.
func ComputeBodyDigest(typeName, version string) BodyDigest {
	return digest.H128([]byte(typeName + "\x00" + version))
}

// Fingerprint computes a task's 128-bit fingerprint from its BodyDigest and
// its input value, per spec.md's canonical(T) definition:
//
//	canonical(T) = {
//	  "__body__": digest(body),
//	  for k in sort(keys(T.input)): k: reduce(T.input[k])
//	}
//
// input may be nil, representing a task with no declared input.
func Fingerprint(body BodyDigest, input *value.Map) (digest.Digest, error) {
	canonical := map[string]any{
		"__body__": body.String(),
	}

	if input != nil {
		for _, k := range input.Keys() {
			v, _ := input.Get(k)
			reduced, err := Reduce(v)
			if err != nil {
				return digest.Zero, fmt.Errorf("reducing input key %q: %w", k, err)
			}
			canonical[k] = reduced
		}
	}

	encoded, err := json.Marshal(canonical)
	if err != nil {
		return digest.Zero, fmt.Errorf("encoding canonical input: %w", err)
	}

	return digest.H128(encoded), nil
}

// Reduce implements spec.md §4.2's reduce(v): artifacts become their
// content hash, tasks and reusable artifacts become their own fingerprint,
// mappings/sequences recurse with sorted keys, and scalars become the hash
// of their stable serialization.
func Reduce(v value.Node) (any, error) {
	if v == nil {
		return digest.H128(nil).String(), nil
	}

	switch v.Kind() {
	case value.KindArtifact:
		ref, ok := v.(value.ArtifactRef)
		if !ok {
			return nil, kilnerr.Wrap(kilnerr.ErrInvalidInput, "artifact node does not implement ArtifactRef")
		}
		h, err := ref.ContentHash()
		if err != nil {
			return nil, fmt.Errorf("hashing artifact: %w", err)
		}
		return h.String(), nil

	case value.KindTask:
		ref, ok := v.(value.TaskRef)
		if !ok {
			return nil, kilnerr.Wrap(kilnerr.ErrInvalidInput, "task node does not implement TaskRef")
		}
		fp, err := ref.Fingerprint()
		if err != nil {
			return nil, fmt.Errorf("fingerprinting upstream task %q: %w", ref.DisplayName(), err)
		}
		return fp.String(), nil

	case value.KindReusable:
		ref, ok := v.(value.ReusableRef)
		if !ok {
			return nil, kilnerr.Wrap(kilnerr.ErrInvalidInput, "reusable node does not implement ReusableRef")
		}
		fp, err := ref.Fingerprint()
		if err != nil {
			return nil, fmt.Errorf("fingerprinting reusable artifact: %w", err)
		}
		return fp.String(), nil

	case value.KindDeferred:
		d, ok := v.(*value.Deferred)
		if !ok {
			return nil, kilnerr.Wrap(kilnerr.ErrInvalidInput, "deferred node has unexpected concrete type")
		}
		// A deferred output handle reduces to its underlying task's
		// fingerprint, not a distinct per-key identity: the task's
		// fingerprint already determines every key of its (deterministic)
		// output, so two downstream tasks selecting different keys of the
		// same upstream task still get distinct canonical inputs (they
		// differ on their own key names), and a change to any key the
		// upstream produces already changes the upstream's own fingerprint.
		fp, err := d.Task.Fingerprint()
		if err != nil {
			return nil, fmt.Errorf("fingerprinting deferred output of %q: %w", d.Task.DisplayName(), err)
		}
		return fp.String(), nil

	case value.KindMap:
		m, ok := v.(*value.Map)
		if !ok {
			return nil, kilnerr.Wrap(kilnerr.ErrInvalidInput, "map node has unexpected concrete type")
		}
		out := make(map[string]any, m.Len())
		for _, k := range m.Keys() {
			child, _ := m.Get(k)
			reduced, err := Reduce(child)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = reduced
		}
		return out, nil

	case value.KindSeq:
		s, ok := v.(*value.Seq)
		if !ok {
			return nil, kilnerr.Wrap(kilnerr.ErrInvalidInput, "seq node has unexpected concrete type")
		}
		out := make([]any, s.Len())
		for i := 0; i < s.Len(); i++ {
			reduced, err := Reduce(s.At(i))
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = reduced
		}
		return out, nil

	case value.KindScalar:
		sc, ok := v.(value.Scalar)
		if !ok {
			return nil, kilnerr.Wrap(kilnerr.ErrInvalidInput, "scalar node has unexpected concrete type")
		}
		encoded, err := json.Marshal(sc.V)
		if err != nil {
			return nil, kilnerr.Wrap(kilnerr.ErrInvalidInput, "scalar value is not serializable: %v", err)
		}
		return digest.H128(encoded).String(), nil

	default:
		return nil, kilnerr.Wrap(kilnerr.ErrInvalidInput, "unknown node kind %v", v.Kind())
	}
}
