// Package value implements the tagged-variant input/output tree described
// in spec.md's design notes (§9): Scalar | Artifact | Task | Reusable |
// Map | Seq. The fingerprint canonicalizer (internal/fingerprint) and the
// dependency collector (internal/scheduler) operate on these node types;
// this package provides no traversal of its own, and each of those packages
// walks the tree with its own switch on Node.Kind.
//
// This package intentionally holds no dependency on the artifact, task or
// reusable packages: it exposes narrow reference interfaces
// (ArtifactRef, TaskRef, ReusableRef) that those packages implement, so
// the dependency edge runs value -> digest only, and task/artifact/reusable
// depend on value, not the other way around.
package value

import (
	"sort"

	"kiln/internal/digest"
)

// Kind discriminates the variant tag of a Node.
type Kind int

const (
	KindScalar Kind = iota
	KindArtifact
	KindTask
	KindReusable
	KindMap
	KindSeq
	KindDeferred
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindArtifact:
		return "artifact"
	case KindTask:
		return "task"
	case KindReusable:
		return "reusable"
	case KindMap:
		return "map"
	case KindSeq:
		return "seq"
	case KindDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// Node is any member of the input/output value tree.
type Node interface {
	Kind() Kind
}

// Scalar wraps a deterministically serializable value: a bool, string,
// number, []byte, or nil. Serialization is delegated to encoding/json by
// the fingerprint package; Scalar itself imposes no constraint beyond
// carrying the raw value.
type Scalar struct {
	V any
}

func (Scalar) Kind() Kind { return KindScalar }

// ArtifactRef is implemented by *artifact.Artifact. It is narrow on
// purpose: only what the fingerprint engine and scheduler need to reduce
// or stage an artifact embedded in an input/output tree.
type ArtifactRef interface {
	Node
	ContentHash() (digest.Digest, error)
	StageInto(workDir string) error
}

// TaskRef is implemented by *task.Task. Reducing a TaskRef yields its
// fingerprint (recursive, memoized by the task itself); resolving one
// during scheduling runs it to completion and yields its output Node.
type TaskRef interface {
	Node
	Fingerprint() (digest.Digest, error)
	DisplayName() string
}

// ReusableRef is implemented by *reusable.Artifact.
type ReusableRef interface {
	Node
	Fingerprint() (digest.Digest, error)
}

// Deferred is the "deferred output handle" of spec.md §4.5: accessing a
// task's Output() before it has run yields one of these. When the
// scheduler later traverses the containing structure, it resolves the
// handle to the task's real output and records it on the handle
// (SetResolved); the containing structure itself is not rewritten, and the
// realized value appears only in the copy scheduler.Resolve returns.
type Deferred struct {
	Task TaskRef
	Key  string // which key of the task's output this handle refers to

	resolved Node
	done     bool
}

// Kind is its own tag, distinct from KindScalar: a Deferred still reaches
// fingerprint.Reduce (a task's retained input tree is never rewritten by
// scheduler.Resolve, which only rewrites the copy it returns), and must
// reduce to its underlying task's fingerprint there rather than fail a
// Scalar type assertion.
func (*Deferred) Kind() Kind { return KindDeferred }

// Resolved reports the realized node and whether resolution has happened.
func (d *Deferred) Resolved() (Node, bool) {
	return d.resolved, d.done
}

// SetResolved is called by the scheduler once the underlying task's output
// key has been realized.
func (d *Deferred) SetResolved(n Node) {
	d.resolved = n
	d.done = true
}

// Map is an insertion-order-agnostic string-keyed node. Fingerprinting
// sorts keys before hashing; Keys() returns them sorted for any other
// caller that needs determinism (e.g. the cache's input.json dump).
type Map struct {
	entries map[string]Node
}

func NewMap() *Map {
	return &Map{entries: make(map[string]Node)}
}

func (*Map) Kind() Kind { return KindMap }

func (m *Map) Set(key string, v Node) *Map {
	m.entries[key] = v
	return m
}

func (m *Map) Get(key string) (Node, bool) {
	v, ok := m.entries[key]
	return v, ok
}

func (m *Map) Len() int { return len(m.entries) }

// Keys returns the map's keys in sorted order.
func (m *Map) Keys() []string {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Seq is an ordered, non-string sequence node.
type Seq struct {
	items []Node
}

func NewSeq(items ...Node) *Seq {
	return &Seq{items: items}
}

func (*Seq) Kind() Kind { return KindSeq }

func (s *Seq) Len() int { return len(s.items) }

func (s *Seq) At(i int) Node { return s.items[i] }

func (s *Seq) SetAt(i int, v Node) { s.items[i] = v }

func (s *Seq) Append(v Node) { s.items = append(s.items, v) }
