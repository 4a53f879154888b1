// Package scheduler implements spec.md's C5 component: it traverses a
// task's input value, dispatches every reachable task (or deferred output
// handle) concurrently, and returns a resolved copy of the structure once
// every dependency has reached Done; the input structure is not rewritten.
//
// Traverse and Resolve each walk Map/Seq containers with their own switch
// on the value.Kind tag. The fingerprint canonicalizer (internal/fingerprint)
// has a separate walk of the same shape for the identity-only reduction.
package scheduler

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"kiln/internal/kilnerr"
	"kiln/internal/value"
)

// Resolvable is implemented by *task.Task. It extends value.TaskRef with the
// blocking call that actually runs the task's protocol to completion.
type Resolvable interface {
	value.TaskRef
	Result(ctx context.Context) (value.Node, error)
}

// Traverse visits every task (or reusable-artifact) node reachable from v,
// exactly once, via a depth-first walk of Map/Seq containers. It is
// cycle-safe: a node revisited while still on the current walk's stack
// yields kilnerr.ErrInvalidInput rather than looping.
func Traverse(v value.Node, visit func(value.Node) error) error {
	visited := make(map[value.Node]bool)
	onStack := make(map[value.Node]bool)

	var walk func(value.Node) error
	walk = func(n value.Node) error {
		if n == nil || visited[n] {
			return nil
		}
		if onStack[n] {
			return kilnerr.Wrap(kilnerr.ErrInvalidInput, "cyclic reference in input graph")
		}
		onStack[n] = true
		defer func() {
			delete(onStack, n)
			visited[n] = true
		}()

		switch n.Kind() {
		case value.KindMap:
			m := n.(*value.Map)
			for _, k := range m.Keys() {
				child, _ := m.Get(k)
				if err := walk(child); err != nil {
					return err
				}
			}
			return nil
		case value.KindSeq:
			s := n.(*value.Seq)
			for i := 0; i < s.Len(); i++ {
				if err := walk(s.At(i)); err != nil {
					return err
				}
			}
			return nil
		case value.KindTask, value.KindReusable:
			return visit(n)
		default:
			return nil
		}
	}
	return walk(v)
}

// Resolve traverses v and returns a structurally equivalent value with
// every reachable task and deferred-output handle replaced by its realized
// output. Map/Seq children are dispatched concurrently (one goroutine per
// child via errgroup), matching spec.md §4.5's "launch concurrently, await
// the full set before proceeding" ordering guarantee. Scalars, artifacts
// and reusable-artifact references pass through unchanged.
func Resolve(ctx context.Context, v value.Node) (value.Node, error) {
	onStack := make(map[value.Node]bool)
	return resolveNode(ctx, v, onStack)
}

func resolveNode(ctx context.Context, n value.Node, onStack map[value.Node]bool) (value.Node, error) {
	if n == nil {
		return nil, nil
	}

	if d, ok := n.(*value.Deferred); ok {
		return resolveDeferred(ctx, d, onStack)
	}

	if onStack[n] {
		return nil, kilnerr.Wrap(kilnerr.ErrInvalidInput, "cyclic reference in input graph")
	}

	switch n.Kind() {
	case value.KindMap:
		onStack[n] = true
		defer delete(onStack, n)

		m := n.(*value.Map)
		keys := m.Keys()
		resolved := make([]value.Node, len(keys))

		g, gctx := errgroup.WithContext(ctx)
		for i, k := range keys {
			i, k := i, k
			child, _ := m.Get(k)
			g.Go(func() error {
				r, err := resolveNode(gctx, child, onStack)
				if err != nil {
					return fmt.Errorf("resolving key %q: %w", k, err)
				}
				resolved[i] = r
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		out := value.NewMap()
		for i, k := range keys {
			out.Set(k, resolved[i])
		}
		return out, nil

	case value.KindSeq:
		onStack[n] = true
		defer delete(onStack, n)

		s := n.(*value.Seq)
		resolved := make([]value.Node, s.Len())

		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < s.Len(); i++ {
			i := i
			g.Go(func() error {
				r, err := resolveNode(gctx, s.At(i), onStack)
				if err != nil {
					return fmt.Errorf("resolving index %d: %w", i, err)
				}
				resolved[i] = r
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return value.NewSeq(resolved...), nil

	case value.KindTask:
		t, ok := n.(Resolvable)
		if !ok {
			return nil, kilnerr.Wrap(kilnerr.ErrInvalidInput, "task node %q does not implement Result", n.(value.TaskRef).DisplayName())
		}
		return t.Result(ctx)

	default:
		// Scalars, artifacts and reusable-artifact references resolve to
		// themselves; they carry no pending work.
		return n, nil
	}
}

func resolveDeferred(ctx context.Context, d *value.Deferred, onStack map[value.Node]bool) (value.Node, error) {
	if resolved, done := d.Resolved(); done {
		return resolved, nil
	}

	t, ok := d.Task.(Resolvable)
	if !ok {
		return nil, kilnerr.Wrap(kilnerr.ErrInvalidInput, "deferred output handle's task does not implement Result")
	}
	out, err := t.Result(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving deferred output of %q: %w", t.DisplayName(), err)
	}

	var picked value.Node = out
	if d.Key != "" {
		m, ok := out.(*value.Map)
		if !ok {
			return nil, kilnerr.Wrap(kilnerr.ErrInvalidOutput, "task %q output is not a map, cannot select key %q", t.DisplayName(), d.Key)
		}
		v, ok := m.Get(d.Key)
		if !ok {
			return nil, kilnerr.Wrap(kilnerr.ErrInvalidOutput, "task %q output has no key %q", t.DisplayName(), d.Key)
		}
		picked = v
	}

	d.SetResolved(picked)
	return picked, nil
}
