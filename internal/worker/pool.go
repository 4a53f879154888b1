// Package worker implements kiln's two body-execution surfaces described
// in SPEC_FULL.md §3.1: an in-process bounded goroutine pool (Pool) and a
// registered-factory process dispatcher (ProcessWorker, one re-exec'd
// helper process per Dispatch) for task types that want true OS-process
// isolation for their body. A task with no Worker runs its body in the
// calling goroutine.
//
// Pool's bounded-dispatch shape is grounded on
// mattcburns-shoal-provision/internal/provisioner/jobs/worker.go's
// goroutine-pool pattern (pattern only; that package is AGPL-licensed and
// is not copied).
package worker

import (
	"kiln/internal/task"
	"kiln/internal/value"
)

// Pool is a bounded in-process goroutine pool implementing task.Worker.
// It runs a task body off the calling goroutine, capping the number of
// concurrently running bodies at its configured size.
type Pool struct {
	sem chan struct{}
}

// NewPool returns a Pool that runs at most size bodies concurrently. A
// size <= 0 is treated as 1.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Dispatch implements task.Worker by running job.Run (the in-process
// closure) on a pooled goroutine; job.TypeName/WorkDir/EncodeInput are
// unused here since the body never leaves this process.
func (p *Pool) Dispatch(job task.Job) (*value.Map, error) {
	p.sem <- struct{}{}
	defer func() { <-p.sem }()

	type result struct {
		out *value.Map
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := job.Run()
		done <- result{out, err}
	}()
	r := <-done
	return r.out, r.err
}
