// Package kilnerr defines the error taxonomy surfaced across kiln's core
// packages (artifact, fingerprint, cachestore, task, scheduler, reusable).
//
// The shape follows scriptweaver's internal/dag/errors.go: a small set of
// sentinel Kind values wrapped by a single error struct, so callers can use
// errors.Is against the sentinel while still getting a human message.
package kilnerr

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned when a task input is not a string-keyed
	// map, or contains a node with no serializable/artifact/task identity.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidOutput is returned when a task output is not a string-keyed
	// map, or contains a non-serializable node. No cache entry is written.
	ErrInvalidOutput = errors.New("invalid output")

	// ErrArtifactEscape is returned when an artifact's destination path
	// normalizes to outside its base directory.
	ErrArtifactEscape = errors.New("artifact destination escapes base directory")

	// ErrCacheNotFound is returned by Store.Load when called on an absent
	// fingerprint. The task runtime treats this as a cache miss internally;
	// it is only surfaced to callers that use the store directly.
	ErrCacheNotFound = errors.New("cache entry not found")

	// ErrAlreadyExists is returned by Artifact.Copy when the destination
	// exists and overwrite was not requested.
	ErrAlreadyExists = errors.New("destination already exists")

	// ErrRetriesExhausted is returned when a task body requests a retry
	// (via RetryTask) more times than the fixed retry bound allows.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// Error wraps one of the sentinel Kind values above with a contextual
// message, mirroring scriptweaver's dag.GraphError.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *Error) Unwrap() error { return e.Kind }

// Wrap builds an *Error for the given sentinel kind with a formatted
// message.
func Wrap(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// RetryTask is raised by a task body to request a fresh attempt. It is
// caught internally by the task runtime and never propagates to Result()
// unless the retry bound is exceeded, in which case it becomes
// ErrRetriesExhausted.
type RetryTask struct {
	// Reason is an optional human-readable explanation, for logging only.
	Reason string
}

func (r *RetryTask) Error() string {
	if r.Reason == "" {
		return "retry requested"
	}
	return "retry requested: " + r.Reason
}

// IsRetryTask reports whether err (or something it wraps) is a RetryTask.
func IsRetryTask(err error) bool {
	var r *RetryTask
	return errors.As(err, &r)
}
