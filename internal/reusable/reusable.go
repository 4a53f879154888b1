// Package reusable implements spec.md's C6 component: an artifact whose
// production is expensive but whose identity is stable across many
// downstream tasks, protected cluster-wide (single filesystem) by an
// advisory file lock.
//
// Grounded on original_source/lazypp/reusable_file_objects.py's
// ReusableFile.__enter__/__exit__ fast-path/slow-path/commit sequencing,
// ported from Python's fcntl.flock to github.com/gofrs/flock (the same
// advisory-lock discipline scriptweaver's corpus siblings hand-roll over
// syscall.Flock_t for POSIX object-storage commits).
package reusable

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"kiln/internal/artifact"
	"kiln/internal/digest"
	"kiln/internal/value"
)

const reusableDir = "reusable"

// Option configures a new Artifact.
type Option func(*Artifact)

// WithDependents records upstream tasks whose fingerprints feed this
// artifact's identity, mirroring ReusableFile's dependents list. kiln does
// not execute them itself (callers resolve dependents via internal/task
// before calling New); the list is retained only for Fingerprint.
func WithDependents(fps ...digest.Digest) Option {
	return func(a *Artifact) { a.dependents = append(a.dependents, fps...) }
}

// WithCopy requests that the artifact be copied (rather than hard linked)
// into the caller's work directory on the fast path.
func WithCopy(copy bool) Option {
	return func(a *Artifact) { a.copy = copy }
}

// WithMutable marks the artifact mutable: even on the fast path, the
// caller's local copy is written back into the cache at block exit,
// matching spec.md §4.6 point 4.
func WithMutable(mutable bool) Option {
	return func(a *Artifact) { a.mutable = mutable }
}

func WithLogger(l zerolog.Logger) Option {
	return func(a *Artifact) { a.logger = l }
}

// Artifact is a reusable artifact identified by id, rooted under
// cacheRoot/reusable.
type Artifact struct {
	id         string
	cacheRoot  string
	dependents []digest.Digest
	copy       bool
	mutable    bool
	logger     zerolog.Logger
}

// New constructs a reusable artifact handle. id should be a stable string;
// dependents passed via WithDependents are folded into the artifact's
// Fingerprint together with id.
func New(id, cacheRoot string, opts ...Option) *Artifact {
	a := &Artifact{id: id, cacheRoot: cacheRoot}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Kind implements value.Node: a reusable artifact may be embedded in a
// task's input tree, reducing to its own Fingerprint.
func (*Artifact) Kind() value.Kind { return value.KindReusable }

// Fingerprint implements value.ReusableRef: the artifact's identity is
// simply its id, reduced through H128 alongside any declared dependents so
// two artifacts built from different upstream state never collide.
func (a *Artifact) Fingerprint() (digest.Digest, error) {
	data := []byte(a.id)
	for _, d := range a.dependents {
		data = append(data, d[:]...)
	}
	return digest.H128(data), nil
}

func (a *Artifact) committedPath() (string, error) {
	fp, err := a.Fingerprint()
	if err != nil {
		return "", err
	}
	return filepath.Join(a.cacheRoot, reusableDir, fp.String()), nil
}

func (a *Artifact) lockPath() (string, error) {
	fp, err := a.Fingerprint()
	if err != nil {
		return "", err
	}
	return filepath.Join(a.cacheRoot, reusableDir, fp.String()+".lock"), nil
}

// Use runs fn with a local path to the reusable artifact's content, per
// spec.md §4.6's fast-path/slow-path protocol:
//
//  1. fast path: if already committed, stage it into workDir (no lock)
//  2. slow path: acquire the advisory lock, re-check (another waiter may
//     have just produced it); if present, release and proceed as fast path
//  3. still absent: hand fn the local path to produce; on return, copy it
//     into the cache, release the lock, delete the lock file
//
// If mutable, the local path is always copied back into the cache at exit
// (even on the fast path), so later readers observe the caller's edits.
func (a *Artifact) Use(workDir string, fn func(localPath string) error) error {
	committed, err := a.committedPath()
	if err != nil {
		return err
	}
	localPath := filepath.Join(workDir, filepath.Base(committed))

	if _, err := os.Stat(committed); err == nil {
		a.logger.Debug().Str("id", a.id).Msg("reusable artifact fast path")
		if err := a.stageFromCache(committed, localPath); err != nil {
			return err
		}
		if a.mutable {
			return a.runAndCommit(localPath, committed, fn)
		}
		return fn(localPath)
	}

	lockPath, err := a.lockPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("creating reusable-artifact cache directory: %w", err)
	}

	fl := flock.New(lockPath)
	a.logger.Debug().Str("id", a.id).Msg("reusable artifact waiting on lock")
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("acquiring reusable-artifact lock: %w", err)
	}
	defer func() {
		fl.Unlock()
		os.Remove(lockPath)
	}()

	if _, err := os.Stat(committed); err == nil {
		a.logger.Debug().Str("id", a.id).Msg("reusable artifact produced by another waiter")
		if err := a.stageFromCache(committed, localPath); err != nil {
			return err
		}
		if a.mutable {
			return a.runAndCommitLocal(localPath, committed, fn)
		}
		return fn(localPath)
	}

	a.logger.Debug().Str("id", a.id).Msg("reusable artifact slow path: producing")
	return a.runAndCommitLocal(localPath, committed, fn)
}

func (a *Artifact) stageFromCache(committed, localPath string) error {
	info, err := os.Stat(committed)
	if err != nil {
		return fmt.Errorf("stat committed reusable artifact: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	if info.IsDir() {
		a, err := artifact.NewDirectory(committed, artifact.WithDest(filepath.Base(localPath)), artifact.WithCopy(a.copy))
		if err != nil {
			return err
		}
		return a.StageInto(filepath.Dir(localPath))
	}
	af, err := artifact.NewFile(committed, artifact.WithDest(filepath.Base(localPath)), artifact.WithCopy(a.copy))
	if err != nil {
		return err
	}
	return af.StageInto(filepath.Dir(localPath))
}

// runAndCommit invokes fn against an already-staged local path, then (for
// mutable artifacts) copies the edited local path back into the cache.
func (a *Artifact) runAndCommit(localPath, committed string, fn func(string) error) error {
	if err := fn(localPath); err != nil {
		return err
	}
	return commitLocal(localPath, committed)
}

// runAndCommitLocal invokes fn against a not-yet-existing local path, then
// always commits the caller's produced file into the cache.
func (a *Artifact) runAndCommitLocal(localPath, committed string, fn func(string) error) error {
	if err := fn(localPath); err != nil {
		return err
	}
	return commitLocal(localPath, committed)
}

// commitLocal moves (or copies, across filesystems) the local artifact
// into its committed cache slot atomically: write-then-rename so presence
// at the final path is the sole commit marker.
func commitLocal(localPath, committed string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("stat produced reusable artifact: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(committed), 0o755); err != nil {
		return err
	}

	tmp := committed + ".tmp"
	if err := os.RemoveAll(tmp); err != nil {
		return err
	}

	var stageErr error
	if info.IsDir() {
		af, err := artifact.NewDirectory(localPath, artifact.WithDest(filepath.Base(tmp)), artifact.WithCopy(true))
		if err != nil {
			return err
		}
		stageErr = af.StageInto(filepath.Dir(tmp))
	} else {
		af, err := artifact.NewFile(localPath, artifact.WithDest(filepath.Base(tmp)), artifact.WithCopy(true))
		if err != nil {
			return err
		}
		stageErr = af.StageInto(filepath.Dir(tmp))
	}
	if stageErr != nil {
		return fmt.Errorf("staging reusable artifact for commit: %w", stageErr)
	}

	if err := os.RemoveAll(committed); err != nil {
		return err
	}
	return os.Rename(tmp, committed)
}
