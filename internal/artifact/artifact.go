// Package artifact implements spec.md's C1 component: a value referring to
// a file or directory on disk, content-hashable, stageable into a work
// directory, and archivable into the cache.
//
// Grounded on original_source/lazypp/file_objects.py (BaseEntry/File/
// Directory) for the escape check and staging semantics, generalized to
// spec.md §4.1's streamed, 4 KiB-chunked content hash.
package artifact

import (
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"kiln/internal/digest"
	"kiln/internal/kilnerr"
	"kiln/internal/value"
)

func init() {
	gob.Register(&Artifact{})
}

// Kind distinguishes a file artifact from a directory artifact.
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
)

const chunkSize = 4096

// Artifact is a file or directory artifact as defined in spec.md §3. It is
// constructed by a task body and returned in its output; after the task
// returns, it is read-only except that the cache store may rewrite its
// source path during archival (ArchiveInto).
type Artifact struct {
	Kind_    Kind
	Src      string // absolute source path, where the bytes currently live
	Dest     string // relative destination path, used for staging
	CopyFlag bool   // stage by copy (true) vs hard link (false)
}

// Option configures a new Artifact.
type Option func(*Artifact)

// WithDest overrides the destination path; if not supplied, it defaults to
// the base name of src (matching lazypp's BaseEntry: dest defaults to the
// source path when not given).
func WithDest(dest string) Option {
	return func(a *Artifact) { a.Dest = dest }
}

// WithCopy marks the artifact to be staged by copy rather than hard link.
func WithCopy(copy bool) Option {
	return func(a *Artifact) { a.CopyFlag = copy }
}

// NewFile constructs a file artifact rooted at src. It fails with
// ErrArtifactEscape if the (possibly overridden) destination normalizes
// outside its base directory.
func NewFile(src string, opts ...Option) (*Artifact, error) {
	return newArtifact(KindFile, src, opts...)
}

// NewDirectory constructs a directory artifact rooted at src.
func NewDirectory(src string, opts ...Option) (*Artifact, error) {
	return newArtifact(KindDirectory, src, opts...)
}

func newArtifact(kind Kind, src string, opts ...Option) (*Artifact, error) {
	abs, err := filepath.Abs(src)
	if err != nil {
		return nil, fmt.Errorf("resolving artifact source %q: %w", src, err)
	}

	a := &Artifact{
		Kind_: kind,
		Src:   abs,
		Dest:  filepath.Base(src),
	}
	for _, opt := range opts {
		opt(a)
	}

	if err := checkNoEscape(a.Dest); err != nil {
		return nil, err
	}
	return a, nil
}

// checkNoEscape implements spec.md §4.1's edge case: cumulative depth
// accounting where "." contributes 0, ".." contributes -1, and any other
// segment contributes +1; depth may never go negative.
func checkNoEscape(destPath string) error {
	cleaned := filepath.ToSlash(filepath.Clean(destPath))
	depth := 0
	for _, part := range splitPath(cleaned) {
		switch part {
		case ".", "":
			// no-op
		case "..":
			depth--
		default:
			depth++
		}
		if depth < 0 {
			return kilnerr.Wrap(kilnerr.ErrArtifactEscape, "destination %q escapes base directory", destPath)
		}
	}
	return nil
}

func splitPath(p string) []string {
	out := []string{}
	start := 0
	for i := 0; i < len(p); i++ {
		if p[i] == '/' {
			out = append(out, p[start:i])
			start = i + 1
		}
	}
	out = append(out, p[start:])
	return out
}

// Kind implements value.Node so an *Artifact can be embedded directly into
// a task's input/output tree.
func (a *Artifact) Kind() value.Kind { return value.KindArtifact }

// ArtifactKind reports the file-vs-directory artifact variant.
func (a *Artifact) ArtifactKind() Kind { return a.Kind_ }

// SourcePath returns where the artifact's bytes currently live.
func (a *Artifact) SourcePath() string { return a.Src }

// DestPath returns the relative staging destination.
func (a *Artifact) DestPath() string { return a.Dest }

// ContentHash streams the artifact's bytes in 4 KiB chunks and returns a
// 128-bit digest. For a directory, files are visited in lexicographic
// order by relative path, matching spec.md's "deterministic walk order"
// requirement (tightened from the Python original's unsorted os.walk).
func (a *Artifact) ContentHash() (digest.Digest, error) {
	switch a.Kind_ {
	case KindFile:
		return hashFile(a.Src)
	case KindDirectory:
		return hashDirectory(a.Src)
	default:
		return digest.Zero, fmt.Errorf("unknown artifact kind %d", a.Kind_)
	}
}

func hashFile(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return digest.Zero, fmt.Errorf("opening %q for hashing: %w", path, err)
	}
	defer f.Close()

	h := digest.New()
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return digest.Zero, fmt.Errorf("reading %q: %w", path, err)
	}
	return h.Sum(), nil
}

func hashDirectory(root string) (digest.Digest, error) {
	var relPaths []string
	if err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			relPaths = append(relPaths, rel)
		}
		return nil
	}); err != nil {
		return digest.Zero, fmt.Errorf("walking directory %q: %w", root, err)
	}
	sort.Strings(relPaths)

	h := digest.New()
	buf := make([]byte, chunkSize)
	for _, rel := range relPaths {
		f, err := os.Open(filepath.Join(root, rel))
		if err != nil {
			return digest.Zero, fmt.Errorf("opening %q for hashing: %w", rel, err)
		}
		_, err = io.CopyBuffer(h, f, buf)
		f.Close()
		if err != nil {
			return digest.Zero, fmt.Errorf("reading %q: %w", rel, err)
		}
	}
	return h.Sum(), nil
}

// StageInto materializes the artifact's source at workDir/Dest: by copy
// when CopyFlag is set, otherwise by hard link (falling back to a copy for
// any file that cannot be linked). Hard-link staging is the default,
// matching the "copy flag" semantics of spec.md §3.
func (a *Artifact) StageInto(workDir string) error {
	dest := filepath.Join(workDir, a.Dest)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating staging directory for %q: %w", a.Dest, err)
	}

	switch a.Kind_ {
	case KindFile:
		if a.CopyFlag {
			return copyFile(a.Src, dest)
		}
		return stageLinkOrCopyFile(a.Src, dest)
	case KindDirectory:
		if a.CopyFlag {
			return copyTree(a.Src, dest)
		}
		return stageLinkOrCopyTree(a.Src, dest)
	default:
		return fmt.Errorf("unknown artifact kind %d", a.Kind_)
	}
}

// ArchiveInto moves the materialized file/directory from workDir/Dest into
// slotDir/<content-hash-hex>, then rewrites the artifact's source path to
// point at the archived blob, and writes a serialized copy of the updated
// artifact to slotDir/data so cache rehydration produces an artifact whose
// source is already inside the cache.
func (a *Artifact) ArchiveInto(workDir, slotDir string) error {
	produced := filepath.Join(workDir, a.Dest)
	produceArtifact, err := newFromExisting(a.Kind_, produced, a.Dest, a.CopyFlag)
	if err != nil {
		return err
	}

	hash, err := produceArtifact.ContentHash()
	if err != nil {
		return fmt.Errorf("hashing produced artifact %q: %w", a.Dest, err)
	}

	if err := os.MkdirAll(slotDir, 0o755); err != nil {
		return fmt.Errorf("creating slot directory: %w", err)
	}
	blobPath := filepath.Join(slotDir, hash.String())

	if err := os.RemoveAll(blobPath); err != nil {
		return fmt.Errorf("clearing stale blob: %w", err)
	}

	switch a.Kind_ {
	case KindFile:
		if err := os.Rename(produced, blobPath); err != nil {
			if err := copyFile(produced, blobPath); err != nil {
				return fmt.Errorf("archiving file %q: %w", a.Dest, err)
			}
		}
	case KindDirectory:
		if err := os.Rename(produced, blobPath); err != nil {
			if err := copyTree(produced, blobPath); err != nil {
				return fmt.Errorf("archiving directory %q: %w", a.Dest, err)
			}
		}
	}

	a.Src = blobPath

	dataPath := filepath.Join(slotDir, "data")
	f, err := os.Create(dataPath)
	if err != nil {
		return fmt.Errorf("writing artifact header: %w", err)
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(a); err != nil {
		return fmt.Errorf("encoding artifact header: %w", err)
	}
	return nil
}

func newFromExisting(kind Kind, src, dest string, copyFlag bool) (*Artifact, error) {
	abs, err := filepath.Abs(src)
	if err != nil {
		return nil, err
	}
	return &Artifact{Kind_: kind, Src: abs, Dest: dest, CopyFlag: copyFlag}, nil
}

// LoadHeader reads a serialized artifact header written by ArchiveInto.
func LoadHeader(dataPath string) (*Artifact, error) {
	f, err := os.Open(dataPath)
	if err != nil {
		return nil, fmt.Errorf("opening artifact header %q: %w", dataPath, err)
	}
	defer f.Close()

	var a Artifact
	if err := gob.NewDecoder(f).Decode(&a); err != nil {
		return nil, fmt.Errorf("decoding artifact header: %w", err)
	}
	return &a, nil
}

// Copy materializes the artifact under the directory dest, at
// dest/<Dest>. It fails with ErrAlreadyExists if that path exists, unless
// overwrite is set.
func (a *Artifact) Copy(dest string, overwrite bool) error {
	target := filepath.Join(dest, a.Dest)
	if _, err := os.Stat(target); err == nil {
		if !overwrite {
			return kilnerr.Wrap(kilnerr.ErrAlreadyExists, "%q", target)
		}
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("removing existing %q: %w", target, err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("creating parent of %q: %w", target, err)
	}

	switch a.Kind_ {
	case KindFile:
		return copyFile(a.Src, target)
	case KindDirectory:
		return copyTree(a.Src, target)
	default:
		return fmt.Errorf("unknown artifact kind %d", a.Kind_)
	}
}

func stageLinkOrCopyFile(src, dest string) error {
	if err := os.Link(src, dest); err != nil {
		return copyFile(src, dest)
	}
	return nil
}

func stageLinkOrCopyTree(src, dest string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return stageLinkOrCopyFile(path, target)
	})
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %q: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating %q: %w", dest, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copying %q to %q: %w", src, dest, err)
	}
	return out.Close()
}

func copyTree(src, dest string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}
