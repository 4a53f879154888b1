// Package cachestore implements spec.md's C3 component: a content-addressed
// on-disk store keyed by task fingerprint, holding one serialized output
// value plus any referenced file/directory blobs.
//
// Layout (spec.md §6):
//
//	<cache_root>/<fingerprint>_<name>/
//	  output.gob   (commit marker; serialized output value — kiln's
//	                encoding/gob stand-in for the Python original's
//	                output.pkl, see SPEC_FULL.md §3.1)
//	  input.json   (canonical input, debug/audit dump)
//	  stdout.log
//	  stderr.log
//	  <output_key>/
//	    <content_hash>
//	    data
//
// Grounded on scriptweaver/internal/core/cache.go for the
// write-to-temp-then-rename commit discipline, generalized to spec.md's
// "output.pkl presence is the commit marker" contract.
package cachestore

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"kiln/internal/artifact"
	"kiln/internal/digest"
	"kiln/internal/kilnerr"
	"kiln/internal/value"
)

const (
	outputFile = "output.gob"
	inputFile  = "input.json"
	stdoutFile = "stdout.log"
	stderrFile = "stderr.log"
)

// Store is a cache root directory.
type Store struct {
	root string
}

// Open returns a Store rooted at root, creating the directory if absent.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache root %q: %w", root, err)
	}
	return &Store{root: root}, nil
}

// Root returns the cache root directory.
func (s *Store) Root() string { return s.root }

// EntryDir returns the directory for a given fingerprint/display-name
// pair: <root>/<fingerprint>_<name>.
func (s *Store) EntryDir(fp digest.Digest, name string) string {
	return filepath.Join(s.root, fp.String()+"_"+name)
}

// Lookup reports whether a cache hit exists for fp/name: the commit marker
// output.gob is present.
func (s *Store) Lookup(fp digest.Digest, name string) bool {
	_, err := os.Stat(filepath.Join(s.EntryDir(fp, name), outputFile))
	return err == nil
}

// Entry is an in-memory, gob-friendly representation of a cached output
// value: scalar leaves keep their encoded form; artifact leaves carry the
// relative slot directory they were archived into, rehydrated by Load via
// artifact.LoadHeader.
type Entry struct {
	Scalars   map[string][]byte // json-encoded scalar leaves, by output key
	Artifacts map[string]bool   // output keys that hold an artifact
}

// Load reads back a cache entry for fp/name. Artifact-valued output keys
// are rehydrated with their source path already pointing at the cached
// blob, so subsequent stagings are hard-link- or copy-cheap. Returns
// kilnerr.ErrCacheNotFound if no entry exists.
func (s *Store) Load(fp digest.Digest, name string) (*value.Map, error) {
	entryDir := s.EntryDir(fp, name)
	outputPath := filepath.Join(entryDir, outputFile)

	raw, err := os.ReadFile(outputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kilnerr.Wrap(kilnerr.ErrCacheNotFound, "%s", fp)
		}
		return nil, fmt.Errorf("reading cache entry %q: %w", outputPath, err)
	}

	var entry Entry
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&entry); err != nil {
		return nil, fmt.Errorf("decoding cache entry %q: %w", outputPath, err)
	}

	out := value.NewMap()
	for key, encoded := range entry.Scalars {
		var v any
		if err := json.Unmarshal(encoded, &v); err != nil {
			return nil, fmt.Errorf("decoding scalar %q: %w", key, err)
		}
		out.Set(key, value.Scalar{V: v})
	}
	for key := range entry.Artifacts {
		header, err := artifact.LoadHeader(filepath.Join(entryDir, key, "data"))
		if err != nil {
			return nil, fmt.Errorf("loading artifact %q: %w", key, err)
		}
		out.Set(key, header)
	}
	return out, nil
}

// Store persists output under fp/name, archiving every artifact it
// contains from workDir into its own output-key slot directory, per
// spec.md §4.3:
//
//  1. create the entry directory if missing
//  2. archive every artifact reachable from the output into its own slot
//  3. write input.json
//  4. write output.gob last — its presence is the commit marker
//
// Any existing stale output.gob is removed before writing the new one.
func (s *Store) Store(fp digest.Digest, name string, output *value.Map, canonicalInput map[string]any, workDir string, streams Streams) error {
	entryDir := s.EntryDir(fp, name)
	if err := os.MkdirAll(entryDir, 0o755); err != nil {
		return fmt.Errorf("creating cache entry %q: %w", entryDir, err)
	}

	entry := Entry{
		Scalars:   make(map[string][]byte),
		Artifacts: make(map[string]bool),
	}

	if output != nil {
		for _, key := range output.Keys() {
			v, _ := output.Get(key)
			switch n := v.(type) {
			case *artifact.Artifact:
				slotDir := filepath.Join(entryDir, key)
				if err := n.ArchiveInto(workDir, slotDir); err != nil {
					return fmt.Errorf("archiving output %q: %w", key, err)
				}
				entry.Artifacts[key] = true
			case value.Scalar:
				encoded, err := json.Marshal(n.V)
				if err != nil {
					return kilnerr.Wrap(kilnerr.ErrInvalidOutput, "output %q: %v", key, err)
				}
				entry.Scalars[key] = encoded
			default:
				return kilnerr.Wrap(kilnerr.ErrInvalidOutput, "output %q is neither an artifact nor a scalar", key)
			}
		}
	}

	if err := writeInputJSON(entryDir, canonicalInput); err != nil {
		return err
	}
	if err := streams.writeLogs(entryDir); err != nil {
		return err
	}

	outputPath := filepath.Join(entryDir, outputFile)
	if err := os.Remove(outputPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale output marker: %w", err)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}

	tmp := outputPath + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing temp output marker: %w", err)
	}
	if err := os.Rename(tmp, outputPath); err != nil {
		return fmt.Errorf("committing output marker: %w", err)
	}
	return nil
}

// WriteFailureLogs records a failed attempt's captured streams and
// canonical input without writing output.gob, so a body error never
// leaves a committed cache entry behind (spec.md §7's propagation policy:
// "leave the cache in a consistent state (no output.pkl written)") while
// still keeping stdout.log/stderr.log available for debugging.
func (s *Store) WriteFailureLogs(fp digest.Digest, name string, canonicalInput map[string]any, streams Streams) error {
	entryDir := s.EntryDir(fp, name)
	if err := os.MkdirAll(entryDir, 0o755); err != nil {
		return fmt.Errorf("creating cache entry %q: %w", entryDir, err)
	}
	if err := writeInputJSON(entryDir, canonicalInput); err != nil {
		return err
	}
	return streams.writeLogs(entryDir)
}

// Streams carries captured stdout/stderr, to be written alongside a cache
// entry regardless of whether the task succeeded or failed.
type Streams struct {
	Stdout []byte
	Stderr []byte
}

func (st Streams) writeLogs(entryDir string) error {
	if st.Stdout != nil {
		if err := os.WriteFile(filepath.Join(entryDir, stdoutFile), st.Stdout, 0o644); err != nil {
			return fmt.Errorf("writing stdout.log: %w", err)
		}
	}
	if st.Stderr != nil {
		if err := os.WriteFile(filepath.Join(entryDir, stderrFile), st.Stderr, 0o644); err != nil {
			return fmt.Errorf("writing stderr.log: %w", err)
		}
	}
	return nil
}

func writeInputJSON(entryDir string, canonicalInput map[string]any) error {
	if canonicalInput == nil {
		canonicalInput = map[string]any{}
	}
	encoded, err := json.MarshalIndent(canonicalInput, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding input.json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(entryDir, inputFile), encoded, 0o644); err != nil {
		return fmt.Errorf("writing input.json: %w", err)
	}
	return nil
}
