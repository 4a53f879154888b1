package artifact

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCheckNoEscapeRejectsNetUpward(t *testing.T) {
	cases := []struct {
		dest    string
		wantErr bool
	}{
		{"a/b/c", false},
		{"./a", false},
		{"a/../b", false}, // depth: +1, 0, +1 -> never negative
		{"..", true},
		{"a/../..", true},
		{"../a", true},
	}
	for _, c := range cases {
		err := checkNoEscape(c.dest)
		if c.wantErr && err == nil {
			t.Errorf("checkNoEscape(%q): expected error, got nil", c.dest)
		}
		if !c.wantErr && err != nil {
			t.Errorf("checkNoEscape(%q): unexpected error: %v", c.dest, err)
		}
	}
}

func TestNewFileRejectsEscapingDest(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewFile(src, WithDest("../escape.txt")); err == nil {
		t.Fatal("expected ArtifactEscape error, got nil")
	}
}

func TestContentHashRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(src, []byte("hello artifact"), 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := NewFile(src)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	h1, err := a.ContentHash()
	if err != nil {
		t.Fatalf("ContentHash: %v", err)
	}
	h2, err := a.ContentHash()
	if err != nil {
		t.Fatalf("ContentHash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("ContentHash not deterministic: %s != %s", h1, h2)
	}
}

func TestContentHashDirectoryOrderIndependent(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()

	// Same contents, created in opposite orders.
	files := map[string]string{"a.txt": "aaa", "z.txt": "zzz"}
	for dir, order := range map[string][]string{dirA: {"a.txt", "z.txt"}, dirB: {"z.txt", "a.txt"}} {
		for _, name := range order {
			if err := os.WriteFile(filepath.Join(dir, name), []byte(files[name]), 0o644); err != nil {
				t.Fatal(err)
			}
		}
	}

	ad, err := NewDirectory(dirA)
	if err != nil {
		t.Fatal(err)
	}
	bd, err := NewDirectory(dirB)
	if err != nil {
		t.Fatal(err)
	}

	ha, err := ad.ContentHash()
	if err != nil {
		t.Fatal(err)
	}
	hb, err := bd.ContentHash()
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Fatalf("identical directory contents hashed differently: %s != %s", ha, hb)
	}
}

func TestStageIntoHardLinksByDefault(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(src, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := NewFile(src)
	if err != nil {
		t.Fatal(err)
	}

	workDir := t.TempDir()
	if err := a.StageInto(workDir); err != nil {
		t.Fatalf("StageInto: %v", err)
	}

	staged := filepath.Join(workDir, "f.txt")
	got, err := os.ReadFile(staged)
	if err != nil {
		t.Fatalf("reading staged file: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("staged content = %q, want %q", got, "hello")
	}

	srcInfo, err := os.Stat(src)
	if err != nil {
		t.Fatal(err)
	}
	stagedInfo, err := os.Stat(staged)
	if err != nil {
		t.Fatal(err)
	}
	if !os.SameFile(srcInfo, stagedInfo) {
		t.Fatal("staged file is not a hard link to the source")
	}
}

func TestArchiveIntoThenLoadHeader(t *testing.T) {
	workDir := t.TempDir()
	produced := filepath.Join(workDir, "out.txt")
	if err := os.WriteFile(produced, []byte("artifact body"), 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := NewFile(produced, WithDest("out.txt"))
	if err != nil {
		t.Fatal(err)
	}

	slotDir := t.TempDir()
	if err := a.ArchiveInto(workDir, slotDir); err != nil {
		t.Fatalf("ArchiveInto: %v", err)
	}

	header, err := LoadHeader(filepath.Join(slotDir, "data"))
	if err != nil {
		t.Fatalf("LoadHeader: %v", err)
	}
	got, err := os.ReadFile(header.SourcePath())
	if err != nil {
		t.Fatalf("reading archived blob: %v", err)
	}
	if string(got) != "artifact body" {
		t.Fatalf("archived content = %q, want %q", got, "artifact body")
	}
}
