package block

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
)

func init() {
	log.SetOutput(io.Discard)
}

func TestFile_ReadMissing(t *testing.T) {
	f := File{Path: filepath.Join(t.TempDir(), "missing"), Markers: testMarkers}
	text, exists, err := f.Read()
	if err != nil || exists || text != "" {
		t.Fatalf("expected empty missing file, got text=%q exists=%v err=%v", text, exists, err)
	}
}

func TestFile_WriteKeepsBackupAndMode(t *testing.T) {
	p := filepath.Join(t.TempDir(), "rc")
	if err := os.WriteFile(p, []byte("old\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	f := File{Path: p, Markers: testMarkers}
	if err := f.Write("new\n"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, _ := os.ReadFile(p)
	if string(got) != "new\n" {
		t.Fatalf("expected new contents, got %q", got)
	}
	bak, _ := os.ReadFile(p + ".bak")
	if string(bak) != "old\n" {
		t.Fatalf("expected backup of old contents, got %q", bak)
	}
	st, err := os.Stat(p)
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0o644 {
		t.Fatalf("expected mode 0644 to be preserved, got %v", st.Mode().Perm())
	}
	if _, err := os.Stat(p + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected temp file to be gone, got %v", err)
	}
}

func TestFile_RemoveIsIdempotent(t *testing.T) {
	p := filepath.Join(t.TempDir(), "cfg")
	orig := "Host a\n"
	text, err := testMarkers.Append(orig, "body")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(text), 0o600); err != nil {
		t.Fatal(err)
	}
	f := File{Path: p, Markers: testMarkers}

	removed, err := f.Remove()
	if err != nil || !removed {
		t.Fatalf("expected first Remove to strip block, removed=%v err=%v", removed, err)
	}
	got, _ := os.ReadFile(p)
	if string(got) != orig {
		t.Fatalf("expected %q after remove, got %q", orig, got)
	}

	removed, err = f.Remove()
	if err != nil || removed {
		t.Fatalf("expected second Remove to be a no-op, removed=%v err=%v", removed, err)
	}
}

func TestFile_RemoveMissingFile(t *testing.T) {
	f := File{Path: filepath.Join(t.TempDir(), "nope"), Markers: testMarkers}
	removed, err := f.Remove()
	if err != nil || removed {
		t.Fatalf("expected no-op, removed=%v err=%v", removed, err)
	}
}

func TestFile_WriteFollowsSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "dotfiles", "zshrc")
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(target, []byte("old\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, ".zshrc")
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}

	f := File{Path: link, Markers: testMarkers}
	if err := f.Write("new\n"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	st, err := os.Lstat(link)
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode()&os.ModeSymlink == 0 {
		t.Fatalf("expected %s to stay a symlink", link)
	}
	got, _ := os.ReadFile(target)
	if string(got) != "new\n" {
		t.Fatalf("expected link target to hold new contents, got %q", got)
	}
	bak, _ := os.ReadFile(target + ".bak")
	if string(bak) != "old\n" {
		t.Fatalf("expected backup next to link target, got %q", bak)
	}
}
