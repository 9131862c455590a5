package fsutil

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestMemoryFileSystem_CreateRequiresDir(t *testing.T) {
	m := NewMemoryFileSystem()
	if _, err := m.Create("/out/a.bin"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("Create without dir: err = %v, want ErrNotExist", err)
	}
	if err := m.MkdirAll("/out", 0o755); err != nil {
		t.Fatal(err)
	}
	w, err := m.Create("/out/a.bin")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	io.WriteString(w, "payload")
	w.Close()

	got, err := m.ReadFile("/out/a.bin")
	if err != nil || string(got) != "payload" {
		t.Fatalf("ReadFile = %q, %v", got, err)
	}
	info, err := m.Stat("/out/a.bin")
	if err != nil || info.Size() != 7 || info.IsDir() {
		t.Fatalf("Stat = %+v, %v", info, err)
	}
	if !m.Exists("/out") {
		t.Error("directory should exist")
	}
}

func TestCopyFile_Memory(t *testing.T) {
	m := NewMemoryFileSystem()
	m.WriteFile("/src/scan.pcd", []byte("cloud"))

	n, err := CopyFile(m, "/src/scan.pcd", "/dst/train/scan.pcd")
	if err != nil {
		t.Fatalf("CopyFile: %v", err)
	}
	if n != 5 {
		t.Errorf("copied %d bytes, want 5", n)
	}
	got, _ := m.ReadFile("/dst/train/scan.pcd")
	if string(got) != "cloud" {
		t.Errorf("dst = %q", got)
	}
	if _, err := CopyFile(m, "/src/missing", "/dst/x"); err == nil {
		t.Error("expected error for missing source")
	}
}

func TestCopyFile_OS(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.asc")
	if err := os.WriteFile(src, []byte("1;2;3"), 0o644); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(dir, "nested", "b.asc")
	if _, err := CopyFile(OSFileSystem{}, src, dst); err != nil {
		t.Fatalf("CopyFile: %v", err)
	}
	if !(OSFileSystem{}).Exists(dst) {
		t.Error("destination missing")
	}
}

func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rec.arrow")

	if err := WriteAtomic(path, 0o644, func(w io.Writer) error {
		_, err := io.WriteString(w, "v1")
		return err
	}); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}

	boom := errors.New("boom")
	err := WriteAtomic(path, 0o644, func(w io.Writer) error {
		io.WriteString(w, "partial")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "v1" {
		t.Errorf("failed write clobbered file: %q", got)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("temp file left behind: %d entries", len(entries))
	}
}

func TestWriteAtomic_MissingDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope", "rec.arrow")
	if err := WriteAtomic(path, 0o644, func(io.Writer) error { return nil }); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
