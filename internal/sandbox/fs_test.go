package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func testFS(t *testing.T) *FS {
	t.Helper()
	f, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new sandbox: %v", err)
	}
	return f
}

func TestResolve(t *testing.T) {
	f := testFS(t)

	tests := []struct {
		name    string
		path    string
		wantErr bool
		outside bool
	}{
		{name: "plain relative", path: "notes.txt"},
		{name: "nested relative", path: "docs/guide/intro.md"},
		{name: "dot segments that stay inside", path: "docs/../notes.txt"},
		{name: "absolute inside root", path: filepath.Join(f.Root(), "notes.txt")},
		{name: "empty", path: "", wantErr: true},
		{name: "blank", path: "   ", wantErr: true},
		{name: "parent escape", path: "../outside.txt", wantErr: true, outside: true},
		{name: "deep parent escape", path: "docs/../../outside.txt", wantErr: true, outside: true},
		{name: "absolute outside root", path: "/etc/passwd", wantErr: true, outside: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			abs, err := f.Resolve(tt.path)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Resolve(%q) = %q, want error", tt.path, abs)
				}
				if tt.outside && !errors.Is(err, ErrOutsideRoot) {
					t.Fatalf("Resolve(%q) err = %v, want ErrOutsideRoot", tt.path, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(%q): %v", tt.path, err)
			}
			if !strings.HasPrefix(abs, f.Root()) {
				t.Fatalf("Resolve(%q) = %q, not under root %q", tt.path, abs, f.Root())
			}
		})
	}
}

func TestResolve_SymlinkEscape(t *testing.T) {
	outside := t.TempDir()
	f := testFS(t)

	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("secret"), 0o644); err != nil {
		t.Fatalf("write outside file: %v", err)
	}

	t.Run("link to outside file", func(t *testing.T) {
		link := filepath.Join(f.Root(), "leak.txt")
		if err := os.Symlink(filepath.Join(outside, "secret.txt"), link); err != nil {
			t.Skipf("symlinks unavailable: %v", err)
		}
		if _, err := f.Resolve("leak.txt"); !errors.Is(err, ErrOutsideRoot) {
			t.Fatalf("Resolve through escaping link err = %v, want ErrOutsideRoot", err)
		}
	})

	t.Run("link to outside dir", func(t *testing.T) {
		link := filepath.Join(f.Root(), "leakdir")
		if err := os.Symlink(outside, link); err != nil {
			t.Skipf("symlinks unavailable: %v", err)
		}
		if _, err := f.Resolve("leakdir/secret.txt"); !errors.Is(err, ErrOutsideRoot) {
			t.Fatalf("Resolve through escaping dir link err = %v, want ErrOutsideRoot", err)
		}
	})

	t.Run("link inside root is fine", func(t *testing.T) {
		target := filepath.Join(f.Root(), "real.txt")
		if err := os.WriteFile(target, []byte("ok"), 0o644); err != nil {
			t.Fatalf("write target: %v", err)
		}
		link := filepath.Join(f.Root(), "alias.txt")
		if err := os.Symlink(target, link); err != nil {
			t.Skipf("symlinks unavailable: %v", err)
		}
		if _, err := f.Resolve("alias.txt"); err != nil {
			t.Fatalf("Resolve of internal link: %v", err)
		}
	})
}

func TestWriteFile(t *testing.T) {
	f := testFS(t)

	t.Run("creates file and parents", func(t *testing.T) {
		res, err := f.WriteFile("docs/notes.txt", "hello\n")
		if err != nil {
			t.Fatalf("write: %v", err)
		}
		if res.Path != "docs/notes.txt" {
			t.Fatalf("path = %q, want docs/notes.txt", res.Path)
		}
		if res.Existed || res.Previous != "" {
			t.Fatalf("result = %+v, want fresh file with no pre-image", res)
		}
		data, err := os.ReadFile(filepath.Join(f.Root(), "docs", "notes.txt"))
		if err != nil {
			t.Fatalf("read back: %v", err)
		}
		if string(data) != "hello\n" {
			t.Fatalf("content = %q", data)
		}
	})

	t.Run("overwrite captures pre-image", func(t *testing.T) {
		res, err := f.WriteFile("docs/notes.txt", "hello world\n")
		if err != nil {
			t.Fatalf("write: %v", err)
		}
		if !res.Existed {
			t.Fatal("Existed = false for overwrite")
		}
		if res.Previous != "hello\n" {
			t.Fatalf("Previous = %q, want hello\\n", res.Previous)
		}
	})

	t.Run("escape rejected", func(t *testing.T) {
		if _, err := f.WriteFile("../evil.txt", "x"); !errors.Is(err, ErrOutsideRoot) {
			t.Fatalf("err = %v, want ErrOutsideRoot", err)
		}
	})

	t.Run("no temp files left behind", func(t *testing.T) {
		leftovers, err := filepath.Glob(filepath.Join(f.Root(), "docs", ".agentd-*"))
		if err != nil {
			t.Fatalf("glob: %v", err)
		}
		if len(leftovers) != 0 {
			t.Fatalf("temp files remain: %v", leftovers)
		}
	})
}

func TestWriteFile_ConcurrentSamePath(t *testing.T) {
	f := testFS(t)

	var wg sync.WaitGroup
	contents := []string{"one\n", "two\n", "three\n", "four\n", "five\n"}
	for _, c := range contents {
		wg.Add(1)
		go func(c string) {
			defer wg.Done()
			if _, err := f.WriteFile("shared.txt", c); err != nil {
				t.Errorf("write %q: %v", c, err)
			}
		}(c)
	}
	wg.Wait()

	data, err := os.ReadFile(filepath.Join(f.Root(), "shared.txt"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	found := false
	for _, c := range contents {
		if string(data) == c {
			found = true
		}
	}
	if !found {
		t.Fatalf("final content %q is not any writer's content", data)
	}
}

func TestReadFile(t *testing.T) {
	f := testFS(t)
	if _, err := f.WriteFile("a.txt", "alpha"); err != nil {
		t.Fatalf("write: %v", err)
	}

	data, rel, err := f.ReadFile("a.txt")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rel != "a.txt" || string(data) != "alpha" {
		t.Fatalf("read = (%q, %q)", data, rel)
	}

	if _, _, err := f.ReadFile("missing.txt"); err == nil {
		t.Fatal("read of missing file succeeded")
	}
	if _, _, err := f.ReadFile("../../etc/passwd"); !errors.Is(err, ErrOutsideRoot) {
		t.Fatalf("err = %v, want ErrOutsideRoot", err)
	}
}

func TestListTree(t *testing.T) {
	f := testFS(t)
	files := []string{"b.txt", "a.txt", "docs/guide.md", "node_modules/dep/index.js", ".hidden/x.txt"}
	for _, p := range files {
		full := filepath.Join(f.Root(), filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	entries, truncated, err := f.ListTree(0)
	if err != nil {
		t.Fatalf("list tree: %v", err)
	}
	if truncated {
		t.Fatal("truncated = true under the cap")
	}

	var paths []string
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	want := []string{"a.txt", "b.txt", "docs", "docs/guide.md"}
	if len(paths) != len(want) {
		t.Fatalf("paths = %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("paths[%d] = %q, want %q", i, paths[i], want[i])
		}
	}

	t.Run("cap sets truncated", func(t *testing.T) {
		entries, truncated, err := f.ListTree(2)
		if err != nil {
			t.Fatalf("list tree: %v", err)
		}
		if !truncated {
			t.Fatal("truncated = false at the cap")
		}
		if len(entries) != 2 {
			t.Fatalf("len = %d, want 2", len(entries))
		}
	})
}

func TestIsBinary(t *testing.T) {
	if IsBinary([]byte("plain text\nwith lines\n")) {
		t.Fatal("text flagged as binary")
	}
	if !IsBinary([]byte{0x89, 'P', 'N', 'G', 0x00, 0x01}) {
		t.Fatal("NUL bytes not flagged as binary")
	}
	if IsBinary(nil) {
		t.Fatal("empty data flagged as binary")
	}
}
