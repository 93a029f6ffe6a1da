// Package sandbox confines agent file access to a single workspace root.
// Paths from tool input are resolved against the root and refused when they
// escape it, whether through "..", absolute paths, or symlinks. Mutations
// are serialized per path and written atomically.
package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrOutsideRoot is returned for any path that resolves outside the
// workspace root.
var ErrOutsideRoot = errors.New("path escapes workspace")

// hiddenDirs is the set of directory names skipped during tree walks.
var hiddenDirs = map[string]bool{
	".git": true, ".hg": true, ".svn": true, ".idea": true, ".vscode": true,
	"node_modules": true, "__pycache__": true, ".DS_Store": true,
}

// FS is the sandboxed filesystem rooted at a workspace directory.
type FS struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates the workspace directory if needed and returns a sandbox
// rooted at its symlink-resolved absolute path.
func New(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	return &FS{root: resolved, locks: make(map[string]*sync.Mutex)}, nil
}

// Root returns the absolute workspace root.
func (f *FS) Root() string { return f.root }

// Resolve maps a tool-supplied path to an absolute path inside the root.
// The lexical path is checked first, then its symlink-resolved form, so a
// link inside the workspace cannot reach outside it.
func (f *FS) Resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	cand := filepath.FromSlash(path)
	if !filepath.IsAbs(cand) {
		cand = filepath.Join(f.root, cand)
	}
	cand = filepath.Clean(cand)
	if !f.contains(cand) {
		return "", ErrOutsideRoot
	}
	resolved, err := resolveExisting(cand)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	if !f.contains(resolved) {
		return "", ErrOutsideRoot
	}
	return cand, nil
}

// Rel converts an absolute path inside the root to the workspace-relative
// form used in versions, events, and tool output.
func (f *FS) Rel(abs string) (string, error) {
	rel, err := filepath.Rel(f.root, abs)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

func (f *FS) contains(abs string) bool {
	if abs == f.root {
		return true
	}
	return strings.HasPrefix(abs, f.root+string(os.PathSeparator))
}

// resolveExisting resolves symlinks in the deepest existing ancestor of p
// and rejoins the not-yet-existing remainder, so paths about to be created
// are still checked.
func resolveExisting(p string) (string, error) {
	remainder := ""
	cur := p
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(resolved, remainder), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		remainder = filepath.Join(filepath.Base(cur), remainder)
		cur = parent
	}
}

// pathLock returns the mutex serializing mutations of one absolute path.
func (f *FS) pathLock(abs string) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	lk, ok := f.locks[abs]
	if !ok {
		lk = &sync.Mutex{}
		f.locks[abs] = lk
	}
	return lk
}

// ReadFile reads a workspace file.
func (f *FS) ReadFile(path string) ([]byte, string, error) {
	abs, err := f.Resolve(path)
	if err != nil {
		return nil, "", err
	}
	rel, err := f.Rel(abs)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, rel, fmt.Errorf("reading %s: %w", rel, err)
	}
	return data, rel, nil
}

// Stat stats a workspace path.
func (f *FS) Stat(path string) (os.FileInfo, error) {
	abs, err := f.Resolve(path)
	if err != nil {
		return nil, err
	}
	return os.Stat(abs)
}

// WriteResult carries the pre-image captured under the path lock before a
// mutation landed.
type WriteResult struct {
	Path     string // workspace-relative, forward slashes
	Existed  bool
	Previous string
}

// WriteFile replaces a workspace file's content. The previous content is
// read under the path lock, the new content goes to a temp file in the
// target directory, is synced, and renamed into place. Parent directories
// are created as needed.
func (f *FS) WriteFile(path, content string) (*WriteResult, error) {
	return f.Update(path, func(string, bool) (string, error) {
		return content, nil
	})
}

// Update transforms a workspace file's content. transform receives the
// current content and whether the file existed; the path lock is held
// across read, transform, and rename, so the pre-image in the result is
// exactly what transform saw.
func (f *FS) Update(path string, transform func(prev string, existed bool) (string, error)) (*WriteResult, error) {
	abs, err := f.Resolve(path)
	if err != nil {
		return nil, err
	}
	rel, err := f.Rel(abs)
	if err != nil {
		return nil, err
	}

	lk := f.pathLock(abs)
	lk.Lock()
	defer lk.Unlock()

	var prev string
	existed := false
	if data, err := os.ReadFile(abs); err == nil {
		prev = string(data)
		existed = true
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading %s: %w", rel, err)
	}

	content, err := transform(prev, existed)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directories: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".agentd-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		cleanup()
		return nil, fmt.Errorf("writing %s: %w", rel, err)
	}
	// sync before rename so the content survives a crash after the rename
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return nil, fmt.Errorf("syncing %s: %w", rel, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return nil, fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return nil, fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		cleanup()
		return nil, fmt.Errorf("writing %s: %w", rel, err)
	}

	return &WriteResult{Path: rel, Existed: existed, Previous: prev}, nil
}

// TreeEntry is one node in a workspace listing.
type TreeEntry struct {
	Path string `json:"path"`
	Dir  bool   `json:"dir"`
	Size int64  `json:"size,omitempty"`
}

// ListTree walks the workspace and returns its entries sorted by path,
// skipping dotfiles and generated directories. The second return reports
// whether the listing hit maxEntries (default 500).
func (f *FS) ListTree(maxEntries int) ([]TreeEntry, bool, error) {
	if maxEntries <= 0 {
		maxEntries = 500
	}

	var entries []TreeEntry
	truncated := false
	errLimit := errors.New("limit")

	walkErr := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if path == f.root {
				return nil
			}
			if strings.HasPrefix(name, ".") || hiddenDirs[name] {
				return filepath.SkipDir
			}
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}

		rel, relErr := f.Rel(path)
		if relErr != nil || rel == "." {
			return nil
		}

		entry := TreeEntry{Path: rel, Dir: d.IsDir()}
		if !d.IsDir() {
			if info, infoErr := d.Info(); infoErr == nil {
				entry.Size = info.Size()
			}
		}
		entries = append(entries, entry)
		if len(entries) >= maxEntries {
			return errLimit
		}
		return nil
	})
	if walkErr == errLimit {
		truncated = true
	} else if walkErr != nil {
		return nil, false, walkErr
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, truncated, nil
}

// IsBinary reports whether data looks like binary content.
func IsBinary(data []byte) bool {
	check := data
	if len(check) > 512 {
		check = check[:512]
	}
	for _, b := range check {
		if b == 0 {
			return true
		}
	}
	return false
}
