package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/starford/rhizocam/internal/apperr"
	"github.com/starford/rhizocam/internal/models"
)

const versionPrefix = "v"

// FS implements Materializer backed by the local file system.
//
// Layout: <root>/<logical path>/v<N>. Each logical path is a directory and
// each version an immutable file inside it.
type FS struct {
	root  string // absolute path to blob directory
	locks pathLocks
}

// NewFS creates a new FS materializer rooted at the given directory,
// creating it if needed.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("blob: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create root: %w", err)
	}
	return &FS{root: abs, locks: pathLocks{m: make(map[string]*pathLock)}}, nil
}

// Root returns the absolute blob directory.
func (f *FS) Root() string {
	return f.root
}

// safePath resolves a logical path against the blob root and rejects
// any result that escapes it (directory traversal).
func (f *FS) safePath(rel string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(rel))
	if rel == "" || cleaned == "." {
		return "", fmt.Errorf("blob: empty path")
	}
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("blob: absolute paths not allowed: %s", rel)
	}
	abs := filepath.Join(f.root, cleaned)
	if !strings.HasPrefix(abs, f.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("blob: path escapes root: %s", rel)
	}
	return abs, nil
}

// CleanPath returns the canonical slash-separated form of a logical path.
func CleanPath(rel string) string {
	return filepath.ToSlash(filepath.Clean(filepath.FromSlash(rel)))
}

// Store writes payload as version N+1 of suggestedPath: tmp file → fsync → rename.
// Concurrent writers to the same path are serialized.
func (f *FS) Store(ctx context.Context, payload []byte, suggestedPath string) (models.StoredPath, error) {
	if err := ctx.Err(); err != nil {
		return models.StoredPath{}, err
	}
	dir, err := f.safePath(suggestedPath)
	if err != nil {
		return models.StoredPath{}, err
	}
	logical := CleanPath(suggestedPath)

	unlock := f.locks.lock(logical)
	defer unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return models.StoredPath{}, ioErr("mkdir", err)
	}
	versions, err := listVersions(dir)
	if err != nil {
		return models.StoredPath{}, err
	}
	next := 1
	if len(versions) > 0 {
		next = versions[len(versions)-1] + 1
	}

	tmp, err := os.CreateTemp(dir, ".rhizocam-tmp-*")
	if err != nil {
		return models.StoredPath{}, ioErr("create temp", err)
	}
	tmpName := tmp.Name()

	// Clean up on any failure path.
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(payload); err != nil {
		return models.StoredPath{}, ioErr("write temp", err)
	}
	if err := tmp.Sync(); err != nil {
		return models.StoredPath{}, ioErr("fsync", err)
	}
	if err := tmp.Close(); err != nil {
		return models.StoredPath{}, ioErr("close temp", err)
	}
	dst := filepath.Join(dir, versionPrefix+strconv.Itoa(next))
	if err := os.Rename(tmpName, dst); err != nil {
		return models.StoredPath{}, ioErr("rename", err)
	}
	success = true
	return models.StoredPath{Path: logical, Version: next}, nil
}

// Retrieve returns the bytes of a stored version.
func (f *FS) Retrieve(ctx context.Context, p models.StoredPath) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := f.safePath(p.Path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, versionPrefix+strconv.Itoa(p.Version)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("blob: %s: %w", p, apperr.ErrNotFound)
		}
		return nil, ioErr("read "+p.String(), err)
	}
	return data, nil
}

// Versions lists every stored version of path, oldest first.
func (f *FS) Versions(path string) ([]models.BlobVersion, error) {
	dir, err := f.safePath(path)
	if err != nil {
		return nil, err
	}
	nums, err := listVersions(dir)
	if err != nil {
		return nil, err
	}
	logical := CleanPath(path)
	out := make([]models.BlobVersion, 0, len(nums))
	for _, n := range nums {
		info, err := os.Stat(filepath.Join(dir, versionPrefix+strconv.Itoa(n)))
		if err != nil {
			return nil, ioErr("stat", err)
		}
		out = append(out, models.BlobVersion{
			StoredPath: models.StoredPath{Path: logical, Version: n},
			Size:       info.Size(),
			CreatedAt:  info.ModTime(),
		})
	}
	return out, nil
}

// Latest returns the newest version of path or apperr.ErrNotFound.
func (f *FS) Latest(path string) (models.StoredPath, error) {
	dir, err := f.safePath(path)
	if err != nil {
		return models.StoredPath{}, err
	}
	nums, err := listVersions(dir)
	if err != nil {
		return models.StoredPath{}, err
	}
	if len(nums) == 0 {
		return models.StoredPath{}, fmt.Errorf("blob: %s: %w", path, apperr.ErrNotFound)
	}
	return models.StoredPath{Path: CleanPath(path), Version: nums[len(nums)-1]}, nil
}

// listVersions returns the sorted version numbers present in dir.
// A missing directory has no versions.
func listVersions(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, ioErr("list versions", err)
	}
	var out []int
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), versionPrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), versionPrefix))
		if err != nil || n < 1 {
			continue
		}
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}

func ioErr(op string, err error) error {
	return fmt.Errorf("blob: %s: %w: %w", op, apperr.ErrStorageIO, err)
}

// pathLocks hands out one mutex per logical path and forgets it once
// no goroutine holds or waits for it.
type pathLocks struct {
	mu sync.Mutex
	m  map[string]*pathLock
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

func (l *pathLocks) lock(path string) (unlock func()) {
	l.mu.Lock()
	pl, ok := l.m[path]
	if !ok {
		pl = &pathLock{}
		l.m[path] = pl
	}
	pl.refs++
	l.mu.Unlock()

	pl.mu.Lock()
	return func() {
		pl.mu.Unlock()
		l.mu.Lock()
		pl.refs--
		if pl.refs == 0 {
			delete(l.m, path)
		}
		l.mu.Unlock()
	}
}
