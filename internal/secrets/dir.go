package secrets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Dir reads one secret per file from a directory, the layout used by
// mounted Kubernetes and Docker secrets.
type Dir struct {
	root string
}

func NewDir(root string) (*Dir, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("secrets: %s is not a directory", root)
	}
	return &Dir{root: root}, nil
}

func (d *Dir) Get(_ context.Context, key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", fmt.Errorf("secrets: invalid key %q", key)
	}
	data, err := os.ReadFile(filepath.Join(d.root, key))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("secrets: read %s: %w", key, err)
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrNotFound, key)
	}
	return v, nil
}
