// Package local archives raw pages on the local filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory archived pages are written under.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes objects below a base directory. All file access goes
// through an os.Root so keys cannot escape it.
type BlobStore struct {
	baseDir string
	root    *os.Root
}

// New creates the base directory if needed and checks it is writable.
func New(cfg Config) (*BlobStore, error) {
	baseDir := strings.TrimSpace(cfg.BaseDir)
	if baseDir == "" {
		return nil, errors.New("base directory is required")
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}

	info, err := os.Stat(abs)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if mkErr := os.MkdirAll(abs, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory %s is not a directory", abs)
	}

	root, err := os.OpenRoot(abs)
	if err != nil {
		return nil, fmt.Errorf("open base directory: %w", err)
	}
	const marker = ".writable_test"
	if err := root.WriteFile(marker, []byte("ok"), 0o600); err != nil {
		_ = root.Close()
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := root.Remove(marker); err != nil {
		_ = root.Close()
		return nil, fmt.Errorf("remove marker file: %w", err)
	}
	return &BlobStore{baseDir: abs, root: root}, nil
}

// PutObject writes data to key and returns a file:// URI. The object appears
// atomically: it is written to a temporary sibling and renamed into place.
func (s *BlobStore) PutObject(ctx context.Context, key string, _ string, data io.Reader) (uri string, err error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("path is required")
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	clean := path.Clean(strings.ReplaceAll(key, "\\", "/"))
	if !filepath.IsLocal(clean) {
		return "", fmt.Errorf("path %q escapes the base directory", key)
	}
	if dir := path.Dir(clean); dir != "." {
		if err := s.root.MkdirAll(dir, 0o750); err != nil {
			return "", fmt.Errorf("create parent directories: %w", err)
		}
	}

	tmp := clean + ".part"
	f, err := s.root.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", tmp, err)
	}
	defer func() {
		if err != nil {
			_ = s.root.Remove(tmp)
		}
	}()
	if _, err = io.Copy(f, data); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write %s: %w", key, err)
	}
	if err = f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", key, err)
	}
	if err = s.root.Rename(tmp, clean); err != nil {
		return "", fmt.Errorf("rename %s: %w", key, err)
	}
	return "file://" + filepath.Join(s.baseDir, filepath.FromSlash(clean)), nil
}

// Close releases the directory handle.
func (s *BlobStore) Close() error {
	return s.root.Close()
}
