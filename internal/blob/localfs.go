package blob

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Store is the orchestrator's view of image/overlay storage: save bytes,
// get back an opaque ref, delete by ref.
type Store interface {
	Save(name string, r io.Reader) (string, error)
	Delete(ref string) error
}

// LocalFS stores blobs under a root directory. The ref is the path
// relative to the root.
type LocalFS struct {
	root string
}

func NewLocalFS(root string) (*LocalFS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blob root: %w", err)
	}
	return &LocalFS{root: root}, nil
}

func (s *LocalFS) Save(name string, r io.Reader) (string, error) {
	ref := filepath.ToSlash(filepath.Clean(name))
	if ref == "." || strings.HasPrefix(ref, "..") {
		return "", fmt.Errorf("invalid blob name %q", name)
	}

	path := filepath.Join(s.root, filepath.FromSlash(ref))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return ref, nil
}

func (s *LocalFS) Delete(ref string) error {
	ref = filepath.ToSlash(filepath.Clean(ref))
	if ref == "." || strings.HasPrefix(ref, "..") {
		return fmt.Errorf("invalid blob ref %q", ref)
	}
	err := os.Remove(filepath.Join(s.root, filepath.FromSlash(ref)))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
