// Package blob stores raw and merged audio artifacts on the local
// filesystem. Refs are sanitized file names relative to the store root, so
// the layout is shared across sessions but partitioned by deterministic
// per-session naming.
package blob

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrInvalidRef is returned for refs that escape the store root.
var ErrInvalidRef = errors.New("invalid blob ref")

type FSStore struct {
	root string
	mu   sync.Mutex
}

func NewFSStore(root string) (*FSStore, error) {
	if strings.TrimSpace(root) == "" {
		root = filepath.Join("data", "recordings")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory %s: %w", root, err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) Root() string {
	return s.root
}

// Put writes data under name and returns the ref. An existing blob with the
// same name is overwritten; a failed write removes the partial file.
func (s *FSStore) Put(name string, data []byte) (string, error) {
	ref, path, err := s.resolve(name)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write blob %s: %w", ref, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("finalize blob %s: %w", ref, err)
	}

	return ref, nil
}

func (s *FSStore) Get(ref string) ([]byte, error) {
	_, path, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", ref, err)
	}
	return data, nil
}

func (s *FSStore) Size(ref string) (int64, error) {
	_, path, err := s.resolve(ref)
	if err != nil {
		return 0, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat blob %s: %w", ref, err)
	}
	return info.Size(), nil
}

func (s *FSStore) Delete(ref string) error {
	_, path, err := s.resolve(ref)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob %s: %w", ref, err)
	}
	return nil
}

// AbsPath returns the absolute path for a ref so external tools (ffmpeg)
// can read and write blobs directly.
func (s *FSStore) AbsPath(ref string) (string, error) {
	_, path, err := s.resolve(ref)
	if err != nil {
		return "", err
	}
	return path, nil
}

func (s *FSStore) resolve(name string) (ref, path string, err error) {
	clean := filepath.Clean(strings.TrimSpace(name))
	if clean == "" || clean == "." || clean == ".." ||
		strings.Contains(clean, "..") || filepath.IsAbs(clean) ||
		strings.ContainsRune(clean, filepath.Separator) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRef, name)
	}

	abs, err := filepath.Abs(filepath.Join(s.root, clean))
	if err != nil {
		return "", "", fmt.Errorf("resolve blob %s: %w", clean, err)
	}
	return clean, abs, nil
}
