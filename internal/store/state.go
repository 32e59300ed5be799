// ABOUTME: Filesystem-backed StateStore with per-component namespace directories
// ABOUTME: Keys map to files under stateDir/<namespace>/<key>

package store

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

var stateKeyRe = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// validStateName rejects anything that is not a plain file name, including
// the "." and ".." path entries the key regex would otherwise admit.
func validStateName(name string) bool {
	if name == "." || name == ".." {
		return false
	}
	return stateKeyRe.MatchString(name)
}

// ErrInvalidKey is returned for state keys that are not plain file names.
var ErrInvalidKey = fmt.Errorf("invalid state key")

// FileStateStore persists opaque byte values as files under a root
// directory. Namespaces are subdirectories; keys are file names.
type FileStateStore struct {
	root string
}

// NewFileStateStore creates the root directory if absent.
func NewFileStateStore(root string) (*FileStateStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	return &FileStateStore{root: root}, nil
}

// Namespace returns a StateStore scoped to one component. The namespace must
// be a valid component name.
func (f *FileStateStore) Namespace(name string) (StateStore, error) {
	if !validStateName(name) {
		return nil, fmt.Errorf("%w: namespace %q", ErrInvalidKey, name)
	}
	dir := filepath.Join(f.root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating state namespace %s: %w", name, err)
	}
	return &fileNamespace{dir: dir}, nil
}

type fileNamespace struct {
	dir string
}

func (n *fileNamespace) path(key string) (string, error) {
	if !validStateName(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(n.dir, key), nil
}

func (n *fileNamespace) Put(key string, value []byte) error {
	p, err := n.path(key)
	if err != nil {
		return err
	}
	// Write-then-rename keeps a crashed write from corrupting the value.
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, value, 0600); err != nil {
		return fmt.Errorf("writing state %s: %w", key, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("committing state %s: %w", key, err)
	}
	return nil
}

func (n *fileNamespace) Get(key string) ([]byte, error) {
	p, err := n.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading state %s: %w", key, err)
	}
	return data, nil
}

func (n *fileNamespace) Delete(key string) error {
	p, err := n.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting state %s: %w", key, err)
	}
	return nil
}

func (n *fileNamespace) List() ([]string, error) {
	entries, err := os.ReadDir(n.dir)
	if err != nil {
		return nil, fmt.Errorf("listing state: %w", err)
	}

	var keys []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) == ".tmp" {
			continue
		}
		keys = append(keys, e.Name())
	}
	sort.Strings(keys)
	return keys, nil
}
