package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manager owns deployment working directories under a common root.
type Manager struct {
	root string
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: root}, nil
}

// Root returns the workspace root directory.
func (m *Manager) Root() string {
	return m.root
}

// Sanitize maps a name onto a path-safe token: lower-cased, with every
// character outside [a-z0-9] replaced by underscore. The result can
// never contain a separator or traversal sequence.
func Sanitize(name string) string {
	if name == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// DirFor returns the working directory path for one deployment. The id
// suffix keeps identical repository names apart.
func (m *Manager) DirFor(repoName, id string) string {
	return filepath.Join(m.root, Sanitize(repoName)+"_"+Sanitize(id))
}

// Prepare creates dir fresh, removing any leftover content first.
func (m *Manager) Prepare(dir string) error {
	if err := m.contains(dir); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	return nil
}

// Cleanup removes dir. Only directories within the configured root are
// eligible.
func (m *Manager) Cleanup(dir string) error {
	if dir == "" {
		return nil
	}
	if err := m.contains(dir); err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func (m *Manager) contains(dir string) error {
	rel, err := filepath.Rel(m.root, dir)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to touch path outside workspace root: %s", dir)
	}
	return nil
}
