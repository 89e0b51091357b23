package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/moneybench/arena/internal/domain"
)

// Manager owns cycle-specific build directories under a common root.
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

// Materialize writes an artifact set into an isolated directory keyed by
// cycle id and returns the directory path. Paths escaping the directory are
// rejected; submissions are untrusted.
func (m *Manager) Materialize(set domain.ArtifactSet) (string, error) {
	if set.CycleID == "" {
		return "", fmt.Errorf("artifact set missing cycle id")
	}
	dir := filepath.Join(m.root, set.CycleID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	for _, f := range set.Files {
		target, err := securePath(dir, f.Path)
		if err != nil {
			return "", err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return "", fmt.Errorf("create artifact directory: %w", err)
		}
		if err := os.WriteFile(target, f.Content, 0o644); err != nil {
			return "", fmt.Errorf("write artifact file %s: %w", f.Path, err)
		}
	}
	return dir, nil
}

// Cleanup removes a workspace directory. Only paths within the configured
// root are removable.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}

// CleanupByCycle removes the workspace for the given cycle.
func (m *Manager) CleanupByCycle(cycleID string) error {
	if cycleID == "" {
		return fmt.Errorf("cycle id cannot be empty")
	}
	return m.Cleanup(filepath.Join(m.root, cycleID))
}

func securePath(dir, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if cleaned == "." || filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("artifact path %q escapes workspace", name)
	}
	return filepath.Join(dir, cleaned), nil
}
