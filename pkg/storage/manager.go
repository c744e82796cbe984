package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"weibocrawler/pkg/models"
)

// Manager lays out the per-account output directories under one root
type Manager struct {
	outputDir string
	created   map[string]bool
	mu        sync.Mutex
}

// NewManager creates a new storage manager rooted at outputDir
func NewManager(outputDir string) (*Manager, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &Manager{
		outputDir: outputDir,
		created:   make(map[string]bool),
	}, nil
}

// Owner returns the directory name of an account: its screen name, or its id
// when the name is unknown or useID is set
func Owner(user models.User, useID bool) string {
	name := user.ScreenName
	if useID || name == "" {
		name = user.ID
	}
	return strings.NewReplacer("/", "_", `\`, "_", "..", "_").Replace(name)
}

// AccountDir returns <root>/<owner>, creating it on first use
func (m *Manager) AccountDir(owner string) (string, error) {
	dir := filepath.Join(m.outputDir, owner)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.created[dir] {
		return dir, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create account directory: %w", err)
	}
	m.created[dir] = true
	return dir, nil
}

// ResultFile returns <root>/<owner>/<uid>.<ext>
func (m *Manager) ResultFile(owner, uid, ext string) (string, error) {
	dir, err := m.AccountDir(owner)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, uid+"."+ext), nil
}

// WriteFileAtomic replaces path with the content of r. The data goes to a
// temporary file in the same directory which is renamed over path.
func WriteFileAtomic(path string, r io.Reader) error {
	tempFile := path + ".tmp"
	out, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}

	_, err = io.Copy(out, r)
	if err == nil {
		err = out.Sync()
	}
	closeErr := out.Close()

	if err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to write data: %w", err)
	}
	if closeErr != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to close file: %w", closeErr)
	}

	if err := os.Rename(tempFile, path); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}
	return nil
}

// Root returns the output directory path
func (m *Manager) Root() string {
	return m.outputDir
}
