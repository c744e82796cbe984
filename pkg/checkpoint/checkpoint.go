package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"weibocrawler/pkg/boundary"
	"weibocrawler/pkg/config"
	"weibocrawler/pkg/logger"
)

const currentVersion = 1

// Checkpoint is the persisted cursor of one account
type Checkpoint struct {
	UserID     string    `json:"user_id"`
	ScreenName string    `json:"screen_name"`
	LastID     string    `json:"last_id"`
	LastDate   time.Time `json:"last_date"`
	// StartDate is when the run that wrote this checkpoint began
	StartDate time.Time `json:"start_date"`
	Fetched   int       `json:"fetched"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int       `json:"version"`
}

// Cursor returns the boundary cursor recorded by the checkpoint
func (c *Checkpoint) Cursor() boundary.Cursor {
	if c == nil {
		return boundary.Cursor{}
	}
	return boundary.Cursor{ID: c.LastID, Date: c.LastDate}
}

// Manager handles checkpoint operations
type Manager struct {
	dir    string
	logger logger.Logger
}

// NewManager creates a manager storing checkpoints in dir, or in the XDG data
// directory when dir is empty
func NewManager(dir string) (*Manager, error) {
	if dir == "" {
		dir = filepath.Join(xdg.DataHome, config.AppName, "checkpoints")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoints directory: %w", err)
	}
	return &Manager{
		dir:    dir,
		logger: logger.GetLogger(),
	}, nil
}

// Dir returns the directory holding the checkpoint files
func (m *Manager) Dir() string { return m.dir }

func (m *Manager) path(userID string) string {
	return filepath.Join(m.dir, userID+".checkpoint.json")
}

// Load loads the checkpoint of an account. It returns nil without error when
// none exists.
func (m *Manager) Load(userID string) (*Checkpoint, error) {
	file, err := os.Open(m.path(userID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var cp Checkpoint
	if err := json.NewDecoder(file).Decode(&cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	if cp.Version > currentVersion {
		return nil, fmt.Errorf("checkpoint version %d is newer than supported version %d", cp.Version, currentVersion)
	}

	m.logger.DebugWithFields("Checkpoint loaded", map[string]interface{}{
		"user_id": cp.UserID,
		"last_id": cp.LastID,
	})
	return &cp, nil
}

// Record stores the cursor of a completed run for an account
func (m *Manager) Record(userID, screenName string, cursor boundary.Cursor, started time.Time, fetched int) (*Checkpoint, error) {
	cp, err := m.Load(userID)
	if err != nil {
		m.logger.WithError(err).Warn("Discarding unreadable checkpoint")
		cp = nil
	}
	if cp == nil {
		cp = &Checkpoint{UserID: userID, CreatedAt: time.Now()}
	}
	cp.ScreenName = screenName
	cp.LastID = cursor.ID
	cp.LastDate = cursor.Date
	cp.StartDate = started
	cp.Fetched = fetched
	if err := m.Save(cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// Save saves the checkpoint to disk atomically
func (m *Manager) Save(cp *Checkpoint) error {
	cp.UpdatedAt = time.Now()
	cp.Version = currentVersion
	target := m.path(cp.UserID)

	tempPath := target + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temporary checkpoint file: %w", err)
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(cp); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync checkpoint file: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close checkpoint file: %w", err)
	}

	if err := os.Rename(tempPath, target); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace checkpoint file: %w", err)
	}

	m.logger.DebugWithFields("Checkpoint saved", map[string]interface{}{
		"user_id": cp.UserID,
		"last_id": cp.LastID,
		"fetched": cp.Fetched,
	})
	return nil
}

// Delete removes the checkpoint of an account
func (m *Manager) Delete(userID string) error {
	if err := os.Remove(m.path(userID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	m.logger.InfoWithFields("Checkpoint deleted", map[string]interface{}{"user_id": userID})
	return nil
}

// Exists checks if a checkpoint exists for an account
func (m *Manager) Exists(userID string) bool {
	_, err := os.Stat(m.path(userID))
	return err == nil
}
