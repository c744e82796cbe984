package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"weibocrawler/pkg/boundary"
)

func TestCheckpointManager(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	t.Run("LoadMissing", func(t *testing.T) {
		cp, err := mgr.Load("1669879400")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if cp != nil {
			t.Errorf("Expected nil checkpoint, got %+v", cp)
		}
		if mgr.Exists("1669879400") {
			t.Error("Expected no checkpoint to exist")
		}
		if got := cp.Cursor(); !got.IsZero() {
			t.Errorf("Expected zero cursor from nil checkpoint, got %+v", got)
		}
	})

	t.Run("RecordAndLoad", func(t *testing.T) {
		date := time.Date(2024, 3, 14, 8, 30, 0, 0, time.UTC)
		started := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
		_, err := mgr.Record("1669879400", "Dear-迪丽热巴", boundary.Cursor{ID: "5001", Date: date}, started, 20)
		if err != nil {
			t.Fatalf("Failed to record checkpoint: %v", err)
		}

		loaded, err := mgr.Load("1669879400")
		if err != nil {
			t.Fatalf("Failed to load checkpoint: %v", err)
		}
		if loaded == nil {
			t.Fatal("Expected checkpoint, got nil")
		}
		cursor := loaded.Cursor()
		if cursor.ID != "5001" || !cursor.Date.Equal(date) {
			t.Errorf("Unexpected cursor %+v", cursor)
		}
		if loaded.Fetched != 20 {
			t.Errorf("Expected fetched 20, got %d", loaded.Fetched)
		}
		if loaded.Version != currentVersion {
			t.Errorf("Expected version %d, got %d", currentVersion, loaded.Version)
		}
	})

	t.Run("RecordKeepsCreatedAt", func(t *testing.T) {
		first, err := mgr.Load("1669879400")
		if err != nil || first == nil {
			t.Fatalf("Failed to load checkpoint: %v", err)
		}
		second, err := mgr.Record("1669879400", "renamed", boundary.Cursor{ID: "5009"}, time.Now(), 1)
		if err != nil {
			t.Fatalf("Failed to record checkpoint: %v", err)
		}
		if !second.CreatedAt.Equal(first.CreatedAt) {
			t.Errorf("Expected created_at to survive, got %v want %v", second.CreatedAt, first.CreatedAt)
		}
		if second.ScreenName != "renamed" || second.LastID != "5009" {
			t.Errorf("Unexpected checkpoint %+v", second)
		}
	})

	t.Run("NoTempFileLeft", func(t *testing.T) {
		matches, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
		if len(matches) != 0 {
			t.Errorf("Temporary files left behind: %v", matches)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := mgr.Delete("1669879400"); err != nil {
			t.Fatalf("Failed to delete checkpoint: %v", err)
		}
		if mgr.Exists("1669879400") {
			t.Error("Expected checkpoint to be gone")
		}
		if err := mgr.Delete("1669879400"); err != nil {
			t.Errorf("Deleting a missing checkpoint should succeed, got %v", err)
		}
	})
}

func TestLoadRejectsNewerVersion(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "42.checkpoint.json"), []byte(`{"user_id":"42","version":99}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Load("42"); err == nil {
		t.Error("Expected error for unsupported version")
	}
}

func TestLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "42.checkpoint.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Load("42"); err == nil {
		t.Error("Expected decode error")
	}

	// Record overwrites an unreadable checkpoint
	cp, err := mgr.Record("42", "alice", boundary.Cursor{ID: "7"}, time.Now(), 3)
	if err != nil {
		t.Fatalf("Failed to record over corrupt checkpoint: %v", err)
	}
	if cp.LastID != "7" {
		t.Errorf("Expected last id 7, got %s", cp.LastID)
	}
}
