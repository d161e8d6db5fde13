package reconcile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ktsuji/deckhand/internal/domain"
)

// WriteHeartbeat replaces the heartbeat file atomically so the guardian
// never observes a partial write.
func WriteHeartbeat(path string, hb domain.Heartbeat) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create heartbeat directory: %w", err)
	}
	content, err := json.MarshalIndent(hb, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o644); err != nil { //nolint:gosec // heartbeat is world-readable diagnostics
		return fmt.Errorf("write heartbeat: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename heartbeat: %w", err)
	}
	return nil
}

// ReadHeartbeat loads the heartbeat file. A missing file returns (nil, nil)
// so callers can distinguish "never started" from a parse failure.
func ReadHeartbeat(path string) (*domain.Heartbeat, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read heartbeat: %w", err)
	}
	hb := &domain.Heartbeat{}
	if err := json.Unmarshal(content, hb); err != nil {
		return nil, fmt.Errorf("parse heartbeat: %w", err)
	}
	return hb, nil
}
