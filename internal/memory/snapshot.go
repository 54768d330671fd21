package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const snapshotLayout = "20060102T150405"

// Snapshot writes a timestamped full backup of the store into dir. Snapshots
// are taken before schema migrations and on demand via the meta tool.
func (s *Store) Snapshot(dir string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("snapshot dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("mimo-%s.badger.bak", time.Now().UTC().Format(snapshotLayout))
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	if _, err := s.db.Backup(f, 0); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

// PruneSnapshots removes backups older than the retention window.
func PruneSnapshots(dir string, retention time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-retention)
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "mimo-") || !strings.HasSuffix(name, ".badger.bak") {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, "mimo-"), ".badger.bak")
		ts, err := time.Parse(snapshotLayout, stamp)
		if err != nil {
			continue
		}
		if ts.Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, name)); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
