// state/store.go
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"trailguard/logs"
)

const positionSuffix = "_position.json"

// Store is the crash-safe file store for position records and instance
// descriptors. Files are addressed by (instanceKey, asset); every write
// goes to a temporary path first and is then renamed into place, so a
// crash mid-write never exposes a half-written document.
//
// No locking is needed: exactly one pass, and within it exactly one task,
// owns a given instance's files at a time.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// PositionPath returns the file path for one position record.
func (s *Store) PositionPath(instanceKey, asset string) string {
	return filepath.Join(s.dir, instanceKey, strings.ToUpper(asset)+positionSuffix)
}

// LoadPosition reads and migrates one position record. A missing file
// surfaces as an os.IsNotExist error. When migration upgrades a legacy
// document, the upgraded form is persisted immediately so the migration
// runs once, not on every read.
func (s *Store) LoadPosition(instanceKey, asset string) (*PositionRecord, error) {
	path := s.PositionPath(instanceKey, asset)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var rec PositionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode position record %s: %w", path, err)
	}

	migrated, err := migrate(&rec, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate position record %s: %w", path, err)
	}
	if migrated {
		logs.Infof("[Store] Migrated %s/%s record to schema v%d.", instanceKey, rec.Asset, rec.SchemaVersion)
		if err := s.SavePosition(instanceKey, &rec); err != nil {
			return nil, fmt.Errorf("failed to persist migrated record: %w", err)
		}
	}
	return &rec, nil
}

// SavePosition atomically persists one position record.
func (s *Store) SavePosition(instanceKey string, rec *PositionRecord) error {
	return s.writeAtomic(s.PositionPath(instanceKey, rec.Asset), rec)
}

// DeletePosition removes one position record file.
func (s *Store) DeletePosition(instanceKey, asset string) error {
	err := os.Remove(s.PositionPath(instanceKey, asset))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// LoadPositions reads every position record of one instance. Corrupt files
// are skipped with a warning so one bad document cannot abort a pass; the
// reconciliation controller surfaces them per asset via LoadPosition.
func (s *Store) LoadPositions(instanceKey string) ([]*PositionRecord, error) {
	pattern := filepath.Join(s.dir, instanceKey, "*"+positionSuffix)
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}

	records := make([]*PositionRecord, 0, len(paths))
	for _, path := range paths {
		asset := strings.TrimSuffix(filepath.Base(path), positionSuffix)
		rec, err := s.LoadPosition(instanceKey, asset)
		if err != nil {
			logs.Warnf("[Store] Skipping unreadable record %s: %v", path, err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// writeAtomic marshals v and writes it via temp-file-then-rename.
func (s *Store) writeAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal for saving: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temporary state file: %w", err)
	}
	return os.Rename(tmpPath, path)
}
