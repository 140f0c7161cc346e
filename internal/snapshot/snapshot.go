// Package snapshot persists the experience store as a plain JSON artifact
// and restores it with full fidelity: a load of a save reproduces the exact
// insertion order, and therefore identical retrieval results.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/memprobe/internal/experience"
)

// FileName is the snapshot artifact inside the snapshot directory.
const FileName = "experiences.json"

// formatVersion is the snapshot format this build reads and writes.
const formatVersion = 1

type document struct {
	Version int                 `json:"version"`
	SavedAt time.Time           `json:"saved_at"`
	Records []experience.Record `json:"records"`
}

// Save writes the store's records to dir/experiences.json. The write is
// atomic: content goes to a temp sibling first and is renamed over the
// destination, so a crash mid-save never corrupts an existing snapshot.
func Save(store *experience.Store, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating snapshot dir: %w", err)
	}

	doc := document{
		Version: formatVersion,
		SavedAt: time.Now().UTC(),
		Records: store.All(),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling snapshot: %w", err)
	}

	path := filepath.Join(dir, FileName)
	tmpPath := path + ".tmp." + uuid.NewString()

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("creating temp snapshot: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

// Load reads dir/experiences.json into a fresh store. It returns the fully
// loaded store or an error, never a partial subset: any invalid record fails
// the whole load.
func Load(dir string) (*experience.Store, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing snapshot %s: %w", path, err)
	}
	if doc.Version != formatVersion {
		return nil, fmt.Errorf("snapshot version %d not supported, want %d", doc.Version, formatVersion)
	}

	store := experience.NewStore()
	for i, rec := range doc.Records {
		if err := store.Add(rec); err != nil {
			return nil, fmt.Errorf("snapshot record %d (%s): %w", i, rec.ID, err)
		}
	}
	return store, nil
}

// Exists reports whether a snapshot artifact is present in dir.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, FileName))
	return err == nil
}
