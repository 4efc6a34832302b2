// Package store implements the save store (§4.9): an opaque
// save/load/list contract over a session.Snapshot, grounded on the
// teacher's pkg/persistence (FileStore + AtomicWriteFile + FileLock):
// YAML serialization, atomic temp-file-then-rename writes, and
// flock-based locking, adapted from arbitrary game-data blobs to one
// session snapshot per save slot.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tacticsengine/pkg/session"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Entry describes one save slot without loading its full snapshot, for
// listing (§4.9: "list() -> [{slot, name, savedAt, summary}]").
type Entry struct {
	Slot    string
	Name    string
	SavedAt time.Time
	Summary string
}

// SaveStore is the contract the router/cmd layer saves and loads
// sessions through; it is deliberately opaque to the combat engine core
// (§4.9: "Opaque to the core").
type SaveStore interface {
	Save(slot, name string, snap session.Snapshot) error
	Load(slot string) (session.Snapshot, bool, error)
	List() ([]Entry, error)
}

// record is the on-disk envelope for one save slot, carrying the
// display fields alongside the snapshot so List never needs to decode
// every full snapshot just to summarize it.
type record struct {
	Name    string           `yaml:"name"`
	SavedAt time.Time        `yaml:"savedAt"`
	Summary string           `yaml:"summary"`
	Snap    session.Snapshot `yaml:"snapshot"`
}

// FileStore is the reference SaveStore: one YAML file per slot under a
// data directory, written atomically and locked against concurrent
// writers.
type FileStore struct {
	dataDir string
	mu      sync.RWMutex
	log     *logrus.Entry
}

// NewFileStore creates a FileStore rooted at dataDir, creating it if
// necessary.
func NewFileStore(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create save directory: %w", err)
	}
	return &FileStore{dataDir: dataDir, log: logrus.WithField("component", "store")}, nil
}

func (fs *FileStore) path(slot string) string {
	return filepath.Join(fs.dataDir, slot+".yaml")
}

// Save writes snap under slot, overwriting any existing save there.
func (fs *FileStore) Save(slot, name string, snap session.Snapshot) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	path := fs.path(slot)
	lock, err := newFileLock(path)
	if err != nil {
		return fmt.Errorf("save %s: %w", slot, err)
	}
	defer lock.Close()
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("save %s: %w", slot, err)
	}

	rec := record{Name: name, SavedAt: snap.SavedAt, Summary: summarize(snap), Snap: snap}
	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("save %s: marshal: %w", slot, err)
	}
	if err := atomicWriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("save %s: %w", slot, err)
	}
	fs.log.WithField("slot", slot).Info("session saved")
	return nil
}

// Load reads slot, reporting (zero, false, nil) if no save exists there.
func (fs *FileStore) Load(slot string) (session.Snapshot, bool, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	path := fs.path(slot)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return session.Snapshot{}, false, nil
	}

	lock, err := newFileLock(path)
	if err != nil {
		return session.Snapshot{}, false, fmt.Errorf("load %s: %w", slot, err)
	}
	defer lock.Close()
	if err := lock.Lock(); err != nil {
		return session.Snapshot{}, false, fmt.Errorf("load %s: %w", slot, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return session.Snapshot{}, false, fmt.Errorf("load %s: read: %w", slot, err)
	}
	var rec record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return session.Snapshot{}, false, fmt.Errorf("load %s: unmarshal: %w", slot, err)
	}
	return rec.Snap, true, nil
}

// List enumerates every save slot in the data directory.
func (fs *FileStore) List() ([]Entry, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	matches, err := filepath.Glob(filepath.Join(fs.dataDir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("list save slots: %w", err)
	}
	entries := make([]Entry, 0, len(matches))
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			fs.log.WithError(err).WithField("path", m).Warn("skipping unreadable save file")
			continue
		}
		var rec record
		if err := yaml.Unmarshal(data, &rec); err != nil {
			fs.log.WithError(err).WithField("path", m).Warn("skipping corrupt save file")
			continue
		}
		slot := filepath.Base(m)
		slot = slot[:len(slot)-len(filepath.Ext(slot))]
		entries = append(entries, Entry{Slot: slot, Name: rec.Name, SavedAt: rec.SavedAt, Summary: rec.Summary})
	}
	return entries, nil
}

func summarize(snap session.Snapshot) string {
	return fmt.Sprintf("%d units, %d history entries", len(snap.InitialUnits), len(snap.History))
}
