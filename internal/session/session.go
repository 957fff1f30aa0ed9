package session

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/skeinweb/skein/internal/logging"
)

// Snapshot is the persisted browsing state: the top-level frame URLs in
// creation order and which of them held focus.
type Snapshot struct {
	SavedAt time.Time `json:"saved_at"`
	URLs    []string  `json:"urls"`
	Focused int       `json:"focused"`
}

// Store reads and writes one snapshot file.
type Store struct {
	path   string
	logger *logging.Logger
}

func NewStore(path string, logger *logging.Logger) *Store {
	return &Store{path: path, logger: logger.Named("session")}
}

// Path returns the snapshot file location.
func (s *Store) Path() string { return s.path }

// Save writes the snapshot as a temp file in the target directory, then
// renames it over the old one, so readers never see a partial file.
func (s *Store) Save(snap Snapshot) error {
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now()
	}
	data, err := sonic.Marshal(snap)
	if err != nil {
		return fmt.Errorf("session: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("session: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("session: %w", err)
	}

	s.logger.Info("session saved",
		zap.String("path", s.path),
		zap.Int("urls", len(snap.URLs)))
	return nil
}

// Load reads the snapshot back. A missing file surfaces as
// os.ErrNotExist so first runs can be told apart from corrupt files.
func (s *Store) Load() (Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("session: %w", err)
	}
	var snap Snapshot
	if err := sonic.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("session: unmarshal %s: %w", s.path, err)
	}
	if snap.Focused < 0 || snap.Focused >= len(snap.URLs) {
		snap.Focused = 0
	}
	return snap, nil
}
