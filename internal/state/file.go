package state

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sync"

	"github.com/vitalis-app/governor/internal/faults"
	"github.com/vitalis-app/governor/internal/fileutil"
	"github.com/vitalis-app/governor/internal/models"
)

// FileStore keeps the state in a single JSON file replaced by write-rename.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFile returns a store backed by path. The file is created on the first
// commit.
func NewFile(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Backend() string { return "file" }

// Path returns the state file location.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(_ context.Context) (models.ControllerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.ControllerState{}, ErrNotFound
		}
		return models.ControllerState{}, faults.New(faults.PersistenceUnavailable, "read "+s.path, err)
	}
	return Decode(data)
}

func (s *FileStore) Commit(_ context.Context, st models.ControllerState) error {
	data, err := Encode(st)
	if err != nil {
		return faults.New(faults.PersistenceUnavailable, "commit", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fileutil.WriteRename(s.path, data, 0o600); err != nil {
		return faults.New(faults.PersistenceUnavailable, "commit", err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
