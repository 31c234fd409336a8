// Package identity persists the signed-in user across process restarts.
// The record is read once at startup and written after login or register.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/whisper/inbox/internal/protocol"
)

// ErrNotFound is returned by Load when no identity is stored.
var ErrNotFound = errors.New("identity: not found")

// Store loads and saves the current user.
type Store interface {
	Load(ctx context.Context) (protocol.User, error)
	Save(ctx context.Context, u protocol.User) error
	Clear(ctx context.Context) error
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*RedisStore)(nil)
)

// FileStore keeps the identity as a JSON file readable only by the owner.
type FileStore struct {
	path string
}

// NewFileStore returns a FileStore at path. The parent directory is created
// on first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// DefaultFilePath returns the identity file under the user config directory.
func DefaultFilePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "inbox", "identity.json")
}

func (s *FileStore) Load(ctx context.Context) (protocol.User, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return protocol.User{}, ErrNotFound
	}
	if err != nil {
		return protocol.User{}, fmt.Errorf("identity: read %s: %w", s.path, err)
	}

	var u protocol.User
	if err := json.Unmarshal(data, &u); err != nil {
		return protocol.User{}, fmt.Errorf("identity: decode %s: %w", s.path, err)
	}
	if u.ID == "" {
		return protocol.User{}, ErrNotFound
	}
	return u, nil
}

// Save writes the identity atomically through a temp file and rename.
func (s *FileStore) Save(ctx context.Context, u protocol.User) error {
	if u.ID == "" {
		return errors.New("identity: user has no id")
	}
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("identity: encode: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("identity: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".identity-*")
	if err != nil {
		return fmt.Errorf("identity: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("identity: chmod: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("identity: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("identity: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("identity: rename: %w", err)
	}
	return nil
}

func (s *FileStore) Clear(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("identity: remove %s: %w", s.path, err)
	}
	return nil
}
