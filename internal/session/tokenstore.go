package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Tokens is the persisted credential pair.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// TokenStore persists a token pair across process restarts. The resolver
// writes every fresh session to two independent stores so either can seed
// session restoration.
type TokenStore interface {
	Save(ctx context.Context, tokens Tokens) error
	Load(ctx context.Context) (Tokens, bool, error)
	Clear(ctx context.Context) error
}

// FileStore keeps the token pair in a JSON file with owner-only permissions.
// It is the secondary recovery path next to the SQLite store.
type FileStore struct {
	path string
}

// NewFileStore constructs a file-backed token store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Save(_ context.Context, tokens Tokens) error {
	data, err := json.Marshal(tokens)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("token file dir: %w", err)
		}
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}

func (s *FileStore) Load(_ context.Context) (Tokens, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Tokens{}, false, nil
		}
		return Tokens{}, false, fmt.Errorf("read token file: %w", err)
	}
	var tokens Tokens
	if err := json.Unmarshal(data, &tokens); err != nil {
		// Corrupt file counts as absent, not fatal.
		return Tokens{}, false, nil
	}
	if tokens.AccessToken == "" && tokens.RefreshToken == "" {
		return Tokens{}, false, nil
	}
	return tokens, true, nil
}

func (s *FileStore) Clear(_ context.Context) error {
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
