package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const (
	tokenKeyAccess  = "access_token"
	tokenKeyRefresh = "refresh_token"
)

// SQLiteStore is the primary durable token store, a small key/value table in
// a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// auth_tokens table exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open token db: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS auth_tokens (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate token db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Save(ctx context.Context, tokens Tokens) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("token db tx: %w", err)
	}
	defer tx.Rollback()
	for key, value := range map[string]string{
		tokenKeyAccess:  tokens.AccessToken,
		tokenKeyRefresh: tokens.RefreshToken,
	} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO auth_tokens (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, value); err != nil {
			return fmt.Errorf("save token %s: %w", key, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Load(ctx context.Context) (Tokens, bool, error) {
	access, okAccess, err := s.get(ctx, tokenKeyAccess)
	if err != nil {
		return Tokens{}, false, err
	}
	refresh, okRefresh, err := s.get(ctx, tokenKeyRefresh)
	if err != nil {
		return Tokens{}, false, err
	}
	if !okAccess && !okRefresh {
		return Tokens{}, false, nil
	}
	return Tokens{AccessToken: access, RefreshToken: refresh}, true, nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM auth_tokens`)
	return err
}

func (s *SQLiteStore) get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM auth_tokens WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load token %s: %w", key, err)
	}
	return value, value != "", nil
}
