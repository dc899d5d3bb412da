package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pandeptwidyaop/formexport/internal/database"
)

// Preferences is a flat string key/value store.
type Preferences interface {
	GetAll(ctx context.Context) (map[string]string, error)
	PutAll(ctx context.Context, entries map[string]string) error
	RemoveAll(ctx context.Context, keys []string) error
}

// PreferenceService stores preferences in the preferences table.
type PreferenceService struct {
	db *database.DB
}

// NewPreferenceService creates a new PreferenceService instance.
func NewPreferenceService(db *database.DB) *PreferenceService {
	return &PreferenceService{db: db}
}

// Get returns the value stored under key.
func (s *PreferenceService) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM preferences WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// GetAll returns every stored preference.
func (s *PreferenceService) GetAll(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM preferences")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	entries := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		entries[key] = value
	}
	return entries, rows.Err()
}

// Put stores a single preference.
func (s *PreferenceService) Put(ctx context.Context, key, value string) error {
	return s.PutAll(ctx, map[string]string{key: value})
}

// PutAll upserts every entry in a single transaction.
func (s *PreferenceService) PutAll(ctx context.Context, entries map[string]string) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	for key, value := range entries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO preferences (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, key, value, now)
		if err != nil {
			return fmt.Errorf("put preference %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// RemoveAll deletes the given keys. Missing keys are ignored.
func (s *PreferenceService) RemoveAll(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, "DELETE FROM preferences WHERE key = ?", key); err != nil {
			return fmt.Errorf("remove preference %s: %w", key, err)
		}
	}
	return tx.Commit()
}
