package db

import (
	"context"
	"database/sql"
	stderrors "errors"
)

// SettingsRepository stores opaque configuration blobs by key.
type SettingsRepository struct {
	db *DB
}

// NewSettingsRepository creates a new settings repository.
func NewSettingsRepository(db *DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Get returns the value stored under key; found is false when absent.
func (r *SettingsRepository) Get(ctx context.Context, key string) (value string, found bool, err error) {
	err = r.db.GetContext(ctx, &value, `SELECT value FROM app_settings WHERE key = $1`, key)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, sanitizeDBError("get setting", err)
	}
	return value, true, nil
}

// Set stores value under key, replacing any previous value.
func (r *SettingsRepository) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO app_settings (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		key, value)
	if err != nil {
		return sanitizeDBError("set setting", err)
	}
	return nil
}

// List returns every stored setting ordered by key.
func (r *SettingsRepository) List(ctx context.Context) ([]Setting, error) {
	settings := []Setting{}
	if err := r.db.SelectContext(ctx, &settings, `SELECT key, value, updated_at FROM app_settings ORDER BY key`); err != nil {
		return nil, sanitizeDBError("list settings", err)
	}
	return settings, nil
}
