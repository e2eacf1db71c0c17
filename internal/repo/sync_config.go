package repo

import (
	"context"
	"database/sql"

	"okrsync/internal/domain"
)

// UpsertSyncConfig replaces the endpoint singleton.
func (r Repo) UpsertSyncConfig(ctx context.Context, cfg domain.SyncConfig) error {
	auto := 0
	if cfg.AutoSyncEnabled {
		auto = 1
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sync_config(id,endpoint_url,key_prefix,signing_secret,auto_sync_enabled,sync_interval_ms,updated_at) VALUES (1,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET endpoint_url=excluded.endpoint_url, key_prefix=excluded.key_prefix, signing_secret=excluded.signing_secret,
auto_sync_enabled=excluded.auto_sync_enabled, sync_interval_ms=excluded.sync_interval_ms, updated_at=excluded.updated_at`,
		cfg.EndpointURL, cfg.KeyPrefix, cfg.SigningSecret, auto, cfg.SyncIntervalMs, cfg.UpdatedAt)
	return err
}

// GetSyncConfig returns the singleton, or ErrNotFound when never configured.
func (r Repo) GetSyncConfig(ctx context.Context) (domain.SyncConfig, error) {
	var cfg domain.SyncConfig
	var auto int
	err := r.DB.QueryRowContext(ctx, `SELECT endpoint_url,key_prefix,signing_secret,auto_sync_enabled,sync_interval_ms,updated_at FROM sync_config WHERE id=1`).
		Scan(&cfg.EndpointURL, &cfg.KeyPrefix, &cfg.SigningSecret, &auto, &cfg.SyncIntervalMs, &cfg.UpdatedAt)
	if err == sql.ErrNoRows {
		return cfg, ErrNotFound
	}
	if err != nil {
		return cfg, err
	}
	cfg.AutoSyncEnabled = auto != 0
	return cfg, nil
}

// ClearSyncConfig removes the singleton, which also stops auto-scheduling.
func (r Repo) ClearSyncConfig(ctx context.Context) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM sync_config WHERE id=1`)
	return err
}
