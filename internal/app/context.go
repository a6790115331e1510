package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"genesis/internal/config"
)

// ResolveConfig returns the effective world config for a workspace. The
// genesis.yml file wins when present; otherwise the copy stored alongside
// the world is used, seeding defaults on first contact so every command
// sees the same world.
func ResolveConfig(ctx context.Context, db *sql.DB, workspace string) (*config.Config, error) {
	if cfg, err := config.LoadOptional(workspace); err != nil {
		return nil, err
	} else if cfg != nil {
		if err := storeConfig(ctx, db, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	var raw string
	err := db.QueryRowContext(ctx, `SELECT config_json FROM world_configs WHERE world_id=1`).Scan(&raw)
	if err == sql.ErrNoRows {
		cfg := config.Default()
		if err := storeConfig(ctx, db, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("stored world config is corrupt: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("stored world config: %w", err)
	}
	return &cfg, nil
}

func storeConfig(ctx context.Context, db *sql.DB, cfg *config.Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = db.ExecContext(ctx, `INSERT INTO world_configs(world_id,config_json,created_at,updated_at) VALUES (1,?,?,?)
ON CONFLICT(world_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, string(data), now, now)
	return err
}
