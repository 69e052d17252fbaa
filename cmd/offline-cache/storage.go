package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/config"
)

func openStorage(cfg config.StorageConfig) (cache.Storage, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case config.BackendMemory:
		return cache.NewMemStorage(), nil
	case config.BackendValkey:
		storage, err := cache.NewValkeyStorage(cache.ValkeyConfig{
			Address:   cfg.Valkey.Address,
			Username:  cfg.Valkey.Username,
			Password:  cfg.Valkey.Password,
			DB:        cfg.Valkey.DB,
			Namespace: cfg.Valkey.Namespace,
		})
		if err != nil {
			return nil, err
		}
		return storage, nil
	case config.BackendSQLite, "":
		if dir := filepath.Dir(cfg.SQLite.File); cfg.SQLite.File != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
		return cache.NewSQLiteStorage(cfg.SQLite.File)
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}
