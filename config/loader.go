package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective configuration, including the assets of the asset manifest.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(DefaultConfig()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.logging.maxsizemb":           "server.logging.maxSizeMB",
			"server.logging.maxbackups":          "server.logging.maxBackups",
			"server.logging.maxagedays":          "server.logging.maxAgeDays",
			"worker.staticstore":                 "worker.staticStore",
			"worker.dynamicstore":                "worker.dynamicStore",
			"worker.originhost":                  "worker.originHost",
			"worker.assetsfile":                  "worker.assetsFile",
			"worker.holdwaiting":                 "worker.holdWaiting",
			"worker.routes.networkfirsthosts":    "worker.routes.networkFirstHosts",
			"worker.routes.networkfirstpaths":    "worker.routes.networkFirstPaths",
			"worker.routes.cachefirstextensions": "worker.routes.cacheFirstExtensions",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (WORKER__VERSION -> worker.version).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			key = strings.ToLower(strings.ReplaceAll(key, "_", ""))
			if mapped, ok := canonical[key]; ok {
				return mapped
			}
			return key
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.Worker.AssetsFile != "" {
		assets, err := LoadAssets(cfg.Worker.AssetsFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Worker.Assets = append(cfg.Worker.Assets, assets...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":      cfg.Server.Logging.Level,
				"file":       cfg.Server.Logging.File,
				"maxSizeMB":  cfg.Server.Logging.MaxSizeMB,
				"maxBackups": cfg.Server.Logging.MaxBackups,
				"maxAgeDays": cfg.Server.Logging.MaxAgeDays,
			},
		},
		"worker": map[string]any{
			"version":      cfg.Worker.Version,
			"prefix":       cfg.Worker.Prefix,
			"staticStore":  cfg.Worker.StaticStore,
			"dynamicStore": cfg.Worker.DynamicStore,
			"origin":       cfg.Worker.Origin,
			"originHost":   cfg.Worker.OriginHost,
			"assets":       cfg.Worker.Assets,
			"assetsFile":   cfg.Worker.AssetsFile,
			"holdWaiting":  cfg.Worker.HoldWaiting,
			"routes": map[string]any{
				"networkFirstHosts":    cfg.Worker.Routes.NetworkFirstHosts,
				"networkFirstPaths":    cfg.Worker.Routes.NetworkFirstPaths,
				"cacheFirstExtensions": cfg.Worker.Routes.CacheFirstExtensions,
			},
		},
		"storage": map[string]any{
			"backend": cfg.Storage.Backend,
			"sqlite": map[string]any{
				"file": cfg.Storage.SQLite.File,
			},
			"valkey": map[string]any{
				"address":   cfg.Storage.Valkey.Address,
				"username":  cfg.Storage.Valkey.Username,
				"password":  cfg.Storage.Valkey.Password,
				"db":        cfg.Storage.Valkey.DB,
				"namespace": cfg.Storage.Valkey.Namespace,
			},
		},
	}
}
