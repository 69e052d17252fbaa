package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// Config holds every option of the offline-cache server.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Worker  WorkerConfig  `koanf:"worker"`
	Storage StorageConfig `koanf:"storage"`
}

type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig sets the log level and the optional rotated log file.
type LoggingConfig struct {
	Level      string `koanf:"level"`
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"maxSizeMB"`
	MaxBackups int    `koanf:"maxBackups"`
	MaxAgeDays int    `koanf:"maxAgeDays"`
}

// WorkerConfig describes the worker version that is installed at startup.
type WorkerConfig struct {
	Version      string   `koanf:"version"`
	Prefix       string   `koanf:"prefix"`
	StaticStore  string   `koanf:"staticStore"`
	DynamicStore string   `koanf:"dynamicStore"`
	Origin       string   `koanf:"origin"`
	OriginHost   string   `koanf:"originHost"`
	Assets       []string `koanf:"assets"`
	AssetsFile   string   `koanf:"assetsFile"`
	// HoldWaiting keeps an installed worker waiting until a SKIP_WAITING message arrives.
	HoldWaiting bool         `koanf:"holdWaiting"`
	Routes      RoutesConfig `koanf:"routes"`
}

type RoutesConfig struct {
	NetworkFirstHosts    []string `koanf:"networkFirstHosts"`
	NetworkFirstPaths    []string `koanf:"networkFirstPaths"`
	CacheFirstExtensions []string `koanf:"cacheFirstExtensions"`
}

type StorageConfig struct {
	Backend string       `koanf:"backend"`
	SQLite  SQLiteConfig `koanf:"sqlite"`
	Valkey  ValkeyConfig `koanf:"valkey"`
}

type SQLiteConfig struct {
	File string `koanf:"file"`
}

type ValkeyConfig struct {
	Address   string `koanf:"address"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db"`
	Namespace string `koanf:"namespace"`
}

const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
	BackendValkey = "valkey"
)

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if _, err := zerolog.ParseLevel(c.Server.Logging.Level); err != nil {
		return fmt.Errorf("config: server.logging.level invalid: %w", err)
	}
	if c.Worker.Version == "" && (c.Worker.StaticStore == "" || c.Worker.DynamicStore == "") {
		return errors.New("config: worker.version required")
	}
	if c.Worker.StaticStore != "" && c.Worker.StaticStore == c.Worker.DynamicStore {
		return fmt.Errorf("config: worker.staticStore and worker.dynamicStore must differ: %s", c.Worker.StaticStore)
	}
	if c.Worker.Origin != "" {
		u, err := url.Parse(c.Worker.Origin)
		if err != nil {
			return fmt.Errorf("config: worker.origin invalid: %w", err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config: worker.origin must be an absolute http(s) URL: %s", c.Worker.Origin)
		}
	}
	switch strings.TrimSpace(strings.ToLower(c.Storage.Backend)) {
	case BackendSQLite, BackendMemory:
	case BackendValkey:
		if strings.TrimSpace(c.Storage.Valkey.Address) == "" {
			return errors.New("config: storage.valkey.address required for valkey backend")
		}
	default:
		return fmt.Errorf("config: storage.backend unsupported: %s", c.Storage.Backend)
	}
	return nil
}

// OriginURL returns the parsed origin, or nil if none is configured.
func (c WorkerConfig) OriginURL() (*url.URL, error) {
	if c.Origin == "" {
		return nil, nil
	}
	return url.Parse(c.Origin)
}

// DefaultConfig returns the baseline values.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:      "debug",
				MaxSizeMB:  100,
				MaxBackups: 3,
				MaxAgeDays: 28,
			},
		},
		Worker: WorkerConfig{
			Version: "v1",
			Routes: RoutesConfig{
				NetworkFirstHosts:    []string{"firebasestorage", "firestore"},
				NetworkFirstPaths:    []string{"testadmin.html"},
				CacheFirstExtensions: []string{".css", ".js", ".woff2"},
			},
		},
		Storage: StorageConfig{
			Backend: BackendSQLite,
			SQLite: SQLiteConfig{
				File: "cache.db",
			},
			Valkey: ValkeyConfig{
				Namespace: "offline-cache:",
			},
		},
	}
}
