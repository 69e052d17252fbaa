package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/config"
	"github.com/always-cache/offline-cache/metrics"
	"github.com/always-cache/offline-cache/server"

	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	hostFlag           string
	dbFilenameFlag     string
	versionFlag        string
	holdWaitingFlag    bool
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	buildVersion string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on (overrides config)")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to; forward proxy if empty (overrides config)")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin (overrides config)")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB file name (use 'memory' for in-memory storage)")
	flag.StringVar(&versionFlag, "version", "", "Worker version, part of the store names (overrides config)")
	flag.BoolVar(&holdWaitingFlag, "hold-waiting", false, "Keep the installed worker waiting until it receives SKIP_WAITING (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if buildVersion == "" {
		buildVersion = "DEV"
	}
}

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.NewLoader("OFFLINE_CACHE", configFilenameFlag).Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	applyFlags(&cfg, setFlags())
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	logger, logFile := newLogger(cfg.Server.Logging, verbosityTraceFlag)
	if logFile != nil {
		defer logFile.Close()
	}
	log.Logger = logger

	storage, err := openStorage(cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Storage.Backend).Msg("Could not open storage")
	}
	defer storage.Close()

	recorder := metrics.NewRecorder(nil)
	workerConfig, err := newWorkerConfig(cfg.Worker)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid worker config")
	}
	workerConfig.Storage = storage
	workerConfig.Metrics = recorder
	workerConfig.Logger = &logger

	worker, err := offlinecache.New(workerConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create worker")
	}
	registration := offlinecache.NewRegistration(nil, &logger)
	if err := registration.Update(ctx, worker); err != nil {
		log.Fatal().Err(err).Msg("Could not install worker")
	}

	handler := server.NewRouter(server.Options{
		Registration: registration,
		Storage:      storage,
		Metrics:      recorder,
		Logger:       &logger,
	})
	srv, err := server.New(cfg.Server.Listen.Address, cfg.Server.Listen.Port, handler, logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create server")
	}
	log.Info().Msgf("Serving port %v with origin '%s' (with hostname '%s')",
		cfg.Server.Listen.Port, cfg.Worker.Origin, cfg.Worker.OriginHost)
	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Server stopped")
	}
}

// setFlags returns the names of the flags given on the command line.
func setFlags() map[string]bool {
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	return set
}

// applyFlags overrides config values with the flags given on the command line.
func applyFlags(cfg *config.Config, set map[string]bool) {
	if set["port"] {
		cfg.Server.Listen.Port = portFlag
	}
	if set["origin"] {
		cfg.Worker.Origin = originFlag
	}
	if set["host"] {
		cfg.Worker.OriginHost = hostFlag
	}
	if set["version"] {
		cfg.Worker.Version = versionFlag
	}
	if set["hold-waiting"] {
		cfg.Worker.HoldWaiting = holdWaitingFlag
	}
	if set["log-file"] {
		cfg.Server.Logging.File = logFilenameFlag
	}
	if set["db"] {
		if dbFilenameFlag == "memory" {
			cfg.Storage.Backend = config.BackendMemory
		} else {
			cfg.Storage.Backend = config.BackendSQLite
			cfg.Storage.SQLite.File = dbFilenameFlag
		}
	}
}

func newWorkerConfig(cfg config.WorkerConfig) (offlinecache.Config, error) {
	wc := offlinecache.Config{
		Version:          cfg.Version,
		Prefix:           cfg.Prefix,
		StaticStoreName:  cfg.StaticStore,
		DynamicStoreName: cfg.DynamicStore,
		Assets:           cfg.Assets,
		OriginHost:       cfg.OriginHost,
		HoldWaiting:      cfg.HoldWaiting,
		Routes: &offlinecache.Routes{
			NetworkFirstHosts:    cfg.Routes.NetworkFirstHosts,
			NetworkFirstPaths:    cfg.Routes.NetworkFirstPaths,
			CacheFirstExtensions: cfg.Routes.CacheFirstExtensions,
		},
	}
	origin, err := cfg.OriginURL()
	if err != nil {
		return wc, err
	}
	if origin != nil {
		wc.OriginURL = *origin
	}
	return wc, nil
}
