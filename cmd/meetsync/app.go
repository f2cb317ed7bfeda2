package main

import (
	"io"
	"os"

	"github.com/kimhsiao/meetsync/internal/config"
	"github.com/kimhsiao/meetsync/internal/db"
	"github.com/kimhsiao/meetsync/internal/logging"
	syncengine "github.com/kimhsiao/meetsync/internal/sync"
	"github.com/kimhsiao/meetsync/internal/sync/connector"
	"github.com/kimhsiao/meetsync/internal/sync/scheduler"
)

// app is the composition root shared by every command.
type app struct {
	loader   *config.Loader
	cfg      *config.Config
	database *db.DB
	engine   *syncengine.Engine
	logSink  io.Closer
}

// openApp loads configuration, opens the store and builds the engine.
func openApp(configPath string) (*app, error) {
	loader, err := config.NewLoader(configPath)
	if err != nil {
		return nil, err
	}
	cfg := loader.Config()

	a := &app{loader: loader, cfg: cfg}
	a.setupLogging()

	a.database, err = db.OpenAndMigrate(cfg.DataDir)
	if err != nil {
		a.close()
		return nil, err
	}

	conn, err := newConnector(cfg)
	if err != nil {
		a.close()
		return nil, err
	}

	opts := syncengine.Options{
		DB:              a.database.DB,
		Strategy:        cfg.Strategy(),
		MaxAttempts:     cfg.Sync.MaxAttempts,
		MaxQueueSize:    cfg.Sync.MaxQueueSize,
		PushTimeout:     cfg.Sync.PushTimeout,
		PullCollections: cfg.Sync.PullCollections,
		Scheduler: &scheduler.Config{
			SyncInterval:  cfg.Sync.Interval,
			ProbeInterval: cfg.Sync.ProbeInterval,
			ProbeTimeout:  cfg.Remote.Timeout,
		},
	}
	// A nil *HTTPConnector must not become a non-nil interface.
	if conn != nil {
		opts.Connector = conn
	}

	a.engine, err = syncengine.NewEngine(opts)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) setupLogging() {
	level, _ := logging.ParseLevel(a.cfg.Log.Level)
	if a.cfg.Log.File != "" {
		a.logSink = logging.InitFile(a.cfg.Log.File, level, a.cfg.Log.MaxSizeMB, a.cfg.Log.MaxBackups)
		return
	}
	logging.Init(os.Stderr, level)
}

// newConnector returns nil when no remote is configured.
func newConnector(cfg *config.Config) (*connector.HTTPConnector, error) {
	if !cfg.RemoteConfigured() {
		return nil, nil
	}
	return connector.NewHTTPConnector(connector.HTTPConfig{
		BaseURL:   cfg.Remote.BaseURL,
		Token:     cfg.Remote.Token,
		Timeout:   cfg.Remote.Timeout,
		UserAgent: "meetsync/" + Version,
	})
}

func (a *app) close() {
	if a.engine != nil {
		a.engine.Stop()
	}
	if a.database != nil {
		if err := a.database.Close(); err != nil {
			logging.Warn("Failed to close database", map[string]interface{}{"error": err.Error()})
		}
	}
	if a.logSink != nil {
		a.logSink.Close()
	}
}
