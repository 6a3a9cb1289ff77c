package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rcourtman/hostaudit/internal/artifacts"
	"github.com/rcourtman/hostaudit/internal/catalog"
	"github.com/rcourtman/hostaudit/internal/config"
	auditerrors "github.com/rcourtman/hostaudit/internal/errors"
	"github.com/rcourtman/hostaudit/internal/history"
	"github.com/rcourtman/hostaudit/internal/logging"
	"github.com/rcourtman/hostaudit/internal/ssh/knownhosts"
	"github.com/rcourtman/hostaudit/internal/transport"
	"github.com/rs/zerolog/log"
)

// newDialer builds the transport used by audit and remediate. Tests replace
// it with an in-memory dialer.
var newDialer = func(cfg *config.Config) (transport.Dialer, error) {
	kh, err := knownhosts.NewManager(cfg.KnownHosts, knownhosts.WithTrustOnFirstUse(true))
	if err != nil {
		return nil, fmt.Errorf("known_hosts: %w", err)
	}
	return transport.NewSSHDialer(transport.SSHConfig{
		HostKeyCallback: kh.HostKeyCallback(),
		ConnectTimeout:  cfg.ConnectTimeout,
	}), nil
}

// app holds what every command shares.
type app struct {
	cfg       *config.Config
	store     history.Store
	catalog   *catalog.Reloader
	artifacts *artifacts.Store
	stop      []func()
}

func openApp(ctx context.Context) (*app, error) {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "hostaudit"})

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "hostaudit",
		FilePath:  cfg.LogFile,
		Compress:  true,
	})

	a := &app{cfg: cfg, artifacts: artifacts.New(cfg.ArtifactsDir())}

	if metricsAddrFlag != "" {
		cfg.MetricsAddr = metricsAddrFlag
	}
	if cfg.MetricsAddr != "" {
		stop, err := startMetricsServer(ctx, cfg.MetricsAddr)
		if err != nil {
			return nil, auditerrors.NewConfigurationError("metrics_server", err.Error())
		}
		a.stop = append(a.stop, stop)
	}

	reloader, err := catalog.NewReloader(cfg.PolicyFile)
	if err != nil {
		a.Close()
		return nil, auditerrors.NewConfigurationError("load_policy", err.Error())
	}
	if err := reloader.Start(); err != nil {
		log.Warn().Err(err).Str("file", cfg.PolicyFile).Msg("Policy hot reload unavailable")
	}
	a.catalog = reloader
	a.stop = append(a.stop, reloader.Stop)

	store, err := history.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open history: %w", err)
	}
	a.store = store
	a.stop = append(a.stop, func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close history store")
		}
	})

	log.Debug().
		Str("data_dir", cfg.DataDir).
		Str("db", cfg.DBPath).
		Int("checks", reloader.Catalog().Len()).
		Msg("hostaudit ready")
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.stop) - 1; i >= 0; i-- {
		a.stop[i]()
	}
	a.stop = nil
}

// hosts loads the host registry. It defaults to hosts.yaml in the data
// directory.
func (a *app) hosts() (*config.HostRegistry, error) {
	path := a.cfg.HostsFile
	if path == "" {
		path = filepath.Join(a.cfg.DataDir, "hosts.yaml")
	}
	reg, err := config.LoadHosts(path)
	if err != nil {
		return nil, auditerrors.NewConfigurationError("load_hosts", err.Error())
	}
	return reg, nil
}

func (a *app) dialer() (transport.Dialer, error) {
	return newDialer(a.cfg)
}
