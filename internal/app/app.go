// Package app is the composition root: it wires configuration, logging,
// storage, and every service into one runnable application.
package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/oyi77/naver-smartstore-sub000/internal/common"
	"github.com/oyi77/naver-smartstore-sub000/internal/services/browser"
	"github.com/oyi77/naver-smartstore-sub000/internal/services/orchestrator"
	"github.com/oyi77/naver-smartstore-sub000/internal/services/profiles"
	"github.com/oyi77/naver-smartstore-sub000/internal/services/proxy"
	"github.com/oyi77/naver-smartstore-sub000/internal/services/results"
	"github.com/oyi77/naver-smartstore-sub000/internal/services/smartstore"
	"github.com/oyi77/naver-smartstore-sub000/internal/storage"
)

// App holds the wired application.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	Proxies      *proxy.Service
	Profiles     *profiles.Service
	Pool         *browser.Pool
	Results      *results.Store
	Orchestrator *orchestrator.Service
}

// New builds the application from configuration.
func New(config *common.Config) (*App, error) {
	logger := common.InitLogger(config)

	resultStore, err := results.NewStore(&config.Cache, logger)
	if err != nil {
		return nil, fmt.Errorf("result store init failed: %w", err)
	}

	proxies := proxy.NewService(&config.Proxy, &config.Origin, logger)
	profileService := profiles.NewService(&config.Profiles, logger)
	pool := browser.NewPool(&config.Browser, proxies, profileService, logger)

	stateStore := storage.NewStateStore(&config.State, logger)
	routines := smartstore.Routines(&config.Origin, resultStore, logger)
	orch := orchestrator.NewService(&config.Queue, pool, profileService, routines, resultStore, stateStore, logger)

	return &App{
		Config:       config,
		Logger:       logger,
		Proxies:      proxies,
		Profiles:     profileService,
		Pool:         pool,
		Results:      resultStore,
		Orchestrator: orch,
	}, nil
}

// Start brings the services up: proxy validation loop, browser pool, then
// the orchestrator (which flips the readiness bit once recovery is done).
func (a *App) Start(ctx context.Context) error {
	a.Proxies.Start(ctx)
	a.Pool.Start(ctx)

	if err := a.Orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("orchestrator start failed: %w", err)
	}

	a.Logger.Info().
		Str("version", common.VersionString()).
		Str("environment", a.Config.Environment).
		Msg("Application started")
	return nil
}

// Shutdown stops the services in reverse dependency order.
func (a *App) Shutdown(ctx context.Context) {
	if err := a.Orchestrator.Shutdown(); err != nil {
		a.Logger.Warn().Err(err).Msg("Orchestrator shutdown")
	}
	if err := a.Pool.Shutdown(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("Browser pool shutdown")
	}
	if err := a.Proxies.Shutdown(); err != nil {
		a.Logger.Warn().Err(err).Msg("Proxy inventory shutdown")
	}
	a.Results.Close()

	a.Logger.Info().Msg("Application stopped")
}
