package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"all2api-go/internal/config"
	"all2api-go/internal/credlock"
	"all2api-go/internal/dispatch"
	"all2api-go/internal/health"
	"all2api-go/internal/logging"
	"all2api-go/internal/models"
	"all2api-go/internal/pool"
	"all2api-go/internal/provider"
	"all2api-go/internal/provider/agent"
	"all2api-go/internal/provider/antigravity"
	"all2api-go/internal/provider/kiro"
	"all2api-go/internal/provider/orchids"
	"all2api-go/internal/quota"
	"all2api-go/internal/refresh"
	"all2api-go/internal/scheduler"
	srv "all2api-go/internal/server"
	"all2api-go/internal/store"

	log "github.com/sirupsen/logrus"
)

func main() {
	cfg := config.Load()
	if err := logging.Setup(cfg); err != nil {
		log.WithError(err).Fatal("failed to configure logging")
	}
	log.Info("starting all2api")

	st, err := store.Open(cfg.MySQLDSN())
	if err != nil {
		log.WithError(err).Fatal("failed to open database")
	}

	healthReg := health.NewRegistry()
	locks := credlock.NewTable(cfg.DisableCredentialLock)
	if cfg.DisableCredentialLock {
		log.Warn("per-credential locking disabled; upstream quotas may be over-served")
	}
	poolMgr := pool.NewManager(healthReg, locks)

	upstreamClient := cfg.HTTPClient(cfg.UpstreamTimeout)
	refreshClient := cfg.HTTPClient(cfg.RefreshTimeout)

	refresher := refresh.NewService(st, healthReg, cfg.RefreshTimeout)
	refresher.Register(models.ProviderKiro, kiro.NewRefresher(refreshClient))
	refresher.Register(models.ProviderAntigravity, antigravity.NewRefresher(refreshClient))
	refresher.Register(models.ProviderOrchids, orchids.NewRefresher(refreshClient))
	refresher.Register(models.ProviderAgent, agent.NewRefresher())

	adapters := provider.NewRegistry()
	adapters.Register(kiro.New(upstreamClient))
	adapters.Register(antigravity.New(upstreamClient, antigravity.NewOnboarder(upstreamClient, st)))
	adapters.Register(orchids.New(cfg.WSConnectTimeout, cfg.WSMessageTimeout))
	adapters.Register(agent.New(upstreamClient))

	engine := dispatch.NewEngine(st, poolMgr, locks, healthReg, refresher, adapters)
	enforcer := quota.NewEnforcer(st)

	sched := scheduler.New(st, healthReg, refresher, adapters)
	sched.Start()
	defer sched.Stop()

	server := srv.New(cfg, st, enforcer, engine)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil {
		log.WithError(err).Error("server exited with error")
		os.Exit(1)
	}
}
