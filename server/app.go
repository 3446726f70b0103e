package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/gorilla/mux"

	"wiresync/config"
	"wiresync/internal/coordinator"
	"wiresync/internal/db"
	"wiresync/internal/health"
	"wiresync/internal/logs"
	"wiresync/internal/repo"
	"wiresync/internal/rpc"
	"wiresync/internal/vpn/wireguard"
)

type peerStore interface {
	coordinator.Registry
	health.Pinger
	Migrate(ctx context.Context) error
}

// App: роль координатора.
type App struct {
	cfg    *config.Config
	store  peerStore
	svc    *coordinator.Service
	Router *mux.Router
}

func (a *App) Initialize(cfg *config.Config) error {
	a.cfg = cfg
	if err := cfg.ValidateCoordinator(); err != nil {
		return err
	}

	/* 1) Логи */
	if err := logs.Init(logs.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	}); err != nil {
		return err
	}

	/* 2) Реестр: БД или память */
	if drv := cfg.Database.Driver; drv != "" {
		dsn, err := cfg.DatabaseDSN()
		if err != nil {
			return err
		}
		d, err := db.Open(drv, dsn)
		if err != nil {
			return fmt.Errorf("db open failed: %w", err)
		}
		a.store = repo.NewPeerStore(d)
	} else {
		logs.Logger.Warn("database.driver is empty: registry is in memory and is lost on restart")
		a.store = repo.NewMemPeerStore()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.store.Migrate(ctx); err != nil {
		return fmt.Errorf("db migrate failed: %w", err)
	}

	/* 3) Сервис */
	subnet, err := cfg.Subnet()
	if err != nil {
		return err
	}
	codec, err := rpc.ParseCodec(cfg.RPC.Codec)
	if err != nil {
		return err
	}
	a.svc, err = coordinator.New(a.store, wireguard.Keys{}, rpc.AgentDialer{Codec: codec, Timeout: cfg.Propagation.PushTimeout}, coordinator.Options{
		Subnet:       subnet,
		ReserveFirst: cfg.Network.ReserveFirst,
		Keepalive:    cfg.Network.Keepalive,
		PushTimeout:  cfg.Propagation.PushTimeout,
		TotalTimeout: cfg.Propagation.TotalTimeout,
		Concurrency:  cfg.Propagation.Concurrency,
	})
	if err != nil {
		return err
	}

	/* 4) Router + middleware */
	a.Router = newRouter()
	health.RegisterRoutesWithPinger(a.Router, a.store) // /healthz, /readyz
	rpc.RegisterCoordinator(a.Router, a.svc)
	logRoutes(a.Router)

	logs.Logger.WithField("subnet", subnet.String()).Info("coordinator initialized")
	return nil
}

func (a *App) Run(ctx context.Context) error {
	if a.Router == nil || a.cfg == nil {
		return fmt.Errorf("server not initialized")
	}
	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)
	// рассылка внутри запроса ограничена total_timeout
	return serve(ctx, bind, a.Router, a.cfg.Propagation.TotalTimeout+15*time.Second)
}
