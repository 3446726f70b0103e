package server

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"wiresync/config"
	"wiresync/internal/agent"
	"wiresync/internal/health"
	"wiresync/internal/logs"
	"wiresync/internal/models"
	"wiresync/internal/rpc"
	"wiresync/internal/vpn/wireguard"
)

// AgentApp: роль агента на пире (режим listen).
type AgentApp struct {
	cfg        *config.Config
	svc        *agent.Service
	reconciler *agent.Reconciler
	Router     *mux.Router
}

func (a *AgentApp) Initialize(cfg *config.Config) error {
	a.cfg = cfg
	if err := cfg.ValidateAgent(true); err != nil {
		return err
	}
	if err := logs.Init(logs.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	}); err != nil {
		return err
	}

	key, err := agent.LoadKeyMaterial(cfg.Agent.PrivateKey, cfg.Agent.KeyFile, cfg.Agent.GenerateKey)
	if err != nil {
		return err
	}
	reloader, err := wireguard.NewReloader(cfg.Agent.Reloader, cfg.Agent.Interface)
	if err != nil {
		return err
	}
	codec, err := rpc.ParseCodec(cfg.RPC.Codec)
	if err != nil {
		return err
	}

	a.svc = agent.NewService(agent.NewFileStore(cfg.ConfigPath()), reloader, key)
	coord := rpc.NewCoordinatorClient(cfg.Agent.Coordinator, codec, cfg.RPC.Timeout)
	a.reconciler = agent.NewReconciler(coord, a.svc, agent.Identity{
		Endpoint:      cfg.Agent.Endpoint,
		ControlPort:   cfg.Agent.ControlPort,
		WireguardPort: cfg.Agent.WireguardPort,
		NICName:       cfg.Agent.NICName,
		KeyMaterial:   key,
	}, cfg.Agent.PullInterval)

	a.Router = newRouter()
	health.RegisterRoutesWithPinger(a.Router, nil)
	rpc.RegisterAgent(a.Router, a.svc)
	logRoutes(a.Router)

	logs.Logger.WithFields(logrus.Fields{
		"config":   cfg.ConfigPath(),
		"reloader": cfg.Agent.Reloader,
	}).Info("agent initialized")
	return nil
}

// Run: сначала поднимаем RPC (координатор пушит сразу после Submit), потом Join.
func (a *AgentApp) Run(ctx context.Context) error {
	if a.Router == nil || a.cfg == nil {
		return fmt.Errorf("agent not initialized")
	}
	go a.reconciler.Run(ctx)
	return serve(ctx, a.cfg.AgentListenAddr(), a.Router, 60*time.Second)
}

// Deregister: однократный Delete для этого пира.
func Deregister(ctx context.Context, cfg *config.Config) (*models.DeleteReply, error) {
	if err := cfg.ValidateAgent(false); err != nil {
		return nil, err
	}
	codec, err := rpc.ParseCodec(cfg.RPC.Codec)
	if err != nil {
		return nil, err
	}
	coord := rpc.NewCoordinatorClient(cfg.Agent.Coordinator, codec, cfg.RPC.Timeout)
	return coord.Delete(ctx, models.PeerRequest{Endpoint: cfg.Agent.Endpoint, ControlPort: cfg.Agent.ControlPort})
}
