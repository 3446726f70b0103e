package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"wiresync/internal/logs"
	"wiresync/internal/models"
	"wiresync/internal/render/wgconf"
	"wiresync/internal/vpn/wireguard"
)

const defaultReloadTimeout = 30 * time.Second

// Service реализует models.PeerAgentAPI: принимает конфиг и применяет его.
type Service struct {
	store       ConfigStore
	reloader    wireguard.Reloader
	keyMaterial string

	ReloadTimeout time.Duration

	mu            sync.Mutex // один писатель внутри процесса
	reloadPending bool       // файл записан, но интерфейс его ещё не подхватил
	log           *logrus.Entry
}

var _ models.PeerAgentAPI = (*Service)(nil)

// NewService: keyMaterial подставляется вместо плейсхолдера; "": оставить как есть.
func NewService(store ConfigStore, reloader wireguard.Reloader, keyMaterial string) *Service {
	if reloader == nil {
		reloader = wireguard.NopReloader{}
	}
	return &Service{
		store:         store,
		reloader:      reloader,
		keyMaterial:   keyMaterial,
		ReloadTimeout: defaultReloadTimeout,
		log:           logs.Component("agent"),
	}
}

func (s *Service) Hello(_ context.Context, req models.HelloRequest) (*models.HelloReply, error) {
	return &models.HelloReply{Message: fmt.Sprintf("Hello %s!", req.Name)}, nil
}

func (s *Service) UpdateConfig(ctx context.Context, req models.UpdateConfigRequest) (*models.UpdateConfigReply, error) {
	if strings.TrimSpace(req.Config) == "" {
		return nil, fmt.Errorf("%w: config is empty", models.ErrValidation)
	}
	text := wgconf.SubstitutePrivateKey(req.Config, s.keyMaterial)
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	changed, err := s.store.Replace(ctx, text)
	if err != nil {
		s.log.WithError(err).Error("config write failed, previous config kept")
		return nil, fmt.Errorf("%w: %v", models.ErrConfigWrite, err)
	}
	if !changed {
		reply := &models.UpdateConfigReply{Result: models.ResultUnchanged}
		if !s.reloadPending {
			s.log.Debug("config unchanged")
			return reply, nil
		}
		s.log.Info("config unchanged, retrying failed reload")
		s.reload(ctx, reply)
		return reply, nil
	}

	reply := &models.UpdateConfigReply{Result: models.ResultApplied}
	if strings.Contains(text, wgconf.PrivateKeyPlaceholder) {
		reply.Warnings = append(reply.Warnings, "private key placeholder left in config: no local key configured")
	}
	s.reload(ctx, reply)
	if reply.Reloaded {
		s.log.Info("config applied")
	}
	return reply, nil
}

// reload перезапускает интерфейс; неудача остаётся предупреждением и повторяется при следующем вызове.
func (s *Service) reload(ctx context.Context, reply *models.UpdateConfigReply) {
	// перезапуск не должен обрываться вместе с входящим запросом
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.ReloadTimeout)
	defer cancel()
	if err := s.reloader.Reload(rctx); err != nil {
		s.reloadPending = true
		s.log.WithError(err).Warn("config written, interface reload failed")
		reply.Warnings = append(reply.Warnings, fmt.Sprintf("reload failed: %v", err))
		return
	}
	s.reloadPending = false
	reply.Reloaded = true
}
