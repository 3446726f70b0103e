package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"wiresync/internal/ipam"
	"wiresync/internal/logs"
	"wiresync/internal/models"
	"wiresync/internal/render/wgconf"
)

// maxAdmitAttempts: сколько раз перевыделяем адрес при гонке на уникальном индексе.
const maxAdmitAttempts = 8

type Options struct {
	Subnet       netip.Prefix
	ReserveFirst bool
	Keepalive    int // 0: по умолчанию (25), <0: не выставлять
	PushTimeout  time.Duration
	TotalTimeout time.Duration
	Concurrency  int
}

// Service реализует models.CoordinatorAPI.
type Service struct {
	reg   Registry
	keys  wgconf.KeyDeriver
	alloc *ipam.Allocator
	synth *wgconf.Synthesizer
	prop  *Propagator
	log   *logrus.Entry

	// сериализует list-used → allocate → insert внутри процесса
	allocMu sync.Mutex
}

var _ models.CoordinatorAPI = (*Service)(nil)

func New(reg Registry, keys wgconf.KeyDeriver, dialer AgentDialer, opts Options) (*Service, error) {
	alloc, err := ipam.New(opts.Subnet, opts.ReserveFirst)
	if err != nil {
		return nil, err
	}
	synth := wgconf.New(keys, alloc.Prefix())
	switch {
	case opts.Keepalive > 0:
		synth.Keepalive = opts.Keepalive
	case opts.Keepalive < 0:
		synth.Keepalive = 0
	}
	return &Service{
		reg:   reg,
		keys:  keys,
		alloc: alloc,
		synth: synth,
		prop:  NewPropagator(synth, dialer, opts.PushTimeout, opts.TotalTimeout, opts.Concurrency),
		log:   logs.Component("coordinator"),
	}, nil
}

func (s *Service) Hello(_ context.Context, req models.HelloRequest) (*models.HelloReply, error) {
	return &models.HelloReply{Message: fmt.Sprintf("Hello %s!", req.Name)}, nil
}

/* ───── Submit ───── */

func (s *Service) Submit(ctx context.Context, req models.SubmitRequest) (*models.SubmitReply, error) {
	id := req.ID()
	if err := validateSubmit(req); err != nil {
		return nil, err
	}
	if _, err := s.keys.PublicKey(req.KeyMaterial); err != nil {
		return nil, err
	}
	exists, err := s.reg.Exists(ctx, id)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", models.ErrAlreadyExists, id)
	}

	peer := models.Peer{
		Endpoint:      req.Endpoint,
		ControlPort:   req.ControlPort,
		WireguardPort: req.WireguardPort,
		NICName:       req.NICName,
		KeyMaterial:   req.KeyMaterial,
	}
	if err := s.admit(ctx, &peer); err != nil {
		return nil, err
	}
	log := s.log.WithFields(logrus.Fields{"peer": id.String(), "overlay": peer.OverlayAddress})
	log.Info("peer registered")

	config, renderErr := s.pull(ctx, peer)

	// запись уже есть: остальные должны узнать о пире, даже если свой конфиг не собрался
	snapshot, err := s.reg.List(ctx)
	if err != nil {
		return nil, err
	}
	targets := make([]models.PeerID, 0, len(snapshot))
	for _, p := range snapshot {
		if p.ID() != id {
			targets = append(targets, p.ID())
		}
	}
	report := s.prop.Propagate(ctx, snapshot, targets)

	if renderErr != nil {
		return nil, renderErr
	}
	return &models.SubmitReply{
		Config:         config,
		OverlayAddress: peer.OverlayAddress,
		Warnings:       report.Warnings(),
	}, nil
}

// admit выделяет адрес и вставляет запись; при гонке за адрес повторяет.
func (s *Service) admit(ctx context.Context, peer *models.Peer) error {
	s.allocMu.Lock()
	defer s.allocMu.Unlock()

	for attempt := 1; attempt <= maxAdmitAttempts; attempt++ {
		used, err := s.reg.UsedAddresses(ctx)
		if err != nil {
			return err
		}
		addr, err := s.alloc.Allocate(used)
		if err != nil {
			return err
		}
		peer.OverlayAddress = addr.String()

		err = s.reg.Create(ctx, peer)
		if err == nil {
			return nil
		}
		if !errors.Is(err, models.ErrAddressTaken) {
			return err
		}
		s.log.WithFields(logrus.Fields{"overlay": peer.OverlayAddress, "attempt": attempt}).
			Debug("overlay address taken concurrently, reallocating")
	}
	return fmt.Errorf("%w: could not claim an overlay address after %d attempts", models.ErrStorage, maxAdmitAttempts)
}

/* ───── Check ───── */

func (s *Service) Check(ctx context.Context, req models.CheckRequest) (*models.CheckReply, error) {
	id := req.ID()
	if err := models.ValidatePeerID(id); err != nil {
		return nil, err
	}
	if err := models.ValidateNIC(req.NICName); err != nil {
		return nil, err
	}
	if err := models.ValidateKeyMaterial(req.KeyMaterial); err != nil {
		return nil, err
	}
	var claimed netip.Addr
	if req.OverlayAddress != "" {
		a, err := models.ParseOverlayAddress(req.OverlayAddress)
		if err != nil {
			return nil, err
		}
		if !s.alloc.Contains(a) {
			return nil, fmt.Errorf("%w: overlay address %s is outside %s", models.ErrValidation, a, s.alloc.Prefix())
		}
		claimed = a
	}
	if _, err := s.keys.PublicKey(req.KeyMaterial); err != nil {
		return nil, err
	}

	changed, err := s.applyCheck(ctx, id, req, claimed)
	if err != nil {
		return nil, err
	}
	if !changed {
		return &models.CheckReply{Result: models.ResultUnchanged}, nil
	}
	s.log.WithField("peer", id.String()).Info("peer attributes updated")

	report, err := s.propagateAll(ctx)
	if err != nil {
		return nil, err
	}
	return &models.CheckReply{Result: models.ResultUpdated, Warnings: report.Warnings()}, nil
}

func (s *Service) applyCheck(ctx context.Context, id models.PeerID, req models.CheckRequest, claimed netip.Addr) (bool, error) {
	// адрес могут выделять параллельно
	s.allocMu.Lock()
	defer s.allocMu.Unlock()

	cur, err := s.reg.Get(ctx, id)
	if err != nil {
		return false, err
	}
	addr := cur.OverlayAddress
	if claimed.IsValid() {
		addr = claimed.String()
	}
	if cur.KeyMaterial == req.KeyMaterial && cur.NICName == req.NICName && cur.OverlayAddress == addr {
		return false, nil
	}
	err = s.reg.Update(ctx, id, models.PeerUpdate{
		KeyMaterial:    req.KeyMaterial,
		NICName:        req.NICName,
		OverlayAddress: addr,
	})
	if errors.Is(err, models.ErrAddressTaken) {
		return false, fmt.Errorf("%w: overlay address %s is assigned to another peer", models.ErrValidation, addr)
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

/* ───── Pull ───── */

func (s *Service) Pull(ctx context.Context, req models.PeerRequest) (*models.PullReply, error) {
	id := req.ID()
	if err := models.ValidatePeerID(id); err != nil {
		return nil, err
	}
	self, err := s.reg.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	config, err := s.pull(ctx, *self)
	if err != nil {
		return nil, err
	}
	return &models.PullReply{Config: config}, nil
}

func (s *Service) pull(ctx context.Context, self models.Peer) (string, error) {
	others, err := s.reg.ListOthers(ctx, self.ID())
	if err != nil {
		return "", err
	}
	return s.synth.Render(self, others)
}

/* ───── Delete ───── */

func (s *Service) Delete(ctx context.Context, req models.PeerRequest) (*models.DeleteReply, error) {
	id := req.ID()
	if err := models.ValidatePeerID(id); err != nil {
		return nil, err
	}
	if err := s.reg.Delete(ctx, id); err != nil {
		return nil, err
	}
	s.log.WithField("peer", id.String()).Info("peer deleted")

	report, err := s.propagateAll(ctx)
	if err != nil {
		return nil, err
	}
	return &models.DeleteReply{Result: models.ResultOK, Warnings: report.Warnings()}, nil
}

// propagateAll рассылает конфиги всем активным пирам.
func (s *Service) propagateAll(ctx context.Context) (Report, error) {
	snapshot, err := s.reg.List(ctx)
	if err != nil {
		return Report{}, err
	}
	targets := make([]models.PeerID, 0, len(snapshot))
	for _, p := range snapshot {
		targets = append(targets, p.ID())
	}
	return s.prop.Propagate(ctx, snapshot, targets), nil
}

func validateSubmit(req models.SubmitRequest) error {
	if err := models.ValidatePeerID(req.ID()); err != nil {
		return err
	}
	if err := models.ValidatePort("wireguard port", req.WireguardPort); err != nil {
		return err
	}
	if err := models.ValidateNIC(req.NICName); err != nil {
		return err
	}
	return models.ValidateKeyMaterial(req.KeyMaterial)
}
