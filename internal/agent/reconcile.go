package agent

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"wiresync/internal/logs"
	"wiresync/internal/models"
)

// Identity: то, что агент сообщает координатору о себе.
type Identity struct {
	Endpoint      string
	ControlPort   int
	WireguardPort int
	NICName       string
	KeyMaterial   string
}

func (id Identity) PeerID() models.PeerID {
	return models.PeerID{Endpoint: id.Endpoint, ControlPort: id.ControlPort}
}

// Reconciler приводит локальный конфиг к тому, что отдаёт координатор.
type Reconciler struct {
	Coordinator models.CoordinatorAPI
	Apply       models.PeerAgentAPI
	Self        Identity
	Interval    time.Duration

	joined atomic.Bool
	log    *logrus.Entry
}

func NewReconciler(coord models.CoordinatorAPI, apply models.PeerAgentAPI, self Identity, interval time.Duration) *Reconciler {
	return &Reconciler{
		Coordinator: coord,
		Apply:       apply,
		Self:        self,
		Interval:    interval,
		log:         logs.Component("reconciler").WithField("peer", self.PeerID().String()),
	}
}

func (r *Reconciler) Joined() bool { return r.joined.Load() }

// Join регистрирует пира. Если он уже известен, обновляет атрибуты и
// забирает актуальный конфиг.
func (r *Reconciler) Join(ctx context.Context) (*models.UpdateConfigReply, error) {
	sub, err := r.Coordinator.Submit(ctx, models.SubmitRequest{
		Endpoint:      r.Self.Endpoint,
		ControlPort:   r.Self.ControlPort,
		WireguardPort: r.Self.WireguardPort,
		KeyMaterial:   r.Self.KeyMaterial,
		NICName:       r.Self.NICName,
	})
	var config string
	switch {
	case err == nil:
		r.log.WithField("overlay", sub.OverlayAddress).Info("registered with coordinator")
		for _, w := range sub.Warnings {
			r.log.Warn(w)
		}
		config = sub.Config

	case errors.Is(err, models.ErrAlreadyExists):
		chk, err := r.Coordinator.Check(ctx, models.CheckRequest{
			Endpoint:    r.Self.Endpoint,
			ControlPort: r.Self.ControlPort,
			KeyMaterial: r.Self.KeyMaterial,
			NICName:     r.Self.NICName,
		})
		if err != nil {
			return nil, err
		}
		r.log.WithField("result", chk.Result).Info("already registered, attributes checked")
		pull, err := r.Coordinator.Pull(ctx, models.PeerRequest{Endpoint: r.Self.Endpoint, ControlPort: r.Self.ControlPort})
		if err != nil {
			return nil, err
		}
		config = pull.Config

	default:
		return nil, err
	}

	reply, err := r.Apply.UpdateConfig(ctx, models.UpdateConfigRequest{Config: config})
	if err != nil {
		return nil, err
	}
	r.joined.Store(true)
	return reply, nil
}

// Reconcile: один цикл Pull → UpdateConfig. true, если конфиг изменился.
func (r *Reconciler) Reconcile(ctx context.Context) (bool, error) {
	pull, err := r.Coordinator.Pull(ctx, models.PeerRequest{Endpoint: r.Self.Endpoint, ControlPort: r.Self.ControlPort})
	if err != nil {
		return false, err
	}
	reply, err := r.Apply.UpdateConfig(ctx, models.UpdateConfigRequest{Config: pull.Config})
	if err != nil {
		return false, err
	}
	return reply.Result != models.ResultUnchanged, nil
}

// Run: до успешного Join повторяет регистрацию, затем периодически сверяется.
// Interval <= 0: только регистрация.
func (r *Reconciler) Run(ctx context.Context) {
	retry := r.Interval
	if retry <= 0 {
		retry = 10 * time.Second
	}
	for !r.Joined() {
		if _, err := r.Join(ctx); err != nil {
			r.log.WithError(err).Warn("join failed, will retry")
			select {
			case <-ctx.Done():
				return
			case <-time.After(retry):
			}
		}
	}
	if r.Interval <= 0 {
		return
	}

	t := time.NewTicker(r.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			changed, err := r.Reconcile(ctx)
			if err != nil {
				r.log.WithError(err).Warn("reconcile failed")
				continue
			}
			if changed {
				r.log.Info("missed update applied from coordinator")
			}
		}
	}
}
