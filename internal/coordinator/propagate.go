package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"wiresync/internal/logs"
	"wiresync/internal/models"
	"wiresync/internal/render/wgconf"
)

const (
	PushOK        = "ok"
	PushFailed    = "failed"
	PushAbandoned = "abandoned"
)

type PushResult struct {
	Peer     models.PeerID
	Status   string
	Result   string // ответ агента: applied | unchanged
	Err      error
	Warnings []string
}

// Report: итог раунда рассылки в порядке целей.
type Report struct {
	Results []PushResult
}

func (r Report) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Status != PushOK {
			n++
		}
	}
	return n
}

// Warnings: строки для поля warnings в ответе RPC.
func (r Report) Warnings() []string {
	var out []string
	for _, res := range r.Results {
		switch res.Status {
		case PushFailed:
			out = append(out, fmt.Sprintf("push to %s failed: %v", res.Peer, res.Err))
		case PushAbandoned:
			out = append(out, fmt.Sprintf("push to %s abandoned: no answer in time", res.Peer))
		}
		for _, w := range res.Warnings {
			out = append(out, fmt.Sprintf("%s: %s", res.Peer, w))
		}
	}
	return out
}

// Propagator рендерит и рассылает конфиги агентам.
type Propagator struct {
	Synth        *wgconf.Synthesizer
	Dialer       AgentDialer
	PushTimeout  time.Duration
	TotalTimeout time.Duration
	Concurrency  int

	log *logrus.Entry
}

func NewPropagator(synth *wgconf.Synthesizer, dialer AgentDialer, push, total time.Duration, concurrency int) *Propagator {
	if push <= 0 {
		push = 5 * time.Second
	}
	if total <= 0 {
		total = 10 * time.Second
	}
	if concurrency <= 0 {
		concurrency = 16
	}
	return &Propagator{
		Synth:        synth,
		Dialer:       dialer,
		PushTimeout:  push,
		TotalTimeout: total,
		Concurrency:  concurrency,
		log:          logs.Component("propagator"),
	}
}

// Propagate отправляет каждой цели её конфиг, собранный из snapshot.
// Отмена ctx раунд не прерывает; ждём не дольше TotalTimeout.
func (p *Propagator) Propagate(ctx context.Context, snapshot []models.Peer, targets []models.PeerID) Report {
	report := Report{Results: make([]PushResult, len(targets))}
	if len(targets) == 0 {
		return report
	}
	for i, t := range targets {
		report.Results[i] = PushResult{Peer: t, Status: PushAbandoned}
	}

	byID := make(map[models.PeerID]int, len(snapshot))
	for i, peer := range snapshot {
		byID[peer.ID()] = i
	}
	// ключи выводятся один раз на раунд
	synth := p.Synth.WithKeys(wgconf.NewKeyCache(p.Synth.Keys()))

	roundCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.TotalTimeout)
	defer cancel()

	var (
		mu     sync.Mutex
		closed bool
	)
	record := func(i int, res PushResult) {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			report.Results[i] = res
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(p.Concurrency)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i, id := range targets {
			if roundCtx.Err() != nil {
				break
			}
			i, id := i, id // per-iteration copies (pre-Go 1.22 loop semantics)
			g.Go(func() error {
				record(i, p.push(roundCtx, synth, snapshot, byID, id))
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
	case <-roundCtx.Done():
	}

	mu.Lock()
	closed = true
	out := Report{Results: append([]PushResult(nil), report.Results...)}
	mu.Unlock()

	for _, res := range out.Results {
		if res.Status == PushOK {
			continue
		}
		p.log.WithFields(logrus.Fields{
			"peer":   res.Peer.String(),
			"status": res.Status,
		}).WithError(res.Err).Warn("config push did not complete")
	}
	return out
}

func (p *Propagator) push(ctx context.Context, synth *wgconf.Synthesizer, snapshot []models.Peer, byID map[models.PeerID]int, id models.PeerID) PushResult {
	idx, ok := byID[id]
	if !ok {
		return PushResult{Peer: id, Status: PushFailed, Err: fmt.Errorf("%w: %s", models.ErrNotFound, id)}
	}
	others := make([]models.Peer, 0, len(snapshot)-1)
	others = append(others, snapshot[:idx]...)
	others = append(others, snapshot[idx+1:]...)

	text, err := synth.Render(snapshot[idx], others)
	if err != nil {
		return PushResult{Peer: id, Status: PushFailed, Err: err}
	}

	pctx, cancel := context.WithTimeout(ctx, p.PushTimeout)
	defer cancel()
	reply, err := p.Dialer.Dial(id).UpdateConfig(pctx, models.UpdateConfigRequest{Config: text})
	if err != nil {
		return PushResult{Peer: id, Status: PushFailed, Err: fmt.Errorf("%w: %v", models.ErrPropagation, err)}
	}
	p.log.WithFields(logrus.Fields{"peer": id.String(), "result": reply.Result}).Debug("config pushed")
	return PushResult{Peer: id, Status: PushOK, Result: reply.Result, Warnings: reply.Warnings}
}
