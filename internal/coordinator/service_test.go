package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"wiresync/internal/db"
	"wiresync/internal/models"
	"wiresync/internal/repo"
)

/* ───── fakes ───── */

type fakeKeys struct{}

func (fakeKeys) PublicKey(m string) (string, error) {
	if m == "bad" {
		return "", fmt.Errorf("%w: test", models.ErrKeyDerivation)
	}
	return "pub(" + m + ")", nil
}

type fakeAgent struct {
	d  *fakeDialer
	id models.PeerID
}

func (a *fakeAgent) Hello(_ context.Context, req models.HelloRequest) (*models.HelloReply, error) {
	return &models.HelloReply{Message: "Hello " + req.Name + "!"}, nil
}

func (a *fakeAgent) UpdateConfig(ctx context.Context, req models.UpdateConfigRequest) (*models.UpdateConfigReply, error) {
	a.d.mu.Lock()
	fail := a.d.fail[a.id]
	delay := a.d.delay[a.id]
	a.d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("connection refused")
	}
	a.d.mu.Lock()
	defer a.d.mu.Unlock()
	a.d.configs[a.id] = req.Config
	a.d.pushes[a.id]++
	return &models.UpdateConfigReply{Result: models.ResultApplied, Reloaded: true}, nil
}

type fakeDialer struct {
	mu      sync.Mutex
	configs map[models.PeerID]string
	pushes  map[models.PeerID]int
	fail    map[models.PeerID]bool
	delay   map[models.PeerID]time.Duration
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		configs: map[models.PeerID]string{},
		pushes:  map[models.PeerID]int{},
		fail:    map[models.PeerID]bool{},
		delay:   map[models.PeerID]time.Duration{},
	}
}

func (d *fakeDialer) Dial(id models.PeerID) models.PeerAgentAPI { return &fakeAgent{d: d, id: id} }

func (d *fakeDialer) config(id models.PeerID) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.configs[id]
}

func (d *fakeDialer) pushCount(id models.PeerID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pushes[id]
}

func (d *fakeDialer) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.configs = map[models.PeerID]string{}
	d.pushes = map[models.PeerID]int{}
}

func newService(t *testing.T, reg Registry, d *fakeDialer) *Service {
	t.Helper()
	svc, err := New(reg, fakeKeys{}, d, Options{
		Subnet:       netip.MustParsePrefix("10.8.0.0/24"),
		PushTimeout:  time.Second,
		TotalTimeout: 2 * time.Second,
		Concurrency:  4,
	})
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

// registries: память и gorm поверх sqlite, где уникальность держит индекс.
func registries(t *testing.T) map[string]func() Registry {
	t.Helper()
	return map[string]func() Registry{
		"memory": func() Registry { return repo.NewMemPeerStore() },
		"sqlite": func() Registry {
			gdb, err := db.Open("sqlite", ":memory:")
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			st := repo.NewPeerStore(gdb)
			if err := st.Migrate(context.Background()); err != nil {
				t.Fatalf("migrate: %v", err)
			}
			return st
		},
	}
}

func submitReq(endpoint, key string) models.SubmitRequest {
	return models.SubmitRequest{
		Endpoint:      endpoint,
		ControlPort:   50052,
		WireguardPort: 51820,
		KeyMaterial:   key,
		NICName:       "eth0",
	}
}

func pid(endpoint string) models.PeerID { return models.PeerID{Endpoint: endpoint, ControlPort: 50052} }

/* ───── tests ───── */

func TestHello(t *testing.T) {
	svc := newService(t, repo.NewMemPeerStore(), newFakeDialer())
	r, err := svc.Hello(context.Background(), models.HelloRequest{Name: "mesh"})
	if err != nil || r.Message != "Hello mesh!" {
		t.Fatalf("got %+v %v", r, err)
	}
}

func TestSubmitAllocatesAndReuses(t *testing.T) {
	ctx := context.Background()
	reg := repo.NewMemPeerStore()
	svc := newService(t, reg, newFakeDialer())

	a, err := svc.Submit(ctx, submitReq("a.example", "ka"))
	if err != nil {
		t.Fatal(err)
	}
	if a.OverlayAddress != "10.8.0.1" {
		t.Fatalf("first peer got %s", a.OverlayAddress)
	}
	if !strings.Contains(a.Config, "Address = 10.8.0.1/24") || strings.Contains(a.Config, "[Peer]") {
		t.Fatalf("unexpected first config:\n%s", a.Config)
	}

	b, err := svc.Submit(ctx, submitReq("b.example", "kb"))
	if err != nil {
		t.Fatal(err)
	}
	if b.OverlayAddress != "10.8.0.2" {
		t.Fatalf("second peer got %s", b.OverlayAddress)
	}
	if !strings.Contains(b.Config, "PublicKey = pub(ka)") || !strings.Contains(b.Config, "AllowedIPs = 10.8.0.1/32") {
		t.Fatalf("second config lacks first peer:\n%s", b.Config)
	}

	if _, err := svc.Delete(ctx, models.PeerRequest{Endpoint: "a.example", ControlPort: 50052}); err != nil {
		t.Fatal(err)
	}
	c, err := svc.Submit(ctx, submitReq("c.example", "kc"))
	if err != nil {
		t.Fatal(err)
	}
	if c.OverlayAddress != "10.8.0.1" {
		t.Fatalf("freed address not reused, got %s", c.OverlayAddress)
	}
}

func TestSubmitAlreadyExists(t *testing.T) {
	ctx := context.Background()
	reg := repo.NewMemPeerStore()
	svc := newService(t, reg, newFakeDialer())

	if _, err := svc.Submit(ctx, submitReq("a.example", "ka")); err != nil {
		t.Fatal(err)
	}
	_, err := svc.Submit(ctx, submitReq("a.example", "other"))
	if !errors.Is(err, models.ErrAlreadyExists) {
		t.Fatalf("want ErrAlreadyExists, got %v", err)
	}
	all, _ := reg.List(ctx)
	if len(all) != 1 || all[0].KeyMaterial != "ka" {
		t.Fatalf("registry changed: %+v", all)
	}
}

func TestSubmitValidation(t *testing.T) {
	svc := newService(t, repo.NewMemPeerStore(), newFakeDialer())
	bad := []models.SubmitRequest{
		{Endpoint: "", ControlPort: 1, WireguardPort: 1, KeyMaterial: "k", NICName: "eth0"},
		{Endpoint: "a.example", ControlPort: 0, WireguardPort: 1, KeyMaterial: "k", NICName: "eth0"},
		{Endpoint: "a.example", ControlPort: 1, WireguardPort: 70000, KeyMaterial: "k", NICName: "eth0"},
		{Endpoint: "a.example", ControlPort: 1, WireguardPort: 1, KeyMaterial: "k", NICName: "this-name-is-too-long"},
		{Endpoint: "a b", ControlPort: 1, WireguardPort: 1, KeyMaterial: "k", NICName: "eth0"},
		{Endpoint: "a.example", ControlPort: 1, WireguardPort: 1, KeyMaterial: "", NICName: "eth0"},
		{Endpoint: "1.2.3.4:80", ControlPort: 1, WireguardPort: 1, KeyMaterial: "k", NICName: "eth0"},
		{Endpoint: "host:name", ControlPort: 1, WireguardPort: 1, KeyMaterial: "k", NICName: "eth0"},
	}
	for i, req := range bad {
		if _, err := svc.Submit(context.Background(), req); !errors.Is(err, models.ErrValidation) {
			t.Errorf("case %d: want ErrValidation, got %v", i, err)
		}
	}
	_, err := svc.Submit(context.Background(), submitReq("a.example", "bad"))
	if !errors.Is(err, models.ErrKeyDerivation) {
		t.Fatalf("want ErrKeyDerivation, got %v", err)
	}
}

func TestPullIdempotent(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, repo.NewMemPeerStore(), newFakeDialer())
	for _, e := range []string{"a.example", "b.example", "c.example"} {
		if _, err := svc.Submit(ctx, submitReq(e, "k"+e[:1])); err != nil {
			t.Fatal(err)
		}
	}
	req := models.PeerRequest{Endpoint: "b.example", ControlPort: 50052}
	first, err := svc.Pull(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	second, _ := svc.Pull(ctx, req)
	if first.Config != second.Config {
		t.Fatal("pull is not deterministic")
	}
	if strings.Count(first.Config, "[Peer]") != 2 {
		t.Fatalf("want 2 peers:\n%s", first.Config)
	}
	if _, err := svc.Pull(ctx, models.PeerRequest{Endpoint: "zz.example", ControlPort: 1}); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

// Submit(C) доставляет ровно один конфиг с C каждому из A и B; C получает A и B в ответе.
func TestPropagationCompleteness(t *testing.T) {
	ctx := context.Background()
	d := newFakeDialer()
	svc := newService(t, repo.NewMemPeerStore(), d)

	for _, e := range []string{"a.example", "b.example"} {
		if _, err := svc.Submit(ctx, submitReq(e, "k"+e[:1])); err != nil {
			t.Fatal(err)
		}
	}
	d.reset()
	reply, err := svc.Submit(ctx, submitReq("c.example", "kc"))
	if err != nil {
		t.Fatal(err)
	}
	if reply.OverlayAddress != "10.8.0.3" {
		t.Fatalf("c got %s, want 10.8.0.3", reply.OverlayAddress)
	}
	for _, want := range []string{"pub(ka)", "AllowedIPs = 10.8.0.1/32", "pub(kb)", "AllowedIPs = 10.8.0.2/32"} {
		if !strings.Contains(reply.Config, want) {
			t.Fatalf("c's config lacks %q:\n%s", want, reply.Config)
		}
	}

	for _, e := range []string{"a.example", "b.example"} {
		if n := d.pushCount(pid(e)); n != 1 {
			t.Fatalf("%s: %d pushes, want 1", e, n)
		}
		got := d.config(pid(e))
		if !strings.Contains(got, "pub(kc)") || !strings.Contains(got, "AllowedIPs = 10.8.0.3/32") {
			t.Fatalf("%s: pushed config lacks c:\n%s", e, got)
		}
		pull, err := svc.Pull(ctx, models.PeerRequest{Endpoint: e, ControlPort: 50052})
		if err != nil {
			t.Fatal(err)
		}
		if got != pull.Config {
			t.Fatalf("%s: pushed config differs from pull\n--- pushed ---\n%s\n--- pull ---\n%s", e, got, pull.Config)
		}
	}
	// c узнал свой конфиг из ответа Submit, пуша себе нет
	if n := d.pushCount(pid("c.example")); n != 0 {
		t.Fatalf("submitter pushed %d times, want 0", n)
	}
}

func TestDeleteConsistency(t *testing.T) {
	ctx := context.Background()
	d := newFakeDialer()
	svc := newService(t, repo.NewMemPeerStore(), d)
	for _, e := range []string{"a.example", "b.example", "c.example"} {
		if _, err := svc.Submit(ctx, submitReq(e, "k"+e[:1])); err != nil {
			t.Fatal(err)
		}
	}
	d.reset()

	reply, err := svc.Delete(ctx, models.PeerRequest{Endpoint: "b.example", ControlPort: 50052})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Result != models.ResultOK || len(reply.Warnings) != 0 {
		t.Fatalf("unexpected reply %+v", reply)
	}
	for _, e := range []string{"a.example", "c.example"} {
		cfg := d.config(pid(e))
		if cfg == "" {
			t.Fatalf("%s was not pushed after delete", e)
		}
		if strings.Contains(cfg, "pub(kb)") || strings.Contains(cfg, "10.8.0.2/32") {
			t.Fatalf("%s still sees deleted peer:\n%s", e, cfg)
		}
	}
	if d.config(pid("b.example")) != "" {
		t.Fatal("deleted peer must not be pushed to")
	}
	if _, err := svc.Delete(ctx, models.PeerRequest{Endpoint: "b.example", ControlPort: 50052}); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestCheck(t *testing.T) {
	ctx := context.Background()
	d := newFakeDialer()
	svc := newService(t, repo.NewMemPeerStore(), d)
	for _, e := range []string{"a.example", "b.example"} {
		if _, err := svc.Submit(ctx, submitReq(e, "k"+e[:1])); err != nil {
			t.Fatal(err)
		}
	}
	d.reset()

	same := models.CheckRequest{Endpoint: "a.example", ControlPort: 50052, KeyMaterial: "ka", NICName: "eth0"}
	r, err := svc.Check(ctx, same)
	if err != nil || r.Result != models.ResultUnchanged {
		t.Fatalf("got %+v %v", r, err)
	}
	if d.config(pid("b.example")) != "" {
		t.Fatal("unchanged check must not propagate")
	}

	changed := same
	changed.KeyMaterial = "ka2"
	r, err = svc.Check(ctx, changed)
	if err != nil || r.Result != models.ResultUpdated {
		t.Fatalf("got %+v %v", r, err)
	}
	if !strings.Contains(d.config(pid("b.example")), "pub(ka2)") {
		t.Fatal("b did not receive a's new key")
	}
	if d.config(pid("a.example")) == "" {
		t.Fatal("changed peer itself must be pushed to")
	}

	// чужой адрес и адрес вне подсети
	steal := same
	steal.KeyMaterial = "ka2"
	steal.OverlayAddress = "10.8.0.2"
	if _, err := svc.Check(ctx, steal); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("taken address: want ErrValidation, got %v", err)
	}
	outside := steal
	outside.OverlayAddress = "192.168.0.1"
	if _, err := svc.Check(ctx, outside); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("outside address: want ErrValidation, got %v", err)
	}
	move := steal
	move.OverlayAddress = "10.8.0.20"
	if r, err := svc.Check(ctx, move); err != nil || r.Result != models.ResultUpdated {
		t.Fatalf("move: got %+v %v", r, err)
	}

	missing := same
	missing.Endpoint = "zz.example"
	if _, err := svc.Check(ctx, missing); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestUnreachablePeerIsWarning(t *testing.T) {
	ctx := context.Background()
	d := newFakeDialer()
	svc := newService(t, repo.NewMemPeerStore(), d)
	if _, err := svc.Submit(ctx, submitReq("a.example", "ka")); err != nil {
		t.Fatal(err)
	}
	d.fail[pid("a.example")] = true

	b, err := svc.Submit(ctx, submitReq("b.example", "kb"))
	if err != nil {
		t.Fatalf("submit must succeed despite push failure: %v", err)
	}
	if len(b.Warnings) != 1 || !strings.Contains(b.Warnings[0], "a.example") {
		t.Fatalf("want one warning about a.example, got %v", b.Warnings)
	}
}

func TestSlowPeerAbandoned(t *testing.T) {
	ctx := context.Background()
	d := newFakeDialer()
	svc, err := New(repo.NewMemPeerStore(), fakeKeys{}, d, Options{
		Subnet:       netip.MustParsePrefix("10.8.0.0/24"),
		PushTimeout:  5 * time.Second,
		TotalTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Submit(ctx, submitReq("a.example", "ka")); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Submit(ctx, submitReq("b.example", "kb")); err != nil {
		t.Fatal(err)
	}
	d.delay[pid("a.example")] = time.Minute

	start := time.Now()
	reply, err := svc.Submit(ctx, submitReq("c.example", "kc"))
	if err != nil {
		t.Fatal(err)
	}
	if el := time.Since(start); el > 2*time.Second {
		t.Fatalf("submit waited %s for a stuck peer", el)
	}
	found := false
	for _, w := range reply.Warnings {
		if strings.Contains(w, "a.example") {
			found = true
		}
	}
	if !found {
		t.Fatalf("want a warning about a.example, got %v", reply.Warnings)
	}
	if !strings.Contains(d.config(pid("b.example")), "pub(kc)") {
		t.Fatal("fast peer should still receive the update")
	}
}

func TestConcurrentSubmitsUniqueAddresses(t *testing.T) {
	for name, newReg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg := newReg()
			svc := newService(t, reg, newFakeDialer())

			const n = 20
			var wg sync.WaitGroup
			addrs := make([]string, n)
			errs := make([]error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					r, err := svc.Submit(ctx, submitReq(fmt.Sprintf("p%02d.example", i), fmt.Sprintf("k%d", i)))
					errs[i] = err
					if err == nil {
						addrs[i] = r.OverlayAddress
					}
				}(i)
			}
			wg.Wait()

			seen := map[string]bool{}
			for i, a := range addrs {
				if errs[i] != nil {
					t.Fatalf("submit %d: %v", i, errs[i])
				}
				if seen[a] {
					t.Fatalf("address %s assigned twice", a)
				}
				seen[a] = true
			}
			all, _ := reg.List(ctx)
			if len(all) != n {
				t.Fatalf("registry has %d peers, want %d", len(all), n)
			}
		})
	}
}

// Гонка с другим процессом: адрес занят между выбором и вставкой.
type racingRegistry struct {
	Registry
	once sync.Once
}

func (r *racingRegistry) Create(ctx context.Context, p *models.Peer) error {
	r.once.Do(func() {
		_ = r.Registry.Create(ctx, &models.Peer{
			Endpoint: "intruder.example", ControlPort: 1, WireguardPort: 1,
			NICName: "eth0", OverlayAddress: p.OverlayAddress, KeyMaterial: "ki",
		})
	})
	return r.Registry.Create(ctx, p)
}

func TestSubmitRetriesOnAddressRace(t *testing.T) {
	for name, newReg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg := &racingRegistry{Registry: newReg()}
			svc := newService(t, reg, newFakeDialer())

			r, err := svc.Submit(ctx, submitReq("a.example", "ka"))
			if err != nil {
				t.Fatal(err)
			}
			if r.OverlayAddress != "10.8.0.2" {
				t.Fatalf("want reallocated 10.8.0.2, got %s", r.OverlayAddress)
			}
			if ok, _ := reg.Exists(ctx, pid("a.example")); !ok {
				t.Fatal("peer not stored after retry")
			}
		})
	}
}

func TestAddressSpaceExhausted(t *testing.T) {
	ctx := context.Background()
	svc, err := New(repo.NewMemPeerStore(), fakeKeys{}, newFakeDialer(), Options{
		Subnet: netip.MustParsePrefix("10.8.0.0/30"),
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range []string{"a.example", "b.example"} {
		if _, err := svc.Submit(ctx, submitReq(e, "k")); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := svc.Submit(ctx, submitReq("c.example", "k")); !errors.Is(err, models.ErrAddressSpaceExhausted) {
		t.Fatalf("want ErrAddressSpaceExhausted, got %v", err)
	}
}
