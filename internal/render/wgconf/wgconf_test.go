package wgconf

import (
	"errors"
	"net/netip"
	"strings"
	"testing"

	"wiresync/internal/models"
)

type fakeKeys struct{ calls int }

func (f *fakeKeys) PublicKey(m string) (string, error) {
	f.calls++
	if m == "bad" {
		return "", models.ErrKeyDerivation
	}
	return "pub(" + m + ")", nil
}

func peer(endpoint string, port int, addr, key string) models.Peer {
	return models.Peer{
		Endpoint:       endpoint,
		ControlPort:    port,
		WireguardPort:  51820,
		NICName:        "eth0",
		OverlayAddress: addr,
		KeyMaterial:    key,
	}
}

func TestRenderGolden(t *testing.T) {
	s := New(&fakeKeys{}, netip.MustParsePrefix("10.8.0.0/24"))
	self := peer("203.0.113.1", 50052, "10.8.0.1", "k1")
	others := []models.Peer{
		peer("203.0.113.2", 50052, "10.8.0.2", "k2"),
		peer("2001:db8::3", 50052, "10.8.0.3", "k3"),
	}
	got, err := s.Render(self, others)
	if err != nil {
		t.Fatal(err)
	}
	want := `[Interface]
Address = 10.8.0.1/24
PrivateKey = __LOCAL_PRIVATE_KEY__
ListenPort = 51820
PostUp = iptables -A FORWARD -i %i -j ACCEPT; iptables -t nat -A POSTROUTING -o eth0 -j MASQUERADE
PostDown = iptables -D FORWARD -i %i -j ACCEPT; iptables -t nat -D POSTROUTING -o eth0 -j MASQUERADE

[Peer]
Endpoint = 203.0.113.2:51820
PublicKey = pub(k2)
AllowedIPs = 10.8.0.2/32
PersistentKeepalive = 25

[Peer]
Endpoint = [2001:db8::3]:51820
PublicKey = pub(k3)
AllowedIPs = 10.8.0.3/32
PersistentKeepalive = 25
`
	if got != want {
		t.Fatalf("render mismatch\n--- got ---\n%s\n--- want ---\n%s", got, want)
	}
	if strings.Contains(got, "k1") {
		t.Fatal("own key material leaked into config")
	}
}

func TestRenderDeterministic(t *testing.T) {
	s := New(&fakeKeys{}, netip.MustParsePrefix("10.8.0.0/24"))
	self := peer("a.example", 1, "10.8.0.1", "k1")
	others := []models.Peer{peer("b.example", 1, "10.8.0.2", "k2")}
	a, _ := s.Render(self, others)
	b, _ := s.Render(self, others)
	if a != b {
		t.Fatal("same input rendered differently")
	}
}

func TestRenderNoPeers(t *testing.T) {
	s := New(&fakeKeys{}, netip.MustParsePrefix("10.8.0.0/24"))
	got, err := s.Render(peer("a.example", 1, "10.8.0.1", "k1"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(got, "[Peer]") {
		t.Fatal("no peers expected")
	}
}

func TestRenderRejects(t *testing.T) {
	s := New(&fakeKeys{}, netip.MustParsePrefix("10.8.0.0/24"))
	good := peer("a.example", 1, "10.8.0.1", "k1")

	bad := []models.Peer{
		peer("evil\n[Peer]", 1, "10.8.0.2", "k2"),
		peer("b.example", 1, "not-an-ip", "k2"),
		peer("1.2.3.4:80", 1, "10.8.0.2", "k2"),
		peer("host:name", 1, "10.8.0.2", "k2"),
		{Endpoint: "b.example", ControlPort: 1, WireguardPort: 51820, NICName: "eth0; rm -rf", OverlayAddress: "10.8.0.2", KeyMaterial: "k2"},
	}
	for _, p := range bad {
		if _, err := s.Render(good, []models.Peer{p}); !errors.Is(err, models.ErrValidation) {
			t.Errorf("peer %+v: want ErrValidation, got %v", p, err)
		}
	}
}

func TestRenderKeyDerivationError(t *testing.T) {
	s := New(&fakeKeys{}, netip.MustParsePrefix("10.8.0.0/24"))
	_, err := s.Render(peer("a.example", 1, "10.8.0.1", "k1"), []models.Peer{peer("b.example", 1, "10.8.0.2", "bad")})
	if !errors.Is(err, models.ErrKeyDerivation) {
		t.Fatalf("want ErrKeyDerivation, got %v", err)
	}
}

func TestKeepaliveDisabled(t *testing.T) {
	s := New(&fakeKeys{}, netip.MustParsePrefix("10.8.0.0/24"))
	s.Keepalive = 0
	got, _ := s.Render(peer("a.example", 1, "10.8.0.1", "k1"), []models.Peer{peer("b.example", 1, "10.8.0.2", "k2")})
	if strings.Contains(got, "PersistentKeepalive") {
		t.Fatal("keepalive should be omitted")
	}
}

func TestKeyCache(t *testing.T) {
	inner := &fakeKeys{}
	c := NewKeyCache(inner)
	for i := 0; i < 3; i++ {
		if pub, err := c.PublicKey("k1"); err != nil || pub != "pub(k1)" {
			t.Fatalf("got %q %v", pub, err)
		}
		if _, err := c.PublicKey("bad"); err == nil {
			t.Fatal("expected error")
		}
	}
	if inner.calls != 2 {
		t.Fatalf("inner called %d times, want 2", inner.calls)
	}
}

func TestSubstitutePrivateKey(t *testing.T) {
	in := "PrivateKey = " + PrivateKeyPlaceholder + "\n"
	if got := SubstitutePrivateKey(in, "secret"); got != "PrivateKey = secret\n" {
		t.Fatalf("got %q", got)
	}
	if got := SubstitutePrivateKey(in, ""); got != in {
		t.Fatalf("empty material must keep placeholder, got %q", got)
	}
}
