// Package wgconf собирает текст конфигурации wg-quick для одного пира.
package wgconf

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"

	"wiresync/internal/models"
)

// PrivateKeyPlaceholder ставится вместо приватного ключа; агент подставляет свой.
const PrivateKeyPlaceholder = "__LOCAL_PRIVATE_KEY__"

const DefaultKeepalive = 25

// KeyDeriver выводит публичный ключ из приватного материала.
type KeyDeriver interface {
	PublicKey(material string) (string, error)
}

type Synthesizer struct {
	keys      KeyDeriver
	subnet    netip.Prefix
	Keepalive int
}

func New(keys KeyDeriver, subnet netip.Prefix) *Synthesizer {
	return &Synthesizer{keys: keys, subnet: subnet, Keepalive: DefaultKeepalive}
}

func (s *Synthesizer) Keys() KeyDeriver { return s.keys }

// WithKeys: копия с другим деривером (например, кэшем на раунд рассылки).
func (s *Synthesizer) WithKeys(keys KeyDeriver) *Synthesizer {
	cp := *s
	cp.keys = keys
	return &cp
}

// Render детерминирован: одинаковые входы дают байт-в-байт одинаковый текст.
// others выводятся в переданном порядке; сортирует вызывающий.
func (s *Synthesizer) Render(self models.Peer, others []models.Peer) (string, error) {
	if err := checkPeer(self); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "Address = %s/%d\n", self.OverlayAddress, s.subnet.Bits())
	fmt.Fprintf(&b, "PrivateKey = %s\n", PrivateKeyPlaceholder)
	fmt.Fprintf(&b, "ListenPort = %d\n", self.WireguardPort)
	fmt.Fprintf(&b, "PostUp = iptables -A FORWARD -i %%i -j ACCEPT; iptables -t nat -A POSTROUTING -o %s -j MASQUERADE\n", self.NICName)
	fmt.Fprintf(&b, "PostDown = iptables -D FORWARD -i %%i -j ACCEPT; iptables -t nat -D POSTROUTING -o %s -j MASQUERADE\n", self.NICName)

	for _, p := range others {
		if err := checkPeer(p); err != nil {
			return "", err
		}
		pub, err := s.keys.PublicKey(p.KeyMaterial)
		if err != nil {
			return "", fmt.Errorf("peer %s: %w", p.ID(), err)
		}
		b.WriteString("\n[Peer]\n")
		fmt.Fprintf(&b, "Endpoint = %s\n", net.JoinHostPort(p.Endpoint, strconv.Itoa(p.WireguardPort)))
		fmt.Fprintf(&b, "PublicKey = %s\n", pub)
		fmt.Fprintf(&b, "AllowedIPs = %s/32\n", p.OverlayAddress)
		if s.Keepalive > 0 {
			fmt.Fprintf(&b, "PersistentKeepalive = %d\n", s.Keepalive)
		}
	}
	return b.String(), nil
}

// checkPeer не пускает в текст значения, способные сломать формат.
func checkPeer(p models.Peer) error {
	if err := models.ValidateEndpoint(p.Endpoint); err != nil {
		return err
	}
	if err := models.ValidateNIC(p.NICName); err != nil {
		return err
	}
	if err := models.ValidatePort("wireguard port", p.WireguardPort); err != nil {
		return err
	}
	_, err := models.ParseOverlayAddress(p.OverlayAddress)
	return err
}

// SubstitutePrivateKey заменяет плейсхолдер на локальный ключ.
func SubstitutePrivateKey(config, material string) string {
	if material == "" {
		return config
	}
	return strings.ReplaceAll(config, PrivateKeyPlaceholder, material)
}

/* ───── кэш ключей на раунд ───── */

// KeyCache запоминает результаты деривации; безопасен для горутин.
type KeyCache struct {
	inner KeyDeriver
	mu    sync.Mutex
	m     map[string]cached
}

type cached struct {
	pub string
	err error
}

func NewKeyCache(inner KeyDeriver) *KeyCache {
	return &KeyCache{inner: inner, m: make(map[string]cached)}
}

func (c *KeyCache) PublicKey(material string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.m[material]; ok {
		return v.pub, v.err
	}
	pub, err := c.inner.PublicKey(material)
	c.m[material] = cached{pub: pub, err: err}
	return pub, err
}
