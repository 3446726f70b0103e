package repo

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"wiresync/internal/models"
)

// MemPeerStore: реестр в памяти, для режима без БД и для тестов.
// Соблюдает те же ограничения уникальности, что и таблица peerdata.
type MemPeerStore struct {
	mu     sync.RWMutex
	peers  map[models.PeerID]models.Peer
	byAddr map[string]models.PeerID
}

func NewMemPeerStore() *MemPeerStore {
	return &MemPeerStore{
		peers:  make(map[models.PeerID]models.Peer),
		byAddr: make(map[string]models.PeerID),
	}
}

func (m *MemPeerStore) Migrate(context.Context) error { return nil }
func (m *MemPeerStore) Ping(context.Context) error    { return nil }

func (m *MemPeerStore) Create(_ context.Context, p *models.Peer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := p.ID()
	if _, ok := m.peers[id]; ok {
		return fmt.Errorf("%w: %s", models.ErrAlreadyExists, id)
	}
	if _, ok := m.byAddr[p.OverlayAddress]; ok {
		return fmt.Errorf("%w: %s", models.ErrAddressTaken, p.OverlayAddress)
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	m.peers[id] = *p
	m.byAddr[p.OverlayAddress] = id
	return nil
}

func (m *MemPeerStore) Get(_ context.Context, id models.PeerID) (*models.Peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	return &p, nil
}

func (m *MemPeerStore) Exists(_ context.Context, id models.PeerID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.peers[id]
	return ok, nil
}

func (m *MemPeerStore) List(_ context.Context) ([]models.Peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	models.SortPeers(out)
	return out, nil
}

func (m *MemPeerStore) ListOthers(_ context.Context, id models.PeerID) ([]models.Peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Peer, 0, len(m.peers))
	for pid, p := range m.peers {
		if pid != id {
			out = append(out, p)
		}
	}
	models.SortPeers(out)
	return out, nil
}

func (m *MemPeerStore) UsedAddresses(_ context.Context) (map[netip.Addr]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw := make([]string, 0, len(m.byAddr))
	for a := range m.byAddr {
		raw = append(raw, a)
	}
	return parseUsed(raw), nil
}

func (m *MemPeerStore) Update(_ context.Context, id models.PeerID, upd models.PeerUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	if owner, taken := m.byAddr[upd.OverlayAddress]; taken && owner != id {
		return fmt.Errorf("%w: %s", models.ErrAddressTaken, upd.OverlayAddress)
	}
	delete(m.byAddr, p.OverlayAddress)
	p.KeyMaterial = upd.KeyMaterial
	p.NICName = upd.NICName
	p.OverlayAddress = upd.OverlayAddress
	p.UpdatedAt = time.Now().UTC()
	m.peers[id] = p
	m.byAddr[p.OverlayAddress] = id
	return nil
}

func (m *MemPeerStore) Delete(_ context.Context, id models.PeerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	delete(m.byAddr, p.OverlayAddress)
	delete(m.peers, id)
	return nil
}
