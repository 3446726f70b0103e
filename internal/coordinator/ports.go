package coordinator

import (
	"context"
	"net/netip"

	"wiresync/internal/models"
)

// Registry: хранилище пиров (repo.PeerStore, repo.MemPeerStore).
type Registry interface {
	Create(ctx context.Context, p *models.Peer) error
	Get(ctx context.Context, id models.PeerID) (*models.Peer, error)
	Exists(ctx context.Context, id models.PeerID) (bool, error)
	List(ctx context.Context) ([]models.Peer, error)
	ListOthers(ctx context.Context, id models.PeerID) ([]models.Peer, error)
	UsedAddresses(ctx context.Context) (map[netip.Addr]struct{}, error)
	Update(ctx context.Context, id models.PeerID, upd models.PeerUpdate) error
	Delete(ctx context.Context, id models.PeerID) error
}

// AgentDialer даёт клиента агента по идентичности пира.
type AgentDialer interface {
	Dial(id models.PeerID) models.PeerAgentAPI
}
