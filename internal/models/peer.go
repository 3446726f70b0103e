package models

import (
	"cmp"
	"net"
	"slices"
	"strconv"
	"time"
)

// PeerID задаёт идентичность пира: (endpoint, controlPort).
type PeerID struct {
	Endpoint    string `json:"endpoint"`
	ControlPort int    `json:"control_port"`
}

func (id PeerID) String() string {
	return net.JoinHostPort(id.Endpoint, strconv.Itoa(id.ControlPort))
}

// Peer: запись реестра, одна на зарегистрированный пир.
type Peer struct {
	Endpoint       string `gorm:"primaryKey;size:100" json:"endpoint"`
	ControlPort    int    `gorm:"primaryKey;autoIncrement:false" json:"control_port"`
	WireguardPort  int    `gorm:"not null" json:"wireguard_port"`
	NICName        string `gorm:"column:nic_name;size:15;not null" json:"nic_name"`
	OverlayAddress string `gorm:"size:15;not null;uniqueIndex:uniq_peerdata_overlay_address" json:"overlay_address"`
	KeyMaterial    string `gorm:"size:100;not null" json:"-"` // наружу не отдаём никогда

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Peer) TableName() string { return "peerdata" }

func (p Peer) ID() PeerID { return PeerID{Endpoint: p.Endpoint, ControlPort: p.ControlPort} }

// PeerUpdate: изменяемые поля записи (Check).
type PeerUpdate struct {
	KeyMaterial    string
	NICName        string
	OverlayAddress string
}

// ComparePeers задаёт канонический порядок: endpoint, затем controlPort.
func ComparePeers(a, b Peer) int {
	if c := cmp.Compare(a.Endpoint, b.Endpoint); c != 0 {
		return c
	}
	return cmp.Compare(a.ControlPort, b.ControlPort)
}

// SortPeers сортирует на месте. БД сортирует с учётом collation,
// поэтому порядок всегда доводим на стороне Go.
func SortPeers(peers []Peer) {
	slices.SortFunc(peers, ComparePeers)
}
