package models

import "context"

/* ───── DTO ───── */

type HelloRequest struct {
	Name string `json:"name"`
}

type HelloReply struct {
	Message string `json:"message"`
}

type SubmitRequest struct {
	Endpoint      string `json:"endpoint"`
	ControlPort   int    `json:"control_port"`
	WireguardPort int    `json:"wireguard_port"`
	KeyMaterial   string `json:"key_material"`
	NICName       string `json:"nic_name"`
}

func (r SubmitRequest) ID() PeerID { return PeerID{Endpoint: r.Endpoint, ControlPort: r.ControlPort} }

type SubmitReply struct {
	Config         string   `json:"config"`
	OverlayAddress string   `json:"overlay_address"`
	Warnings       []string `json:"warnings,omitempty"`
}

type CheckRequest struct {
	Endpoint       string `json:"endpoint"`
	ControlPort    int    `json:"control_port"`
	KeyMaterial    string `json:"key_material"`
	NICName        string `json:"nic_name"`
	OverlayAddress string `json:"overlay_address,omitempty"` // пусто: оставить текущий
}

func (r CheckRequest) ID() PeerID { return PeerID{Endpoint: r.Endpoint, ControlPort: r.ControlPort} }

const (
	ResultOK        = "ok"
	ResultUpdated   = "updated"
	ResultUnchanged = "unchanged"
	ResultApplied   = "applied"
)

type CheckReply struct {
	Result   string   `json:"result"`
	Warnings []string `json:"warnings,omitempty"`
}

// PeerRequest: вход Pull и Delete.
type PeerRequest struct {
	Endpoint    string `json:"endpoint"`
	ControlPort int    `json:"control_port"`
}

func (r PeerRequest) ID() PeerID { return PeerID{Endpoint: r.Endpoint, ControlPort: r.ControlPort} }

type PullReply struct {
	Config string `json:"config"`
}

type DeleteReply struct {
	Result   string   `json:"result"`
	Warnings []string `json:"warnings,omitempty"`
}

type UpdateConfigRequest struct {
	Config string `json:"config"`
}

type UpdateConfigReply struct {
	Result   string   `json:"result"`
	Reloaded bool     `json:"reloaded"`
	Warnings []string `json:"warnings,omitempty"`
}

/* ───── Контракты ролей ───── */

// CoordinatorAPI: RPC-поверхность координатора.
type CoordinatorAPI interface {
	Hello(ctx context.Context, req HelloRequest) (*HelloReply, error)
	Submit(ctx context.Context, req SubmitRequest) (*SubmitReply, error)
	Check(ctx context.Context, req CheckRequest) (*CheckReply, error)
	Pull(ctx context.Context, req PeerRequest) (*PullReply, error)
	Delete(ctx context.Context, req PeerRequest) (*DeleteReply, error)
}

// PeerAgentAPI: RPC-поверхность агента на пире.
type PeerAgentAPI interface {
	Hello(ctx context.Context, req HelloRequest) (*HelloReply, error)
	UpdateConfig(ctx context.Context, req UpdateConfigRequest) (*UpdateConfigReply, error)
}
