package wireguard

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/godbus/dbus/v5"
)

// Reloader применяет записанный конфиг к живому интерфейсу.
type Reloader interface {
	Reload(ctx context.Context) error
}

// NewReloader выбирает перезагрузчик по имени из конфига: systemd | wg-quick | none.
func NewReloader(kind, iface string) (Reloader, error) {
	switch strings.ToLower(kind) {
	case "", "none":
		return NopReloader{}, nil
	case "systemd":
		return &SystemdReloader{Interface: iface}, nil
	case "wg-quick", "wgquick":
		return &WgQuickReloader{Interface: iface}, nil
	default:
		return nil, fmt.Errorf("unknown reloader %q (want systemd, wg-quick or none)", kind)
	}
}

/* ───── systemd ───── */

// SystemdReloader перезапускает wg-quick@<iface>.service через D-Bus.
type SystemdReloader struct {
	Interface string
}

func (r *SystemdReloader) Unit() string { return fmt.Sprintf("wg-quick@%s.service", r.Interface) }

func (r *SystemdReloader) Reload(ctx context.Context) error {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("connect system bus: %w", err)
	}
	defer conn.Close()

	obj := conn.Object("org.freedesktop.systemd1", dbus.ObjectPath("/org/freedesktop/systemd1"))
	var job dbus.ObjectPath
	call := obj.CallWithContext(ctx, "org.freedesktop.systemd1.Manager.RestartUnit", 0, r.Unit(), "replace")
	if err := call.Store(&job); err != nil {
		return fmt.Errorf("restart %s: %w", r.Unit(), err)
	}
	return nil
}

/* ───── wg-quick ───── */

// WgQuickReloader делает `wg-quick down` и `wg-quick up`.
// Ошибка down игнорируется: интерфейса могло не быть.
type WgQuickReloader struct {
	Interface string
	Binary    string // по умолчанию wg-quick из PATH
}

func (r *WgQuickReloader) Reload(ctx context.Context) error {
	bin := r.Binary
	if bin == "" {
		bin = "wg-quick"
	}
	_ = exec.CommandContext(ctx, bin, "down", r.Interface).Run()
	out, err := exec.CommandContext(ctx, bin, "up", r.Interface).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s up %s: %w: %s", bin, r.Interface, err, strings.TrimSpace(string(out)))
	}
	return nil
}

type NopReloader struct{}

func (NopReloader) Reload(context.Context) error { return nil }
