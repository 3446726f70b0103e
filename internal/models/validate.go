package models

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"
)

var (
	// hostname или IPv4; IPv6-литералы проверяются отдельно
	endpointRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,100}$`)
	// правила имён интерфейсов Linux (IFNAMSIZ-1)
	nicRe = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,15}$`)
	// base64 ключа WireGuard
	keyRe = regexp.MustCompile(`^[A-Za-z0-9+/=]{1,100}$`)
)

func ValidateEndpoint(s string) error {
	if strings.Contains(s, ":") {
		// двоеточие допустимо только в IPv6-литерале, иначе "host:port" сломает Endpoint
		addr, err := netip.ParseAddr(s)
		if err != nil || !addr.Is6() || addr.Zone() != "" || len(s) > 100 {
			return fmt.Errorf("%w: endpoint %q must be a hostname, IPv4 or IPv6 address without port or zone", ErrValidation, s)
		}
		return nil
	}
	if !endpointRe.MatchString(s) {
		return fmt.Errorf("%w: endpoint %q must be 1-100 chars of [A-Za-z0-9._-]", ErrValidation, s)
	}
	return nil
}

func ValidateNIC(s string) error {
	if !nicRe.MatchString(s) || s == "." || s == ".." {
		return fmt.Errorf("%w: nic name %q must be 1-15 chars of [A-Za-z0-9_.-]", ErrValidation, s)
	}
	return nil
}

func ValidatePort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: %s %d out of range 1-65535", ErrValidation, name, port)
	}
	return nil
}

// ValidateKeyMaterial проверяет только форму; содержимое в сообщение не попадает.
func ValidateKeyMaterial(s string) error {
	if !keyRe.MatchString(s) {
		return fmt.Errorf("%w: key material must be base64 text", ErrValidation)
	}
	return nil
}

func ValidatePeerID(id PeerID) error {
	if err := ValidateEndpoint(id.Endpoint); err != nil {
		return err
	}
	return ValidatePort("control port", id.ControlPort)
}

// ParseOverlayAddress принимает только IPv4 в точечной нотации.
func ParseOverlayAddress(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("%w: overlay address %q is not an IPv4 address", ErrValidation, s)
	}
	return addr, nil
}
