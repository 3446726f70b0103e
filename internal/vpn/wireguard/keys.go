package wireguard

import (
	"fmt"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"wiresync/internal/models"
)

// Keys выводит публичный ключ из приватного (Curve25519), как `wg pubkey`.
type Keys struct{}

func (Keys) PublicKey(material string) (string, error) {
	k, err := wgtypes.ParseKey(strings.TrimSpace(material))
	if err != nil {
		// само значение в ошибку не кладём
		return "", fmt.Errorf("%w: private key is not a valid wireguard key", models.ErrKeyDerivation)
	}
	return k.PublicKey().String(), nil
}

// GeneratePrivateKey: новый приватный ключ на стороне пира.
func GeneratePrivateKey() (string, error) {
	k, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return "", err
	}
	return k.String(), nil
}
