package agent

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/sys/atomicwriter"

	"wiresync/internal/vpn/wireguard"
)

// LoadKeyMaterial: inline-ключ, иначе содержимое keyFile.
// generate: создать keyFile с новым ключом, если его нет.
func LoadKeyMaterial(inline, keyFile string, generate bool) (string, error) {
	if k := strings.TrimSpace(inline); k != "" {
		return k, nil
	}
	if keyFile == "" {
		return "", errors.New("no private key configured")
	}
	b, err := os.ReadFile(keyFile)
	if err == nil {
		k := strings.TrimSpace(string(b))
		if k == "" {
			return "", fmt.Errorf("key file %s is empty", keyFile)
		}
		return k, nil
	}
	if !errors.Is(err, fs.ErrNotExist) || !generate {
		return "", fmt.Errorf("read key file: %w", err)
	}

	k, err := wireguard.GeneratePrivateKey()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(keyFile), 0o700); err != nil {
		return "", err
	}
	if err := atomicwriter.WriteFile(keyFile, []byte(k+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write key file: %w", err)
	}
	return k, nil
}
