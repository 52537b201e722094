package journal

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// LoadOrCreateSigningKey loads an Ed25519 seed from path, or generates and
// persists a new one. It returns the key and the hex public key.
func LoadOrCreateSigningKey(path string) (ed25519.PrivateKey, string, error) {
	data, err := os.ReadFile(path)
	if err == nil && len(data) == ed25519.SeedSize {
		priv := ed25519.NewKeyFromSeed(data)
		return priv, hex.EncodeToString(priv.Public().(ed25519.PublicKey)), nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, "", fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, priv.Seed(), 0o600); err != nil {
		return nil, "", fmt.Errorf("write key: %w", err)
	}
	return priv, hex.EncodeToString(pub), nil
}
