package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mindburn-labs/agentgateway/pkg/config"
	"github.com/mindburn-labs/agentgateway/pkg/crypto"
)

// loadSigner resolves the gateway's Ed25519 signing key. A hex-encoded
// seed in GATEWAY_ED25519_PRIVATE_KEY always wins. Otherwise, outside
// production, it loads (or generates and persists) a throwaway key
// under cfg.DataDir/root.key so a contributor gets a stable identity
// across restarts without configuring anything. Production without the
// env var never reaches this function: pkg/config.Load already refused
// to boot.
func loadSigner(cfg *config.Config, logger *slog.Logger) (*crypto.Ed25519Signer, error) {
	if cfg.Ed25519PrivateKeyHex != "" {
		seed, err := hex.DecodeString(cfg.Ed25519PrivateKeyHex)
		if err != nil {
			return nil, fmt.Errorf("gateway: invalid GATEWAY_ED25519_PRIVATE_KEY hex: %w", err)
		}
		priv := ed25519.NewKeyFromSeed(seed)
		return crypto.NewEd25519SignerFromKey(priv, "root"), nil
	}

	if cfg.IsProduction() {
		return nil, fmt.Errorf("gateway: production requires GATEWAY_ED25519_PRIVATE_KEY")
	}

	keyPath := filepath.Join(cfg.DataDir, "root.key")
	if data, err := os.ReadFile(keyPath); err == nil {
		seed, err := hex.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("gateway: invalid %s contents: %w", keyPath, err)
		}
		priv := ed25519.NewKeyFromSeed(seed)
		logger.Info("loaded persistent dev signing key", "path", keyPath)
		return crypto.NewEd25519SignerFromKey(priv, "root"), nil
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("gateway: create data dir: %w", err)
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("gateway: key generation failed: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(priv.Seed())), 0o600); err != nil {
		return nil, fmt.Errorf("gateway: persist dev signing key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(cfg.DataDir, "root.pub"), []byte(hex.EncodeToString(pub)), 0o644); err != nil {
		logger.Warn("failed to persist dev public key", "error", err)
	}
	logger.Warn("generated a new, unauthenticated dev signing key; do not use in production", "path", keyPath)
	return crypto.NewEd25519SignerFromKey(priv, "root"), nil
}
