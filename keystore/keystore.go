// Package keystore persists one node's Ed25519 validator identity to
// disk as JSON (format tag FDKSv1). No AES-KW/HSM key-wrapping layer:
// this domain fixes Ed25519 with a single software signer, so there is
// no hardware-backed KEK to wrap the private key under. The private key
// is stored hex-encoded; file permissions (0600) are the only
// confidentiality control.
package keystore

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"findag.dev/core/fincrypto"
)

const formatVersion = "FDKSv1"

type fileV1 struct {
	Version    string `json:"version"`
	AddressHex string `json:"address_hex"`
	PublicKey  string `json:"public_key_hex"`
	PrivateKey string `json:"private_key_hex"`
}

// Load reads an identity from path, or generates and persists a fresh
// one if path does not exist yet -- the same load-or-seed pattern
// validator.NewRegistry uses for its first-run seeding.
func Load(path string) (fincrypto.Signer, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return generate(path)
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: read %s: %w", path, err)
	}
	var f fileV1
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("keystore: parse %s: %w", path, err)
	}
	if f.Version != formatVersion {
		return nil, fmt.Errorf("keystore: unsupported format %q", f.Version)
	}
	skRaw, err := hex.DecodeString(f.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("keystore: decode private key: %w", err)
	}
	return fincrypto.NewSigner(fincrypto.PrivateKey(skRaw)), nil
}

func generate(path string) (fincrypto.Signer, error) {
	pub, sk, err := fincrypto.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("keystore: generate keypair: %w", err)
	}
	addr := fincrypto.AddressFromPublicKey(pub)
	f := fileV1{
		Version:    formatVersion,
		AddressHex: hex.EncodeToString(addr[:]),
		PublicKey:  hex.EncodeToString(pub[:]),
		PrivateKey: hex.EncodeToString(sk),
	}
	raw, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("keystore: encode: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("keystore: mkdir %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("keystore: write %s: %w", path, err)
	}
	return fincrypto.NewSigner(sk), nil
}
