package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// LoadOrCreateSigner loads the ed25519 keypair a node uses to sign usage
// submissions toward the chain, generating one on first run if path does
// not exist. This is deliberately a separate key from the RPC identity
// key: rotating the usage signer (e.g. after a suspected leak) must not
// also invalidate every peer's cached trust of the node's RPC identity.
func LoadOrCreateSigner(path string) (ed25519.PrivateKey, error) {
	if data, err := os.ReadFile(path); err == nil {
		block, _ := pem.Decode(data)
		if block == nil || block.Type != "PRIVATE KEY" {
			return nil, fmt.Errorf("security: malformed signer key at %s", path)
		}
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("security: parse signer key: %w", err)
		}
		priv, ok := key.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("security: signer key is not ed25519")
		}
		return priv, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("security: read signer key: %w", err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("security: generate signer key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("security: create signer key dir: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("security: marshal signer key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return nil, fmt.Errorf("security: write signer key: %w", err)
	}
	return priv, nil
}

// SignUsageReport signs a canonical usage submission payload. Submission
// encoding (pkg/wire or a higher layer) is responsible for producing a
// deterministic byte representation before this is called; signing is not
// itself responsible for canonicalization.
func SignUsageReport(priv ed25519.PrivateKey, payload []byte) []byte {
	return ed25519.Sign(priv, payload)
}

// VerifyUsageReport checks a usage submission signature against the
// signer's published public key. Returns ErrSigningFailure semantics are
// the caller's concern; this only reports true/false.
func VerifyUsageReport(pub ed25519.PublicKey, payload, sig []byte) bool {
	return ed25519.Verify(pub, payload, sig)
}
