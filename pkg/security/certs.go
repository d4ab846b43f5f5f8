package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/mu-protocol/executor/pkg/types"
)

const certValidity = 365 * 24 * time.Hour

// GetCertDir returns the directory a node keeps its self-signed RPC
// certificate and identity key in.
func GetCertDir(dataDir string) string {
	return filepath.Join(dataDir, "certs")
}

// LoadOrCreateIdentity loads the node's ed25519 identity keypair from
// dataDir, generating one on first run. The NodeId is the raw 32-byte
// public key: no further hashing or encoding is needed since ed25519
// public keys are already fixed-size and collision-resistant as
// identifiers, and the assigner's own hash (over NodeId ++ StackId)
// supplies the mixing the owner computation needs.
func LoadOrCreateIdentity(dataDir string) (ed25519.PrivateKey, types.NodeId, error) {
	dir := GetCertDir(dataDir)
	keyPath := filepath.Join(dir, "identity.key")

	if data, err := os.ReadFile(keyPath); err == nil {
		block, _ := pem.Decode(data)
		if block == nil || block.Type != "PRIVATE KEY" {
			return nil, types.NodeId{}, fmt.Errorf("security: malformed identity key at %s", keyPath)
		}
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, types.NodeId{}, fmt.Errorf("security: parse identity key: %w", err)
		}
		priv, ok := key.(ed25519.PrivateKey)
		if !ok {
			return nil, types.NodeId{}, fmt.Errorf("security: identity key is not ed25519")
		}
		return priv, nodeIDFromPublicKey(priv.Public().(ed25519.PublicKey)), nil
	} else if !os.IsNotExist(err) {
		return nil, types.NodeId{}, fmt.Errorf("security: read identity key: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, types.NodeId{}, fmt.Errorf("security: generate identity key: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, types.NodeId{}, fmt.Errorf("security: create cert dir: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, types.NodeId{}, fmt.Errorf("security: marshal identity key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(keyPath, pemBytes, 0o600); err != nil {
		return nil, types.NodeId{}, fmt.Errorf("security: write identity key: %w", err)
	}
	return priv, nodeIDFromPublicKey(pub), nil
}

func nodeIDFromPublicKey(pub ed25519.PublicKey) types.NodeId {
	var id types.NodeId
	copy(id[:], pub)
	return id
}

// SelfSignedCert builds a self-signed TLS certificate whose subject
// common name is the node's hex NodeId and whose key is the node's
// identity keypair. Peers verify it against the public key published in
// the membership row for that NodeId, not against a CA: the membership
// table is the trust root here, per the "identity across restarts"
// design note.
func SelfSignedCert(priv ed25519.PrivateKey, nodeID types.NodeId) (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("security: generate serial: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: nodeID.String()},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(certValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("security: create certificate: %w", err)
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}, nil
}

// VerifyPeerNodeID checks that a peer's presented leaf certificate both
// parses and carries the public key published for claimedID. trustedKey
// is looked up by the caller from the membership table immediately before
// the call; a nil or mismatched key rejects the connection.
func VerifyPeerNodeID(certDER []byte, claimedID types.NodeId, trustedKey ed25519.PublicKey) error {
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("security: parse peer certificate: %w", err)
	}
	peerKey, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return fmt.Errorf("security: peer certificate key is not ed25519")
	}
	if nodeIDFromPublicKey(peerKey) != claimedID {
		return fmt.Errorf("security: peer certificate key does not match claimed node id")
	}
	if trustedKey == nil {
		return fmt.Errorf("security: no membership row for claimed node id %s", claimedID)
	}
	if !peerKey.Equal(trustedKey) {
		return fmt.Errorf("security: peer certificate key does not match membership-published key for %s", claimedID)
	}
	return nil
}

// CertNeedsRotation reports whether the leaf certificate is within 30
// days of expiry.
func CertNeedsRotation(cert *x509.Certificate) bool {
	if cert == nil {
		return true
	}
	return time.Until(cert.NotAfter) < 30*24*time.Hour
}
