package rpc

import (
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"github.com/mu-protocol/executor/pkg/security"
	"github.com/mu-protocol/executor/pkg/types"
)

// PeerKeyLookup is the subset of membership.Table the transport needs
// to authorize an incoming or outgoing mTLS connection: every peer's
// NodeId is its public key, so a membership snapshot doubles as the
// trust store.
type PeerKeyLookup interface {
	Snapshot() []types.NodeInfo
}

// Self-signed peer certificates have no shared CA, so standard chain
// verification is skipped; VerifyPeerCertificate does the real check
// against the membership table instead.
func buildTLSConfig(cert tls.Certificate, peers PeerKeyLookup, requireClientCert bool) *tls.Config {
	cfg := &tls.Config{
		Certificates:          []tls.Certificate{cert},
		InsecureSkipVerify:    true,
		MinVersion:            tls.VersionTLS13,
		VerifyPeerCertificate: verifyPeer(peers),
	}
	if requireClientCert {
		cfg.ClientAuth = tls.RequireAnyClientCert
	}
	return cfg
}

func verifyPeer(peers PeerKeyLookup) func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("rpc: no peer certificate presented")
		}
		cert, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("rpc: parse peer certificate: %w", err)
		}
		claimedID, err := types.ParseNodeId(cert.Subject.CommonName)
		if err != nil {
			return fmt.Errorf("rpc: peer certificate subject is not a node id: %w", err)
		}

		var trustedKey ed25519.PublicKey
		for _, n := range peers.Snapshot() {
			if n.ID == claimedID {
				id := n.ID
				trustedKey = ed25519.PublicKey(id[:])
				break
			}
		}
		return security.VerifyPeerNodeID(rawCerts[0], claimedID, trustedKey)
	}
}
