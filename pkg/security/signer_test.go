package security

import (
	"crypto/ed25519"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateSignerPersistsAcrossCalls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signer.key")

	priv1, err := LoadOrCreateSigner(path)
	if err != nil {
		t.Fatalf("LoadOrCreateSigner() error = %v", err)
	}
	priv2, err := LoadOrCreateSigner(path)
	if err != nil {
		t.Fatalf("second LoadOrCreateSigner() error = %v", err)
	}
	if !priv1.Equal(priv2) {
		t.Error("signer key changed across restarts")
	}
}

func TestSignAndVerifyUsageReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signer.key")
	priv, err := LoadOrCreateSigner(path)
	if err != nil {
		t.Fatalf("LoadOrCreateSigner() error = %v", err)
	}

	payload := []byte("stack=abc cpu_ms=1200 mem_byte_s=48000")
	sig := SignUsageReport(priv, payload)
	pub := priv.Public().(ed25519.PublicKey)

	if !VerifyUsageReport(pub, payload, sig) {
		t.Error("VerifyUsageReport() rejected a validly signed report")
	}
	if VerifyUsageReport(pub, []byte("tampered"), sig) {
		t.Error("VerifyUsageReport() accepted a tampered payload")
	}
}
