package tlscert

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEnsureCertificate_GeneratesOnFirstCall(t *testing.T) {
	dir := t.TempDir()

	certPath, keyPath, err := EnsureCertificate(dir, "cert.pem", "key.pem")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cert := loadCert(t, certPath)
	if cert.Subject.CommonName == "" {
		t.Error("expected non-empty common name")
	}
	if !cert.NotAfter.After(time.Now().Add(360 * 24 * time.Hour)) {
		t.Errorf("expected ~365 day validity, got NotAfter=%v", cert.NotAfter)
	}

	var hasLocalhost, hasLoopback bool
	for _, name := range cert.DNSNames {
		if name == "localhost" {
			hasLocalhost = true
		}
	}
	for _, ip := range cert.IPAddresses {
		if ip.String() == "127.0.0.1" {
			hasLoopback = true
		}
	}
	if !hasLocalhost {
		t.Errorf("expected localhost in DNSNames, got %v", cert.DNSNames)
	}
	if !hasLoopback {
		t.Errorf("expected 127.0.0.1 in IPAddresses, got %v", cert.IPAddresses)
	}

	if _, err := os.Stat(keyPath); err != nil {
		t.Fatalf("expected key file to exist: %v", err)
	}
}

func TestEnsureCertificate_ReusesValidCertificate(t *testing.T) {
	dir := t.TempDir()

	certPath, keyPath, err := EnsureCertificate(dir, "cert.pem", "key.pem")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	firstCert, err := os.ReadFile(certPath)
	if err != nil {
		t.Fatalf("read cert: %v", err)
	}

	certPath2, keyPath2, err := EnsureCertificate(dir, "cert.pem", "key.pem")
	if err != nil {
		t.Fatalf("unexpected error on second call: %v", err)
	}
	if certPath2 != certPath || keyPath2 != keyPath {
		t.Fatalf("expected stable paths, got %q/%q", certPath2, keyPath2)
	}

	secondCert, err := os.ReadFile(certPath2)
	if err != nil {
		t.Fatalf("read cert: %v", err)
	}
	if string(firstCert) != string(secondCert) {
		t.Error("expected unchanged certificate bytes on reuse")
	}
}

func TestEnsureCertificate_RegeneratesUnparsableCertificate(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")

	if err := generate(dir, certPath, keyPath); err != nil {
		t.Fatalf("generate: %v", err)
	}

	// certStillValid treats a corrupted cert the same as a missing one, the
	// same path an expired NotAfter takes; exercise that without needing to
	// fabricate a backdated certificate.
	if err := os.WriteFile(certPath, []byte("not a valid pem"), 0o644); err != nil {
		t.Fatalf("corrupt cert: %v", err)
	}

	newCertPath, _, err := EnsureCertificate(dir, "cert.pem", "key.pem")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cert := loadCert(t, newCertPath)
	if !cert.NotAfter.After(time.Now()) {
		t.Errorf("expected regenerated certificate to be valid, got NotAfter=%v", cert.NotAfter)
	}
}

func loadCert(t *testing.T, path string) *x509.Certificate {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read cert: %v", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		t.Fatal("expected PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}
	return cert
}
