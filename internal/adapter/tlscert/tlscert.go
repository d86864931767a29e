// Package tlscert auto-generates a self-signed loopback TLS certificate,
// grounded on original_source's tls.get_or_create_cert: a certificate
// valid for localhost, 127.0.0.1, and the machine hostname, regenerated
// whenever the one on disk is missing or expired.
package tlscert

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const validity = 365 * 24 * time.Hour

// EnsureCertificate returns paths to a valid PEM certificate and key under
// dir, generating a new self-signed pair if none exists or the existing
// one has expired.
func EnsureCertificate(dir, certFile, keyFile string) (certPath, keyPath string, err error) {
	certPath = filepath.Join(dir, certFile)
	keyPath = filepath.Join(dir, keyFile)

	if certStillValid(certPath) {
		if _, statErr := os.Stat(keyPath); statErr == nil {
			return certPath, keyPath, nil
		}
	}

	if err := generate(dir, certPath, keyPath); err != nil {
		return "", "", err
	}
	return certPath, keyPath, nil
}

func certStillValid(certPath string) bool {
	data, err := os.ReadFile(certPath)
	if err != nil {
		return false
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return false
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return false
	}
	return cert.NotAfter.After(time.Now())
}

func generate(dir, certPath, keyPath string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("tlscert: mkdir: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("tlscert: generate key: %w", err)
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "localhost"
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("tlscert: serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   hostname,
			Organization: []string{"Session Gateway"},
		},
		NotBefore:             now,
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              dnsNames(hostname),
		IPAddresses:           ipAddresses(hostname),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("tlscert: create certificate: %w", err)
	}

	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("tlscert: marshal key: %w", err)
	}
	if err := writePEM(keyPath, 0o600, &pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes}); err != nil {
		return fmt.Errorf("tlscert: write key: %w", err)
	}
	if err := writePEM(certPath, 0o644, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		return fmt.Errorf("tlscert: write cert: %w", err)
	}
	return nil
}

func writePEM(path string, mode os.FileMode, block *pem.Block) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	defer f.Close()
	return pem.Encode(f, block)
}

func dnsNames(hostname string) []string {
	names := []string{"localhost"}
	if hostname != "" && hostname != "localhost" {
		names = append(names, hostname)
	}
	return names
}

func ipAddresses(hostname string) []net.IP {
	ips := []net.IP{net.ParseIP("127.0.0.1")}
	if hostname == "" {
		return ips
	}
	addrs, err := net.LookupHost(hostname)
	if err != nil {
		return ips
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && a != "127.0.0.1" {
			ips = append(ips, ip)
		}
	}
	return ips
}
