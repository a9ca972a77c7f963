package acme

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// sanitizeKey turns a route key into a filesystem-safe filename stem:
// "*", "/", and any byte outside [A-Za-z0-9._-] become "_". Keys
// differing only in case collide, matching invariant 5 (they are
// lowercased by the config store before reaching here, but the
// replacement is applied defensively regardless).
func sanitizeKey(host string) string {
	host = strings.ToLower(host)
	var b strings.Builder
	b.Grow(len(host))
	for i := 0; i < len(host); i++ {
		r := host[i]
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteByte(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func chainPath(cacheDir, host string) string {
	return filepath.Join(cacheDir, sanitizeKey(host)+".chain.pem")
}

func keyPath(cacheDir, host string) string {
	return filepath.Join(cacheDir, sanitizeKey(host)+".key.pem")
}

func accountKeyPath(cacheDir string) string {
	return filepath.Join(cacheDir, "account.key")
}

// writeFileAtomic writes data to path via a temp file in the same
// directory followed by a rename, so a crash mid-write never leaves a
// torn file for a concurrent reload to observe.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".minipx-acme-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp cache file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp cache file: %w", err)
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return fmt.Errorf("chmod temp cache file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename cache file into place: %w", err)
	}
	return nil
}

// saveCertificate persists the issued chain and private key for host,
// write-rename, matching the cache directory layout in spec section 6.
func saveCertificate(cacheDir, host string, derChain [][]byte, key *ecdsa.PrivateKey) error {
	var chainPEM strings.Builder
	for _, der := range derChain {
		if err := pem.Encode(&chainPEM, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
			return fmt.Errorf("encode certificate chain: %w", err)
		}
	}
	if err := writeFileAtomic(chainPath(cacheDir, host), []byte(chainPEM.String()), 0o644); err != nil {
		return err
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return writeFileAtomic(keyPath(cacheDir, host), keyPEM, 0o600)
}

// loadCertificate reads a previously cached chain+key pair for host, if
// present.
func loadCertificate(cacheDir, host string) (*tls.Certificate, error) {
	chainPEM, err := os.ReadFile(chainPath(cacheDir, host))
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyPath(cacheDir, host))
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(chainPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse cached certificate for %s: %w", host, err)
	}
	return &cert, nil
}

// parseLeaf parses the first DER certificate in cert, used to read its
// NotAfter after loading from disk cache (x509.Certificate isn't kept
// around in a tls.Certificate once parsed).
func parseLeaf(cert *tls.Certificate) (*x509.Certificate, error) {
	return x509.ParseCertificate(cert.Certificate[0])
}

// loadOrCreateAccountKey loads the ACME account key from cacheDir,
// generating and persisting a fresh ECDSA P-256 key on first use.
func loadOrCreateAccountKey(cacheDir string) (*ecdsa.PrivateKey, error) {
	path := accountKeyPath(cacheDir)
	if data, err := os.ReadFile(path); err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("account key %s: not PEM", path)
		}
		return x509.ParseECPrivateKey(block.Bytes)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate account key: %w", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal account key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	if err := writeFileAtomic(path, pemBytes, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}
