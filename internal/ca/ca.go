// Package ca manages the interception proxy's own certificate authority:
// loading or generating the long-lived root, and minting short-lived leaf
// certificates on demand, keyed by hostname.
package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

const (
	rootSubject  = "jojq Root CA"
	rootValidity = 10 * 365 * 24 * time.Hour
	leafValidity = 365 * 24 * time.Hour
	leafCacheCap = 1000

	certFileName = "ca-cert.pem"
	keyFileName  = "ca-key.pem"
)

// Manager owns the root CA material and the in-memory leaf cache. Callers
// obtain one per proxy instance; there is no package-level singleton.
type Manager struct {
	dir string

	mu      sync.RWMutex
	rootKey *rsa.PrivateKey
	root    *x509.Certificate

	leaves *lru.Cache[string, *tls.Certificate]
	group  singleflight.Group
	serial atomic.Int64
}

// New constructs a Manager rooted at dir. It does not touch disk until
// EnsureCA is called.
func New(dir string) (*Manager, error) {
	cache, err := lru.New[string, *tls.Certificate](leafCacheCap)
	if err != nil {
		return nil, fmt.Errorf("ca: allocate leaf cache: %w", err)
	}
	return &Manager{dir: dir, leaves: cache}, nil
}

// EnsureCA is idempotent. On first call it either loads existing CA material
// from disk or generates and persists a new root. A corrupted on-disk CA is
// warned about and regenerated; a directory that cannot be created or
// written is a fatal error to the caller.
func (m *Manager) EnsureCA() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.root != nil && m.rootKey != nil {
		return nil
	}

	certPath := filepath.Join(m.dir, certFileName)
	keyPath := filepath.Join(m.dir, keyFileName)

	cert, key, err := loadRoot(certPath, keyPath)
	switch {
	case err == nil:
		m.root, m.rootKey = cert, key
		return nil
	case errors.Is(err, os.ErrNotExist):
		// At least one of the two files missing: generate a fresh pair, the
		// common first-run path.
	default:
		log.Printf("ca: cached CA at %s unreadable (%v); regenerating", m.dir, err)
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("ca: create %s: %w", m.dir, err)
	}
	cert, key, err = generateRoot()
	if err != nil {
		return fmt.Errorf("ca: generate root: %w", err)
	}
	if err := saveRoot(cert, key, certPath, keyPath); err != nil {
		return fmt.Errorf("ca: persist root: %w", err)
	}
	m.root, m.rootKey = cert, key
	return nil
}

// CACertPath returns the on-disk location of the root certificate, for
// operator import into the calling client.
func (m *Manager) CACertPath() string {
	return filepath.Join(m.dir, certFileName)
}

// LeafFor returns the cached leaf certificate for hostname, minting one on
// first request. Hostnames are normalized to lowercase before lookup so
// "Example.com" and "example.com" share a single leaf (spec.md §9 open
// question, resolved here).
func (m *Manager) LeafFor(hostname string) (*tls.Certificate, error) {
	hostname = strings.ToLower(hostname)

	if leaf, ok := m.leaves.Get(hostname); ok {
		return leaf, nil
	}

	// singleflight collapses concurrent mints for the same hostname into one
	// generation; the spec also tolerates racing mints (last write wins), but
	// collapsing avoids wasting a keypair in the common case.
	v, err, _ := m.group.Do(hostname, func() (interface{}, error) {
		if leaf, ok := m.leaves.Get(hostname); ok {
			return leaf, nil
		}
		leaf, err := m.mintLeaf(hostname)
		if err != nil {
			return nil, err
		}
		m.leaves.Add(hostname, leaf)
		return leaf, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

func (m *Manager) mintLeaf(hostname string) (*tls.Certificate, error) {
	m.mu.RLock()
	root, rootKey := m.root, m.rootKey
	m.mu.RUnlock()
	if root == nil || rootKey == nil {
		return nil, errors.New("ca: root not initialized, call EnsureCA first")
	}

	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("ca: generate leaf key for %s: %w", hostname, err)
	}

	// Serial is the millisecond wall clock shifted left 20 bits plus a
	// per-Manager counter, so leaves minted in the same millisecond still get
	// distinct serials. The cache keys on hostname, not serial.
	serial := big.NewInt(time.Now().UnixMilli())
	serial.Lsh(serial, 20)
	serial.Add(serial, big.NewInt(m.serial.Add(1)))

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: hostname},
		DNSNames:     []string{hostname},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
		BasicConstraintsValid: true,
		IsCA:                  false,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, root, &leafKey.PublicKey, rootKey)
	if err != nil {
		return nil, fmt.Errorf("ca: sign leaf for %s: %w", hostname, err)
	}

	leaf := &tls.Certificate{
		Certificate: [][]byte{der, root.Raw},
		PrivateKey:  leafKey,
	}
	leaf.Leaf, _ = x509.ParseCertificate(der)
	return leaf, nil
}

// TLSConfigForHost returns a tls.Config whose initial certificate is the
// leaf for host, with a GetCertificate callback that re-selects based on
// the ClientHello's SNI server name (spec.md §4.6 step 1).
func (m *Manager) TLSConfigForHost(host string) (*tls.Config, error) {
	initial, err := m.LeafFor(host)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*initial},
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			name := hello.ServerName
			if name == "" {
				name = host
			}
			return m.LeafFor(name)
		},
		NextProtos: []string{"http/1.1"},
	}, nil
}

func loadRoot(certPath, keyPath string) (*x509.Certificate, *rsa.PrivateKey, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, err
	}

	cb, _ := pem.Decode(certPEM)
	if cb == nil || cb.Type != "CERTIFICATE" {
		return nil, nil, errors.New("ca: invalid root cert PEM")
	}
	kb, _ := pem.Decode(keyPEM)
	if kb == nil {
		return nil, nil, errors.New("ca: invalid root key PEM")
	}

	cert, err := x509.ParseCertificate(cb.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("ca: parse root cert: %w", err)
	}
	key, err := parseRSAKey(kb.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("ca: parse root key: %w", err)
	}
	return cert, key, nil
}

func parseRSAKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("root key is not RSA")
	}
	return rsaKey, nil
}

func generateRoot() (*x509.Certificate, *rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   rootSubject,
			Organization: []string{rootSubject},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

func saveRoot(cert *x509.Certificate, key *rsa.PrivateKey, certPath, keyPath string) error {
	certOut := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	keyOut := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	// Each file is written to a temp path and then renamed into place, so
	// neither is ever left half-written. The two renames are separate steps:
	// a crash between them can leave the new cert beside the old key, or
	// beside no key.
	tmpCert := certPath + ".tmp"
	tmpKey := keyPath + ".tmp"
	if err := os.WriteFile(tmpCert, certOut, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(tmpKey, keyOut, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmpCert, certPath); err != nil {
		return err
	}
	return os.Rename(tmpKey, keyPath)
}
