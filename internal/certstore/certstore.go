// Package certstore caches and regenerates the self-signed TLS certificate
// used when the proxy is started with --https.
package certstore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
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

const (
	keyBits        = 2048
	validity       = 365 * 24 * time.Hour
	renewThreshold = 7 * 24 * time.Hour
)

// Store manages the proxy's self-signed certificate on disk.
type Store struct {
	dir string
}

// New returns a Store that persists under dir (typically ~/.acp-proxy).
func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) keyPath() string  { return filepath.Join(s.dir, "key.pem") }
func (s *Store) certPath() string { return filepath.Join(s.dir, "cert.pem") }

// Load loads and returns a usable tls.Certificate, regenerating and
// persisting a new one when the cached copy is missing, unparsable, near
// expiry, or missing a current LAN IP from its SAN list.
func (s *Store) Load() (tls.Certificate, error) {
	lanIPs, err := currentLANIPv4s()
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("enumerate LAN addresses: %w", err)
	}

	if cert, leaf, err := s.loadCached(); err == nil {
		if isFresh(leaf, lanIPs) {
			return cert, nil
		}
	}

	return s.generate(lanIPs)
}

func (s *Store) loadCached() (tls.Certificate, *x509.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(s.certPath(), s.keyPath())
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return cert, leaf, nil
}

// isFresh reports whether leaf is good for reuse: more than renewThreshold
// from expiry, and every current non-loopback LAN IPv4 address is present
// in its SAN list.
func isFresh(leaf *x509.Certificate, lanIPs []net.IP) bool {
	if time.Until(leaf.NotAfter) <= renewThreshold {
		return false
	}
	for _, want := range lanIPs {
		found := false
		for _, have := range leaf.IPAddresses {
			if have.Equal(want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (s *Store) generate(lanIPs []net.IP) (tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate RSA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial: %w", err)
	}

	ips := append([]net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}, lanIPs...)

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "ACP Proxy Server"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(validity),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  ips,
		IsCA:         true,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	if err := s.persist(keyPEM, certPEM); err != nil {
		return tls.Certificate{}, err
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load generated keypair: %w", err)
	}
	return cert, nil
}

// persist writes both PEMs atomically: write to a temp file in the same
// directory, then rename over the final path, so a reader never observes a
// half-written cert or key.
func (s *Store) persist(keyPEM, certPEM []byte) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create cert dir: %w", err)
	}
	if err := atomicWrite(s.keyPath(), keyPEM, 0o600); err != nil {
		return fmt.Errorf("persist key: %w", err)
	}
	if err := atomicWrite(s.certPath(), certPEM, 0o644); err != nil {
		return fmt.Errorf("persist cert: %w", err)
	}
	return nil
}

func atomicWrite(path string, data []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// currentLANIPv4s returns every non-loopback IPv4 address bound to a
// currently-up interface.
func currentLANIPv4s() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.To4() == nil || ip.IsLoopback() {
				continue
			}
			ips = append(ips, ip)
		}
	}
	return ips, nil
}
