package certstore

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadGeneratesAndReuses(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	cert1, err := s.Load()
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "cert.pem")); err != nil {
		t.Fatalf("cert.pem not persisted: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "key.pem")); err != nil {
		t.Fatalf("key.pem not persisted: %v", err)
	}

	cert2, err := s.Load()
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if string(cert1.Certificate[0]) != string(cert2.Certificate[0]) {
		t.Fatal("expected cached certificate to be reused, got a freshly generated one")
	}
}

func TestIsFreshRejectsNearExpiry(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	if _, err := s.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	_, leaf, err := s.loadCached()
	if err != nil {
		t.Fatalf("loadCached: %v", err)
	}
	leaf.NotAfter = time.Now().Add(24 * time.Hour)

	if isFresh(leaf, nil) {
		t.Fatal("expected cert within renewThreshold of expiry to be stale")
	}
}

func TestIsFreshRejectsMissingLANIP(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	if _, err := s.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	_, leaf, err := s.loadCached()
	if err != nil {
		t.Fatalf("loadCached: %v", err)
	}

	missing := net.ParseIP("10.99.99.99")
	if isFresh(leaf, []net.IP{missing}) {
		t.Fatal("expected cert missing a current LAN IP from its SAN list to be stale")
	}
}
