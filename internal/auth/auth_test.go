package auth

import (
	"net/http/httptest"
	"testing"
)

func TestGateUsesEnvToken(t *testing.T) {
	g, err := NewGate("fixed-token", false)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	if !g.Check("fixed-token") {
		t.Fatal("expected the configured token to validate")
	}
	if g.Check("other") {
		t.Fatal("expected a wrong token to fail")
	}
	if g.Check("") {
		t.Fatal("expected an empty candidate to fail")
	}
}

func TestGateGeneratesRandomToken(t *testing.T) {
	g, err := NewGate("", false)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	if len(g.Token()) != 64 {
		t.Fatalf("expected a 32-byte hex token, got %q", g.Token())
	}
	if !g.Check(g.Token()) {
		t.Fatal("expected the generated token to validate")
	}
}

func TestDisabledGateAcceptsAnything(t *testing.T) {
	g, err := NewGate("ignored", true)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	if g.Enabled() {
		t.Fatal("expected the gate to report disabled")
	}
	if !g.Check("anything") || !g.Check("") {
		t.Fatal("expected a disabled gate to accept any candidate")
	}
	if g.Token() != "" {
		t.Fatalf("disabled gate must not expose a token, got %q", g.Token())
	}
}

func TestCheckRequestQueryParamAndBearer(t *testing.T) {
	g, err := NewGate("tok", false)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	byQuery := httptest.NewRequest("GET", "/ws?token=tok", nil)
	if !g.CheckRequest(byQuery) {
		t.Fatal("expected the token query parameter to validate")
	}

	byHeader := httptest.NewRequest("GET", "/ws", nil)
	byHeader.Header.Set("Authorization", "Bearer tok")
	if !g.CheckRequest(byHeader) {
		t.Fatal("expected the Authorization header to validate")
	}

	wrong := httptest.NewRequest("GET", "/ws?token=nope", nil)
	if g.CheckRequest(wrong) {
		t.Fatal("expected a wrong token to fail")
	}
}

func TestAllowMCPLoopbackBypass(t *testing.T) {
	g, err := NewGate("tok", false)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	local := httptest.NewRequest("POST", "/mcp", nil)
	local.RemoteAddr = "127.0.0.1:52000"
	if !g.AllowMCP(local) {
		t.Fatal("expected a loopback caller to reach MCP without a token")
	}

	remote := httptest.NewRequest("POST", "/mcp", nil)
	remote.RemoteAddr = "203.0.113.9:52000"
	if g.AllowMCP(remote) {
		t.Fatal("expected a remote caller without a token to be rejected")
	}

	remoteWithToken := httptest.NewRequest("POST", "/mcp?token=tok", nil)
	remoteWithToken.RemoteAddr = "203.0.113.9:52000"
	if !g.AllowMCP(remoteWithToken) {
		t.Fatal("expected a remote caller with the token to be accepted")
	}
}
