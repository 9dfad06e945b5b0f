// Package auth resolves and enforces the proxy's single bearer token: the
// browser UI authenticates its WebSocket upgrade with it, and the MCP
// endpoint accepts either the token or an unauthenticated loopback caller.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// NoAuth is the --no-auth sentinel: it disables token enforcement entirely,
// it is never itself a valid token value.
const NoAuth = "no-auth"

// Gate enforces the single-token model: one bearer token for the whole
// proxy, no per-tool or per-session auth.
type Gate struct {
	token    string
	disabled bool
}

// NewGate builds a Gate. An envToken equal to NoAuth disables the gate just
// like disabled does. Otherwise, if envToken is non-empty it is used
// verbatim; if empty and disabled is false, a fresh random token is
// generated so the proxy never starts wide open by accident.
func NewGate(envToken string, disabled bool) (*Gate, error) {
	if disabled || envToken == NoAuth {
		return &Gate{disabled: true}, nil
	}
	if envToken != "" {
		return &Gate{token: envToken}, nil
	}
	token, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("generate auth token: %w", err)
	}
	return &Gate{token: token}, nil
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Token returns the active bearer token, or "" when auth is disabled.
func (g *Gate) Token() string {
	if g.disabled {
		return ""
	}
	return g.token
}

// Enabled reports whether the gate enforces a token at all.
func (g *Gate) Enabled() bool { return !g.disabled }

// Check validates a token value in constant time. Always true when auth is
// disabled.
func (g *Gate) Check(candidate string) bool {
	if g.disabled {
		return true
	}
	if candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(g.token)) == 1
}

// CheckRequest extracts a candidate token from the Authorization header
// ("Bearer <token>") or the "token" query parameter, used by the WebSocket
// upgrade path where browsers can't set custom headers before the handshake.
func (g *Gate) CheckRequest(r *http.Request) bool {
	if g.disabled {
		return true
	}
	if hdr := r.Header.Get("Authorization"); hdr != "" {
		parts := strings.SplitN(hdr, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" && g.Check(parts[1]) {
			return true
		}
	}
	return g.Check(r.URL.Query().Get("token"))
}

// AllowMCP reports whether r may reach the MCP endpoint: either it carries
// a valid token, or auth is disabled, or the connection originates from the
// loopback interface, since the agent subprocess dials the proxy's own MCP
// port directly and never sees the UI's token.
func (g *Gate) AllowMCP(r *http.Request) bool {
	if g.CheckRequest(r) {
		return true
	}
	return isLoopback(r.RemoteAddr)
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
