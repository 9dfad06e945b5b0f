// Package session holds per-WebSocket client state and the process-wide
// registry used to look sessions up (by id, or as "the sole connected
// session") for MCP routing.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hyper-ai-inc/acp-proxy/internal/acpproto"
	"github.com/hyper-ai-inc/acp-proxy/internal/agentproc"
	"github.com/hyper-ai-inc/acp-proxy/internal/fsguard"
)

// Frame is an outbound proxy→UI message; Type is the wire discriminator.
type Frame struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"-"`
}

// PendingPermission tracks one outstanding session/requestPermission call
// awaiting a UI decision or its 5-minute deadline.
type PendingPermission struct {
	Resolve func(acpproto.PermissionOutcome)
	Timer   *time.Timer
}

// Session is the per-connected-WebSocket client state: one owned agent
// handle, one ACP session id, pending permissions, and an optional
// filesystem watch subscription, all touched only by that session's own
// task.
type Session struct {
	ID string

	mu                 sync.Mutex
	Agent              *agentproc.Supervisor
	ACPSessionID       string
	PromptCapabilities acpproto.PromptCapabilities
	ModelState         *acpproto.ModelState
	WorkingDir         string
	Sandbox            *fsguard.Sandbox
	FSSubscription     *fsguard.Subscription
	pendingPermissions map[string]*PendingPermission
	promptInFlight     bool

	Send func(Frame)
}

// New returns a freshly minted Session bound to a send function that the
// transport layer installs to deliver frames on this session's WebSocket.
func New(send func(Frame)) *Session {
	return &Session{
		ID:                 uuid.New().String(),
		pendingPermissions: make(map[string]*PendingPermission),
		Send:               send,
	}
}

// BeginPrompt reports whether a prompt may start, atomically marking one
// in-flight if so. Enforces the at-most-one-in-flight-prompt invariant.
func (s *Session) BeginPrompt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.promptInFlight {
		return false
	}
	s.promptInFlight = true
	return true
}

// EndPrompt clears the in-flight prompt flag, called as soon as the agent's
// session/prompt call returns, whether it succeeded or failed.
func (s *Session) EndPrompt() {
	s.mu.Lock()
	s.promptInFlight = false
	s.mu.Unlock()
}

// AddPendingPermission records a resolver for requestID, replacing any
// stale entry with the same id (should not happen in practice; ids are
// proxy-minted and unique).
func (s *Session) AddPendingPermission(requestID string, p *PendingPermission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingPermissions[requestID] = p
}

// ResolvePendingPermission removes and resolves requestID's entry, if
// present, reporting whether one was found so a caller can warn on
// unsolicited responses.
func (s *Session) ResolvePendingPermission(requestID string, outcome acpproto.PermissionOutcome) bool {
	s.mu.Lock()
	p, ok := s.pendingPermissions[requestID]
	if ok {
		delete(s.pendingPermissions, requestID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	if p.Timer != nil {
		p.Timer.Stop()
	}
	p.Resolve(outcome)
	return true
}

// CancelAllPendingPermissions resolves every outstanding permission request
// for this session as cancelled, used by both `cancel` and session teardown.
func (s *Session) CancelAllPendingPermissions() {
	s.mu.Lock()
	pending := s.pendingPermissions
	s.pendingPermissions = make(map[string]*PendingPermission)
	s.mu.Unlock()

	for _, p := range pending {
		if p.Timer != nil {
			p.Timer.Stop()
		}
		p.Resolve(acpproto.Cancelled())
	}
}

// Registry tracks every connected session so the MCP endpoint can resolve a
// target by id or fall back to the sole connected session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers s.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

// Remove unregisters the session with the given id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Get returns the session with the given id, if connected.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// All returns every connected session, used by shutdown to tear each one
// down before the listener stops.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Sole returns the single connected session, if exactly one is connected.
// Used to resolve MCP calls that omit a session id in their URL path.
func (r *Registry) Sole() (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.sessions) != 1 {
		return nil, false
	}
	for _, s := range r.sessions {
		return s, true
	}
	return nil, false
}
