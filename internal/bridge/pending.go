package bridge

import (
	"sync"
	"time"
)

// mcpCallDeadline is how long an MCP tools/call waits for a UI reply before
// resolving as a timeout.
const mcpCallDeadline = 30 * time.Second

// BrowserToolResult is the UI's reply to a browser_tool_call frame.
type BrowserToolResult struct {
	CallID string
	Result map[string]interface{}
	Error  string
}

type pendingCall struct {
	resolve  chan BrowserToolResult
	owner    string // session id
	once     sync.Once
	timer    *time.Timer
}

// PendingCalls is the process-wide correlation map for in-flight browser
// tool calls: a callId is removed exactly once, by whichever of UI reply,
// deadline, or session close fires first.
type PendingCalls struct {
	deadline time.Duration

	mu    sync.Mutex
	calls map[string]*pendingCall
}

// NewPendingCalls returns an empty, ready-to-use PendingCalls map with the
// standard 30s deadline.
func NewPendingCalls() *PendingCalls {
	return NewPendingCallsWithDeadline(mcpCallDeadline)
}

// NewPendingCallsWithDeadline builds a PendingCalls map whose entries time
// out after d instead of the default; tests use this to exercise the
// timeout path without real-time waits.
func NewPendingCallsWithDeadline(d time.Duration) *PendingCalls {
	return &PendingCalls{deadline: d, calls: make(map[string]*pendingCall)}
}

// Register records a new pending call owned by ownerSessionID and arms its
// deadline timer. Returns a channel that receives exactly one result.
func (p *PendingCalls) Register(callID, ownerSessionID string) <-chan BrowserToolResult {
	pc := &pendingCall{
		resolve: make(chan BrowserToolResult, 1),
		owner:   ownerSessionID,
	}
	pc.timer = time.AfterFunc(p.deadline, func() {
		p.resolve(callID, BrowserToolResult{CallID: callID, Error: "Browser tool call timed out"})
	})

	p.mu.Lock()
	p.calls[callID] = pc
	p.mu.Unlock()

	return pc.resolve
}

// Resolve delivers result as the outcome for callID, a no-op if the call
// already resolved (by timeout or session close) or never existed.
func (p *PendingCalls) Resolve(callID string, result BrowserToolResult) bool {
	return p.resolve(callID, result)
}

func (p *PendingCalls) resolve(callID string, result BrowserToolResult) bool {
	p.mu.Lock()
	pc, ok := p.calls[callID]
	if ok {
		delete(p.calls, callID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}

	pc.once.Do(func() {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		pc.resolve <- result
	})
	return true
}

// CancelForSession resolves every call owned by sessionID with an error,
// used when that session's WebSocket closes.
func (p *PendingCalls) CancelForSession(sessionID string) {
	p.mu.Lock()
	var owned []string
	for id, pc := range p.calls {
		if pc.owner == sessionID {
			owned = append(owned, id)
		}
	}
	p.mu.Unlock()

	for _, id := range owned {
		p.resolve(id, BrowserToolResult{CallID: id, Error: "session closed"})
	}
}
