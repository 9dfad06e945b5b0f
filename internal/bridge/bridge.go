// Package bridge implements the ACP Bridge (C6): translation between the
// UI's WebSocket verbs and ACP method calls, and the client half of ACP
// (session updates, permission requests, filesystem callbacks).
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/hyper-ai-inc/acp-proxy/internal/acpproto"
	"github.com/hyper-ai-inc/acp-proxy/internal/agentproc"
	"github.com/hyper-ai-inc/acp-proxy/internal/fsguard"
	"github.com/hyper-ai-inc/acp-proxy/internal/session"
)

// requestPermissionDeadline is the agent's wait for a user decision before
// the request auto-resolves as cancelled.
const requestPermissionDeadline = 5 * time.Minute

// Bridge wires one shared agent-spawn configuration, the process-wide
// pending-MCP map, and the session registry together.
type Bridge struct {
	AgentArgv []string
	MCPURLFor func(sessionID string) string
	Logger    *log.Logger
	Registry  *session.Registry
	Pending   *PendingCalls
	Watchers  *fsguard.WatcherSet
}

// New returns a Bridge. mcpURLFor builds the per-session MCP server URL
// embedded in ACP session/new; the session id rides in the URL path so the
// MCP endpoint can route tool calls back to the right UI client.
func New(agentArgv []string, mcpURLFor func(sessionID string) string, logger *log.Logger, registry *session.Registry, pending *PendingCalls) *Bridge {
	if logger == nil {
		logger = log.Default()
	}
	return &Bridge{
		AgentArgv: agentArgv,
		MCPURLFor: mcpURLFor,
		Logger:    logger,
		Registry:  registry,
		Pending:   pending,
		Watchers:  fsguard.NewWatcherSet(),
	}
}

func (b *Bridge) emit(s *session.Session, frameType string, payload interface{}) {
	s.Send(session.Frame{Type: frameType, Payload: payload})
}

func (b *Bridge) emitError(s *session.Session, message string) {
	b.emit(s, "error", ErrorFrame{Message: message})
}

// Connect spawns the agent subprocess and runs ACP initialize.
func (b *Bridge) Connect(ctx context.Context, s *session.Session, payload ConnectPayload) {
	if s.Agent != nil {
		b.emitError(s, "agent already connected")
		return
	}

	argv := b.AgentArgv
	if len(payload.AgentCommand) > 0 {
		argv = payload.AgentCommand
	}

	sup, err := agentproc.Spawn(ctx, argv, "", b.Logger,
		func(method string, params json.RawMessage, respond func(interface{}, *acpproto.RPCError)) {
			b.handleIncoming(s, method, params, respond)
		},
		func(exitErr error) {
			b.handleExit(s, exitErr)
		},
	)
	if err != nil {
		b.emitError(s, fmt.Sprintf("failed to start agent: %v", err))
		return
	}
	s.Agent = sup

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	result, err := sup.Call(initCtx, "initialize", acpproto.InitializeParams{
		ProtocolVersion: acpproto.ProtocolVersion,
		ClientCapabilities: acpproto.ClientCapabilities{
			Fs: acpproto.FsCapability{ReadTextFile: true, WriteTextFile: true},
		},
	})
	if err != nil {
		sup.Close()
		b.emitError(s, fmt.Sprintf("agent initialize failed: %v", err))
		return
	}

	var initResult acpproto.InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		sup.Close()
		b.emitError(s, fmt.Sprintf("agent sent malformed initialize result: %v", err))
		return
	}

	s.PromptCapabilities = initResult.PromptCapabilities

	b.emit(s, "status", StatusFrame{
		Connected:    true,
		AgentInfo:    &initResult.AgentInfo,
		Capabilities: &initResult.PromptCapabilities,
	})
}

// NewSession calls ACP session/new, rooting the filesystem sandbox at cwd.
func (b *Bridge) NewSession(ctx context.Context, s *session.Session, payload NewSessionPayload) {
	if s.Agent == nil {
		b.emitError(s, "no agent connected")
		return
	}

	cwd := payload.Cwd
	if cwd == "" {
		cwd, _ = os.Getwd()
	}

	result, err := s.Agent.Call(ctx, "session/new", acpproto.NewSessionParams{
		Cwd: cwd,
		McpServers: []acpproto.McpServerDescriptor{
			{Name: "browser", URL: b.MCPURLFor(s.ID)},
		},
	})
	if err != nil {
		b.emitError(s, fmt.Sprintf("session/new failed: %v", err))
		return
	}

	var newSession acpproto.NewSessionResult
	if err := json.Unmarshal(result, &newSession); err != nil {
		b.emitError(s, fmt.Sprintf("agent sent malformed session/new result: %v", err))
		return
	}

	s.ACPSessionID = newSession.SessionID
	s.ModelState = newSession.Models
	s.WorkingDir = cwd
	s.Sandbox = fsguard.New(cwd)

	b.emit(s, "session_created", SessionCreatedFrame{
		SessionID:          newSession.SessionID,
		PromptCapabilities: newSession.PromptCapabilities,
		Models:             newSession.Models,
	})

	// The file tree follows the session's working directory from the start;
	// fs_watch_start/stop remain available to the UI as explicit controls.
	b.FSWatchStart(s)
}

// Prompt forwards content to ACP session/prompt, enforcing the
// at-most-one-in-flight-prompt invariant.
func (b *Bridge) Prompt(ctx context.Context, s *session.Session, payload PromptPayload) {
	if s.Agent == nil || s.ACPSessionID == "" {
		b.emitError(s, "no active session")
		return
	}
	if !s.BeginPrompt() {
		b.emitError(s, "a prompt is already in flight for this session")
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				b.Logger.Printf("[bridge] prompt task for session %s panicked: %v", s.ID, r)
			}
		}()
		result, err := s.Agent.Call(ctx, "session/prompt", acpproto.PromptParams{
			SessionID: s.ACPSessionID,
			Content:   payload.Content,
		})
		s.EndPrompt()

		if err != nil {
			b.emitError(s, fmt.Sprintf("session/prompt failed: %v", err))
			return
		}

		var promptResult acpproto.PromptResult
		if err := json.Unmarshal(result, &promptResult); err != nil {
			b.emitError(s, fmt.Sprintf("agent sent malformed prompt result: %v", err))
			return
		}
		b.emit(s, "prompt_complete", PromptCompleteFrame{StopReason: promptResult.StopReason})
	}()
}

// Cancel resolves pending permissions locally then propagates ACP
// session/cancel; it never locally completes the prompt.
func (b *Bridge) Cancel(s *session.Session) {
	s.CancelAllPendingPermissions()

	if s.Agent == nil || s.ACPSessionID == "" {
		return
	}
	if err := s.Agent.Notify("session/cancel", acpproto.CancelParams{SessionID: s.ACPSessionID}); err != nil {
		b.Logger.Printf("[bridge] session/cancel notify failed: %v", err)
	}
}

// SetSessionModel calls ACP session/setModel and broadcasts model_changed
// on success.
func (b *Bridge) SetSessionModel(ctx context.Context, s *session.Session, payload SetSessionModelPayload) {
	if s.Agent == nil || s.ACPSessionID == "" {
		b.emitError(s, "no active session")
		return
	}
	_, err := s.Agent.Call(ctx, "session/setModel", acpproto.SetModelParams{
		SessionID: s.ACPSessionID,
		ModelID:   payload.ModelID,
	})
	if err != nil {
		b.emitError(s, fmt.Sprintf("session/setModel failed: %v", err))
		return
	}
	if s.ModelState != nil {
		s.ModelState.CurrentID = payload.ModelID
	}
	b.emit(s, "model_changed", ModelChangedFrame{ModelID: payload.ModelID})
}

// ResolvePermission applies the UI's decision to a pending requestPermission
// call, warning (not erroring) on an unmatched id per the correlation
// invariant.
func (b *Bridge) ResolvePermission(s *session.Session, payload PermissionResponsePayload) {
	if !s.ResolvePendingPermission(payload.RequestID, payload.Outcome) {
		b.Logger.Printf("[bridge] unmatched permission_response for request %s, dropping", payload.RequestID)
	}
}

// ResolveBrowserToolResult applies a UI reply to a pending MCP call,
// warning on a stale or unknown callId.
func (b *Bridge) ResolveBrowserToolResult(payload BrowserToolResultPayload) {
	if !b.Pending.Resolve(payload.CallID, BrowserToolResult{CallID: payload.CallID, Result: payload.Result, Error: payload.Error}) {
		b.Logger.Printf("[bridge] unmatched browser_tool_result for call %s, dropping", payload.CallID)
	}
}

// FSList serves the fs_list verb.
func (b *Bridge) FSList(s *session.Session, payload FSPathPayload) {
	if s.Sandbox == nil {
		b.emitError(s, "no active session")
		return
	}
	entries, err := s.Sandbox.ListDir(payload.Path)
	if err != nil {
		b.emitError(s, sandboxErrorMessage(err))
		return
	}
	b.emit(s, "fs_listing", FSListingFrame{Path: payload.Path, Items: entries})
}

// FSRead serves the fs_read verb.
func (b *Bridge) FSRead(s *session.Session, payload FSPathPayload) {
	if s.Sandbox == nil {
		b.emitError(s, "no active session")
		return
	}
	result, err := s.Sandbox.ReadFile(payload.Path)
	if err != nil {
		b.emitError(s, sandboxErrorMessage(err))
		return
	}
	b.emit(s, "fs_content", FSContentFrame{
		Path:      payload.Path,
		Content:   result.Content,
		Size:      result.Size,
		Binary:    result.Binary,
		Truncated: result.Truncated,
		MimeType:  result.MimeType,
	})
}

// FSWatchStart subscribes the session to its sandbox root's change batches.
func (b *Bridge) FSWatchStart(s *session.Session) {
	if s.Sandbox == nil {
		b.emitError(s, "no active session")
		return
	}
	if s.FSSubscription != nil {
		return
	}
	sub, err := b.Watchers.Subscribe(s.Sandbox.Root())
	if err != nil {
		b.emitError(s, fmt.Sprintf("failed to watch workspace: %v", err))
		return
	}
	s.FSSubscription = sub

	go func() {
		for batch := range sub.Batches() {
			b.emit(s, "fs_changes", FSChangesFrame{Batch: batch})
		}
	}()
}

// FSWatchStop unsubscribes, if subscribed.
func (b *Bridge) FSWatchStop(s *session.Session) {
	if s.FSSubscription == nil {
		return
	}
	s.FSSubscription.Close()
	s.FSSubscription = nil
}

func sandboxErrorMessage(err error) string {
	if err == fsguard.ErrPathTraversal {
		return "path escapes sandbox"
	}
	return err.Error()
}

// handleIncoming dispatches agent-initiated calls.
func (b *Bridge) handleIncoming(s *session.Session, method string, params json.RawMessage, respond func(interface{}, *acpproto.RPCError)) {
	switch method {
	case "session/update":
		b.handleSessionUpdate(s, params)
	case "session/requestPermission":
		b.handleRequestPermission(s, params, respond)
	case "fs/readTextFile":
		b.handleReadTextFile(s, params, respond)
	case "fs/writeTextFile":
		b.handleWriteTextFile(s, params, respond)
	default:
		if respond != nil {
			respond(nil, &acpproto.RPCError{Code: -32601, Message: "method not supported: " + method})
		}
	}
}

func (b *Bridge) handleSessionUpdate(s *session.Session, params json.RawMessage) {
	var p acpproto.SessionUpdateParams
	if err := json.Unmarshal(params, &p); err != nil {
		b.Logger.Printf("[bridge] malformed session/update: %v", err)
		return
	}
	b.emit(s, "session_update", SessionUpdateFrame{SessionID: p.SessionID, Update: p.Update})
}

func (b *Bridge) handleRequestPermission(s *session.Session, params json.RawMessage, respond func(interface{}, *acpproto.RPCError)) {
	var p acpproto.RequestPermissionParams
	if err := json.Unmarshal(params, &p); err != nil {
		respond(nil, &acpproto.RPCError{Code: -32602, Message: "invalid params"})
		return
	}

	requestID := fmt.Sprintf("perm-%d", time.Now().UnixNano())
	done := make(chan struct{})

	resolve := func(outcome acpproto.PermissionOutcome) {
		select {
		case <-done:
			return
		default:
			close(done)
		}
		respond(outcome, nil)
	}

	timer := time.AfterFunc(requestPermissionDeadline, func() {
		s.ResolvePendingPermission(requestID, acpproto.Cancelled())
	})

	s.AddPendingPermission(requestID, &session.PendingPermission{Resolve: resolve, Timer: timer})

	b.emit(s, "permission_request", PermissionRequestFrame{
		RequestID: requestID,
		SessionID: p.SessionID,
		Options:   p.Options,
		ToolCall:  p.ToolCall,
	})
}

func (b *Bridge) handleReadTextFile(s *session.Session, params json.RawMessage, respond func(interface{}, *acpproto.RPCError)) {
	var p acpproto.ReadTextFileParams
	if err := json.Unmarshal(params, &p); err != nil {
		respond(nil, &acpproto.RPCError{Code: -32602, Message: "invalid params"})
		return
	}
	if s.Sandbox == nil {
		respond(nil, &acpproto.RPCError{Code: -32000, Message: "no active session"})
		return
	}
	result, err := s.Sandbox.ReadFile(p.Path)
	if err != nil {
		respond(nil, &acpproto.RPCError{Code: -32000, Message: sandboxErrorMessage(err)})
		return
	}
	respond(acpproto.ReadTextFileResult{Content: result.Content}, nil)
}

func (b *Bridge) handleWriteTextFile(s *session.Session, params json.RawMessage, respond func(interface{}, *acpproto.RPCError)) {
	var p acpproto.WriteTextFileParams
	if err := json.Unmarshal(params, &p); err != nil {
		respond(nil, &acpproto.RPCError{Code: -32602, Message: "invalid params"})
		return
	}
	if s.Sandbox == nil {
		respond(nil, &acpproto.RPCError{Code: -32000, Message: "no active session"})
		return
	}
	if _, err := s.Sandbox.WriteFile(p.Path, p.Content); err != nil {
		respond(nil, &acpproto.RPCError{Code: -32000, Message: sandboxErrorMessage(err)})
		return
	}
	respond(struct{}{}, nil)
}

// handleExit marks the session disconnected and reports it to the UI. It
// never touches other sessions (panics and errors in one agent supervisor's
// callback are confined to this session by construction: each Supervisor
// has its own onExit closure bound to exactly one *session.Session).
func (b *Bridge) handleExit(s *session.Session, exitErr error) {
	s.CancelAllPendingPermissions()
	b.Pending.CancelForSession(s.ID)
	b.emit(s, "status", StatusFrame{Connected: false})
	b.emitError(s, fmt.Sprintf("agent process exited: %v", exitErr))
}

// Close tears down everything owned by s: FS subscription, pending
// permissions, pending MCP calls, and the agent process itself.
func (b *Bridge) Close(s *session.Session) {
	s.CancelAllPendingPermissions()
	b.Pending.CancelForSession(s.ID)
	b.FSWatchStop(s)
	if s.Agent != nil {
		s.Agent.Close()
		s.Agent = nil
		s.ACPSessionID = ""
	}
}
