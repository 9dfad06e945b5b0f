package bridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hyper-ai-inc/acp-proxy/internal/acpproto"
	"github.com/hyper-ai-inc/acp-proxy/internal/fsguard"
	"github.com/hyper-ai-inc/acp-proxy/internal/session"
)

// fakeAgentScript is a minimal ACP agent: it answers initialize and
// session/new, and replies to session/prompt with one message-chunk update
// followed by an end_turn result.
const fakeAgentScript = `
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  case "$line" in
  *'"method":"initialize"'*)
    printf '{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":1,"agentInfo":{"name":"fake-agent","version":"0.1"},"promptCapabilities":{"image":true,"audio":false,"embeddedContext":false}}}\n' "$id"
    ;;
  *'"method":"session/new"'*)
    printf '{"jsonrpc":"2.0","id":%s,"result":{"sessionId":"sess-fake","promptCapabilities":{"image":true,"audio":false,"embeddedContext":false}}}\n' "$id"
    ;;
  *'"method":"session/prompt"'*)
    printf '{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"sess-fake","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"Hi!"}}}}\n'
    printf '{"jsonrpc":"2.0","id":%s,"result":{"stopReason":"end_turn"}}\n' "$id"
    ;;
  esac
done
`

func newTestBridge(t *testing.T, argv []string) (*Bridge, *session.Session, chan session.Frame) {
	t.Helper()
	frames := make(chan session.Frame, 32)
	s := session.New(func(f session.Frame) { frames <- f })

	registry := session.NewRegistry()
	registry.Add(s)

	b := New(argv, func(string) string { return "http://127.0.0.1:9315/mcp/test" }, nil, registry, NewPendingCalls())
	return b, s, frames
}

func nextFrame(t *testing.T, frames chan session.Frame) session.Frame {
	t.Helper()
	select {
	case f := <-frames:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return session.Frame{}
	}
}

func textPrompt(t *testing.T, text string) []acpproto.ContentBlock {
	t.Helper()
	raw := `[{"type":"text","text":` + string(mustJSON(t, text)) + `}]`
	var blocks []acpproto.ContentBlock
	if err := json.Unmarshal([]byte(raw), &blocks); err != nil {
		t.Fatalf("build prompt content: %v", err)
	}
	return blocks
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestPromptStreamsUpdateThenComplete(t *testing.T) {
	b, s, frames := newTestBridge(t, []string{"/bin/sh", "-c", fakeAgentScript})
	ctx := context.Background()

	b.Connect(ctx, s, ConnectPayload{})
	defer b.Close(s)

	status := nextFrame(t, frames)
	if status.Type != "status" {
		t.Fatalf("expected status frame first, got %q", status.Type)
	}
	if !status.Payload.(StatusFrame).Connected {
		t.Fatal("expected connected=true after initialize")
	}

	b.NewSession(ctx, s, NewSessionPayload{Cwd: t.TempDir()})
	created := nextFrame(t, frames)
	if created.Type != "session_created" {
		t.Fatalf("expected session_created, got %q", created.Type)
	}
	if created.Payload.(SessionCreatedFrame).SessionID != "sess-fake" {
		t.Fatalf("unexpected session id: %+v", created.Payload)
	}

	b.Prompt(ctx, s, PromptPayload{Content: textPrompt(t, "Hello")})

	update := nextFrame(t, frames)
	if update.Type != "session_update" {
		t.Fatalf("expected session_update before prompt_complete, got %q", update.Type)
	}
	if tag := update.Payload.(SessionUpdateFrame).Update.Tag; tag != "agent_message_chunk" {
		t.Fatalf("expected agent_message_chunk update, got %q", tag)
	}

	complete := nextFrame(t, frames)
	if complete.Type != "prompt_complete" {
		t.Fatalf("expected prompt_complete, got %q", complete.Type)
	}
	if reason := complete.Payload.(PromptCompleteFrame).StopReason; reason != "end_turn" {
		t.Fatalf("expected end_turn, got %q", reason)
	}
}

func TestConnectFailureSurfacesError(t *testing.T) {
	b, s, frames := newTestBridge(t, []string{"/nonexistent/agent-binary"})

	b.Connect(context.Background(), s, ConnectPayload{})

	f := nextFrame(t, frames)
	if f.Type != "error" {
		t.Fatalf("expected error frame, got %q", f.Type)
	}
	if s.Agent != nil {
		t.Fatal("session must stay disconnected after a spawn failure")
	}
}

func TestCancelResolvesPendingPermissionsOnce(t *testing.T) {
	b, s, _ := newTestBridge(t, nil)

	cancelled := 0
	s.AddPendingPermission("perm-1", &session.PendingPermission{
		Resolve: func(o acpproto.PermissionOutcome) {
			if o.Outcome != "cancelled" {
				t.Errorf("expected cancelled outcome, got %+v", o)
			}
			cancelled++
		},
	})

	b.Cancel(s)
	b.Cancel(s)

	if cancelled != 1 {
		t.Fatalf("expected the pending permission cancelled exactly once, got %d", cancelled)
	}
}

func TestPermissionRoundTrip(t *testing.T) {
	b, s, frames := newTestBridge(t, nil)

	outcomes := make(chan acpproto.PermissionOutcome, 1)
	respond := func(result interface{}, rpcErr *acpproto.RPCError) {
		if rpcErr != nil {
			t.Errorf("unexpected rpc error: %v", rpcErr)
			return
		}
		outcomes <- result.(acpproto.PermissionOutcome)
	}

	params := mustJSON(t, acpproto.RequestPermissionParams{
		SessionID: "sess-fake",
		Options: []acpproto.PermissionOption{
			{OptionID: "yes", Name: "Allow", Kind: acpproto.OptionAllowOnce},
		},
	})
	b.handleIncoming(s, "session/requestPermission", params, respond)

	req := nextFrame(t, frames)
	if req.Type != "permission_request" {
		t.Fatalf("expected permission_request, got %q", req.Type)
	}
	requestID := req.Payload.(PermissionRequestFrame).RequestID
	if requestID == "" {
		t.Fatal("expected a proxy-minted request id")
	}

	b.ResolvePermission(s, PermissionResponsePayload{
		RequestID: requestID,
		Outcome:   acpproto.PermissionOutcome{Outcome: "selected", OptionID: "yes"},
	})

	select {
	case outcome := <-outcomes:
		if outcome.Outcome != "selected" || outcome.OptionID != "yes" {
			t.Fatalf("unexpected outcome: %+v", outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the permission outcome")
	}
}

func TestFSReadRejectsEscape(t *testing.T) {
	b, s, frames := newTestBridge(t, nil)
	s.Sandbox = fsguard.New(t.TempDir())

	b.FSRead(s, FSPathPayload{Path: "../../../etc/passwd"})

	f := nextFrame(t, frames)
	if f.Type != "error" {
		t.Fatalf("expected error frame, got %q", f.Type)
	}
	if msg := f.Payload.(ErrorFrame).Message; msg != "path escapes sandbox" {
		t.Fatalf("expected sandbox escape message, got %q", msg)
	}

	select {
	case extra := <-frames:
		t.Fatalf("no content frame may follow a rejected read, got %q", extra.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPromptRejectedWhileInFlight(t *testing.T) {
	b, s, frames := newTestBridge(t, []string{"/bin/sh", "-c", fakeAgentScript})
	ctx := context.Background()

	b.Connect(ctx, s, ConnectPayload{})
	defer b.Close(s)
	if f := nextFrame(t, frames); f.Type != "status" {
		t.Fatalf("expected status, got %q", f.Type)
	}
	b.NewSession(ctx, s, NewSessionPayload{Cwd: t.TempDir()})
	if f := nextFrame(t, frames); f.Type != "session_created" {
		t.Fatalf("expected session_created, got %q", f.Type)
	}

	if !s.BeginPrompt() {
		t.Fatal("prime the in-flight flag")
	}

	b.Prompt(ctx, s, PromptPayload{Content: textPrompt(t, "again")})

	f := nextFrame(t, frames)
	if f.Type != "error" {
		t.Fatalf("expected error frame for a concurrent prompt, got %q", f.Type)
	}
	if msg := f.Payload.(ErrorFrame).Message; msg != "a prompt is already in flight for this session" {
		t.Fatalf("unexpected error message: %q", msg)
	}
}
