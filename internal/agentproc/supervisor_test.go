package agentproc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hyper-ai-inc/acp-proxy/internal/acpproto"
)

// echoScript is a fake agent: it emits one unsolicited notification, reads
// one request, then replies to it with the same id.
const echoScript = `
printf '{"jsonrpc":"2.0","method":"session/update","params":{"hello":"world"}}\n'
read -r line
id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
printf '{"jsonrpc":"2.0","id":%s,"result":{"ok":true}}\n' "$id"
`

func TestSupervisorCallRoundTrip(t *testing.T) {
	notifications := make(chan string, 4)

	onIncoming := func(method string, params json.RawMessage, respond func(interface{}, *acpproto.RPCError)) {
		notifications <- method
	}

	s, err := Spawn(context.Background(), []string{"/bin/sh", "-c", echoScript}, "", nil, onIncoming, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer s.Close()

	select {
	case method := <-notifications:
		if method != "session/update" {
			t.Fatalf("expected session/update notification, got %q", method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := s.Call(ctx, "ping", map[string]string{})
	if err != nil {
		t.Fatalf("call: %v", err)
	}

	var out struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !out.OK {
		t.Fatalf("expected ok=true, got %s", result)
	}
}

func TestSupervisorRejectsPendingOnExit(t *testing.T) {
	s, err := Spawn(context.Background(), []string{"/bin/sh", "-c", "exit 0"}, "", nil, nil, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = s.Call(ctx, "session/new", map[string]string{})
	if err == nil {
		t.Fatal("expected call to fail once the process exits without replying")
	}
}

func TestSupervisorCloseDoesNotReportExit(t *testing.T) {
	exitReported := make(chan struct{}, 1)
	onExit := func(err error) {
		select {
		case exitReported <- struct{}{}:
		default:
		}
	}

	s, err := Spawn(context.Background(), []string{"/bin/sh", "-c", "sleep 5"}, "", nil, nil, onExit)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case <-exitReported:
		t.Fatal("Close should not invoke the unsolicited-exit handler")
	case <-time.After(200 * time.Millisecond):
	}
}
