package bridge

import (
	"testing"
	"time"
)

func TestPendingCallResolvedByReply(t *testing.T) {
	p := NewPendingCalls()
	ch := p.Register("call-1", "sess-1")

	if !p.Resolve("call-1", BrowserToolResult{CallID: "call-1", Result: map[string]interface{}{"result": 4}}) {
		t.Fatal("expected the reply to find the pending call")
	}

	select {
	case result := <-ch:
		if result.Error != "" {
			t.Fatalf("unexpected error: %s", result.Error)
		}
		if result.Result["result"] != 4 {
			t.Fatalf("unexpected result payload: %+v", result.Result)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the resolved result")
	}
}

func TestPendingCallResolvesExactlyOnce(t *testing.T) {
	p := NewPendingCalls()
	ch := p.Register("call-1", "sess-1")

	if !p.Resolve("call-1", BrowserToolResult{CallID: "call-1"}) {
		t.Fatal("first resolution should win")
	}
	if p.Resolve("call-1", BrowserToolResult{CallID: "call-1", Error: "late"}) {
		t.Fatal("second resolution should report the id as gone")
	}

	result := <-ch
	if result.Error == "late" {
		t.Fatal("the losing resolution must not be delivered")
	}
}

func TestUnsolicitedResultIsDropped(t *testing.T) {
	p := NewPendingCalls()
	if p.Resolve("never-registered", BrowserToolResult{CallID: "never-registered"}) {
		t.Fatal("expected an unknown callId to be reported as unmatched")
	}
}

func TestCancelForSessionResolvesOwnedCallsOnly(t *testing.T) {
	p := NewPendingCalls()
	mine := p.Register("call-mine", "sess-1")
	other := p.Register("call-other", "sess-2")

	p.CancelForSession("sess-1")

	select {
	case result := <-mine:
		if result.Error != "session closed" {
			t.Fatalf("expected session closed error, got %+v", result)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the owned call to resolve")
	}

	select {
	case result := <-other:
		t.Fatalf("call owned by another session must survive, got %+v", result)
	case <-time.After(100 * time.Millisecond):
	}

	if !p.Resolve("call-other", BrowserToolResult{CallID: "call-other"}) {
		t.Fatal("the surviving call should still be resolvable")
	}
}

func TestPendingCallTimesOut(t *testing.T) {
	p := NewPendingCallsWithDeadline(50 * time.Millisecond)
	ch := p.Register("call-1", "sess-1")

	select {
	case result := <-ch:
		if result.Error != "Browser tool call timed out" {
			t.Fatalf("unexpected timeout result: %+v", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the deadline to fire")
	}

	if p.Resolve("call-1", BrowserToolResult{CallID: "call-1"}) {
		t.Fatal("a late reply after the deadline must be reported as unmatched")
	}
}
