package main

import (
	"errors"
	"fmt"
	"testing"
)

func TestSplitAgentArgv(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want []string
	}{
		{"double-dash separator", []string{"--port", "9000", "--", "claude-code-acp", "--flag"}, []string{"claude-code-acp", "--flag"}},
		{"bare command", []string{"claude-code-acp"}, []string{"claude-code-acp"}},
		{"no agent", []string{}, nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := splitAgentArgv(c.args)
			if len(got) != len(c.want) {
				t.Fatalf("got %v, want %v", got, c.want)
			}
			for i := range got {
				if got[i] != c.want[i] {
					t.Fatalf("got %v, want %v", got, c.want)
				}
			}
		})
	}
}

func TestExitCodeForUsageError(t *testing.T) {
	if got := exitCodeFor(&usageError{"no agent command given"}); got != exitUsage {
		t.Fatalf("expected exitUsage, got %d", got)
	}
}

func TestExitCodeForStartupError(t *testing.T) {
	err := &startupError{errors.New("listen tcp :9315: address already in use")}
	if got := exitCodeFor(err); got != exitStartup {
		t.Fatalf("expected exitStartup, got %d", got)
	}
}

func TestExitCodeForWrappedStartupError(t *testing.T) {
	err := fmt.Errorf("start server: %w", &startupError{errors.New("bad cert dir")})
	if got := exitCodeFor(err); got != exitStartup {
		t.Fatalf("expected exitStartup through wrapping, got %d", got)
	}
}

func TestExitCodeForGenericError(t *testing.T) {
	if got := exitCodeFor(errors.New("boom")); got != exitUsage {
		t.Fatalf("expected exitUsage, got %d", got)
	}
}
