// Command acp-proxy launches the bridging proxy: it spawns an ACP agent
// subprocess, serves the browser UI's WebSocket session endpoint, and
// exposes the MCP endpoint the agent calls back into for browser tools.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyper-ai-inc/acp-proxy/internal/auth"
	"github.com/hyper-ai-inc/acp-proxy/internal/banner"
	"github.com/hyper-ai-inc/acp-proxy/internal/bridge"
	"github.com/hyper-ai-inc/acp-proxy/internal/session"
	"github.com/hyper-ai-inc/acp-proxy/internal/transport"
)

// Exit codes for the proxy process: 0 on clean shutdown, 1 on usage
// errors, 2 on fatal startup failures such as a port already in use.
const (
	exitSuccess = 0
	exitUsage   = 1
	exitStartup = 2
)

type flags struct {
	port      int
	host      string
	https     bool
	noAuth    bool
	publicURL string
	termux    bool
	debug     bool
	staticDir string
	certDir   string
}

func main() {
	f := &flags{}

	rootCmd := &cobra.Command{
		Use:   "acp-proxy -- <agent-cmd> [agent-args...]",
		Short: "Bridge a browser UI to an ACP coding agent over WebSocket and MCP",
		Long: `acp-proxy spawns an Agent Client Protocol coding agent as a subprocess,
serves a WebSocket endpoint the browser UI connects to, and exposes an MCP
HTTP endpoint so the agent can call back into the browser for tool calls.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f, args)
		},
	}

	rootCmd.Flags().IntVar(&f.port, "port", 9315, "TCP port to bind")
	rootCmd.Flags().StringVar(&f.host, "host", "localhost", "bind address")
	rootCmd.Flags().BoolVar(&f.https, "https", false, "serve over TLS using a self-signed certificate")
	rootCmd.Flags().BoolVar(&f.noAuth, "no-auth", false, "disable the bearer token check")
	rootCmd.Flags().StringVar(&f.publicURL, "public-url", "", "override the URL embedded in the QR/banner")
	rootCmd.Flags().BoolVar(&f.termux, "termux", false, "attempt to launch the PWA via Android `am start`")
	rootCmd.Flags().BoolVar(&f.debug, "debug", false, "write trace logs to ./.acp-proxy/acp-proxy-<ts>.log")
	rootCmd.Flags().StringVar(&f.staticDir, "static-dir", "", "directory of PWA assets to serve at /app/")
	rootCmd.Flags().StringVar(&f.certDir, "cert-dir", "", "directory to cache the generated TLS certificate (default ~/.acp-proxy)")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "acp-proxy: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	var se *startupError
	if errors.As(err, &se) {
		return exitStartup
	}
	return exitUsage
}

// usageError is a bad command line: wrong flags, no agent command, an
// agent binary that doesn't exist.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

// startupError is a fatal failure bringing the server up: bind failure,
// unusable cert or log directory.
type startupError struct{ err error }

func (e *startupError) Error() string { return e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

// splitAgentArgv separates the proxy's own flags from the agent command
// line, honoring the `acp-proxy [flags] -- <agent-cmd> [agent-args...]`
// convention; a bare agent command with no `--` is accepted too.
func splitAgentArgv(args []string) []string {
	for i, a := range args {
		if a == "--" {
			return args[i+1:]
		}
	}
	return args
}

func run(ctx context.Context, f *flags, args []string) error {
	agentArgv := splitAgentArgv(args)
	if len(agentArgv) == 0 {
		return &usageError{"no agent command given; usage: acp-proxy [flags] -- <agent-cmd> [agent-args...]"}
	}
	if _, err := exec.LookPath(agentArgv[0]); err != nil {
		return &usageError{fmt.Sprintf("agent command %q not found: %v", agentArgv[0], err)}
	}

	logger, closeLog, err := setupLogger(f.debug)
	if err != nil {
		return &startupError{err}
	}
	defer closeLog()

	token := os.Getenv("ACP_AUTH_TOKEN")
	gate, err := auth.NewGate(token, f.noAuth)
	if err != nil {
		return &startupError{fmt.Errorf("build auth gate: %w", err)}
	}

	certDir := f.certDir
	if certDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return &startupError{fmt.Errorf("resolve home directory for cert cache: %w", err)}
		}
		certDir = filepath.Join(home, ".acp-proxy")
	}

	registry := session.NewRegistry()
	pending := bridge.NewPendingCalls()

	scheme := "http"
	if f.https {
		scheme = "https"
	}
	// The agent subprocess shares the host, so its MCP URL always points at
	// loopback regardless of the bind address.
	mcpURLFor := func(sessionID string) string {
		return fmt.Sprintf("%s://127.0.0.1:%d/mcp/%s", scheme, f.port, sessionID)
	}

	b := bridge.New(agentArgv, mcpURLFor, logger, registry, pending)

	srv := transport.New(transport.Config{
		Host:      f.host,
		Port:      f.port,
		HTTPS:     f.https,
		CertDir:   certDir,
		StaticDir: f.staticDir,
		Logger:    logger,
	}, gate, b, registry, pending)

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- srv.ListenAndServe() }()

	if err := waitForStartup(serveErrCh); err != nil {
		return &startupError{fmt.Errorf("start server: %w", err)}
	}

	printBanner(f, scheme, gate.Token())
	if f.termux {
		launchTermux(scheme, f.host, f.port, gate.Token(), f.noAuth)
	}

	select {
	case err := <-serveErrCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Printf("[main] shutting down")
	for _, s := range registry.All() {
		b.Close(s)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// waitForStartup gives ListenAndServe a brief window to fail fast (bad
// port, bad cert dir) before printing the banner.
func waitForStartup(errCh <-chan error) error {
	select {
	case err := <-errCh:
		return err
	case <-time.After(150 * time.Millisecond):
		return nil
	}
}

func printBanner(f *flags, scheme, token string) {
	banner.Write(os.Stdout, banner.Options{
		PublicURL: f.publicURL,
		Scheme:    scheme,
		Host:      f.host,
		Port:      f.port,
		Token:     token,
		NoAuth:    f.noAuth,
	})
}

func launchTermux(scheme, host string, port int, token string, noAuth bool) {
	url := (banner.Options{Scheme: scheme, Host: host, Port: port, Token: token, NoAuth: noAuth}).URL()
	cmd := exec.Command("am", "start", "-a", "android.intent.action.VIEW", "-d", url)
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "acp-proxy: termux launch failed: %v\n", err)
	}
}

func setupLogger(debug bool) (*log.Logger, func(), error) {
	if !debug {
		return log.New(os.Stderr, "", log.LstdFlags), func() {}, nil
	}

	dir := "./.acp-proxy"
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	name := fmt.Sprintf("acp-proxy-%s.log", strings.ReplaceAll(time.Now().UTC().Format(time.RFC3339), ":", "-"))
	path := filepath.Join(dir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logger := log.New(file, "", log.LstdFlags|log.Lmicroseconds)
	fmt.Fprintf(os.Stderr, "acp-proxy: trace logs at %s\n", path)
	return logger, func() { file.Close() }, nil
}
