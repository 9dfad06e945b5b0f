// Package agentproc spawns and supervises the ACP agent subprocess: framing
// NDJSON on its stdio, dispatching outbound calls by id, and routing
// agent-initiated requests to a caller-supplied handler.
package agentproc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hyper-ai-inc/acp-proxy/internal/acpproto"
)

// ErrProcessExited is the stop cause recorded by Close: calls pending at
// that moment fail with an error carrying its message. When the agent exits
// on its own or sends a non-JSON line, pending calls fail with the error that
// ended the stdout read loop instead.
var ErrProcessExited = errors.New("agent process exited")

// IncomingHandler dispatches an agent-initiated request and must reply
// using respond, reusing the envelope's id. method is one of
// session/requestPermission, fs/readTextFile, fs/writeTextFile,
// session/update (a notification; respond is nil in that case).
type IncomingHandler func(method string, params json.RawMessage, respond func(result interface{}, rpcErr *acpproto.RPCError))

// ExitHandler is invoked once, from the stdout read loop's goroutine, when
// the agent process exits without the supervisor having requested it.
type ExitHandler func(err error)

// Supervisor owns one spawned agent subprocess.
type Supervisor struct {
	cmd       *exec.Cmd
	stdin     *acpproto.Writer
	stdinPipe io.WriteCloser
	stdout    *acpproto.Reader
	logger    *log.Logger

	onIncoming IncomingHandler
	onExit     ExitHandler

	nextID  int64
	pending sync.Map // int64 -> chan rpcReply

	closing  atomic.Bool
	stopOnce sync.Once
	stopped  chan struct{}
	exitErr  atomic.Value // error
}

type rpcReply struct {
	result json.RawMessage
	err    *acpproto.RPCError
}

// Spawn starts the agent with argv[0] as the binary and argv[1:] as its
// arguments, in working directory dir (empty means inherit). stderr is
// forwarded line-by-line to logger, never to stdout, so it can never
// corrupt NDJSON framing.
func Spawn(ctx context.Context, argv []string, dir string, logger *log.Logger, onIncoming IncomingHandler, onExit ExitHandler) (*Supervisor, error) {
	if len(argv) == 0 {
		return nil, errors.New("agentproc: empty command")
	}
	if logger == nil {
		logger = log.Default()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = os.Environ()

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent %q: %w", argv[0], err)
	}

	s := &Supervisor{
		cmd:        cmd,
		stdin:      acpproto.NewWriter(stdinPipe),
		stdinPipe:  stdinPipe,
		stdout:     acpproto.NewReader(stdoutPipe),
		logger:     logger,
		onIncoming: onIncoming,
		onExit:     onExit,
		stopped:    make(chan struct{}),
	}

	go s.forwardStderr(stderrPipe)
	go s.readLoop()

	return s, nil
}

func (s *Supervisor) forwardStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.logger.Printf("[agent stderr] %s", scanner.Text())
	}
}

// readLoop is the single reader of the agent's stdout. It owns id dispatch
// and must be the only goroutine touching s.pending for reads.
func (s *Supervisor) readLoop() {
	for {
		line, err := s.stdout.ReadMessage()
		if err != nil {
			s.terminate(fmt.Errorf("agent stdout closed: %w", err))
			return
		}

		var env acpproto.Envelope
		if jsonErr := json.Unmarshal(line, &env); jsonErr != nil {
			s.terminate(fmt.Errorf("agent sent non-JSON line: %w: %q", jsonErr, string(line)))
			return
		}

		switch {
		case env.IsResponse():
			s.deliverResponse(&env)
		case env.IsRequest():
			s.dispatchIncoming(env.Method, env.ID, env.Params)
		case env.IsNotification():
			s.dispatchIncoming(env.Method, nil, env.Params)
		default:
			s.logger.Printf("[agent] dropping malformed envelope: %q", string(line))
		}
	}
}

func (s *Supervisor) deliverResponse(env *acpproto.Envelope) {
	var id int64
	if err := json.Unmarshal(env.ID, &id); err != nil {
		s.logger.Printf("[agent] response with non-numeric id ignored: %s", env.ID)
		return
	}
	v, ok := s.pending.LoadAndDelete(id)
	if !ok {
		s.logger.Printf("[agent] unmatched response for id %d, dropping", id)
		return
	}
	ch := v.(chan rpcReply)
	ch <- rpcReply{result: env.Result, err: env.Error}
}

func (s *Supervisor) dispatchIncoming(method string, id json.RawMessage, params json.RawMessage) {
	if s.onIncoming == nil {
		if len(id) > 0 {
			s.respond(id, nil, &acpproto.RPCError{Code: -32601, Message: "no handler installed"})
		}
		return
	}

	var respond func(result interface{}, rpcErr *acpproto.RPCError)
	if len(id) > 0 {
		respond = func(result interface{}, rpcErr *acpproto.RPCError) {
			s.respond(id, result, rpcErr)
		}
	}

	// A handler panic must not kill the read loop: the loop serves every
	// outstanding call on this agent, not just the one that panicked.
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("[agent] handler for %s panicked: %v", method, r)
			if respond != nil {
				respond(nil, &acpproto.RPCError{Code: -32603, Message: "internal error"})
			}
		}
	}()
	s.onIncoming(method, params, respond)
}

func (s *Supervisor) respond(id json.RawMessage, result interface{}, rpcErr *acpproto.RPCError) {
	var env *acpproto.Envelope
	if rpcErr != nil {
		env = &acpproto.Envelope{JSONRPC: "2.0", ID: id, Error: rpcErr}
	} else {
		var err error
		env, err = acpproto.NewResultResponse(id, result)
		if err != nil {
			env = &acpproto.Envelope{JSONRPC: "2.0", ID: id, Error: &acpproto.RPCError{Code: -32603, Message: err.Error()}}
		}
	}
	if err := s.stdin.WriteJSON(env); err != nil {
		s.logger.Printf("[agent] failed writing response: %v", err)
	}
}

// Call issues a request and blocks until the matching response arrives, ctx
// is cancelled, or the process exits.
func (s *Supervisor) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := atomic.AddInt64(&s.nextID, 1)
	req, err := acpproto.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	ch := make(chan rpcReply, 1)
	s.pending.Store(id, ch)
	defer s.pending.Delete(id)

	if err := s.stdin.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("write %s request: %w", method, err)
	}

	select {
	case reply := <-ch:
		if reply.err != nil {
			return nil, reply.err
		}
		return reply.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.stopped:
		if err, _ := s.exitErr.Load().(error); err != nil {
			return nil, err
		}
		return nil, ErrProcessExited
	}
}

// Notify sends a fire-and-forget notification.
func (s *Supervisor) Notify(method string, params interface{}) error {
	note, err := acpproto.NewNotification(method, params)
	if err != nil {
		return err
	}
	return s.stdin.WriteJSON(note)
}

// terminate marks the supervisor stopped, rejects all pending calls, and
// (if the stop wasn't requested by Close) reports the exit to onExit.
func (s *Supervisor) terminate(cause error) {
	s.stopOnce.Do(func() {
		s.exitErr.Store(cause)
		close(s.stopped)

		s.pending.Range(func(key, value interface{}) bool {
			s.pending.Delete(key)
			value.(chan rpcReply) <- rpcReply{err: &acpproto.RPCError{Code: -32000, Message: cause.Error()}}
			return true
		})

		// Only report exits we didn't request ourselves via Close.
		if !s.closing.Load() && s.onExit != nil {
			s.onExit(cause)
		}
	})
}

// Close terminates the agent process: SIGTERM, then SIGKILL after a grace
// period if it hasn't exited, closing stdin first so the agent observes
// EOF on its own read loop.
func (s *Supervisor) Close() error {
	select {
	case <-s.stopped:
		return nil
	default:
	}
	s.closing.Store(true)
	_ = s.stdinPipe.Close()

	done := make(chan struct{})
	go func() {
		s.cmd.Wait()
		close(done)
	}()

	if s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		<-done
	}

	s.terminate(ErrProcessExited)
	return nil
}

// Done reports when the agent process has exited for any reason.
func (s *Supervisor) Done() <-chan struct{} { return s.stopped }
