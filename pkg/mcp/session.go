package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	protocolVersion = "2024-11-05"
	clientName      = "medquery"
	clientVersion   = "0.1.0"

	// stdout lines larger than this are a protocol violation
	maxFrameSize = 16 * 1024 * 1024
)

// JSON-RPC framing. Messages are newline-delimited JSON on the subprocess's
// standard streams. Request ids are pipelined: replies may arrive out of
// order and are correlated through the pending map.
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      *int64      `json:"id,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// SessionOptions tune per-session deadlines.
type SessionOptions struct {
	RequestTimeout   time.Duration // per-request reply deadline
	HandshakeTimeout time.Duration // initialize deadline
	ShutdownGrace    time.Duration // wait before escalating to SIGKILL
}

// DefaultSessionOptions returns the deadlines used when none are configured.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		RequestTimeout:   30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		ShutdownGrace:    5 * time.Second,
	}
}

// Session owns exactly one tool server subprocess and the duplex message
// stream into it. Writes to the pipe are serialized; no other component may
// touch the subprocess handle.
type Session struct {
	spec   ServerSpec
	opts   SessionOptions
	logger zerolog.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex
	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan *rpcResponse

	closeOnce sync.Once
	done      chan struct{}
}

// Open launches the subprocess described by spec and starts the reader.
// It fails with *LaunchError if the executable cannot start. Handshake must
// be called before any Request.
func Open(spec ServerSpec, opts SessionOptions, logger zerolog.Logger) (*Session, error) {
	if opts.RequestTimeout <= 0 {
		opts = DefaultSessionOptions()
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &LaunchError{Server: spec.Name, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &LaunchError{Server: spec.Name, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &LaunchError{Server: spec.Name, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Server: spec.Name, Err: err}
	}

	s := &Session{
		spec:    spec,
		opts:    opts,
		logger:  logger.With().Str("server", spec.Name).Int("pid", cmd.Process.Pid).Logger(),
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[int64]chan *rpcResponse),
		done:    make(chan struct{}),
	}

	go s.readLoop(stdout)
	go s.drainStderr(stderr)

	s.logger.Debug().Str("command", spec.Command).Msg("Tool server launched")
	return s, nil
}

// Handshake performs the protocol-initialize exchange and returns the
// server's identity. The session is unusable until this succeeds.
func (s *Session) Handshake(ctx context.Context) (ServerInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()

	params := map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    clientName,
			"version": clientVersion,
		},
	}

	raw, err := s.request(ctx, "initialize", params, s.opts.HandshakeTimeout)
	if err != nil {
		return ServerInfo{}, err
	}

	var initResult struct {
		ProtocolVersion string     `json:"protocolVersion"`
		ServerInfo      ServerInfo `json:"serverInfo"`
	}
	if err := json.Unmarshal(raw, &initResult); err != nil {
		return ServerInfo{}, &ProtocolError{Server: s.spec.Name, Reason: fmt.Sprintf("malformed initialize response: %v", err)}
	}

	info := initResult.ServerInfo
	info.ProtocolVersion = initResult.ProtocolVersion

	// The initialized notification completes the handshake; it carries no id
	// and expects no reply.
	if err := s.notify("notifications/initialized", nil); err != nil {
		return ServerInfo{}, err
	}

	s.logger.Info().
		Str("server_name", info.Name).
		Str("server_version", info.Version).
		Msg("Handshake complete")
	return info, nil
}

// Request sends one framed request and blocks until the correlated reply
// arrives or the deadline elapses. The far end's error object surfaces as
// *RemoteError; a missing reply surfaces as *TimeoutError.
func (s *Session) Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	return s.request(ctx, method, params, s.opts.RequestTimeout)
}

func (s *Session) request(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	ch := make(chan *rpcResponse, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: &id}
	if err := s.writeFrame(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, &ProtocolError{Server: s.spec.Name, Reason: "stream closed before reply"}
		}
		if resp.Error != nil {
			return nil, &RemoteError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return resp.Result, nil
	case <-s.done:
		return nil, &ProtocolError{Server: s.spec.Name, Reason: "session closed"}
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &TimeoutError{Server: s.spec.Name, Method: method, Timeout: timeout}
		}
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, &TimeoutError{Server: s.spec.Name, Method: method, Timeout: timeout}
	}
}

func (s *Session) notify(method string, params interface{}) error {
	return s.writeFrame(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
}

func (s *Session) writeFrame(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.done:
		return &ProtocolError{Server: s.spec.Name, Reason: "session closed"}
	default:
	}

	if _, err := s.stdin.Write(append(data, '\n')); err != nil {
		return &ProtocolError{Server: s.spec.Name, Reason: fmt.Sprintf("write failed: %v", err)}
	}
	return nil
}

func (s *Session) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			s.logger.Error().Err(err).Msg("Discarding unparseable frame")
			continue
		}

		if resp.ID == nil {
			// Server-initiated notification; nothing waits on it.
			s.logger.Debug().Str("method", resp.Method).Msg("Ignoring notification")
			continue
		}

		s.mu.Lock()
		ch, ok := s.pending[*resp.ID]
		if ok {
			delete(s.pending, *resp.ID)
		}
		s.mu.Unlock()

		if ok {
			ch <- &resp
		} else {
			s.logger.Warn().Int64("id", *resp.ID).Msg("Reply with no pending request")
		}
	}

	// EOF or read error: fail everything still in flight.
	s.mu.Lock()
	for id, ch := range s.pending {
		delete(s.pending, id)
		close(ch)
	}
	s.mu.Unlock()
	s.logger.Debug().Msg("Tool server stdout closed")
}

func (s *Session) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		s.logger.Debug().Str("stream", "stderr").Msg(scanner.Text())
	}
}

// Close tears the subprocess down: stdin is closed to signal graceful
// termination, then after the configured grace period the process is killed.
// Close is idempotent and never blocks past the grace period.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)

		s.writeMu.Lock()
		_ = s.stdin.Close()
		s.writeMu.Unlock()

		exited := make(chan error, 1)
		go func() { exited <- s.cmd.Wait() }()

		select {
		case <-exited:
			s.logger.Debug().Msg("Tool server exited cleanly")
		case <-time.After(s.opts.ShutdownGrace):
			s.logger.Warn().Msg("Tool server did not exit in time, killing")
			_ = s.cmd.Process.Kill()
			<-exited
		}
	})
	return nil
}
