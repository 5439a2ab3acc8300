package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/pizzaface/pizzapi/internal/ws"
)

const (
	runnerSendQueueCap = 256
	runnerPingGap      = 45 * time.Second
	runnerSessionGrace = 60 * time.Second
	runnerRPCTimeout   = 10 * time.Second
	registerDeadline   = 10 * time.Second
)

// ConnectedRunner represents a runner daemon connected via WebSocket.
type ConnectedRunner struct {
	RunnerID string
	UserID   string
	Name     string
	Roots    []string
	Skills   []string
	Terminal bool
	Version  string
	Conn     *websocket.Conn

	send chan []byte

	mu       sync.Mutex
	lastPing time.Time

	closed    chan struct{}
	closeOnce sync.Once
}

func newConnectedRunner(reg ws.RegisterRunner, userID string, conn *websocket.Conn) *ConnectedRunner {
	return &ConnectedRunner{
		RunnerID: reg.RunnerID,
		UserID:   userID,
		Name:     reg.Name,
		Roots:    reg.Roots,
		Skills:   reg.Skills,
		Terminal: reg.Terminal,
		Version:  reg.Version,
		Conn:     conn,
		send:     make(chan []byte, runnerSendQueueCap),
		lastPing: time.Now(),
		closed:   make(chan struct{}),
	}
}

// enqueue adds a frame to the runner's send queue. Runners are producers —
// back-pressuring them corrupts ordering, so a full queue closes the
// connection instead of blocking or dropping.
func (r *ConnectedRunner) enqueue(data []byte) error {
	select {
	case r.send <- data:
		return nil
	default:
		r.close(websocket.StatusPolicyViolation, "send queue overflow")
		return fmt.Errorf("runner %s send queue full", r.RunnerID)
	}
}

func (r *ConnectedRunner) close(code websocket.StatusCode, reason string) {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.Conn.Close(code, reason)
	})
}

func (r *ConnectedRunner) touch() {
	r.mu.Lock()
	r.lastPing = time.Now()
	r.mu.Unlock()
}

func (r *ConnectedRunner) sincePing() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Since(r.lastPing)
}

func (r *ConnectedRunner) sendLoop(ctx context.Context) {
	for {
		select {
		case <-r.closed:
			return
		case <-ctx.Done():
			return
		case data := <-r.send:
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := r.Conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				r.close(websocket.StatusGoingAway, "write failed")
				return
			}
		}
	}
}

// CwdAllowed checks a working directory against the runner's advertised
// roots. Empty roots means unscoped.
func (r *ConnectedRunner) CwdAllowed(cwd string) bool {
	if cwd == "" || len(r.Roots) == 0 {
		return true
	}
	clean := filepath.Clean(cwd)
	for _, root := range r.Roots {
		root = filepath.Clean(root)
		if clean == root || strings.HasPrefix(clean, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// RunnerView is the read-only shape served to the web UI and spawn requests.
type RunnerView struct {
	RunnerID     string   `json:"runner_id"`
	Name         string   `json:"name,omitempty"`
	UserID       string   `json:"-"`
	Roots        []string `json:"roots,omitempty"`
	Skills       []string `json:"skills,omitempty"`
	Terminal     bool     `json:"terminal"`
	SessionCount int      `json:"session_count"`
}

// RunnerRegistry tracks connected runners. At most one live control socket
// exists per runnerId: a matching-secret re-registration supersedes the old
// socket without terminating its sessions.
type RunnerRegistry struct {
	mu             sync.RWMutex
	runners        map[string]*ConnectedRunner
	disconnectedAt map[string]time.Time

	rpcMu   sync.Mutex
	pending map[string]chan ws.RunnerRPCResult
}

func NewRunnerRegistry() *RunnerRegistry {
	return &RunnerRegistry{
		runners:        make(map[string]*ConnectedRunner),
		disconnectedAt: make(map[string]time.Time),
		pending:        make(map[string]chan ws.RunnerRPCResult),
	}
}

// Add installs a runner connection, displacing any previous socket for the
// same runnerId. Secret verification happens before this is called.
func (rr *RunnerRegistry) Add(r *ConnectedRunner) {
	rr.mu.Lock()
	old := rr.runners[r.RunnerID]
	rr.runners[r.RunnerID] = r
	delete(rr.disconnectedAt, r.RunnerID)
	rr.mu.Unlock()
	if old != nil && old != r {
		// The close handshake waits on the old socket's peer; run it aside so
		// the new registration is not held up behind it.
		go old.close(websocket.StatusGoingAway, "superseded by new registration")
	}
}

// Remove clears the entry only if conn is still the current socket, and
// stamps the disconnect time for the session-termination grace window.
func (rr *RunnerRegistry) Remove(runnerID string, conn *websocket.Conn) bool {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	cur := rr.runners[runnerID]
	if cur == nil || cur.Conn != conn {
		return false
	}
	delete(rr.runners, runnerID)
	rr.disconnectedAt[runnerID] = time.Now()
	return true
}

func (rr *RunnerRegistry) Get(runnerID string) *ConnectedRunner {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	return rr.runners[runnerID]
}

// All returns every connected runner.
func (rr *RunnerRegistry) All() []*ConnectedRunner {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	out := make([]*ConnectedRunner, 0, len(rr.runners))
	for _, r := range rr.runners {
		out = append(out, r)
	}
	return out
}

// Dispatch marshals v and enqueues it to the runner's send queue.
func (rr *RunnerRegistry) Dispatch(runnerID string, v any) error {
	r := rr.Get(runnerID)
	if r == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.enqueue(data)
}

// Call sends a runner_rpc frame and waits for the correlated reply.
func (rr *RunnerRegistry) Call(ctx context.Context, runnerID, op string, payload json.RawMessage) (json.RawMessage, error) {
	reqID := uuid.New().String()[:8]
	ch := make(chan ws.RunnerRPCResult, 1)
	rr.rpcMu.Lock()
	rr.pending[reqID] = ch
	rr.rpcMu.Unlock()
	defer func() {
		rr.rpcMu.Lock()
		delete(rr.pending, reqID)
		rr.rpcMu.Unlock()
	}()

	req := ws.RunnerRPC{Type: ws.TypeRunnerRPC, RequestID: reqID, Op: op, Payload: payload}
	if err := rr.Dispatch(runnerID, req); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, runnerRPCTimeout)
	defer cancel()
	select {
	case res := <-ch:
		if res.Error != "" {
			return nil, fmt.Errorf("%s", res.Error)
		}
		return res.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (rr *RunnerRegistry) resolveRPC(res ws.RunnerRPCResult) {
	rr.rpcMu.Lock()
	ch := rr.pending[res.RequestID]
	delete(rr.pending, res.RequestID)
	rr.rpcMu.Unlock()
	if ch != nil {
		ch <- res
	}
}

// sweep enforces ping deadlines and the post-disconnect session grace.
// vanished receives runner ids whose grace elapsed without reconnection.
func (rr *RunnerRegistry) sweep(vanished func(runnerID string)) {
	rr.mu.Lock()
	var stale []*ConnectedRunner
	for _, r := range rr.runners {
		if r.sincePing() > runnerPingGap {
			stale = append(stale, r)
		}
	}
	var gone []string
	now := time.Now()
	for id, at := range rr.disconnectedAt {
		if now.Sub(at) > runnerSessionGrace {
			gone = append(gone, id)
			delete(rr.disconnectedAt, id)
		}
	}
	rr.mu.Unlock()

	for _, r := range stale {
		slog.Warn("runner ping deadline exceeded, closing", "runner_id", r.RunnerID)
		r.close(websocket.StatusGoingAway, "ping deadline exceeded")
	}
	for _, id := range gone {
		vanished(id)
	}
}

// handleRunnerWS handles the control WebSocket from a runner daemon.
func (s *Server) handleRunnerWS(w http.ResponseWriter, r *http.Request) {
	p := s.principal(r)
	if p == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("runner websocket accept", "err", err)
		return
	}
	conn.SetReadLimit(readLimit)
	defer conn.CloseNow()

	ctx := r.Context()

	// First frame must declare the runner identity.
	regCtx, cancel := context.WithTimeout(ctx, registerDeadline)
	_, data, err := conn.Read(regCtx)
	cancel()
	if err != nil {
		return
	}
	env, err := ws.Decode(data)
	if err != nil || env.Type != ws.TypeRegisterRunner {
		s.writeErrorFrame(ctx, conn, "expected register_runner")
		return
	}
	var reg ws.RegisterRunner
	if err := json.Unmarshal(data, &reg); err != nil || reg.RunnerID == "" || reg.RunnerSecret == "" {
		s.writeErrorFrame(ctx, conn, "bad registration")
		return
	}

	// The secret pins runnerId across reconnects; a mismatch must not
	// displace the current binding.
	if err := s.Store.UpsertRunnerIdentity(reg.RunnerID, reg.RunnerSecret, p.UserID, reg.Name); err != nil {
		slog.Warn("runner secret rejected", "runner_id", reg.RunnerID)
		conn.Close(websocket.StatusPolicyViolation, "runner secret mismatch")
		return
	}

	runner := newConnectedRunner(reg, p.UserID, conn)
	s.Runners.Add(runner)
	go runner.sendLoop(ctx)

	adopted := s.Sessions.SessionIDsForRunner(reg.RunnerID)
	ack := ws.RunnerRegistered{Type: ws.TypeRunnerRegistered, RunnerID: reg.RunnerID, AdoptedSessions: adopted}
	ackData, _ := json.Marshal(ack)
	runner.enqueue(ackData)

	slog.Info("runner connected", "runner_id", reg.RunnerID, "user", p.UserID, "sessions", len(adopted))
	s.notifyHub(HubEvent{Type: "runner_online", RunnerID: reg.RunnerID, UserID: p.UserID})

	defer func() {
		if s.Runners.Remove(reg.RunnerID, conn) {
			slog.Info("runner disconnected", "runner_id", reg.RunnerID)
			s.notifyHub(HubEvent{Type: "runner_offline", RunnerID: reg.RunnerID, UserID: p.UserID})
			s.Sessions.RunnerGone(reg.RunnerID)
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		env, err := ws.Decode(data)
		if err != nil {
			slog.Debug("dropping bad runner frame", "runner_id", reg.RunnerID, "err", err)
			frame, _ := json.Marshal(ws.CLIError{Type: ws.TypeCLIError, Message: err.Error(), Source: "hub"})
			runner.enqueue(frame)
			continue
		}

		switch env.Type {
		case ws.TypePing:
			runner.touch()
			pong, _ := json.Marshal(ws.Pong{Type: ws.TypePong})
			runner.enqueue(pong)

		case ws.TypeSessionReady:
			var msg ws.SessionReady
			json.Unmarshal(data, &msg)
			s.Sessions.ResolveSpawn(msg.SessionID, nil)

		case ws.TypeSessionError:
			var msg ws.SessionError
			json.Unmarshal(data, &msg)
			s.Sessions.OnSessionError(msg.SessionID, msg.Message)

		case ws.TypeSessionKilled:
			var msg ws.SessionKilled
			json.Unmarshal(data, &msg)
			s.Sessions.OnWorkerExit(msg.SessionID, msg.ExitCode)

		case ws.TypeRunnerRPCResult:
			var res ws.RunnerRPCResult
			json.Unmarshal(data, &res)
			s.Runners.resolveRPC(res)

		case ws.TypeSessionsList:
			var res ws.SessionsList
			json.Unmarshal(data, &res)
			payload, _ := json.Marshal(res.Sessions)
			s.Runners.resolveRPC(ws.RunnerRPCResult{RequestID: res.RequestID, Payload: payload})

		case ws.TypeTerminalReady, ws.TypeTerminalData, ws.TypeTerminalExit, ws.TypeTerminalError:
			var partial struct {
				TerminalID string `json:"terminal_id"`
			}
			json.Unmarshal(data, &partial)
			s.Terminals.FromRunner(partial.TerminalID, env.Type, data)

		default:
			slog.Debug("unhandled runner frame", "type", env.Type)
		}
	}
}

func (s *Server) writeErrorFrame(ctx context.Context, conn *websocket.Conn, msg string) {
	frame, _ := json.Marshal(ws.CLIError{Type: ws.TypeCLIError, Message: msg, Source: "hub"})
	writeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	conn.Write(writeCtx, websocket.MessageText, frame)
}
