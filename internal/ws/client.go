package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// ErrAuthRejected is returned when the hub rejects the WebSocket handshake with 401.
var ErrAuthRejected = errors.New("hub rejected authentication (401)")

const (
	pingInterval = 15 * time.Second
	writeTimeout = 10 * time.Second
	readLimit    = 512 * 1024 // match hub limit
)

// Connection states reported through OnStateChange.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
)

// SessionHandler is called when the hub asks the runner to spawn a worker.
type SessionHandler func(ctx context.Context, msg NewSession, write WriteFunc)

// TerminalHandler is called when the hub asks the runner to spawn a PTY.
// The input channel receives raw terminal_input/terminal_resize/kill_terminal
// frames routed by terminal id.
type TerminalHandler func(ctx context.Context, msg NewTerminal, write WriteFunc, input <-chan []byte)

// RPCHandler answers a proxied REST request (file listing, git status, ...).
type RPCHandler func(ctx context.Context, req RunnerRPC) RunnerRPCResult

// WriteFunc sends a message back to the hub over the runner's WebSocket.
type WriteFunc func(v any) error

// Client is the runner's outbound WebSocket connection to the hub.
// It reconnects with exponential backoff (1s doubling to 60s), re-registers
// on each connect, and routes hub frames to the configured handlers.
type Client struct {
	HubURL       string // e.g. "wss://hub.example.com/ws/runner"
	APIKey       string
	RunnerID     string
	RunnerSecret string
	Name         string
	Roots        []string
	Skills       []string
	Terminal     bool
	Version      string

	OnNewSession  SessionHandler
	OnKillSession func(ctx context.Context, sessionID string)
	OnNewTerminal TerminalHandler
	OnRPC         RPCHandler
	OnRegistered    func(ctx context.Context, msg RunnerRegistered)
	OnListSessions  func(ctx context.Context) []RunnerSessionInfo
	OnRestart     func()
	OnStateChange func(state string, err error)

	// terminals routes terminal_* frames to the goroutine hosting each PTY.
	terminals   map[string]chan []byte
	terminalsMu sync.Mutex

	conn *websocket.Conn
	mu   sync.Mutex
}

// Run connects to the hub and serves frames until ctx is cancelled.
// Returns ErrAuthRejected if the hub refuses the handshake with 401.
func (c *Client) Run(ctx context.Context) error {
	bo := NewBackoff(time.Second, 60*time.Second)
	c.notifyState(StateConnecting, nil)
	for {
		connected, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			c.notifyState(StateDisconnected, ctx.Err())
			return ctx.Err()
		}
		if isAuthError(err) {
			c.notifyState(StateDisconnected, err)
			return ErrAuthRejected
		}
		if connected {
			bo.Reset()
		}
		delay := bo.Next()
		c.notifyState(StateDisconnected, err)
		slog.Warn("hub disconnected", "err", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		c.notifyState(StateConnecting, nil)
	}
}

func (c *Client) notifyState(state string, err error) {
	if c.OnStateChange != nil {
		c.OnStateChange(state, err)
	}
}

func isAuthError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "401")
}

func (c *Client) connectAndServe(ctx context.Context) (connected bool, err error) {
	opts := &websocket.DialOptions{
		HTTPHeader: make(map[string][]string),
	}
	opts.HTTPHeader.Set("Authorization", "Bearer "+c.APIKey)

	conn, _, dialErr := websocket.Dial(ctx, c.HubURL, opts)
	if dialErr != nil {
		return false, fmt.Errorf("dial: %w", dialErr)
	}
	conn.SetReadLimit(readLimit)
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer conn.CloseNow()
	connected = true

	// Terminal channels survive reconnects — PTY processes outlive hub outages.
	c.terminalsMu.Lock()
	if c.terminals == nil {
		c.terminals = make(map[string]chan []byte)
	}
	c.terminalsMu.Unlock()

	reg := RegisterRunner{
		Type:         TypeRegisterRunner,
		RunnerID:     c.RunnerID,
		RunnerSecret: c.RunnerSecret,
		Name:         c.Name,
		Roots:        c.Roots,
		Skills:       c.Skills,
		Terminal:     c.Terminal,
		Version:      c.Version,
	}
	if err := c.WriteJSON(ctx, reg); err != nil {
		return connected, fmt.Errorf("register: %w", err)
	}

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go c.pingLoop(pingCtx)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return connected, fmt.Errorf("read: %w", err)
		}

		env, err := Decode(data)
		if err != nil {
			slog.Debug("bad hub frame", "err", err)
			continue
		}

		switch env.Type {
		case TypeRunnerRegistered:
			var msg RunnerRegistered
			json.Unmarshal(data, &msg)
			slog.Info("registered with hub", "runner_id", msg.RunnerID, "adopted", len(msg.AdoptedSessions))
			c.notifyState(StateConnected, nil)
			if c.OnRegistered != nil {
				go c.OnRegistered(ctx, msg)
			}

		case TypeNewSession:
			var msg NewSession
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if c.OnNewSession != nil {
				go c.OnNewSession(ctx, msg, c.writeFn(ctx))
			}

		case TypeKillSession:
			var msg KillSession
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if c.OnKillSession != nil {
				go c.OnKillSession(ctx, msg.SessionID)
			}

		case TypeNewTerminal:
			var msg NewTerminal
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if c.OnNewTerminal != nil {
				inputCh := make(chan []byte, 64)
				c.terminalsMu.Lock()
				c.terminals[msg.TerminalID] = inputCh
				c.terminalsMu.Unlock()
				go func() {
					defer func() {
						c.terminalsMu.Lock()
						delete(c.terminals, msg.TerminalID)
						c.terminalsMu.Unlock()
					}()
					c.OnNewTerminal(ctx, msg, c.writeFn(ctx), inputCh)
				}()
			}

		case TypeTerminalInput, TypeTerminalResize, TypeKillTerminal:
			var partial struct {
				TerminalID string `json:"terminal_id"`
			}
			if err := json.Unmarshal(data, &partial); err != nil {
				continue
			}
			c.terminalsMu.Lock()
			ch := c.terminals[partial.TerminalID]
			c.terminalsMu.Unlock()
			if ch != nil {
				select {
				case ch <- data:
				default:
				}
			}

		case TypeRunnerRPC:
			var req RunnerRPC
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			if c.OnRPC != nil {
				go func() {
					res := c.OnRPC(ctx, req)
					res.Type = TypeRunnerRPCResult
					res.RequestID = req.RequestID
					c.WriteJSON(ctx, res)
				}()
			}

		case TypeListSessions:
			var msg ListSessions
			json.Unmarshal(data, &msg)
			var sessions []RunnerSessionInfo
			if c.OnListSessions != nil {
				sessions = c.OnListSessions(ctx)
			}
			c.WriteJSON(ctx, SessionsList{Type: TypeSessionsList, RequestID: msg.RequestID, Sessions: sessions})

		case TypePong:
			// liveness acknowledged

		case TypeRestart:
			slog.Info("hub restarting, reconnecting")
			if c.OnRestart != nil {
				c.OnRestart()
			}
			return connected, fmt.Errorf("hub restart")

		case TypeCLIError:
			var msg CLIError
			json.Unmarshal(data, &msg)
			slog.Warn("hub error", "message", msg.Message)

		default:
			slog.Debug("unhandled hub frame", "type", env.Type)
		}
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.WriteJSON(ctx, Ping{Type: TypePing, RunnerID: c.RunnerID}); err != nil {
				return
			}
		}
	}
}

func (c *Client) writeFn(ctx context.Context) WriteFunc {
	return func(v any) error {
		return c.WriteJSON(ctx, v)
	}
}

// WriteJSON marshals v and writes it as a text frame with a write deadline.
func (c *Client) WriteJSON(ctx context.Context, v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// HasTerminal reports whether a goroutine is already hosting this terminal.
func (c *Client) HasTerminal(terminalID string) bool {
	c.terminalsMu.Lock()
	defer c.terminalsMu.Unlock()
	_, ok := c.terminals[terminalID]
	return ok
}
