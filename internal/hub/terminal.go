package hub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/pizzaface/pizzapi/internal/ws"
)

const (
	scrollbackCap        = 64 * 1024
	terminalCloseGrace   = 10 * time.Second
	terminalWriteTimeout = 5 * time.Second
)

// scrollback is a bounded byte ring holding the most recent terminal output,
// flushed to viewers on attach so brief disconnects keep screen state.
type scrollback struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newScrollback(max int) *scrollback {
	return &scrollback{max: max}
}

func (s *scrollback) Append(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, data...)
	if len(s.buf) > s.max {
		s.buf = append(s.buf[:0], s.buf[len(s.buf)-s.max:]...)
	}
}

func (s *scrollback) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf...)
}

// Terminal pairs one viewer socket with one PTY on a runner. No replay log:
// output is byte-oriented and transient beyond the scrollback window.
type Terminal struct {
	ID       string
	UserID   string
	RunnerID string
	Cwd      string
	Shell    string
	Cols     int
	Rows     int
	Created  time.Time

	scroll *scrollback

	mu      sync.Mutex
	viewer  *websocket.Conn
	resized bool // first terminal_resize seen (authoritative geometry)
	exited  bool
}

func (t *Terminal) setViewer(conn *websocket.Conn) {
	t.mu.Lock()
	t.viewer = conn
	t.mu.Unlock()
}

func (t *Terminal) clearViewer(conn *websocket.Conn) {
	t.mu.Lock()
	if t.viewer == conn {
		t.viewer = nil
	}
	t.mu.Unlock()
}

func (t *Terminal) getViewer() *websocket.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.viewer
}

// TerminalBroker stages pending terminals and relays frames between each
// viewer socket and the PTY on its runner.
type TerminalBroker struct {
	runners *RunnerRegistry

	mu        sync.RWMutex
	terminals map[string]*Terminal
}

func NewTerminalBroker(runners *RunnerRegistry) *TerminalBroker {
	return &TerminalBroker{
		runners:   runners,
		terminals: make(map[string]*Terminal),
	}
}

// CreateTerminal validates the target runner, stages a pending entry, and
// dispatches new_terminal.
func (tb *TerminalBroker) CreateTerminal(p *Principal, runnerID, cwd string, cols, rows int, shell string) (*Terminal, error) {
	runner := tb.runners.Get(runnerID)
	if runner == nil || !p.CanSee(runner.UserID) {
		return nil, ErrNoSuchRunner
	}
	if !runner.CwdAllowed(cwd) {
		return nil, ErrCwdOutsideRoots
	}

	t := &Terminal{
		ID:       uuid.New().String()[:8],
		UserID:   p.UserID,
		RunnerID: runnerID,
		Cwd:      cwd,
		Shell:    shell,
		Cols:     cols,
		Rows:     rows,
		Created:  time.Now(),
		scroll:   newScrollback(scrollbackCap),
	}
	tb.mu.Lock()
	tb.terminals[t.ID] = t
	tb.mu.Unlock()

	msg := ws.NewTerminal{
		Type:       ws.TypeNewTerminal,
		TerminalID: t.ID,
		Cwd:        cwd,
		Cols:       cols,
		Rows:       rows,
		Shell:      shell,
	}
	if err := tb.runners.Dispatch(runnerID, msg); err != nil {
		tb.remove(t.ID)
		return nil, ErrNotConnected
	}
	return t, nil
}

func (tb *TerminalBroker) get(terminalID string) *Terminal {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return tb.terminals[terminalID]
}

func (tb *TerminalBroker) remove(terminalID string) {
	tb.mu.Lock()
	delete(tb.terminals, terminalID)
	tb.mu.Unlock()
}

// CloseTerminal sends kill_terminal and frees buffers after terminal_exit
// or the close grace deadline.
func (tb *TerminalBroker) CloseTerminal(terminalID string, p *Principal) error {
	t := tb.get(terminalID)
	if t == nil || !p.CanSee(t.UserID) {
		return ErrNotFound
	}
	tb.runners.Dispatch(t.RunnerID, ws.KillTerminal{Type: ws.TypeKillTerminal, TerminalID: terminalID})
	go func() {
		time.Sleep(terminalCloseGrace)
		tb.remove(terminalID)
	}()
	return nil
}

// FromRunner relays a terminal frame from the runner to the viewer, feeding
// the scrollback ring on the way through.
func (tb *TerminalBroker) FromRunner(terminalID, kind string, data []byte) {
	t := tb.get(terminalID)
	if t == nil {
		return
	}

	if kind == ws.TypeTerminalData {
		var td ws.TerminalData
		if json.Unmarshal(data, &td) == nil {
			if raw, err := base64.StdEncoding.DecodeString(td.Data); err == nil {
				t.scroll.Append(raw)
			}
		}
	}

	viewer := t.getViewer()
	if viewer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
		viewer.Write(ctx, websocket.MessageText, data)
		cancel()
	}

	if kind == ws.TypeTerminalExit {
		t.mu.Lock()
		t.exited = true
		t.mu.Unlock()
		go func() {
			time.Sleep(terminalCloseGrace)
			tb.remove(terminalID)
		}()
	}
}

// handleTerminalWS handles the viewer WebSocket for a terminal.
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	p := s.principal(r)
	if p == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	terminalID := r.PathValue("terminalId")
	t := s.Terminals.get(terminalID)
	if t == nil || !p.CanSee(t.UserID) {
		// NotFound, not Forbidden: ids must not be enumerable.
		http.NotFound(w, r)
		return
	}
	if !s.acquireConn(p.UserID) {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	defer s.releaseConn(p.UserID)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(readLimit)
	defer conn.CloseNow()

	ctx := r.Context()
	t.setViewer(conn)
	defer t.clearViewer(conn)

	ack, _ := json.Marshal(ws.TerminalConnected{Type: ws.TypeTerminalConnected, TerminalID: terminalID})
	conn.Write(ctx, websocket.MessageText, ack)

	// Flush scrollback before live output so a re-attach restores the screen.
	if buf := t.scroll.Bytes(); len(buf) > 0 {
		replay, _ := json.Marshal(ws.TerminalData{
			Type:       ws.TypeTerminalData,
			TerminalID: terminalID,
			Data:       base64.StdEncoding.EncodeToString(buf),
		})
		conn.Write(ctx, websocket.MessageText, replay)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		env, err := ws.Decode(data)
		if err != nil {
			slog.Debug("dropping bad terminal frame", "terminal_id", terminalID, "err", err)
			s.writeErrorFrame(ctx, conn, err.Error())
			continue
		}

		switch env.Type {
		case ws.TypeTerminalInput, ws.TypeTerminalResize, ws.TypeKillTerminal:
			if env.Type == ws.TypeTerminalResize {
				t.mu.Lock()
				if !t.resized {
					t.resized = true
					var rs ws.TerminalResize
					if json.Unmarshal(data, &rs) == nil {
						t.Cols, t.Rows = rs.Cols, rs.Rows
					}
				}
				t.mu.Unlock()
			}
			if err := s.Runners.Dispatch(t.RunnerID, json.RawMessage(data)); err != nil {
				s.writeErrorFrame(ctx, conn, "runner unavailable")
			}
		default:
			s.writeErrorFrame(ctx, conn, "frame type not accepted on terminal socket: "+env.Type)
		}
	}
}
