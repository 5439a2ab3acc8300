package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/pizzaface/pizzapi/internal/ws"
)

const (
	helloDeadline      = 10 * time.Second
	maxConnsPerUser    = 32
)

// connCaps enforces per-principal concurrent connection limits on the viewer,
// terminal and hub WebSocket endpoints. Runner control sockets and producer
// sockets are not counted.
type connCaps struct {
	mu    sync.Mutex
	count map[string]int
}

func (c *connCaps) acquire(userID string, max int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count == nil {
		c.count = make(map[string]int)
	}
	if c.count[userID] >= max {
		return false
	}
	c.count[userID]++
	return true
}

func (c *connCaps) release(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count[userID]--
	if c.count[userID] <= 0 {
		delete(c.count, userID)
	}
}

func (s *Server) acquireConn(userID string) bool { return s.conns.acquire(userID, maxConnsPerUser) }
func (s *Server) releaseConn(userID string)      { s.conns.release(userID) }

// handleSessionWS handles both peer classes on /ws/sessions/{sessionId}:
// viewers (default) and the worker's producer socket (?role=producer).
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("role") == "producer" {
		s.handleProducerWS(w, r)
		return
	}
	s.handleViewerWS(w, r)
}

// handleProducerWS binds the worker's socket to its pending session.
func (s *Server) handleProducerWS(w http.ResponseWriter, r *http.Request) {
	p := s.principal(r)
	if p == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sessionID := r.PathValue("sessionId")
	runnerID := r.URL.Query().Get("runner_id")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(readLimit)
	defer conn.CloseNow()
	ctx := r.Context()

	ch, err := s.Sessions.AttachProducer(sessionID, runnerID, conn)
	if err != nil {
		s.writeErrorFrame(ctx, conn, err.Error())
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	defer ch.DetachProducer(conn)

	slog.Info("producer attached", "session_id", sessionID, "runner_id", runnerID)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			slog.Info("producer detached", "session_id", sessionID, "err", err)
			return
		}
		ch.Ingest(conn, data)
	}
}

// handleViewerWS attaches a viewer to a session's event feed.
func (s *Server) handleViewerWS(w http.ResponseWriter, r *http.Request) {
	p := s.principal(r)
	if p == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sessionID := r.PathValue("sessionId")
	ch, err := s.Sessions.Get(sessionID, p)
	if err != nil {
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

	// The first frame declares the viewer's replay cursor (0 = fresh attach).
	var hello ws.ViewerHello
	helloCtx, cancel := context.WithTimeout(ctx, helloDeadline)
	_, data, err := conn.Read(helloCtx)
	cancel()
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, &hello); err != nil || hello.LastSeq < 0 {
		s.writeErrorFrame(ctx, conn, "bad hello frame")
		return
	}

	sub, _, err := s.Sessions.AttachViewer(sessionID, p, conn, hello.LastSeq)
	if err != nil {
		s.writeErrorFrame(ctx, conn, err.Error())
		return
	}
	defer ch.DetachViewer(sub)

	go sub.writeLoop(ctx, func(dead *Subscriber) { ch.DetachViewer(dead) })

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		env, err := ws.Decode(data)
		if err != nil {
			// Malformed frames are logged and dropped; the socket stays open.
			slog.Debug("dropping bad viewer frame", "session_id", sessionID, "err", err)
			s.writeErrorFrame(ctx, conn, err.Error())
			continue
		}

		switch env.Type {
		case ws.TypeResync:
			ch.ResyncViewer(sub)

		case ws.TypeInput, ws.TypeExec:
			if err := ch.ForwardToProducer(ctx, data); err != nil {
				s.writeErrorFrame(ctx, conn, "no producer attached")
			}

		default:
			s.writeErrorFrame(ctx, conn, "frame type not accepted from viewer: "+env.Type)
		}
	}
}
