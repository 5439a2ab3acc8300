package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// HubEvent is pushed to /ws/hub subscribers on session and runner
// lifecycle changes.
type HubEvent struct {
	Type      string `json:"type"` // "session_ready", "session_killed", "runner_online", "runner_offline"
	SessionID string `json:"session_id,omitempty"`
	RunnerID  string `json:"runner_id,omitempty"`
	UserID    string `json:"-"` // routing only, never serialized
}

type hubSub struct {
	userID string
	admin  bool
	ch     chan HubEvent
}

type hubFeed struct {
	mu   sync.Mutex
	subs map[*hubSub]struct{}
}

func newHubFeed() *hubFeed {
	return &hubFeed{subs: make(map[*hubSub]struct{})}
}

func (f *hubFeed) subscribe(userID string, admin bool) *hubSub {
	sub := &hubSub{userID: userID, admin: admin, ch: make(chan HubEvent, 16)}
	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()
	return sub
}

func (f *hubFeed) unsubscribe(sub *hubSub) {
	f.mu.Lock()
	delete(f.subs, sub)
	f.mu.Unlock()
}

func (f *hubFeed) notify(ev HubEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs {
		if !sub.admin && sub.userID != ev.UserID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

func (s *Server) notifyHub(ev HubEvent) { s.feed.notify(ev) }

// handleHubWS is the global index feed: the caller's session list on
// connect, lifecycle deltas afterward.
func (s *Server) handleHubWS(w http.ResponseWriter, r *http.Request) {
	p := s.principal(r)
	if p == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
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
	defer conn.CloseNow()

	sub := s.feed.subscribe(p.UserID, p.Admin)
	defer s.feed.unsubscribe(sub)

	ctx := conn.CloseRead(r.Context())

	// Initial session list snapshot.
	rows, _ := s.Sessions.ListForUser(p)
	snapshot, _ := json.Marshal(map[string]any{"type": "sessions_snapshot", "sessions": rows})
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = conn.Write(writeCtx, websocket.MessageText, snapshot)
	cancel()
	if err != nil {
		return
	}

	for {
		select {
		case ev := <-sub.ch:
			data, _ := json.Marshal(ev)
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
