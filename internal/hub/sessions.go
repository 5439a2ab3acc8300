package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/pizzaface/pizzapi/internal/ws"
)

const (
	spawnTimeout         = 30 * time.Second
	maxSessionsPerRunner = 16
)

// SessionRegistry is the process-wide index of live sessions. It exclusively
// owns Session records; each session exclusively owns its Channel.
type SessionRegistry struct {
	store   *Store
	runners *RunnerRegistry
	persist Persister
	notify  func(HubEvent)

	mu       sync.RWMutex
	channels map[string]*Channel

	spawnMu sync.Mutex
	spawns  map[string]chan error
}

func NewSessionRegistry(store *Store, runners *RunnerRegistry, persist Persister, notify func(HubEvent)) *SessionRegistry {
	return &SessionRegistry{
		store:    store,
		runners:  runners,
		persist:  persist,
		notify:   notify,
		channels: make(map[string]*Channel),
		spawns:   make(map[string]chan error),
	}
}

// SpawnRequest carries the parameters of a CreateSession call.
type SpawnRequest struct {
	RunnerID  string
	Cwd       string
	Prompt    string
	Model     *ws.ModelRef
	Ephemeral bool
	TTL       time.Duration
}

// CreateSession atomically reserves an id, marks the session pending, and
// dispatches new_session to the runner. If the runner rejects or the spawn
// deadline passes, the session is removed and the error returned.
func (sr *SessionRegistry) CreateSession(ctx context.Context, p *Principal, req SpawnRequest) (string, error) {
	runner := sr.runners.Get(req.RunnerID)
	if runner == nil {
		return "", ErrNoSuchRunner
	}
	// Unscoped roots widen the filesystem, not the audience: spawning is
	// always restricted to the runner's owner or an admin, and failures are
	// indistinguishable from a missing runner.
	if !p.CanSee(runner.UserID) {
		return "", ErrNoSuchRunner
	}
	if !runner.CwdAllowed(req.Cwd) {
		return "", ErrCwdOutsideRoots
	}
	if len(sr.SessionIDsForRunner(req.RunnerID)) >= maxSessionsPerRunner {
		return "", ErrRunnerBusy
	}

	meta := SessionMeta{
		ID:        uuid.New().String()[:8],
		UserID:    p.UserID,
		RunnerID:  req.RunnerID,
		Cwd:       req.Cwd,
		StartedAt: time.Now(),
		Ephemeral: req.Ephemeral,
	}
	if req.Ephemeral && req.TTL > 0 {
		meta.ExpiresAt = meta.StartedAt.Add(req.TTL)
	}

	ch := NewChannel(meta, StatePending, sr.persist, sr.onTransition)
	sr.mu.Lock()
	sr.channels[meta.ID] = ch
	sr.mu.Unlock()

	wait := make(chan error, 1)
	sr.spawnMu.Lock()
	sr.spawns[meta.ID] = wait
	sr.spawnMu.Unlock()
	defer func() {
		sr.spawnMu.Lock()
		delete(sr.spawns, meta.ID)
		sr.spawnMu.Unlock()
	}()

	msg := ws.NewSession{
		Type:      ws.TypeNewSession,
		SessionID: meta.ID,
		UserID:    p.UserID,
		Cwd:       req.Cwd,
		Prompt:    req.Prompt,
		Model:     req.Model,
	}
	if err := sr.runners.Dispatch(req.RunnerID, msg); err != nil {
		sr.abandon(meta.ID)
		return "", ErrNotConnected
	}

	spawnCtx, cancel := context.WithTimeout(ctx, spawnTimeout)
	defer cancel()
	select {
	case err := <-wait:
		if err != nil {
			sr.abandon(meta.ID)
			return "", err
		}
	case <-spawnCtx.Done():
		sr.abandon(meta.ID)
		return "", fmt.Errorf("spawn timed out on runner %s", req.RunnerID)
	}

	ch.MarkLive()
	sr.indexSession(meta, StateIdle, "")
	sr.notify(HubEvent{Type: "session_ready", SessionID: meta.ID, RunnerID: meta.RunnerID, UserID: meta.UserID})
	return meta.ID, nil
}

// abandon tears down a session whose spawn never completed.
func (sr *SessionRegistry) abandon(sessionID string) {
	sr.mu.Lock()
	ch := sr.channels[sessionID]
	delete(sr.channels, sessionID)
	sr.mu.Unlock()
	if ch != nil {
		ch.Terminate("spawn failed")
	}
	sr.store.DeleteSessionIndex(sessionID)
}

// ResolveSpawn completes a pending CreateSession when the runner reports
// session_ready (err nil) or a spawn failure.
func (sr *SessionRegistry) ResolveSpawn(sessionID string, err error) {
	sr.spawnMu.Lock()
	ch := sr.spawns[sessionID]
	sr.spawnMu.Unlock()
	if ch != nil {
		select {
		case ch <- err:
		default:
		}
	}
}

// OnSessionError routes a runner-reported session error: pending spawns
// fail, live sessions surface the error to subscribers.
func (sr *SessionRegistry) OnSessionError(sessionID, msg string) {
	sr.spawnMu.Lock()
	wait := sr.spawns[sessionID]
	sr.spawnMu.Unlock()
	if wait != nil {
		select {
		case wait <- fmt.Errorf("%s", msg):
		default:
		}
		return
	}
	if ch := sr.channel(sessionID); ch != nil {
		ch.PostError(msg)
	}
}

// OnWorkerExit handles session_killed from the runner.
func (sr *SessionRegistry) OnWorkerExit(sessionID string, exitCode int) {
	if ch := sr.channel(sessionID); ch != nil {
		ch.WorkerExited(exitCode)
	}
}

// EndSession signals the producer to terminate; the channel transitions to
// terminated after the producer detaches or its grace elapses.
func (sr *SessionRegistry) EndSession(sessionID string, p *Principal) error {
	ch := sr.channel(sessionID)
	if ch == nil || !p.CanSee(ch.Meta().UserID) {
		return ErrNotFound
	}
	sr.runners.Dispatch(ch.Meta().RunnerID, ws.KillSession{Type: ws.TypeKillSession, SessionID: sessionID})
	ch.RequestEnd()
	return nil
}

// Get returns the channel if the principal may see it; unauthorized lookups
// report ErrNotFound so ids cannot be enumerated.
func (sr *SessionRegistry) Get(sessionID string, p *Principal) (*Channel, error) {
	ch := sr.channel(sessionID)
	if ch == nil || !p.CanSee(ch.Meta().UserID) {
		return nil, ErrNotFound
	}
	return ch, nil
}

// AttachViewer subscribes a viewer socket to a session at its declared
// cursor. Unauthorized attach attempts yield ErrNotFound.
func (sr *SessionRegistry) AttachViewer(sessionID string, p *Principal, conn *websocket.Conn, lastSeq int64) (*Subscriber, *Channel, error) {
	ch := sr.channel(sessionID)
	if ch == nil || !p.CanSee(ch.Meta().UserID) {
		return nil, nil, ErrNotFound
	}
	sub := newSubscriber(conn)
	if err := ch.AttachViewer(sub, lastSeq); err != nil {
		return nil, nil, err
	}
	return sub, ch, nil
}

// AttachProducer binds the worker socket opened for a pending or idle
// session. The runner id must match the one the session was spawned on.
func (sr *SessionRegistry) AttachProducer(sessionID, runnerID string, conn *websocket.Conn) (*Channel, error) {
	ch := sr.channel(sessionID)
	if ch == nil {
		return nil, ErrNotFound
	}
	if err := ch.AttachProducer(conn, runnerID); err != nil {
		return nil, err
	}
	return ch, nil
}

func (sr *SessionRegistry) channel(sessionID string) *Channel {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	return sr.channels[sessionID]
}

// SessionIDsForRunner lists non-terminated sessions hosted on a runner.
func (sr *SessionRegistry) SessionIDsForRunner(runnerID string) []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	var out []string
	for id, ch := range sr.channels {
		if ch.Meta().RunnerID == runnerID {
			out = append(out, id)
		}
	}
	return out
}

// RunnerGone idles every session on a disconnected runner. Sessions remain
// adoptable until the runner grace window elapses.
func (sr *SessionRegistry) RunnerGone(runnerID string) {
	for _, id := range sr.SessionIDsForRunner(runnerID) {
		if ch := sr.channel(id); ch != nil {
			ch.RunnerGone()
		}
	}
}

// RunnerVanished terminates the sessions of a runner whose reconnect grace
// elapsed.
func (sr *SessionRegistry) RunnerVanished(runnerID string) {
	for _, id := range sr.SessionIDsForRunner(runnerID) {
		if ch := sr.channel(id); ch != nil {
			ch.Terminate("runner vanished")
		}
	}
}

// ListForUser returns the caller's session rows from the index (admins see
// all). Read-only snapshot.
func (sr *SessionRegistry) ListForUser(p *Principal) ([]SessionRow, error) {
	return sr.store.ListSessionsForUser(p.UserID, p.Admin)
}

// Rehydrate recreates idle channels for sessions recovered from disk. The
// sqlite index supplies ownership; transcripts without an index row are
// skipped.
func (sr *SessionRegistry) Rehydrate(recs []RecoveredSession) {
	for _, rec := range recs {
		row, err := sr.sessionRow(rec.SessionID)
		if err != nil || row == nil {
			slog.Warn("recovered transcript without index row, skipping", "session_id", rec.SessionID)
			continue
		}
		if row.State == StateTerminated {
			continue
		}
		meta := SessionMeta{
			ID:        row.SessionID,
			UserID:    row.UserID,
			RunnerID:  row.RunnerID,
			Cwd:       row.Cwd,
			StartedAt: row.StartedAt,
			Ephemeral: row.Ephemeral,
		}
		if row.ExpiresAt != nil {
			meta.ExpiresAt = *row.ExpiresAt
		}
		ch := NewChannel(meta, StateIdle, sr.persist, sr.onTransition)
		ch.Rehydrate(rec.Snapshot, rec.Tail)
		sr.mu.Lock()
		sr.channels[meta.ID] = ch
		sr.mu.Unlock()
		slog.Info("rehydrated session", "session_id", meta.ID, "last_seq", rec.Snapshot.Seq+int64(len(rec.Tail)))
	}
}

func (sr *SessionRegistry) sessionRow(sessionID string) (*SessionRow, error) {
	rows, err := sr.store.ListSessionsForUser("", true)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if rows[i].SessionID == sessionID {
			return &rows[i], nil
		}
	}
	return nil, nil
}

// onTransition mirrors channel state changes into the index and hub feed.
// Runs on the channel serializer; must not block.
func (sr *SessionRegistry) onTransition(meta SessionMeta, state, name string) {
	go func() {
		sr.indexSession(meta, state, name)
		if state == StateTerminated {
			sr.mu.Lock()
			delete(sr.channels, meta.ID)
			sr.mu.Unlock()
			sr.notify(HubEvent{Type: "session_killed", SessionID: meta.ID, RunnerID: meta.RunnerID, UserID: meta.UserID})
		}
	}()
}

func (sr *SessionRegistry) indexSession(meta SessionMeta, state, name string) {
	row := SessionRow{
		SessionID: meta.ID,
		UserID:    meta.UserID,
		RunnerID:  meta.RunnerID,
		Cwd:       meta.Cwd,
		Name:      name,
		State:     state,
		Ephemeral: meta.Ephemeral,
		StartedAt: meta.StartedAt,
	}
	if !meta.ExpiresAt.IsZero() {
		t := meta.ExpiresAt
		row.ExpiresAt = &t
	}
	if err := sr.store.UpsertSessionIndex(row); err != nil {
		slog.Error("mirror session index", "session_id", meta.ID, "err", err)
	}
}

// Shutdown flushes every channel's snapshot and stops their loops.
func (sr *SessionRegistry) Shutdown() {
	sr.mu.Lock()
	channels := make([]*Channel, 0, len(sr.channels))
	for _, ch := range sr.channels {
		channels = append(channels, ch)
	}
	sr.channels = make(map[string]*Channel)
	sr.mu.Unlock()
	for _, ch := range channels {
		ch.Shutdown()
	}
}
