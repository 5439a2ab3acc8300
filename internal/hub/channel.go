package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/pizzaface/pizzapi/internal/ws"
)

// Session lifecycle states.
const (
	StatePending    = "pending"    // spawn in flight
	StateLive       = "live"       // producer attached
	StateIdle       = "idle"       // producer detached, may return
	StateTerminated = "terminated" // fatal exit or explicit end
)

const (
	viewerQueueCap    = 1000
	viewerWriteFlush  = 5 * time.Second
	heartbeatIdleGap  = 30 * time.Second
	producerGraceGap  = 60 * time.Second
	endGraceGap       = 10 * time.Second
	snapshotInterval  = 64 // events between snapshot persists
	channelTickPeriod = 5 * time.Second
)

// Event is one item in a session's ordered log. Seq is assigned by the
// channel on ingest; the producer may not choose it. Raw is the full frame
// with the assigned seq spliced in, ready for fan-out.
type Event struct {
	Seq      int64           `json:"seq"`
	Kind     string          `json:"kind"`
	Ts       time.Time       `json:"ts,omitzero"`        // producer wall clock, not trusted for ordering
	IngestTs time.Time       `json:"ingest_ts,omitzero"` // hub clock at append
	Raw      json.RawMessage `json:"raw"`
}

// SessionMeta is the immutable header minted at spawn time.
type SessionMeta struct {
	ID        string
	UserID    string
	RunnerID  string
	Cwd       string
	StartedAt time.Time
	Ephemeral bool
	ExpiresAt time.Time
}

// Persister receives the channel's durable writes. Implementations must not
// block the caller: a slow disk may lag ingest by up to the snapshot interval.
type Persister interface {
	AppendEvent(sessionID string, ev Event)
	WriteSnapshot(sessionID string, snap *Snapshot)
	CloseSession(sessionID string)
}

// outItem pairs an outbound frame with the seq it carries (0 for control
// frames), so the writer can track what was actually delivered.
type outItem struct {
	seq  int64
	data []byte
}

// Subscriber is one connected viewer of a session.
type Subscriber struct {
	conn  *websocket.Conn
	queue chan outItem

	// lastSeqQueued is owned by the channel serializer.
	lastSeqQueued int64

	lastSeqSent atomic.Int64 // updated by the writer after each flush
	drops       atomic.Int64

	closed    chan struct{}
	closeOnce sync.Once
}

func newSubscriber(conn *websocket.Conn) *Subscriber {
	return &Subscriber{
		conn:   conn,
		queue:  make(chan outItem, viewerQueueCap),
		closed: make(chan struct{}),
	}
}

// enqueue adds a frame, dropping the oldest undelivered item when the queue
// is full. Only the channel serializer calls this, so the drain in the full
// branch never races another producer.
func (s *Subscriber) enqueue(it outItem) {
	for {
		select {
		case s.queue <- it:
			if it.seq > 0 {
				s.lastSeqQueued = it.seq
			}
			return
		default:
			select {
			case <-s.queue:
				s.drops.Add(1)
			default:
			}
		}
	}
}

// Dropped returns how many frames backpressure has discarded for this viewer.
func (s *Subscriber) Dropped() int64 { return s.drops.Load() }

// LastSeqSent returns the highest seq actually flushed to the socket.
func (s *Subscriber) LastSeqSent() int64 { return s.lastSeqSent.Load() }

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// writeLoop drains the queue to the viewer socket. A write that cannot
// complete within the flush deadline disconnects this viewer only.
func (s *Subscriber) writeLoop(ctx context.Context, onDead func(*Subscriber)) {
	for {
		select {
		case <-s.closed:
			return
		case <-ctx.Done():
			return
		case it := <-s.queue:
			writeCtx, cancel := context.WithTimeout(ctx, viewerWriteFlush)
			err := s.conn.Write(writeCtx, websocket.MessageText, it.data)
			cancel()
			if err != nil {
				s.close()
				onDead(s)
				return
			}
			if it.seq > 0 {
				s.lastSeqSent.Store(it.seq)
			}
		}
	}
}

// producerSlot serializes writes to the bound producer socket so viewer
// input can be forwarded without passing through the channel loop.
type producerSlot struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *producerSlot) get() *websocket.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

func (p *producerSlot) set(conn *websocket.Conn) {
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
}

func (p *producerSlot) write(ctx context.Context, data []byte) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	writeCtx, cancel := context.WithTimeout(ctx, viewerWriteFlush)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// Channel is the per-session serializer: all mutations to the log, snapshot,
// and subscriber set happen on its run loop, making seq assignment and
// fan-out race-free without locks.
type Channel struct {
	meta    SessionMeta
	inbox   chan func()
	done    chan struct{}
	persist Persister

	// onTransition is invoked from the loop on state changes, for index
	// mirroring and the hub feed. Must not block.
	onTransition func(meta SessionMeta, state, name string)

	// Loop-owned state.
	state         string
	log           []Event
	snap          *Snapshot
	subs          map[*Subscriber]struct{}
	producer      producerSlot
	hadProducer   bool
	producerGone  time.Time // zero while a producer is bound
	lastHeartbeat time.Time
	endRequested  bool
	endDeadline   time.Time
	sinceSnapshot int
}

// NewChannel creates a session channel in the given state and starts its
// serializer. Rehydrated sessions pass StateIdle with their recovered
// snapshot and log tail.
func NewChannel(meta SessionMeta, state string, persist Persister, onTransition func(SessionMeta, string, string)) *Channel {
	c := &Channel{
		meta:         meta,
		inbox:        make(chan func(), 256),
		done:         make(chan struct{}),
		persist:      persist,
		onTransition: onTransition,
		state:        state,
		snap:         NewSnapshot(meta.ID),
		subs:         make(map[*Subscriber]struct{}),
	}
	go c.run()
	return c
}

// Rehydrate seeds a freshly created channel with recovered state. Must be
// called before any peer attaches.
func (c *Channel) Rehydrate(snap *Snapshot, tail []Event) {
	c.do(func() {
		if snap != nil {
			c.snap = snap
		}
		for _, ev := range tail {
			c.log = append(c.log, ev)
			c.snap.Apply(ev)
		}
	})
}

func (c *Channel) run() {
	ticker := time.NewTicker(channelTickPeriod)
	defer ticker.Stop()
	for {
		select {
		case fn := <-c.inbox:
			fn()
		case <-ticker.C:
			c.tick()
		}
		if c.state == StateTerminated {
			c.drain()
			return
		}
	}
}

// drain finishes outstanding inbox work, persists the final snapshot, and
// releases subscribers.
func (c *Channel) drain() {
	for {
		select {
		case fn := <-c.inbox:
			fn()
		default:
			for sub := range c.subs {
				sub.close()
			}
			c.subs = map[*Subscriber]struct{}{}
			if c.persist != nil {
				c.persist.WriteSnapshot(c.meta.ID, c.snap.Clone())
				c.persist.CloseSession(c.meta.ID)
			}
			close(c.done)
			return
		}
	}
}

// do posts fn to the serializer. Posts after termination are dropped.
func (c *Channel) do(fn func()) {
	select {
	case c.inbox <- fn:
	case <-c.done:
	}
}

// doWait posts fn and blocks until the loop has run it.
func (c *Channel) doWait(fn func()) {
	ch := make(chan struct{})
	c.do(func() {
		fn()
		close(ch)
	})
	select {
	case <-ch:
	case <-c.done:
	}
}

// Meta returns the immutable session header.
func (c *Channel) Meta() SessionMeta { return c.meta }

// Done is closed once the channel has terminated and drained.
func (c *Channel) Done() <-chan struct{} { return c.done }

// State reads the lifecycle state through the serializer.
func (c *Channel) State() string {
	var st string
	c.doWait(func() { st = c.state })
	if st == "" {
		return StateTerminated
	}
	return st
}

// SnapshotNow returns a deep copy of the current fold.
func (c *Channel) SnapshotNow() *Snapshot {
	var snap *Snapshot
	c.doWait(func() { snap = c.snap.Clone() })
	if snap == nil {
		return NewSnapshot(c.meta.ID)
	}
	return snap
}

// LastSeq returns the tail of the event log.
func (c *Channel) LastSeq() int64 {
	var n int64
	c.doWait(func() { n = c.tailSeq() })
	return n
}

func (c *Channel) tailSeq() int64 {
	if len(c.log) == 0 {
		return c.snap.Seq
	}
	return c.log[len(c.log)-1].Seq
}

func (c *Channel) setState(state string) {
	if c.state == state || c.state == StateTerminated {
		return
	}
	c.state = state
	if c.onTransition != nil {
		c.onTransition(c.meta, state, c.snap.SessionName)
	}
}

// MarkLive transitions a pending session after the runner confirms spawn.
func (c *Channel) MarkLive() {
	c.do(func() {
		if c.state == StatePending {
			c.setState(StateIdle) // ready, waiting for the worker's socket
		}
	})
}

// AttachProducer binds the worker's socket. A second producer attempt for a
// bound session fails with ErrAlreadyBound; the runner id must match the one
// the session was spawned on.
func (c *Channel) AttachProducer(conn *websocket.Conn, runnerID string) error {
	err := ErrNotFound // holds when the channel already terminated
	c.doWait(func() {
		switch {
		case c.state == StateTerminated:
			err = ErrNotFound
		case runnerID != c.meta.RunnerID:
			err = ErrRunnerMismatch
		case c.producer.get() != nil:
			err = ErrAlreadyBound
		default:
			err = nil
			c.producer.set(conn)
			c.producerGone = time.Time{}
			c.lastHeartbeat = time.Now()
			reattach := c.hadProducer
			c.hadProducer = true
			c.setState(StateLive)
			if reattach {
				// Producer returned across a gap (worker restart or runner
				// reconnect): give viewers a fresh baseline.
				c.appendSynthetic(c.snap.SessionActiveFrame())
			}
		}
	})
	return err
}

// DetachProducer releases the slot if conn is still the bound producer.
func (c *Channel) DetachProducer(conn *websocket.Conn) {
	c.do(func() {
		if c.producer.get() != conn {
			return
		}
		c.producer.set(nil)
		c.producerGone = time.Now()
		if c.endRequested {
			c.terminate("ended")
			return
		}
		if c.state == StateLive || c.state == StateIdle {
			c.appendSyntheticError("agent process disconnected")
			c.setState(StateIdle)
		}
	})
}

// Ingest processes one frame from the bound producer socket.
func (c *Channel) Ingest(conn *websocket.Conn, data []byte) {
	c.do(func() {
		if c.producer.get() != conn {
			return
		}
		env, err := ws.Decode(data)
		if err != nil {
			// Malformed or unknown frames do not advance state.
			c.replyProducerError(err.Error())
			return
		}
		if env.Type == ws.TypeEndSession {
			c.endRequested = true
			c.endDeadline = time.Now().Add(endGraceGap)
			return
		}
		if !ws.SessionEventKind(env.Type) {
			c.replyProducerError("frame type not accepted from producer: " + env.Type)
			return
		}
		c.append(env.Type, data)
	})
}

// append assigns the next seq, splices it into the frame, folds the
// snapshot, persists, and fans out.
func (c *Channel) append(kind string, data []byte) {
	seq := c.tailSeq() + 1
	now := time.Now()

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		c.replyProducerError("frame is not an object")
		return
	}
	seqRaw, _ := json.Marshal(seq)
	fields["seq"] = seqRaw
	raw, err := json.Marshal(fields)
	if err != nil {
		return
	}

	var ts time.Time
	if tsRaw, ok := fields["ts"]; ok {
		json.Unmarshal(tsRaw, &ts)
	}

	ev := Event{Seq: seq, Kind: kind, Ts: ts, IngestTs: now, Raw: raw}
	c.log = append(c.log, ev)
	c.snap.Apply(ev)

	if kind == ws.TypeHeartbeat {
		c.lastHeartbeat = now
		if c.state == StateIdle && c.producer.get() != nil {
			c.setState(StateLive)
		}
	}

	if c.persist != nil {
		c.persist.AppendEvent(c.meta.ID, ev)
		c.sinceSnapshot++
		if c.sinceSnapshot >= snapshotInterval {
			c.sinceSnapshot = 0
			c.persist.WriteSnapshot(c.meta.ID, c.snap.Clone())
		}
	}

	c.fanOut(ev)
}

// fanOut delivers one event to every subscriber. Subscribers at seq-1 get
// just this event; stragglers get the full run from their cursor.
func (c *Channel) fanOut(ev Event) {
	for sub := range c.subs {
		if sub.lastSeqQueued == ev.Seq-1 {
			sub.enqueue(outItem{seq: ev.Seq, data: ev.Raw})
			continue
		}
		for _, e := range c.eventsAfter(sub.lastSeqQueued) {
			if e.Seq > ev.Seq {
				break
			}
			sub.enqueue(outItem{seq: e.Seq, data: e.Raw})
		}
	}
}

// eventsAfter returns the log suffix with seq > after. Events compacted away
// below the snapshot floor are gone; callers that miss resync instead.
func (c *Channel) eventsAfter(after int64) []Event {
	if len(c.log) == 0 {
		return nil
	}
	first := c.log[0].Seq
	idx := after + 1 - first
	if idx < 0 {
		idx = 0
	}
	if idx >= int64(len(c.log)) {
		return nil
	}
	return c.log[idx:]
}

// appendSynthetic logs a hub-originated event (session_active baseline).
func (c *Channel) appendSynthetic(frame []byte) {
	var kind struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(frame, &kind) != nil {
		return
	}
	c.append(kind.Type, frame)
}

func (c *Channel) appendSyntheticError(msg string) {
	frame, _ := json.Marshal(ws.CLIError{Type: ws.TypeCLIError, Message: msg, Source: "hub"})
	c.append(ws.TypeCLIError, frame)
}

// PostError surfaces a session-scoped error to all subscribers as a
// cli_error event without terminating the session.
func (c *Channel) PostError(msg string) {
	c.do(func() { c.appendSyntheticError(msg) })
}

func (c *Channel) appendSyntheticDisconnected() {
	frame, _ := json.Marshal(map[string]string{"type": ws.TypeDisconnected})
	c.append(ws.TypeDisconnected, frame)
}

func (c *Channel) replyProducerError(msg string) {
	conn := c.producer.get()
	if conn == nil {
		return
	}
	frame, _ := json.Marshal(ws.CLIError{Type: ws.TypeCLIError, Message: msg, Source: "hub"})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), viewerWriteFlush)
		defer cancel()
		conn.Write(ctx, websocket.MessageText, frame)
	}()
}

// AttachViewer registers a viewer at its declared cursor. The connected
// header frame and the replay run E[lastSeq+1..N] are queued before any live
// event, so the subscription never observes a seq regression.
func (c *Channel) AttachViewer(sub *Subscriber, lastSeq int64) error {
	err := ErrNotFound // holds when the channel already terminated
	c.doWait(func() {
		if c.state == StateTerminated {
			return
		}
		err = nil
		if c.meta.Ephemeral && !c.meta.ExpiresAt.IsZero() && time.Now().After(c.meta.ExpiresAt) {
			err = ErrExpired
			return
		}
		hdr := ws.Connected{
			Type:        ws.TypeConnected,
			SessionID:   c.meta.ID,
			LastSeq:     c.tailSeq(),
			IsActive:    c.snap.IsActive,
			SessionName: c.snap.SessionName,
			Model:       c.snap.Model,
		}
		data, _ := json.Marshal(hdr)
		sub.enqueue(outItem{data: data})

		floor := c.tailSeq()
		if len(c.log) > 0 {
			floor = c.log[0].Seq - 1
		}
		if lastSeq < floor {
			// Cursor predates the retained log: hand over a snapshot instead.
			sub.enqueue(outItem{seq: c.tailSeq(), data: c.snap.SessionActiveFrame()})
			sub.lastSeqQueued = c.tailSeq()
		} else {
			sub.lastSeqQueued = lastSeq
		}
		for _, ev := range c.eventsAfter(sub.lastSeqQueued) {
			sub.enqueue(outItem{seq: ev.Seq, data: ev.Raw})
		}
		c.subs[sub] = struct{}{}
	})
	return err
}

// DetachViewer removes a subscriber; called on socket close.
func (c *Channel) DetachViewer(sub *Subscriber) {
	c.do(func() {
		delete(c.subs, sub)
		sub.close()
	})
}

// ResyncViewer answers a gap-detected viewer with a compacted session_active
// snapshot, then resumes live fan-out from the tail.
func (c *Channel) ResyncViewer(sub *Subscriber) {
	c.do(func() {
		if _, ok := c.subs[sub]; !ok {
			return
		}
		snap := c.snap.Clone()
		sub.enqueue(outItem{seq: c.tailSeq(), data: snap.SessionActiveFrame()})
		sub.lastSeqQueued = c.tailSeq()
	})
}

// ForwardToProducer relays a viewer frame (input, exec) to the worker.
func (c *Channel) ForwardToProducer(ctx context.Context, data []byte) error {
	return c.producer.write(ctx, data)
}

// RequestEnd signals explicit termination: the producer gets a grace window
// to detach cleanly before the channel shuts down.
func (c *Channel) RequestEnd() {
	c.do(func() {
		c.endRequested = true
		c.endDeadline = time.Now().Add(endGraceGap)
		if c.producer.get() == nil {
			c.terminate("ended")
		}
	})
}

// RunnerGone marks the owning runner as disconnected: the session idles and
// the producer grace window starts unless the worker's socket survives.
func (c *Channel) RunnerGone() {
	c.do(func() {
		if c.state == StateLive || c.state == StateIdle {
			c.appendSyntheticDisconnected()
			c.setState(StateIdle)
		}
		if c.producer.get() == nil && c.producerGone.IsZero() {
			c.producerGone = time.Now()
		}
	})
}

// WorkerExited handles the runner's session_killed report. Exit code 43 is
// a restart request: the log is preserved and the producer may rebind.
func (c *Channel) WorkerExited(exitCode int) {
	c.do(func() {
		if exitCode == ws.ExitCodeWorkerRestart {
			if c.state == StateLive {
				c.setState(StateIdle)
			}
			return
		}
		c.terminate("worker exited")
	})
}

// Terminate force-ends the session (expiry sweep, admin action).
func (c *Channel) Terminate(reason string) {
	c.do(func() { c.terminate(reason) })
}

func (c *Channel) terminate(reason string) {
	if c.state == StateTerminated {
		return
	}
	slog.Info("session terminated", "session_id", c.meta.ID, "reason", reason)
	c.setState(StateTerminated)
}

// tick runs deadline checks on the serializer: heartbeat silence, producer
// grace, explicit-end grace, and ephemeral expiry.
func (c *Channel) tick() {
	now := time.Now()

	if c.state == StateLive && !c.lastHeartbeat.IsZero() && now.Sub(c.lastHeartbeat) > heartbeatIdleGap {
		c.appendSyntheticDisconnected()
		c.setState(StateIdle)
	}

	if c.endRequested && !c.endDeadline.IsZero() && now.After(c.endDeadline) {
		c.terminate("end grace elapsed")
		return
	}

	if c.producer.get() == nil && !c.producerGone.IsZero() && now.Sub(c.producerGone) > producerGraceGap {
		c.terminate("producer grace elapsed")
		return
	}

	if c.meta.Ephemeral && !c.meta.ExpiresAt.IsZero() && now.After(c.meta.ExpiresAt) {
		c.terminate("expired")
	}
}

// Shutdown persists the snapshot and stops the loop without marking the
// session terminated on disk — it rehydrates as idle on next boot.
func (c *Channel) Shutdown() {
	c.do(func() {
		if c.persist != nil {
			c.persist.WriteSnapshot(c.meta.ID, c.snap.Clone())
		}
		c.state = StateTerminated // stops the loop; not mirrored to the index
	})
	<-c.done
}
