package hub

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/pizzaface/pizzapi/internal/ws"
)

func testChannel(t *testing.T) *Channel {
	t.Helper()
	meta := SessionMeta{
		ID:        "s1",
		UserID:    "u1",
		RunnerID:  "alpha",
		StartedAt: time.Now(),
	}
	ch := NewChannel(meta, StateIdle, nil, nil)
	t.Cleanup(func() { ch.Terminate("test done") })
	return ch
}

func heartbeatFrame(t *testing.T, name string) []byte {
	t.Helper()
	data, err := json.Marshal(ws.Heartbeat{Type: ws.TypeHeartbeat, Active: true, SessionName: name})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// drainQueued pops everything currently queued for a subscriber.
func drainQueued(sub *Subscriber) []outItem {
	var out []outItem
	for {
		select {
		case it := <-sub.queue:
			out = append(out, it)
		default:
			return out
		}
	}
}

func TestChannelIngestAssignsSeq(t *testing.T) {
	ch := testChannel(t)
	producer := new(websocket.Conn)
	if err := ch.AttachProducer(producer, "alpha"); err != nil {
		t.Fatalf("attach producer: %v", err)
	}

	ch.Ingest(producer, heartbeatFrame(t, "one"))
	ch.Ingest(producer, heartbeatFrame(t, "two"))

	if got := ch.LastSeq(); got != 2 {
		t.Fatalf("last seq = %d, want 2", got)
	}
	snap := ch.SnapshotNow()
	if snap.SessionName != "two" {
		t.Errorf("session_name = %q, want two", snap.SessionName)
	}
}

func TestChannelIgnoresForeignProducer(t *testing.T) {
	ch := testChannel(t)
	bound := new(websocket.Conn)
	stranger := new(websocket.Conn)
	if err := ch.AttachProducer(bound, "alpha"); err != nil {
		t.Fatalf("attach: %v", err)
	}

	ch.Ingest(stranger, heartbeatFrame(t, "evil"))
	if got := ch.LastSeq(); got != 0 {
		t.Errorf("stranger frame was ingested, seq = %d", got)
	}
}

func TestChannelAtMostOneProducer(t *testing.T) {
	ch := testChannel(t)
	first := new(websocket.Conn)
	second := new(websocket.Conn)

	if err := ch.AttachProducer(first, "alpha"); err != nil {
		t.Fatalf("first attach: %v", err)
	}
	if err := ch.AttachProducer(second, "alpha"); !errors.Is(err, ErrAlreadyBound) {
		t.Fatalf("second attach err = %v, want ErrAlreadyBound", err)
	}
	if err := ch.AttachProducer(second, "beta"); !errors.Is(err, ErrRunnerMismatch) {
		t.Fatalf("mismatched runner err = %v, want ErrRunnerMismatch", err)
	}
}

// A worker restart (exit 43 → respawn with the same session id) preserves
// the log: no events duplicated, no seq reused.
func TestRestartIdempotence(t *testing.T) {
	ch := testChannel(t)
	first := new(websocket.Conn)
	if err := ch.AttachProducer(first, "alpha"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	ch.Ingest(first, heartbeatFrame(t, "before"))
	ch.Ingest(first, heartbeatFrame(t, "before-2"))

	sub := newSubscriber(nil)
	if err := ch.AttachViewer(sub, 0); err != nil {
		t.Fatalf("attach viewer: %v", err)
	}

	// Worker exits with the restart code and its socket drops.
	ch.WorkerExited(ws.ExitCodeWorkerRestart)
	ch.DetachProducer(first)
	if st := ch.State(); st == StateTerminated {
		t.Fatal("restart must not terminate the session")
	}

	// Respawned worker rebinds and continues emitting.
	second := new(websocket.Conn)
	if err := ch.AttachProducer(second, "alpha"); err != nil {
		t.Fatalf("reattach: %v", err)
	}
	ch.Ingest(second, heartbeatFrame(t, "after"))
	ch.LastSeq() // barrier: all ingests processed

	items := drainQueued(sub)
	var seqs []int64
	for _, it := range items {
		if it.seq > 0 {
			seqs = append(seqs, it.seq)
		}
	}
	for i, s := range seqs {
		if s != int64(i+1) {
			t.Fatalf("seqs = %v: not contiguous from 1", seqs)
		}
	}
	// 2 events + synthetic cli_error on detach + synthetic session_active on
	// rebind + 1 event after.
	if len(seqs) != 5 {
		t.Errorf("viewer saw %d events (%v), want 5", len(seqs), seqs)
	}

	// The gap is bracketed by cli_error then session_active.
	var kinds []string
	for _, it := range items {
		var env ws.Envelope
		json.Unmarshal(it.data, &env)
		kinds = append(kinds, env.Type)
	}
	if kinds[3] != ws.TypeCLIError || kinds[4] != ws.TypeSessionActive {
		t.Errorf("kinds = %v, want cli_error then session_active across the restart gap", kinds)
	}
}

func TestWorkerFatalExitTerminates(t *testing.T) {
	ch := testChannel(t)
	ch.WorkerExited(1)
	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("fatal exit did not terminate the channel")
	}
}

func TestViewerReplayFromCursor(t *testing.T) {
	ch := testChannel(t)
	producer := new(websocket.Conn)
	if err := ch.AttachProducer(producer, "alpha"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	for i := 0; i < 20; i++ {
		ch.Ingest(producer, heartbeatFrame(t, "x"))
	}
	ch.LastSeq() // barrier

	sub := newSubscriber(nil)
	if err := ch.AttachViewer(sub, 10); err != nil {
		t.Fatalf("attach viewer: %v", err)
	}
	items := drainQueued(sub)
	// First item is the connected header (seq 0), then 11..20.
	var env ws.Envelope
	json.Unmarshal(items[0].data, &env)
	if env.Type != ws.TypeConnected {
		t.Fatalf("first frame = %s, want connected", env.Type)
	}
	want := int64(11)
	for _, it := range items[1:] {
		if it.seq != want {
			t.Fatalf("replay seq = %d, want %d", it.seq, want)
		}
		want++
	}
	if want != 21 {
		t.Errorf("replay ended at %d, want 21", want)
	}
}

func TestResyncAdvancesCursor(t *testing.T) {
	ch := testChannel(t)
	producer := new(websocket.Conn)
	if err := ch.AttachProducer(producer, "alpha"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	ch.Ingest(producer, heartbeatFrame(t, "named"))
	ch.LastSeq()

	sub := newSubscriber(nil)
	if err := ch.AttachViewer(sub, 0); err != nil {
		t.Fatalf("attach viewer: %v", err)
	}
	drainQueued(sub)

	ch.ResyncViewer(sub)
	ch.LastSeq() // barrier
	items := drainQueued(sub)
	if len(items) != 1 {
		t.Fatalf("resync queued %d frames, want 1", len(items))
	}
	var snap Snapshot
	if err := json.Unmarshal(items[0].data, &snap); err != nil {
		t.Fatalf("parse snapshot: %v", err)
	}
	if snap.SessionName != "named" {
		t.Errorf("snapshot name = %q", snap.SessionName)
	}

	// Live fan-out resumes from the tail with no duplicates.
	ch.Ingest(producer, heartbeatFrame(t, "post"))
	ch.LastSeq()
	items = drainQueued(sub)
	if len(items) != 1 || items[0].seq != 2 {
		t.Errorf("post-resync items = %+v, want single seq 2", items)
	}
}

func TestEndSessionGrace(t *testing.T) {
	ch := testChannel(t)
	producer := new(websocket.Conn)
	if err := ch.AttachProducer(producer, "alpha"); err != nil {
		t.Fatalf("attach: %v", err)
	}

	ch.RequestEnd()
	if st := ch.State(); st == StateTerminated {
		t.Fatal("terminated before producer detached or grace elapsed")
	}

	ch.DetachProducer(producer)
	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("did not terminate after producer detach")
	}
}

func TestRehydratedChannelServesSnapshotToStaleCursor(t *testing.T) {
	meta := SessionMeta{ID: "s9", UserID: "u1", RunnerID: "alpha", StartedAt: time.Now()}
	ch := NewChannel(meta, StateIdle, nil, nil)
	t.Cleanup(func() { ch.Terminate("test done") })

	snap := NewSnapshot("s9")
	for i := 1; i <= 64; i++ {
		snap.Apply(mkEvent(t, int64(i), ws.Heartbeat{Type: ws.TypeHeartbeat, Active: true}))
	}
	tail := []Event{mkEvent(t, 65, ws.Heartbeat{Type: ws.TypeHeartbeat, Active: true, SessionName: "tail"})}
	ch.Rehydrate(snap, tail)

	// A viewer whose cursor predates the retained tail gets a snapshot
	// handover instead of an impossible replay.
	sub := newSubscriber(nil)
	if err := ch.AttachViewer(sub, 5); err != nil {
		t.Fatalf("attach viewer: %v", err)
	}
	items := drainQueued(sub)
	if len(items) != 2 {
		t.Fatalf("queued %d frames, want connected + snapshot", len(items))
	}
	var env ws.Envelope
	json.Unmarshal(items[1].data, &env)
	if env.Type != ws.TypeSessionActive {
		t.Errorf("handover frame = %s, want session_active", env.Type)
	}
	if items[1].seq != 65 {
		t.Errorf("handover seq = %d, want 65", items[1].seq)
	}

	// A viewer within the tail replays normally.
	sub2 := newSubscriber(nil)
	if err := ch.AttachViewer(sub2, 64); err != nil {
		t.Fatalf("attach viewer 2: %v", err)
	}
	items = drainQueued(sub2)
	if len(items) != 2 || items[1].seq != 65 {
		t.Fatalf("tail replay = %+v, want connected + seq 65", items)
	}
}
