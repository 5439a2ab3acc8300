package hub

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/pizzaface/pizzapi/internal/ws"
)

// mkEvent builds a log event the way the channel's append path would.
func mkEvent(t *testing.T, seq int64, v any) Event {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	var fields map[string]json.RawMessage
	json.Unmarshal(data, &fields)
	seqRaw, _ := json.Marshal(seq)
	fields["seq"] = seqRaw
	raw, _ := json.Marshal(fields)
	var env ws.Envelope
	json.Unmarshal(data, &env)
	return Event{Seq: seq, Kind: env.Type, IngestTs: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Raw: raw}
}

func sampleLog(t *testing.T) []Event {
	t.Helper()
	var evs []Event
	seq := int64(0)
	add := func(v any) {
		seq++
		evs = append(evs, mkEvent(t, seq, v))
	}

	add(ws.Heartbeat{Type: ws.TypeHeartbeat, Active: true, Model: &ws.ModelRef{Provider: "x", ID: "y"}, SessionName: "first"})
	add(map[string]any{"type": ws.TypeMessageStart, "message": map[string]string{"id": "m1", "role": "assistant"}})
	add(map[string]any{"type": ws.TypeMessageUpdate, "message_id": "m1", "partial": map[string]string{"type": "text_delta", "content": "Hel"}})
	add(map[string]any{"type": ws.TypeMessageUpdate, "message_id": "m1", "partial": map[string]string{"type": "text_delta", "content": "lo"}})
	add(map[string]any{"type": ws.TypeMessageEnd, "message_id": "m1"})
	add(map[string]any{"type": ws.TypeToolExecStart, "tool_id": "t1", "name": "bash"})
	add(map[string]any{"type": ws.TypeToolExecUpdate, "tool_id": "t1", "output": "ok\n"})
	add(map[string]any{"type": ws.TypeToolExecEnd, "tool_id": "t1"})
	add(ws.TodoUpdate{Type: ws.TypeTodoUpdate, TodoList: []ws.TodoItem{{Text: "ship it", State: "in_progress"}}})
	add(ws.Heartbeat{Type: ws.TypeHeartbeat, Active: false, SessionName: "renamed"})
	return evs
}

// Snapshot at seq k plus the suffix must reconstruct the same observable
// state as folding the full log from scratch.
func TestReplayEquivalence(t *testing.T) {
	log := sampleLog(t)

	full := NewSnapshot("s1")
	for _, ev := range log {
		full.Apply(ev)
	}

	for k := 0; k <= len(log); k++ {
		partial := NewSnapshot("s1")
		for _, ev := range log[:k] {
			partial.Apply(ev)
		}
		resumed := partial.Clone()
		for _, ev := range log[k:] {
			resumed.Apply(ev)
		}
		a, _ := json.Marshal(full)
		b, _ := json.Marshal(resumed)
		if string(a) != string(b) {
			t.Errorf("fold from snapshot at k=%d diverges:\n full: %s\n got:  %s", k, a, b)
		}
	}
}

func TestSnapshotFold(t *testing.T) {
	snap := NewSnapshot("s1")
	for _, ev := range sampleLog(t) {
		snap.Apply(ev)
	}

	if snap.Seq != 10 {
		t.Errorf("seq = %d, want 10", snap.Seq)
	}
	if snap.IsActive {
		t.Error("is_active should reflect the last heartbeat (false)")
	}
	if snap.SessionName != "renamed" {
		t.Errorf("session_name = %q, want renamed", snap.SessionName)
	}
	if len(snap.Messages) != 1 || snap.Messages[0].Content != "Hello" || !snap.Messages[0].Done {
		t.Errorf("messages = %+v", snap.Messages)
	}
	if len(snap.Tools) != 1 || snap.Tools[0].Output != "ok\n" || snap.Tools[0].Status != "ok" {
		t.Errorf("tools = %+v", snap.Tools)
	}
	if len(snap.TodoList) != 1 || snap.TodoList[0].Text != "ship it" {
		t.Errorf("todo_list = %+v", snap.TodoList)
	}
	if snap.Model == nil || snap.Model.Provider != "x" {
		t.Errorf("model = %+v", snap.Model)
	}
}

// set_session_name and heartbeat race by seq order: last writer wins.
func TestSessionNameLastWriterWins(t *testing.T) {
	nameOut, _ := json.Marshal("from-exec")
	snap := NewSnapshot("s1")
	snap.Apply(mkEvent(t, 1, ws.Heartbeat{Type: ws.TypeHeartbeat, Active: true, SessionName: "from-heartbeat"}))
	snap.Apply(mkEvent(t, 2, ws.ExecResult{Type: ws.TypeExecResult, Command: "set_session_name", Ok: true, Output: nameOut}))
	if snap.SessionName != "from-exec" {
		t.Errorf("session_name = %q, want from-exec", snap.SessionName)
	}

	snap.Apply(mkEvent(t, 3, ws.Heartbeat{Type: ws.TypeHeartbeat, Active: true, SessionName: "from-heartbeat-2"}))
	if snap.SessionName != "from-heartbeat-2" {
		t.Errorf("session_name = %q, want from-heartbeat-2", snap.SessionName)
	}
}

// Applying an already-folded seq is a no-op, so restart replays are idempotent.
func TestSnapshotApplyIdempotent(t *testing.T) {
	ev := mkEvent(t, 1, map[string]any{"type": ws.TypeMessageUpdate, "partial": map[string]string{"type": "text_delta", "content": "x"}})
	snap := NewSnapshot("s1")
	snap.Apply(ev)
	snap.Apply(ev)
	if snap.Messages[0].Content != "x" {
		t.Errorf("content = %q, want single application", snap.Messages[0].Content)
	}
}

func TestSnapshotCloneIsolation(t *testing.T) {
	snap := NewSnapshot("s1")
	snap.Apply(mkEvent(t, 1, map[string]any{"type": ws.TypeMessageStart, "message": map[string]string{"id": "m1"}}))
	clone := snap.Clone()
	snap.Apply(mkEvent(t, 2, map[string]any{"type": ws.TypeMessageUpdate, "message_id": "m1", "partial": map[string]string{"type": "text_delta", "content": "after"}}))
	if clone.Messages[0].Content != "" {
		t.Error("clone shares message state with the original")
	}
	if clone.Seq == snap.Seq {
		t.Error("clone seq should lag the original after further applies")
	}
}

func TestSubscriberBackpressureDropsOldest(t *testing.T) {
	sub := newSubscriber(nil)

	total := viewerQueueCap + 250
	for i := 1; i <= total; i++ {
		sub.enqueue(outItem{seq: int64(i), data: []byte(fmt.Sprintf("%d", i))})
	}

	if got := len(sub.queue); got != viewerQueueCap {
		t.Errorf("queue len = %d, want %d", got, viewerQueueCap)
	}
	if got := sub.Dropped(); got != 250 {
		t.Errorf("dropped = %d, want 250", got)
	}

	// The oldest items were dropped: the head of the queue is the first
	// retained seq, and order is preserved.
	first := <-sub.queue
	if first.seq != 251 {
		t.Errorf("head seq = %d, want 251", first.seq)
	}
	prev := first.seq
	for len(sub.queue) > 0 {
		it := <-sub.queue
		if it.seq != prev+1 {
			t.Fatalf("queue order broken: %d after %d", it.seq, prev)
		}
		prev = it.seq
	}
	if prev != int64(total) {
		t.Errorf("tail seq = %d, want %d", prev, total)
	}

	// lastSeqSent only advances on actual delivery, never on drops.
	if sub.LastSeqSent() != 0 {
		t.Errorf("lastSeqSent = %d, want 0 before any flush", sub.LastSeqSent())
	}
}
