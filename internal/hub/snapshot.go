package hub

import (
	"encoding/json"
	"time"

	"github.com/pizzaface/pizzapi/internal/ws"
)

// MessageState is one folded message in the compacted transcript.
type MessageState struct {
	ID      string `json:"id"`
	Role    string `json:"role,omitempty"`
	Content string `json:"content"`
	Done    bool   `json:"done"`
}

// ToolState is one folded tool execution.
type ToolState struct {
	ToolID string          `json:"tool_id"`
	Name   string          `json:"name,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output string          `json:"output,omitempty"`
	Status string          `json:"status,omitempty"`
}

// Snapshot is the fold of a session's event log: everything a fresh viewer
// needs to reconstruct observable state without replaying from seq 1.
// Snapshot at seq N plus the log suffix E[N+1..] must reconstruct the same
// state as folding the full log.
type Snapshot struct {
	SessionID       string              `json:"session_id"`
	Seq             int64               `json:"seq"`
	IsActive        bool                `json:"is_active"`
	SessionName     string              `json:"session_name,omitempty"`
	Model           *ws.ModelRef        `json:"model,omitempty"`
	ThinkingLevel   string              `json:"thinking_level,omitempty"`
	TokenUsage      *ws.TokenUsage      `json:"token_usage,omitempty"`
	PendingQuestion *ws.PendingQuestion `json:"pending_question,omitempty"`
	TodoList        []ws.TodoItem       `json:"todo_list,omitempty"`
	Capabilities    *ws.Capabilities    `json:"capabilities,omitempty"`
	Messages        []MessageState      `json:"messages"`
	Tools           []ToolState         `json:"tools,omitempty"`
	ProviderUsage   json.RawMessage     `json:"provider_usage,omitempty"`
	HubTs           time.Time           `json:"hub_ts,omitzero"` // hub clock at last heartbeat
}

// NewSnapshot returns the empty fold state for a session.
func NewSnapshot(sessionID string) *Snapshot {
	return &Snapshot{SessionID: sessionID, Messages: []MessageState{}}
}

// Clone deep-copies the snapshot so the serializer can hand it out without
// sharing mutable slices.
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	c.Messages = append([]MessageState(nil), s.Messages...)
	c.Tools = append([]ToolState(nil), s.Tools...)
	c.TodoList = append([]ws.TodoItem(nil), s.TodoList...)
	if s.Model != nil {
		m := *s.Model
		c.Model = &m
	}
	if s.TokenUsage != nil {
		tu := *s.TokenUsage
		c.TokenUsage = &tu
	}
	if s.PendingQuestion != nil {
		pq := *s.PendingQuestion
		pq.Options = append([]string(nil), s.PendingQuestion.Options...)
		c.PendingQuestion = &pq
	}
	if s.Capabilities != nil {
		caps := *s.Capabilities
		caps.Commands = append([]string(nil), s.Capabilities.Commands...)
		caps.Models = append([]string(nil), s.Capabilities.Models...)
		c.Capabilities = &caps
	}
	c.ProviderUsage = append(json.RawMessage(nil), s.ProviderUsage...)
	return &c
}

// Apply folds one event into the snapshot. Events with seq ≤ the snapshot's
// are skipped so replays after a restart are idempotent.
func (s *Snapshot) Apply(ev Event) {
	if ev.Seq <= s.Seq {
		return
	}
	s.Seq = ev.Seq

	switch ev.Kind {
	case ws.TypeHeartbeat:
		var hb ws.Heartbeat
		if json.Unmarshal(ev.Raw, &hb) != nil {
			return
		}
		s.IsActive = hb.Active
		if hb.Model != nil {
			s.Model = hb.Model
		}
		if hb.ThinkingLevel != "" {
			s.ThinkingLevel = hb.ThinkingLevel
		}
		if hb.TokenUsage != nil {
			s.TokenUsage = hb.TokenUsage
		}
		if hb.SessionName != "" {
			s.SessionName = hb.SessionName
		}
		s.PendingQuestion = hb.PendingQuestion
		if hb.TodoList != nil {
			s.TodoList = hb.TodoList
		}
		if len(hb.ProviderUsage) > 0 {
			s.ProviderUsage = hb.ProviderUsage
		}
		s.HubTs = ev.IngestTs

	case ws.TypeCapabilities:
		var caps ws.Capabilities
		if json.Unmarshal(ev.Raw, &caps) == nil {
			s.Capabilities = &caps
		}

	case ws.TypeModelSelect, ws.TypeModelSetResult:
		var sel ws.ModelSelect
		if json.Unmarshal(ev.Raw, &sel) == nil && sel.Model != nil {
			s.Model = sel.Model
		}

	case ws.TypeTodoUpdate:
		var tu ws.TodoUpdate
		if json.Unmarshal(ev.Raw, &tu) == nil {
			s.TodoList = tu.TodoList
		}

	case ws.TypeMessageStart:
		var msg ws.MessageStart
		if json.Unmarshal(ev.Raw, &msg) != nil {
			return
		}
		s.Messages = append(s.Messages, MessageState{ID: msg.Message.ID, Role: msg.Message.Role})

	case ws.TypeMessageUpdate:
		var upd ws.MessageUpdate
		if json.Unmarshal(ev.Raw, &upd) != nil {
			return
		}
		i := s.messageIndex(upd.MessageID)
		if i < 0 {
			// Update with no open message — open an implicit one.
			s.Messages = append(s.Messages, MessageState{ID: upd.MessageID})
			i = len(s.Messages) - 1
		}
		s.Messages[i].Content += upd.Partial.Content

	case ws.TypeMessageEnd:
		var end ws.MessageEnd
		if json.Unmarshal(ev.Raw, &end) != nil {
			return
		}
		if i := s.messageIndex(end.MessageID); i >= 0 {
			s.Messages[i].Done = true
		}

	case ws.TypeToolExecStart:
		var te ws.ToolExecution
		if json.Unmarshal(ev.Raw, &te) != nil {
			return
		}
		s.Tools = append(s.Tools, ToolState{ToolID: te.ToolID, Name: te.Name, Input: te.Input, Status: "running"})

	case ws.TypeToolExecUpdate, ws.TypeToolExecEnd:
		var te ws.ToolExecution
		if json.Unmarshal(ev.Raw, &te) != nil {
			return
		}
		for i := range s.Tools {
			if s.Tools[i].ToolID == te.ToolID {
				s.Tools[i].Output += te.Output
				if te.Status != "" {
					s.Tools[i].Status = te.Status
				} else if ev.Kind == ws.TypeToolExecEnd {
					s.Tools[i].Status = "ok"
				}
				break
			}
		}

	case ws.TypeExecResult:
		var er ws.ExecResult
		if json.Unmarshal(ev.Raw, &er) != nil {
			return
		}
		if er.Command == "set_session_name" && er.Ok {
			var name string
			if json.Unmarshal(er.Output, &name) == nil && name != "" {
				s.SessionName = name
			}
		}

	case ws.TypeAgentEnd, ws.TypeDisconnected:
		s.IsActive = false

	case ws.TypeSessionActive:
		// Compaction point: a session_active frame carries a full snapshot
		// and replaces the folded state wholesale.
		var snap Snapshot
		if json.Unmarshal(ev.Raw, &snap) == nil && snap.SessionID != "" {
			seq := s.Seq
			*s = snap
			s.Seq = seq
			if s.Messages == nil {
				s.Messages = []MessageState{}
			}
		} else {
			s.IsActive = true
		}
	}
}

// messageIndex finds a message by id; an empty id targets the last open message.
func (s *Snapshot) messageIndex(id string) int {
	if id == "" {
		for i := len(s.Messages) - 1; i >= 0; i-- {
			if !s.Messages[i].Done {
				return i
			}
		}
		return -1
	}
	for i := range s.Messages {
		if s.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

// SessionActiveFrame renders the snapshot as the session_active frame sent
// on resync and producer reattach.
func (s *Snapshot) SessionActiveFrame() []byte {
	type frame struct {
		Type string `json:"type"`
		*Snapshot
	}
	data, _ := json.Marshal(frame{Type: ws.TypeSessionActive, Snapshot: s})
	return data
}
