package ws

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types for the hub WebSocket protocol.
const (
	// Runner control (runner ↔ hub)
	TypeRegisterRunner   = "register_runner"
	TypeRunnerRegistered = "runner_registered"
	TypeNewSession       = "new_session"
	TypeSessionReady     = "session_ready"
	TypeSessionError     = "session_error"
	TypeKillSession      = "kill_session"
	TypeSessionKilled    = "session_killed"
	TypeListSessions     = "list_sessions"
	TypeSessionsList     = "sessions_list"
	TypePing             = "ping"
	TypePong             = "pong"
	TypeRestart          = "restart"
	TypeRunnerRPC        = "runner_rpc"        // hub → runner (proxied REST call)
	TypeRunnerRPCResult  = "runner_rpc_result" // runner → hub

	// Session events (worker → hub → viewer)
	TypeSessionActive      = "session_active"
	TypeAgentEnd           = "agent_end"
	TypeMessageStart       = "message_start"
	TypeMessageUpdate      = "message_update"
	TypeMessageEnd         = "message_end"
	TypeTurnEnd            = "turn_end"
	TypeToolExecStart      = "tool_execution_start"
	TypeToolExecUpdate     = "tool_execution_update"
	TypeToolExecEnd        = "tool_execution_end"
	TypeHeartbeat          = "heartbeat"
	TypeCapabilities       = "capabilities"
	TypeModelSelect        = "model_select"
	TypeModelSetResult     = "model_set_result"
	TypeTodoUpdate         = "todo_update"
	TypeCLIError           = "cli_error"
	TypeExecResult         = "exec_result"
	TypeEndSession         = "end_session"
	TypeDisconnected       = "disconnected" // hub-synthesized: producer went quiet

	// Viewer → worker (via hub)
	TypeInput     = "input"
	TypeExec      = "exec"
	TypeResync    = "resync"
	TypeConnected = "connected"

	// Terminal
	TypeNewTerminal       = "new_terminal"
	TypeTerminalConnected = "terminal_connected"
	TypeTerminalReady     = "terminal_ready"
	TypeTerminalInput     = "terminal_input"
	TypeTerminalResize    = "terminal_resize"
	TypeTerminalData      = "terminal_data"
	TypeTerminalExit      = "terminal_exit"
	TypeTerminalError     = "terminal_error"
	TypeKillTerminal      = "kill_terminal"
)

// Worker and runner restart signals, carried as process exit codes.
// Any other non-zero exit is fatal for its session.
const (
	ExitCodeRunnerRestart = 42
	ExitCodeWorkerRestart = 43
)

// knownTypes is the closed set of frame types. Unknown types are rejected
// with a cli_error; unknown fields inside a known type are ignored.
var knownTypes = map[string]bool{
	TypeRegisterRunner: true, TypeRunnerRegistered: true,
	TypeNewSession: true, TypeSessionReady: true, TypeSessionError: true,
	TypeKillSession: true, TypeSessionKilled: true,
	TypeListSessions: true, TypeSessionsList: true,
	TypePing: true, TypePong: true, TypeRestart: true,
	TypeRunnerRPC: true, TypeRunnerRPCResult: true,
	TypeSessionActive: true, TypeAgentEnd: true,
	TypeMessageStart: true, TypeMessageUpdate: true, TypeMessageEnd: true,
	TypeTurnEnd: true, TypeToolExecStart: true, TypeToolExecUpdate: true,
	TypeToolExecEnd: true, TypeHeartbeat: true, TypeCapabilities: true,
	TypeModelSelect: true, TypeModelSetResult: true, TypeTodoUpdate: true,
	TypeCLIError: true, TypeExecResult: true, TypeEndSession: true,
	TypeDisconnected: true,
	TypeInput: true, TypeExec: true, TypeResync: true, TypeConnected: true,
	TypeNewTerminal: true, TypeTerminalConnected: true, TypeTerminalReady: true,
	TypeTerminalInput: true, TypeTerminalResize: true, TypeTerminalData: true,
	TypeTerminalExit: true, TypeTerminalError: true, TypeKillTerminal: true,
}

// sessionEventKinds are the producer frame types that enter a session's
// event log and get a seq assigned.
var sessionEventKinds = map[string]bool{
	TypeSessionActive: true, TypeAgentEnd: true,
	TypeMessageStart: true, TypeMessageUpdate: true, TypeMessageEnd: true,
	TypeTurnEnd: true, TypeToolExecStart: true, TypeToolExecUpdate: true,
	TypeToolExecEnd: true, TypeHeartbeat: true, TypeCapabilities: true,
	TypeModelSelect: true, TypeModelSetResult: true, TypeTodoUpdate: true,
	TypeCLIError: true, TypeExecResult: true, TypeDisconnected: true,
}

// KnownType reports whether t is part of the protocol's closed type set.
func KnownType(t string) bool { return knownTypes[t] }

// SessionEventKind reports whether t is a loggable session event kind.
func SessionEventKind(t string) bool { return sessionEventKinds[t] }

// Envelope wraps every WebSocket message with a type field for routing.
type Envelope struct {
	Type string `json:"type"`
}

// Decode parses the envelope of a raw frame. It returns an error for
// frames that fail to parse, lack a type, or carry an unknown type.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("parse frame: %w", err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("frame missing type")
	}
	if !knownTypes[env.Type] {
		return env, fmt.Errorf("unknown frame type %q", env.Type)
	}
	return env, nil
}

// ModelRef identifies an agent model by provider and id.
type ModelRef struct {
	Provider string `json:"provider"`
	ID       string `json:"id"`
}

// TokenUsage summarizes the producer's token consumption so far.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Cache  int64 `json:"cache,omitempty"`
}

// TodoItem is a single entry in the worker's todo list.
type TodoItem struct {
	Text  string `json:"text"`
	State string `json:"state"` // "pending", "in_progress", "done"
}

// PendingQuestion is a question the agent is waiting on the user to answer.
type PendingQuestion struct {
	ID      string   `json:"id"`
	Text    string   `json:"text"`
	Options []string `json:"options,omitempty"`
}

// AttachmentRef points at a previously uploaded attachment.
type AttachmentRef struct {
	AttachmentID string `json:"attachment_id"`
	Filename     string `json:"filename,omitempty"`
	MimeType     string `json:"mime_type,omitempty"`
	Size         int64  `json:"size,omitempty"`
}

// RegisterRunner is the first frame a runner sends on connect.
// RunnerID is chosen by the runner and re-used across restarts; the secret
// proves identity on reconnect.
type RegisterRunner struct {
	Type         string   `json:"type"`
	RunnerID     string   `json:"runner_id"`
	RunnerSecret string   `json:"runner_secret"`
	Name         string   `json:"name,omitempty"`
	Roots        []string `json:"roots,omitempty"` // empty = unscoped
	Skills       []string `json:"skills,omitempty"`
	Terminal     bool     `json:"terminal,omitempty"` // PTY capability
	Version      string   `json:"version,omitempty"`
}

// RunnerRegistered acknowledges a successful runner registration.
// AdoptedSessions lists sessions the hub still holds for this runner.
type RunnerRegistered struct {
	Type            string   `json:"type"`
	RunnerID        string   `json:"runner_id"`
	AdoptedSessions []string `json:"adopted_sessions,omitempty"`
}

// NewSession instructs a runner to spawn a worker for a pending session.
type NewSession struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Cwd       string    `json:"cwd,omitempty"`
	Prompt    string    `json:"prompt,omitempty"`
	Model     *ModelRef `json:"model,omitempty"`
}

// SessionReady confirms the worker process is up for a session.
type SessionReady struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// SessionError reports a session-scoped failure.
type SessionError struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
	Source    string `json:"source,omitempty"`
}

// KillSession asks the runner to terminate a session's worker.
type KillSession struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// SessionKilled reports worker termination.
type SessionKilled struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	ExitCode  int    `json:"exit_code"`
}

// ListSessions asks the runner for its locally known sessions.
type ListSessions struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
}

// RunnerSessionInfo describes one session hosted on a runner.
type RunnerSessionInfo struct {
	SessionID string `json:"session_id"`
	Cwd       string `json:"cwd,omitempty"`
	Running   bool   `json:"running"`
}

// SessionsList is the runner's reply to list_sessions.
type SessionsList struct {
	Type      string              `json:"type"`
	RequestID string              `json:"request_id"`
	Sessions  []RunnerSessionInfo `json:"sessions"`
}

// Ping is the runner's periodic liveness probe; the hub replies with Pong.
type Ping struct {
	Type     string `json:"type"`
	RunnerID string `json:"runner_id,omitempty"`
}

// Pong is the hub's reply to a runner ping.
type Pong struct {
	Type string `json:"type"`
}

// Restart tells the peer the hub is shutting down and it should reconnect.
type Restart struct {
	Type string `json:"type"`
}

// RunnerRPC carries a proxied REST request to a runner. Op is one of
// "recent_folders", "list_files", "read_file", "git_status", "git_diff".
type RunnerRPC struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Op        string          `json:"op"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// RunnerRPCResult is the runner's reply to a proxied request.
type RunnerRPCResult struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Error     string          `json:"error,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Heartbeat refreshes the session header. Producers emit one at least every
// 10 seconds; ts is the producer wall clock and is not trusted for ordering.
type Heartbeat struct {
	Type            string           `json:"type"`
	Ts              time.Time        `json:"ts,omitzero"`
	Active          bool             `json:"active"`
	Model           *ModelRef        `json:"model,omitempty"`
	ThinkingLevel   string           `json:"thinking_level,omitempty"`
	TokenUsage      *TokenUsage      `json:"token_usage,omitempty"`
	SessionName     string           `json:"session_name,omitempty"`
	PendingQuestion *PendingQuestion `json:"pending_question,omitempty"`
	TodoList        []TodoItem       `json:"todo_list,omitempty"`
	ProviderUsage   json.RawMessage  `json:"provider_usage,omitempty"`
}

// Capabilities advertises what the worker supports.
type Capabilities struct {
	Type     string   `json:"type"`
	Commands []string `json:"commands,omitempty"`
	Models   []string `json:"models,omitempty"`
}

// ModelSelect announces the worker's current model.
type ModelSelect struct {
	Type  string    `json:"type"`
	Model *ModelRef `json:"model,omitempty"`
}

// TodoUpdate replaces the session's todo list.
type TodoUpdate struct {
	Type     string     `json:"type"`
	TodoList []TodoItem `json:"todo_list"`
}

// MessageStart opens a new message in the transcript.
type MessageStart struct {
	Type    string `json:"type"`
	Message struct {
		ID   string `json:"id"`
		Role string `json:"role,omitempty"`
	} `json:"message"`
}

// MessagePartial is a streaming fragment of message content.
type MessagePartial struct {
	Type    string `json:"type"` // "text_delta", "thinking_delta"
	Content string `json:"content"`
}

// MessageUpdate appends a partial to an open message. An empty MessageID
// targets the most recently opened message.
type MessageUpdate struct {
	Type      string         `json:"type"`
	MessageID string         `json:"message_id,omitempty"`
	Partial   MessagePartial `json:"partial"`
}

// MessageEnd closes a message.
type MessageEnd struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id,omitempty"`
}

// ToolExecution frames share one shape across start/update/end.
type ToolExecution struct {
	Type   string          `json:"type"`
	ToolID string          `json:"tool_id"`
	Name   string          `json:"name,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output string          `json:"output,omitempty"`
	Status string          `json:"status,omitempty"` // "running", "ok", "error"
}

// ExecResult carries the outcome of a named command. A set_session_name
// command renames the session; last writer (by seq) wins against heartbeats.
type ExecResult struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Command   string          `json:"command"`
	Ok        bool            `json:"ok"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// CLIError is the generic error frame surfaced to any peer.
type CLIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Source  string `json:"source,omitempty"`
}

// Input is user text (plus attachments) delivered to the worker.
// DeliverAs is "steer" (interrupt) or "followUp" (queue).
type Input struct {
	Type        string          `json:"type"`
	Text        string          `json:"text"`
	Attachments []AttachmentRef `json:"attachments,omitempty"`
	DeliverAs   string          `json:"deliver_as,omitempty"`
}

// Exec invokes a named command on the worker.
type Exec struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Command   string          `json:"command"`
	Args      json.RawMessage `json:"args,omitempty"`
}

// Resync asks the channel for a fresh compacted snapshot after a seq gap.
type Resync struct {
	Type    string `json:"type"`
	LastSeq int64  `json:"last_seq,omitempty"`
}

// Connected is the first frame a viewer receives: the current header.
type Connected struct {
	Type        string    `json:"type"`
	SessionID   string    `json:"session_id"`
	LastSeq     int64     `json:"last_seq"`
	IsActive    bool      `json:"is_active"`
	SessionName string    `json:"session_name,omitempty"`
	Model       *ModelRef `json:"model,omitempty"`
}

// ViewerHello is the viewer's first frame, declaring its replay cursor.
// lastSeq 0 means fresh attach.
type ViewerHello struct {
	LastSeq int64 `json:"last_seq"`
}

// NewTerminal instructs a runner to spawn a PTY.
type NewTerminal struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminal_id"`
	Cwd        string `json:"cwd,omitempty"`
	Cols       int    `json:"cols,omitempty"`
	Rows       int    `json:"rows,omitempty"`
	Shell      string `json:"shell,omitempty"`
}

// TerminalConnected acknowledges a viewer's terminal attach.
type TerminalConnected struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminal_id"`
}

// TerminalReady confirms the PTY process is running on the runner.
type TerminalReady struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminal_id"`
}

// TerminalInput carries keystrokes from viewer to runner.
type TerminalInput struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminal_id"`
	Data       string `json:"data"` // base64-encoded
}

// TerminalResize changes the PTY geometry. The first resize after connect is
// the authoritative initial geometry; the runner may defer spawn until then.
type TerminalResize struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminal_id"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

// TerminalData carries raw PTY output bytes from runner to viewer.
type TerminalData struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminal_id"`
	Data       string `json:"data"` // base64-encoded
}

// TerminalExit tells the viewer the PTY process exited.
type TerminalExit struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminal_id"`
	ExitCode   int    `json:"exit_code"`
}

// TerminalError reports a terminal-scoped failure.
type TerminalError struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminal_id,omitempty"`
	Message    string `json:"message"`
}

// KillTerminal requests termination of a PTY session.
type KillTerminal struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminal_id"`
}
