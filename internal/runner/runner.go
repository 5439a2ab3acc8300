package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/pizzaface/pizzapi/internal/config"
	"github.com/pizzaface/pizzapi/internal/ws"
)

// ErrRestartRequested is returned by Run when a worker exits with the
// runner-restart code; the CLI then builds and runs a fresh daemon.
var ErrRestartRequested = errors.New("runner restart requested")

// workerProc tracks one spawned worker process.
type workerProc struct {
	sessionID string
	cwd       string
	cancel    context.CancelFunc
}

// Daemon is the runner: it holds the hub connection, spawns worker
// processes for sessions, hosts PTYs, and answers proxied file/git RPCs.
type Daemon struct {
	cfg     *config.Runner
	file    *config.RunnerFile
	state   *State
	roots   []string
	folders *folderTracker
	client  *ws.Client

	mu      sync.Mutex
	workers map[string]*workerProc

	restart chan struct{}
}

// New builds a daemon from environment + runner.yaml configuration.
// Environment roots override the file's.
func New(cfg *config.Runner) (*Daemon, error) {
	file, err := config.LoadRunnerFile(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("load runner.yaml: %w", err)
	}
	roots := cfg.Roots
	if len(roots) == 0 {
		roots = file.Roots
	}

	state, err := AcquireState(cfg.StatePath)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:     cfg,
		file:    file,
		state:   state,
		roots:   roots,
		folders: newFolderTracker(roots),
		workers: make(map[string]*workerProc),
		restart: make(chan struct{}, 1),
	}

	name := file.Name
	if name == "" {
		name, _ = os.Hostname()
	}

	d.client = &ws.Client{
		HubURL:       cfg.RelayURL + "/ws/runner",
		APIKey:       cfg.APIKey,
		RunnerID:     state.RunnerID,
		RunnerSecret: state.RunnerSecret,
		Name:         name,
		Roots:        roots,
		Skills:       file.Skills,
		Terminal:     file.TerminalEnabled(),

		OnNewSession:   d.onNewSession,
		OnKillSession:  d.onKillSession,
		OnNewTerminal:  d.onNewTerminal,
		OnRPC:          d.handleRPC,
		OnListSessions: d.listSessions,
	}
	return d, nil
}

// RunnerID returns the stable identity used for registration.
func (d *Daemon) RunnerID() string { return d.state.RunnerID }

// Run connects to the hub and serves until ctx is cancelled or a restart is
// requested.
func (d *Daemon) Run(ctx context.Context) error {
	defer ReleaseState(d.cfg.StatePath)
	defer d.folders.Close()

	slog.Info("runner starting", "runner_id", d.state.RunnerID, "hub", d.cfg.RelayURL, "roots", d.roots)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- d.client.Run(runCtx) }()

	select {
	case <-d.restart:
		cancel()
		<-errCh
		return ErrRestartRequested
	case err := <-errCh:
		return err
	case <-ctx.Done():
		<-errCh
		return ctx.Err()
	}
}

// onNewSession spawns the worker for a session and supervises it. A worker
// exit with the restart code respawns under the same sessionId; the hub
// sees a producer reconnection, not a new session.
func (d *Daemon) onNewSession(ctx context.Context, msg ws.NewSession, write ws.WriteFunc) {
	if msg.Cwd != "" && !d.pathAllowed(msg.Cwd) {
		write(ws.SessionError{Type: ws.TypeSessionError, SessionID: msg.SessionID, Message: "cwd outside roots", Source: "runner"})
		return
	}

	workerCtx, cancel := context.WithCancel(ctx)
	proc := &workerProc{sessionID: msg.SessionID, cwd: msg.Cwd, cancel: cancel}
	d.mu.Lock()
	d.workers[msg.SessionID] = proc
	d.mu.Unlock()
	defer func() {
		cancel()
		d.mu.Lock()
		delete(d.workers, msg.SessionID)
		d.mu.Unlock()
	}()

	write(ws.SessionReady{Type: ws.TypeSessionReady, SessionID: msg.SessionID})

	for {
		exitCode, err := d.spawnWorker(workerCtx, msg)
		if workerCtx.Err() != nil {
			write(ws.SessionKilled{Type: ws.TypeSessionKilled, SessionID: msg.SessionID, ExitCode: exitCode})
			return
		}
		if err != nil {
			write(ws.SessionError{Type: ws.TypeSessionError, SessionID: msg.SessionID, Message: err.Error(), Source: "runner"})
			return
		}
		switch exitCode {
		case ws.ExitCodeWorkerRestart:
			slog.Info("worker requested restart, respawning", "session_id", msg.SessionID)
			msg.Prompt = "" // the transcript already holds the conversation
			continue
		case ws.ExitCodeRunnerRestart:
			write(ws.SessionKilled{Type: ws.TypeSessionKilled, SessionID: msg.SessionID, ExitCode: exitCode})
			select {
			case d.restart <- struct{}{}:
			default:
			}
			return
		default:
			write(ws.SessionKilled{Type: ws.TypeSessionKilled, SessionID: msg.SessionID, ExitCode: exitCode})
			return
		}
	}
}

// spawnWorker execs the worker binary and waits for it. The worker opens its
// own producer WebSocket against the hub, scoped to the session id.
func (d *Daemon) spawnWorker(ctx context.Context, msg ws.NewSession) (int, error) {
	args := []string{
		"--session-id", msg.SessionID,
		"--relay-url", d.cfg.RelayURL,
	}
	if msg.Prompt != "" {
		args = append(args, "--prompt", msg.Prompt)
	}
	if msg.Model != nil {
		args = append(args, "--model", msg.Model.Provider+"/"+msg.Model.ID)
	}

	cmd := exec.CommandContext(ctx, d.file.WorkerCommand(), args...)
	cmd.Dir = msg.Cwd
	cmd.Env = append(os.Environ(),
		"PIZZAPI_SESSION_ID="+msg.SessionID,
		"PIZZAPI_RELAY_URL="+d.cfg.RelayURL,
		"PIZZAPI_API_KEY="+d.cfg.APIKey,
	)

	slog.Info("spawning worker", "session_id", msg.SessionID, "cwd", msg.Cwd)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start worker: %w", err)
	}
	err := cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, fmt.Errorf("worker: %w", err)
}

func (d *Daemon) onKillSession(ctx context.Context, sessionID string) {
	d.mu.Lock()
	proc := d.workers[sessionID]
	d.mu.Unlock()
	if proc != nil {
		slog.Info("killing worker", "session_id", sessionID)
		proc.cancel()
	}
}

func (d *Daemon) onNewTerminal(ctx context.Context, msg ws.NewTerminal, write ws.WriteFunc, input <-chan []byte) {
	if !d.file.TerminalEnabled() {
		write(ws.TerminalError{Type: ws.TypeTerminalError, TerminalID: msg.TerminalID, Message: "terminals disabled on this runner"})
		return
	}
	if msg.Cwd != "" && !d.pathAllowed(msg.Cwd) {
		write(ws.TerminalError{Type: ws.TypeTerminalError, TerminalID: msg.TerminalID, Message: "cwd outside roots"})
		return
	}
	hostTerminal(ctx, msg, write, input, d.file.Shell)
}

func (d *Daemon) listSessions(ctx context.Context) []ws.RunnerSessionInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ws.RunnerSessionInfo, 0, len(d.workers))
	for _, proc := range d.workers {
		out = append(out, ws.RunnerSessionInfo{
			SessionID: proc.sessionID,
			Cwd:       proc.cwd,
			Running:   true,
		})
	}
	return out
}

// WaitBeforeRestart gives the hub a moment to settle between daemon restarts.
func WaitBeforeRestart() { time.Sleep(time.Second) }
