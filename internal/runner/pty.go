package runner

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/creack/pty"

	"github.com/pizzaface/pizzapi/internal/ws"
)

const (
	ptyReadChunk     = 8 * 1024
	resizeWaitBudget = 5 * time.Second
)

// hostTerminal runs one PTY for the lifetime of a terminal session: spawn
// the shell, pump output to the hub, and apply input/resize/kill frames.
func hostTerminal(ctx context.Context, msg ws.NewTerminal, write ws.WriteFunc, input <-chan []byte, defaultShell string) {
	cols, rows := msg.Cols, msg.Rows

	// The first terminal_resize after connect is the authoritative initial
	// geometry; defer the spawn briefly when the request carried none.
	if cols == 0 || rows == 0 {
		deadline := time.After(resizeWaitBudget)
	wait:
		for {
			select {
			case data := <-input:
				var env ws.Envelope
				if json.Unmarshal(data, &env) != nil {
					continue
				}
				if env.Type == ws.TypeTerminalResize {
					var rs ws.TerminalResize
					if json.Unmarshal(data, &rs) == nil {
						cols, rows = rs.Cols, rs.Rows
					}
					break wait
				}
				if env.Type == ws.TypeKillTerminal {
					return
				}
			case <-deadline:
				break wait
			case <-ctx.Done():
				return
			}
		}
		if cols == 0 || rows == 0 {
			cols, rows = 80, 24
		}
	}

	shell := msg.Shell
	if shell == "" {
		shell = defaultShell
	}
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.Command(shell)
	cmd.Dir = msg.Cwd
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		write(ws.TerminalError{Type: ws.TypeTerminalError, TerminalID: msg.TerminalID, Message: err.Error()})
		return
	}
	defer ptmx.Close()

	write(ws.TerminalReady{Type: ws.TypeTerminalReady, TerminalID: msg.TerminalID})
	slog.Info("terminal started", "terminal_id", msg.TerminalID, "shell", shell, "cols", cols, "rows", rows)

	// Output pump: PTY → hub.
	outDone := make(chan struct{})
	go func() {
		defer close(outDone)
		buf := make([]byte, ptyReadChunk)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				write(ws.TerminalData{
					Type:       ws.TypeTerminalData,
					TerminalID: msg.TerminalID,
					Data:       base64.StdEncoding.EncodeToString(buf[:n]),
				})
			}
			if err != nil {
				return
			}
		}
	}()

	// Input pump: hub → PTY, until the process exits or the context dies.
	var killed atomic.Bool
	go func() {
		for {
			select {
			case <-ctx.Done():
				cmd.Process.Kill()
				return
			case <-outDone:
				return
			case data, ok := <-input:
				if !ok {
					cmd.Process.Kill()
					return
				}
				var env ws.Envelope
				if json.Unmarshal(data, &env) != nil {
					continue
				}
				switch env.Type {
				case ws.TypeTerminalInput:
					var in ws.TerminalInput
					if json.Unmarshal(data, &in) != nil {
						continue
					}
					raw, err := base64.StdEncoding.DecodeString(in.Data)
					if err != nil {
						continue
					}
					ptmx.Write(raw)
				case ws.TypeTerminalResize:
					var rs ws.TerminalResize
					if json.Unmarshal(data, &rs) != nil {
						continue
					}
					pty.Setsize(ptmx, &pty.Winsize{Cols: uint16(rs.Cols), Rows: uint16(rs.Rows)})
				case ws.TypeKillTerminal:
					killed.Store(true)
					cmd.Process.Kill()
				}
			}
		}
	}()

	err = cmd.Wait()
	<-outDone

	exitCode := 0
	if killed.Load() {
		exitCode = -1
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		exitCode = -1
	}
	write(ws.TerminalExit{Type: ws.TypeTerminalExit, TerminalID: msg.TerminalID, ExitCode: exitCode})
	slog.Info("terminal exited", "terminal_id", msg.TerminalID, "exit_code", exitCode)
}
