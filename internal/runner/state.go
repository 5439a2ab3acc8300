package runner

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// State is the runner's persistent identity, written to runner.json with
// mode 0600. RunnerID and RunnerSecret survive daemon restarts; Pid marks
// the live owner so stale locks can be cleared.
type State struct {
	Pid          int       `json:"pid"`
	StartedAt    time.Time `json:"startedAt"`
	RunnerID     string    `json:"runnerId"`
	RunnerSecret string    `json:"runnerSecret"`
}

// AcquireState takes the exclusive runner lock at path. An existing file
// whose PID is still a live runner process wins; stale locks (PID dead, or
// alive but not a runner process) are cleared. Identity fields are carried
// over from the previous state when present.
func AcquireState(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	prev, err := readState(path)
	if err != nil {
		slog.Warn("unreadable runner state, replacing", "path", path, "err", err)
		prev = nil
	}
	if prev != nil && prev.Pid != 0 && prev.Pid != os.Getpid() {
		if pidIsRunner(prev.Pid) {
			return nil, fmt.Errorf("runner already running (pid %d)", prev.Pid)
		}
		slog.Info("clearing stale runner lock", "pid", prev.Pid)
	}

	st := &State{
		Pid:       os.Getpid(),
		StartedAt: time.Now(),
	}
	if prev != nil && prev.RunnerID != "" && prev.RunnerSecret != "" {
		st.RunnerID = prev.RunnerID
		st.RunnerSecret = prev.RunnerSecret
	} else {
		st.RunnerID = newID("runner")
		st.RunnerSecret = newSecret()
	}

	if err := writeState(path, st); err != nil {
		return nil, err
	}
	return st, nil
}

// ReleaseState removes the lock if this process still owns it.
func ReleaseState(path string) {
	st, err := readState(path)
	if err != nil || st == nil || st.Pid != os.Getpid() {
		return
	}
	os.Remove(path)
}

func readState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func writeState(path string, st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write runner state: %w", err)
	}
	return nil
}

// pidIsRunner reports whether pid is alive and looks like a runner process.
// A PID that was recycled by an unrelated process does not hold the lock.
func pidIsRunner(pid int) bool {
	if err := unix.Kill(pid, 0); err != nil {
		if err == unix.EPERM {
			// Alive but owned by someone else — not our runner.
			return false
		}
		return false
	}
	comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		// No procfs (darwin): alive is the best signal we have.
		return true
	}
	return strings.Contains(string(comm), "pizzapi")
}

func newID(prefix string) string {
	b := make([]byte, 4)
	rand.Read(b)
	host, _ := os.Hostname()
	if host == "" {
		host = prefix
	}
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	return host + "-" + hex.EncodeToString(b)
}

func newSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}
