package runner

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pizzaface/pizzapi/internal/ws"
)

const (
	defaultReadCap   = 1 << 20 // 1 MiB unless the caller asks for less
	maxRecentFolders = 30
	gitTimeout       = 10 * time.Second
)

// folderTracker watches the workspace roots and keeps a recency-ordered list
// of project directories for the recent-folders RPC.
type folderTracker struct {
	mu      sync.Mutex
	touched map[string]time.Time
	watcher *fsnotify.Watcher
}

func newFolderTracker(roots []string) *folderTracker {
	ft := &folderTracker{touched: make(map[string]time.Time)}

	// Seed from the current directory listing so the list is useful before
	// any filesystem activity.
	for _, root := range roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			ft.touched[filepath.Join(root, e.Name())] = info.ModTime()
		}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("fsnotify unavailable, recent-folders will not refresh", "err", err)
		return ft
	}
	ft.watcher = w
	for _, root := range roots {
		if err := w.Add(root); err != nil {
			slog.Debug("cannot watch root", "root", root, "err", err)
		}
	}
	go ft.loop(roots)
	return ft
}

func (ft *folderTracker) loop(roots []string) {
	for {
		select {
		case ev, ok := <-ft.watcher.Events:
			if !ok {
				return
			}
			dir := ev.Name
			if info, err := os.Stat(dir); err != nil || !info.IsDir() {
				dir = filepath.Dir(dir)
			}
			for _, root := range roots {
				if strings.HasPrefix(dir, root+string(filepath.Separator)) || dir == root {
					ft.mu.Lock()
					ft.touched[dir] = time.Now()
					ft.mu.Unlock()
					break
				}
			}
		case _, ok := <-ft.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (ft *folderTracker) Close() {
	if ft.watcher != nil {
		ft.watcher.Close()
	}
}

// Recent returns tracked folders, most recently touched first.
func (ft *folderTracker) Recent() []string {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	type entry struct {
		path string
		at   time.Time
	}
	entries := make([]entry, 0, len(ft.touched))
	for p, at := range ft.touched {
		entries = append(entries, entry{p, at})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.After(entries[j].at) })
	if len(entries) > maxRecentFolders {
		entries = entries[:maxRecentFolders]
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.path
	}
	return out
}

// pathAllowed re-checks the roots policy runner-side; the hub enforces it
// too, but a compromised hub must not widen filesystem access.
func (d *Daemon) pathAllowed(path string) bool {
	if len(d.roots) == 0 {
		return true
	}
	clean := filepath.Clean(path)
	for _, root := range d.roots {
		if clean == root || strings.HasPrefix(clean, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// handleRPC answers the hub's proxied REST calls.
func (d *Daemon) handleRPC(ctx context.Context, req ws.RunnerRPC) ws.RunnerRPCResult {
	fail := func(err error) ws.RunnerRPCResult {
		return ws.RunnerRPCResult{Error: err.Error()}
	}
	ok := func(v any) ws.RunnerRPCResult {
		payload, err := json.Marshal(v)
		if err != nil {
			return fail(err)
		}
		return ws.RunnerRPCResult{Payload: payload}
	}

	switch req.Op {
	case "recent_folders":
		return ok(map[string]any{"folders": d.folders.Recent()})

	case "list_files":
		var args struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(req.Payload, &args); err != nil || args.Path == "" {
			return fail(fmt.Errorf("path required"))
		}
		if !d.pathAllowed(args.Path) {
			return fail(fmt.Errorf("path outside roots"))
		}
		entries, err := os.ReadDir(args.Path)
		if err != nil {
			return fail(err)
		}
		type dirEntry struct {
			Name  string `json:"name"`
			IsDir bool   `json:"is_dir"`
			Path  string `json:"path"`
		}
		out := make([]dirEntry, 0, len(entries))
		for _, e := range entries {
			out = append(out, dirEntry{
				Name:  e.Name(),
				IsDir: e.IsDir(),
				Path:  filepath.Join(args.Path, e.Name()),
			})
		}
		return ok(map[string]any{"entries": out})

	case "read_file":
		var args struct {
			Path     string `json:"path"`
			Encoding string `json:"encoding,omitempty"` // "utf8" or "base64"
			MaxBytes int64  `json:"maxBytes,omitempty"`
		}
		if err := json.Unmarshal(req.Payload, &args); err != nil || args.Path == "" {
			return fail(fmt.Errorf("path required"))
		}
		if !d.pathAllowed(args.Path) {
			return fail(fmt.Errorf("path outside roots"))
		}
		limit := args.MaxBytes
		if limit <= 0 || limit > defaultReadCap {
			limit = defaultReadCap
		}
		f, err := os.Open(args.Path)
		if err != nil {
			return fail(err)
		}
		defer f.Close()
		buf := make([]byte, limit)
		n, _ := f.Read(buf)
		info, _ := f.Stat()
		var content string
		if args.Encoding == "base64" {
			content = base64.StdEncoding.EncodeToString(buf[:n])
		} else {
			content = string(buf[:n])
		}
		res := map[string]any{"content": content, "encoding": args.Encoding}
		if info != nil {
			res["size"] = info.Size()
			res["truncated"] = info.Size() > int64(n)
		}
		return ok(res)

	case "git_status":
		var args struct {
			Cwd string `json:"cwd"`
		}
		if err := json.Unmarshal(req.Payload, &args); err != nil || args.Cwd == "" {
			return fail(fmt.Errorf("cwd required"))
		}
		if !d.pathAllowed(args.Cwd) {
			return fail(fmt.Errorf("cwd outside roots"))
		}
		out, err := runGit(ctx, args.Cwd, "status", "--porcelain=v1", "--branch")
		if err != nil {
			return fail(err)
		}
		return ok(map[string]string{"status": out})

	case "git_diff":
		var args struct {
			Cwd  string `json:"cwd"`
			Path string `json:"path,omitempty"`
		}
		if err := json.Unmarshal(req.Payload, &args); err != nil || args.Cwd == "" {
			return fail(fmt.Errorf("cwd required"))
		}
		if !d.pathAllowed(args.Cwd) {
			return fail(fmt.Errorf("cwd outside roots"))
		}
		gitArgs := []string{"diff"}
		if args.Path != "" {
			gitArgs = append(gitArgs, "--", args.Path)
		}
		out, err := runGit(ctx, args.Cwd, gitArgs...)
		if err != nil {
			return fail(err)
		}
		return ok(map[string]string{"diff": out})

	default:
		return fail(fmt.Errorf("unknown op %q", req.Op))
	}
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
			return "", fmt.Errorf("git: %s", strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git: %w", err)
	}
	return string(out), nil
}
