package runner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/pizzaface/pizzapi/internal/ws"
)

func testDaemon(t *testing.T, roots []string) *Daemon {
	t.Helper()
	d := &Daemon{
		roots:   roots,
		folders: newFolderTracker(roots),
	}
	t.Cleanup(d.folders.Close)
	return d
}

func rpc(t *testing.T, d *Daemon, op string, args any) (json.RawMessage, string) {
	t.Helper()
	payload, _ := json.Marshal(args)
	res := d.handleRPC(context.Background(), ws.RunnerRPC{Type: ws.TypeRunnerRPC, RequestID: "r1", Op: op, Payload: payload})
	return res.Payload, res.Error
}

func TestPathAllowed(t *testing.T) {
	d := testDaemon(t, []string{"/tmp/work"})

	cases := []struct {
		path string
		want bool
	}{
		{"/tmp/work", true},
		{"/tmp/work/project", true},
		{"/tmp/workother", false},
		{"/etc", false},
		{"/tmp/work/../../etc", false},
	}
	for _, c := range cases {
		if got := d.pathAllowed(c.path); got != c.want {
			t.Errorf("pathAllowed(%q) = %v, want %v", c.path, got, c.want)
		}
	}

	// Empty roots means unscoped.
	open := testDaemon(t, nil)
	if !open.pathAllowed("/anywhere") {
		t.Error("empty roots should allow any path")
	}
}

func TestListFilesRPC(t *testing.T) {
	root := t.TempDir()
	os.Mkdir(filepath.Join(root, "sub"), 0o755)
	os.WriteFile(filepath.Join(root, "a.txt"), []byte("hi"), 0o644)

	d := testDaemon(t, []string{root})
	payload, errMsg := rpc(t, d, "list_files", map[string]string{"path": root})
	if errMsg != "" {
		t.Fatalf("rpc error: %s", errMsg)
	}
	var out struct {
		Entries []struct {
			Name  string `json:"name"`
			IsDir bool   `json:"is_dir"`
		} `json:"entries"`
	}
	json.Unmarshal(payload, &out)
	if len(out.Entries) != 2 {
		t.Fatalf("entries = %+v", out.Entries)
	}

	_, errMsg = rpc(t, d, "list_files", map[string]string{"path": "/etc"})
	if errMsg == "" {
		t.Error("expected error for path outside roots")
	}
}

func TestReadFileRPC(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "data.txt")
	os.WriteFile(path, []byte("hello world"), 0o644)

	d := testDaemon(t, []string{root})

	payload, errMsg := rpc(t, d, "read_file", map[string]any{"path": path})
	if errMsg != "" {
		t.Fatalf("rpc error: %s", errMsg)
	}
	var out struct {
		Content   string `json:"content"`
		Truncated bool   `json:"truncated"`
	}
	json.Unmarshal(payload, &out)
	if out.Content != "hello world" || out.Truncated {
		t.Errorf("out = %+v", out)
	}

	// maxBytes truncates.
	payload, _ = rpc(t, d, "read_file", map[string]any{"path": path, "maxBytes": 5})
	json.Unmarshal(payload, &out)
	if out.Content != "hello" || !out.Truncated {
		t.Errorf("truncated read = %+v", out)
	}

	// base64 encoding round-trips.
	payload, _ = rpc(t, d, "read_file", map[string]any{"path": path, "encoding": "base64"})
	var b64 struct {
		Content string `json:"content"`
	}
	json.Unmarshal(payload, &b64)
	if b64.Content != "aGVsbG8gd29ybGQ=" {
		t.Errorf("base64 content = %q", b64.Content)
	}
}

func TestRecentFoldersSeeded(t *testing.T) {
	root := t.TempDir()
	os.Mkdir(filepath.Join(root, "projA"), 0o755)
	os.Mkdir(filepath.Join(root, "projB"), 0o755)
	os.Mkdir(filepath.Join(root, ".hidden"), 0o755)

	d := testDaemon(t, []string{root})
	payload, errMsg := rpc(t, d, "recent_folders", nil)
	if errMsg != "" {
		t.Fatalf("rpc error: %s", errMsg)
	}
	var out struct {
		Folders []string `json:"folders"`
	}
	json.Unmarshal(payload, &out)
	if len(out.Folders) != 2 {
		t.Errorf("folders = %v, want the two visible projects", out.Folders)
	}
	for _, f := range out.Folders {
		if filepath.Base(f) == ".hidden" {
			t.Error("hidden directory leaked into recent folders")
		}
	}
}

func TestUnknownRPCOp(t *testing.T) {
	d := testDaemon(t, nil)
	_, errMsg := rpc(t, d, "frobnicate", nil)
	if errMsg == "" {
		t.Error("expected error for unknown op")
	}
}
