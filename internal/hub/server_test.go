package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/pizzaface/pizzapi/internal/config"
	"github.com/pizzaface/pizzapi/internal/ws"
)

const testAPIKey = "test-key"

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := &config.Hub{
		Addr:    ":0",
		BaseURL: "http://localhost",
		DataDir: t.TempDir(),
		APIKey:  testAPIKey,
	}
	srv, err := NewServer(testStore(t), cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv.RateLimit = nil // tests hammer endpoints
	ts := httptest.NewServer(srv)
	t.Cleanup(func() { ts.Close() })
	return srv, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func dialWS(t *testing.T, ctx context.Context, url, token string) *websocket.Conn {
	t.Helper()
	opts := &websocket.DialOptions{HTTPHeader: make(map[string][]string)}
	opts.HTTPHeader.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	conn.SetReadLimit(512 * 1024)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func writeFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, v any) {
	t.Helper()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) map[string]any {
	t.Helper()
	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(readCtx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("parse frame %q: %v", data, err)
	}
	return m
}

// connectRunner registers a fake runner and answers new_session with
// session_ready in the background until the connection closes.
func connectRunner(t *testing.T, ctx context.Context, ts *httptest.Server, runnerID, secret string, roots []string) *websocket.Conn {
	t.Helper()
	conn := dialWS(t, ctx, wsURL(ts, "/ws/runner"), testAPIKey)
	writeFrame(t, ctx, conn, ws.RegisterRunner{
		Type:         ws.TypeRegisterRunner,
		RunnerID:     runnerID,
		RunnerSecret: secret,
		Name:         runnerID,
		Roots:        roots,
		Terminal:     true,
	})
	ack := readFrame(t, ctx, conn)
	if ack["type"] != ws.TypeRunnerRegistered {
		t.Fatalf("expected runner_registered, got %v", ack)
	}
	return conn
}

// serveRunner keeps answering spawn requests until ctx is done. Frames other
// than new_session are pushed to the returned channel.
func serveRunner(ctx context.Context, conn *websocket.Conn) <-chan map[string]any {
	out := make(chan map[string]any, 32)
	go func() {
		defer close(out)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var m map[string]any
			if json.Unmarshal(data, &m) != nil {
				continue
			}
			if m["type"] == ws.TypeNewSession {
				ready, _ := json.Marshal(ws.SessionReady{Type: ws.TypeSessionReady, SessionID: m["session_id"].(string)})
				conn.Write(ctx, websocket.MessageText, ready)
				continue
			}
			select {
			case out <- m:
			default:
			}
		}
	}()
	return out
}

func spawnSession(t *testing.T, ts *httptest.Server, runnerID, cwd string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"runnerId": runnerID, "cwd": cwd, "prompt": "hi"})
	req, _ := http.NewRequest("POST", ts.URL+"/api/runners/spawn", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("spawn status = %d", resp.StatusCode)
	}
	var out struct {
		SessionID string `json:"sessionId"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	if out.SessionID == "" {
		t.Fatal("spawn returned empty sessionId")
	}
	return out.SessionID
}

func dialProducer(t *testing.T, ctx context.Context, ts *httptest.Server, sessionID, runnerID string) *websocket.Conn {
	t.Helper()
	return dialWS(t, ctx, wsURL(ts, "/ws/sessions/"+sessionID+"?role=producer&runner_id="+runnerID), testAPIKey)
}

func dialViewer(t *testing.T, ctx context.Context, ts *httptest.Server, sessionID string, lastSeq int64) *websocket.Conn {
	t.Helper()
	conn := dialWS(t, ctx, wsURL(ts, "/ws/sessions/"+sessionID), testAPIKey)
	writeFrame(t, ctx, conn, ws.ViewerHello{LastSeq: lastSeq})
	return conn
}

func TestSpawnAndObserve(t *testing.T) {
	_, ts := testServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rc := connectRunner(t, ctx, ts, "alpha", "s3cret", []string{"/tmp"})
	serveRunner(ctx, rc)

	sessionID := spawnSession(t, ts, "alpha", "/tmp/p")

	viewer := dialViewer(t, ctx, ts, sessionID, 0)
	connected := readFrame(t, ctx, viewer)
	if connected["type"] != ws.TypeConnected {
		t.Fatalf("expected connected, got %v", connected)
	}
	if connected["last_seq"].(float64) != 0 {
		t.Errorf("connected last_seq = %v, want 0", connected["last_seq"])
	}

	producer := dialProducer(t, ctx, ts, sessionID, "alpha")
	writeFrame(t, ctx, producer, ws.Heartbeat{
		Type:   ws.TypeHeartbeat,
		Active: true,
		Model:  &ws.ModelRef{Provider: "x", ID: "y"},
	})
	writeFrame(t, ctx, producer, map[string]any{
		"type":    ws.TypeMessageUpdate,
		"partial": map[string]string{"type": "text_delta", "content": "Hello"},
	})

	ev1 := readFrame(t, ctx, viewer)
	if ev1["type"] != ws.TypeHeartbeat || ev1["seq"].(float64) != 1 {
		t.Errorf("event 1 = %v, want heartbeat seq 1", ev1)
	}
	ev2 := readFrame(t, ctx, viewer)
	if ev2["type"] != ws.TypeMessageUpdate || ev2["seq"].(float64) != 2 {
		t.Errorf("event 2 = %v, want message_update seq 2", ev2)
	}
}

func TestSequenceMonotonicity(t *testing.T) {
	_, ts := testServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rc := connectRunner(t, ctx, ts, "alpha", "s3cret", nil)
	serveRunner(ctx, rc)
	sessionID := spawnSession(t, ts, "alpha", "")

	producer := dialProducer(t, ctx, ts, sessionID, "alpha")
	viewer := dialViewer(t, ctx, ts, sessionID, 0)
	readFrame(t, ctx, viewer) // connected

	const n = 50
	for i := 0; i < n; i++ {
		writeFrame(t, ctx, producer, map[string]any{
			"type":    ws.TypeMessageUpdate,
			"partial": map[string]string{"type": "text_delta", "content": fmt.Sprintf("%d ", i)},
		})
	}

	var prev float64
	for i := 0; i < n; i++ {
		ev := readFrame(t, ctx, viewer)
		seq := ev["seq"].(float64)
		if seq != prev+1 {
			t.Fatalf("seq %v after %v: not gap-free step 1", seq, prev)
		}
		prev = seq
	}
}

func TestGapRecovery(t *testing.T) {
	_, ts := testServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rc := connectRunner(t, ctx, ts, "alpha", "s3cret", nil)
	serveRunner(ctx, rc)
	sessionID := spawnSession(t, ts, "alpha", "")

	producer := dialProducer(t, ctx, ts, sessionID, "alpha")
	for i := 1; i <= 20; i++ {
		writeFrame(t, ctx, producer, map[string]any{
			"type":    ws.TypeMessageUpdate,
			"partial": map[string]string{"type": "text_delta", "content": fmt.Sprintf("%d", i)},
		})
	}

	// Give ingest a moment to drain before attaching.
	waitForSeq(t, ctx, ts, sessionID, 20)

	// Reconnect at lastSeq=10: events 11..20 replay in order, no duplicate of 10.
	viewer := dialViewer(t, ctx, ts, sessionID, 10)
	connected := readFrame(t, ctx, viewer)
	if connected["type"] != ws.TypeConnected || connected["last_seq"].(float64) != 20 {
		t.Fatalf("connected = %v, want last_seq 20", connected)
	}
	for want := 11; want <= 20; want++ {
		ev := readFrame(t, ctx, viewer)
		if ev["seq"].(float64) != float64(want) {
			t.Fatalf("replay seq = %v, want %d", ev["seq"], want)
		}
	}

	// Live events continue from 21.
	writeFrame(t, ctx, producer, map[string]any{
		"type":    ws.TypeMessageUpdate,
		"partial": map[string]string{"type": "text_delta", "content": "live"},
	})
	ev := readFrame(t, ctx, viewer)
	if ev["seq"].(float64) != 21 {
		t.Errorf("live seq = %v, want 21", ev["seq"])
	}
}

// waitForSeq polls a fresh viewer until the session tail reaches seq.
func waitForSeq(t *testing.T, ctx context.Context, ts *httptest.Server, sessionID string, seq int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn := dialViewer(t, ctx, ts, sessionID, seq)
		connected := readFrame(t, ctx, conn)
		conn.CloseNow()
		if int64(connected["last_seq"].(float64)) >= seq {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("session %s never reached seq %d", sessionID, seq)
}

func TestAtMostOneProducer(t *testing.T) {
	_, ts := testServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rc := connectRunner(t, ctx, ts, "alpha", "s3cret", nil)
	serveRunner(ctx, rc)
	sessionID := spawnSession(t, ts, "alpha", "")

	first := dialProducer(t, ctx, ts, sessionID, "alpha")
	writeFrame(t, ctx, first, ws.Heartbeat{Type: ws.TypeHeartbeat, Active: true})

	second := dialProducer(t, ctx, ts, sessionID, "alpha")
	errFrame := readFrame(t, ctx, second)
	if errFrame["type"] != ws.TypeCLIError {
		t.Fatalf("expected cli_error for second producer, got %v", errFrame)
	}
	if !strings.Contains(errFrame["message"].(string), "already bound") {
		t.Errorf("message = %q", errFrame["message"])
	}

	// The bound producer keeps working.
	writeFrame(t, ctx, first, ws.Heartbeat{Type: ws.TypeHeartbeat, Active: true})
	waitForSeq(t, ctx, ts, sessionID, 2)
}

func TestProducerRunnerMismatch(t *testing.T) {
	_, ts := testServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rc := connectRunner(t, ctx, ts, "alpha", "s3cret", nil)
	serveRunner(ctx, rc)
	sessionID := spawnSession(t, ts, "alpha", "")

	conn := dialProducer(t, ctx, ts, sessionID, "beta")
	errFrame := readFrame(t, ctx, conn)
	if errFrame["type"] != ws.TypeCLIError {
		t.Fatalf("expected cli_error for mismatched runner, got %v", errFrame)
	}
}

func TestRunnerSecretBinding(t *testing.T) {
	srv, ts := testServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	connectRunner(t, ctx, ts, "alpha", "right-secret", nil)

	// A registration with the wrong secret is rejected and does not
	// displace the current binding.
	hijack := dialWS(t, ctx, wsURL(ts, "/ws/runner"), testAPIKey)
	writeFrame(t, ctx, hijack, ws.RegisterRunner{
		Type:         ws.TypeRegisterRunner,
		RunnerID:     "alpha",
		RunnerSecret: "wrong-secret",
	})
	readCtx, rcancel := context.WithTimeout(ctx, 5*time.Second)
	_, _, err := hijack.Read(readCtx)
	rcancel()
	if err == nil {
		t.Fatal("expected close for mismatched secret")
	}

	if srv.Runners.Get("alpha") == nil {
		t.Error("original runner binding was displaced")
	}
}

func TestRunnerSecretSupersede(t *testing.T) {
	srv, ts := testServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	old := connectRunner(t, ctx, ts, "alpha", "s3cret", nil)
	connectRunner(t, ctx, ts, "alpha", "s3cret", nil)

	// The old socket gets closed gracefully; the new one owns the id.
	readCtx, rcancel := context.WithTimeout(ctx, 5*time.Second)
	_, _, err := old.Read(readCtx)
	rcancel()
	if err == nil {
		t.Error("expected old connection to be closed after supersede")
	}
	if srv.Runners.Get("alpha") == nil {
		t.Fatal("runner missing after supersede")
	}
}

func TestCwdOutsideRoots(t *testing.T) {
	_, ts := testServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rc := connectRunner(t, ctx, ts, "alpha", "s3cret", []string{"/tmp"})
	frames := serveRunner(ctx, rc)

	body, _ := json.Marshal(map[string]string{"runnerId": "alpha", "cwd": "/etc"})
	req, _ := http.NewRequest("POST", ts.URL+"/api/runners/spawn", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var out map[string]string
	json.NewDecoder(resp.Body).Decode(&out)
	if out["error"] != "CwdOutsideRoots" {
		t.Errorf("error = %q, want CwdOutsideRoots", out["error"])
	}

	// No frame reached the runner.
	select {
	case m := <-frames:
		t.Errorf("runner received unexpected frame: %v", m)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestAuthorizationHidesSessions(t *testing.T) {
	srv, ts := testServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rc := connectRunner(t, ctx, ts, "alpha", "s3cret", nil)
	serveRunner(ctx, rc)
	sessionID := spawnSession(t, ts, "alpha", "")

	// A different, non-admin user.
	if err := srv.Store.CreateUser("mallory", "mallory@example.com", false); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := srv.Store.CreateAPIKey("mallory-key", "mallory", "test"); err != nil {
		t.Fatalf("create api key: %v", err)
	}

	// The viewer endpoint must 404, not 403.
	opts := &websocket.DialOptions{HTTPHeader: make(map[string][]string)}
	opts.HTTPHeader.Set("Authorization", "Bearer mallory-key")
	_, resp, err := websocket.Dial(ctx, wsURL(ts, "/ws/sessions/"+sessionID), opts)
	if err == nil {
		t.Fatal("expected dial to fail for foreign session")
	}
	if resp != nil && resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}

	// The session list must not reveal it either.
	req, _ := http.NewRequest("GET", ts.URL+"/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer mallory-key")
	listResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer listResp.Body.Close()
	var list struct {
		Sessions []map[string]any `json:"sessions"`
	}
	json.NewDecoder(listResp.Body).Decode(&list)
	for _, s := range list.Sessions {
		if s["sessionId"] == sessionID {
			t.Error("foreign session leaked into list")
		}
	}
}

func TestResyncDeliversSnapshot(t *testing.T) {
	_, ts := testServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rc := connectRunner(t, ctx, ts, "alpha", "s3cret", nil)
	serveRunner(ctx, rc)
	sessionID := spawnSession(t, ts, "alpha", "")

	producer := dialProducer(t, ctx, ts, sessionID, "alpha")
	writeFrame(t, ctx, producer, ws.Heartbeat{Type: ws.TypeHeartbeat, Active: true, SessionName: "demo"})
	writeFrame(t, ctx, producer, map[string]any{
		"type":    ws.TypeMessageUpdate,
		"partial": map[string]string{"type": "text_delta", "content": "Hello"},
	})
	waitForSeq(t, ctx, ts, sessionID, 2)

	viewer := dialViewer(t, ctx, ts, sessionID, 0)
	readFrame(t, ctx, viewer) // connected
	readFrame(t, ctx, viewer) // seq 1
	readFrame(t, ctx, viewer) // seq 2

	writeFrame(t, ctx, viewer, ws.Resync{Type: ws.TypeResync})
	snap := readFrame(t, ctx, viewer)
	if snap["type"] != ws.TypeSessionActive {
		t.Fatalf("expected session_active, got %v", snap)
	}
	if snap["session_name"] != "demo" {
		t.Errorf("session_name = %v", snap["session_name"])
	}
	msgs := snap["messages"].([]any)
	if len(msgs) != 1 || msgs[0].(map[string]any)["content"] != "Hello" {
		t.Errorf("messages = %v", msgs)
	}
}

func TestViewerInputForwarding(t *testing.T) {
	_, ts := testServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rc := connectRunner(t, ctx, ts, "alpha", "s3cret", nil)
	serveRunner(ctx, rc)
	sessionID := spawnSession(t, ts, "alpha", "")

	producer := dialProducer(t, ctx, ts, sessionID, "alpha")
	writeFrame(t, ctx, producer, ws.Heartbeat{Type: ws.TypeHeartbeat, Active: true})
	waitForSeq(t, ctx, ts, sessionID, 1) // producer is bound once its frame landed

	viewer := dialViewer(t, ctx, ts, sessionID, 1)
	readFrame(t, ctx, viewer) // connected

	writeFrame(t, ctx, viewer, ws.Input{Type: ws.TypeInput, Text: "run the tests", DeliverAs: "steer"})

	got := readFrame(t, ctx, producer)
	if got["type"] != ws.TypeInput || got["text"] != "run the tests" {
		t.Errorf("producer received %v", got)
	}
}

func TestUnknownFrameKeepsConnectionOpen(t *testing.T) {
	_, ts := testServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rc := connectRunner(t, ctx, ts, "alpha", "s3cret", nil)
	serveRunner(ctx, rc)
	sessionID := spawnSession(t, ts, "alpha", "")

	viewer := dialViewer(t, ctx, ts, sessionID, 0)
	readFrame(t, ctx, viewer) // connected

	writeFrame(t, ctx, viewer, map[string]string{"type": "quantum_flux"})
	errFrame := readFrame(t, ctx, viewer)
	if errFrame["type"] != ws.TypeCLIError {
		t.Fatalf("expected cli_error, got %v", errFrame)
	}

	// Socket still works.
	writeFrame(t, ctx, viewer, ws.Resync{Type: ws.TypeResync})
	snap := readFrame(t, ctx, viewer)
	if snap["type"] != ws.TypeSessionActive {
		t.Errorf("expected session_active after resync, got %v", snap)
	}
}

func TestListRunners(t *testing.T) {
	_, ts := testServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rc := connectRunner(t, ctx, ts, "alpha", "s3cret", []string{"/tmp"})
	serveRunner(ctx, rc)
	spawnSession(t, ts, "alpha", "/tmp/p")

	req, _ := http.NewRequest("GET", ts.URL+"/api/runners", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("list runners: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Runners []struct {
			RunnerID     string   `json:"runner_id"`
			Roots        []string `json:"roots"`
			SessionCount int      `json:"session_count"`
		} `json:"runners"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	if len(out.Runners) != 1 || out.Runners[0].RunnerID != "alpha" {
		t.Fatalf("runners = %+v", out.Runners)
	}
	if out.Runners[0].SessionCount != 1 {
		t.Errorf("session_count = %d, want 1", out.Runners[0].SessionCount)
	}
}

func TestRunnerRPCProxy(t *testing.T) {
	_, ts := testServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rc := connectRunner(t, ctx, ts, "alpha", "s3cret", nil)
	// Answer runner_rpc frames like a real daemon would.
	go func() {
		for {
			_, data, err := rc.Read(ctx)
			if err != nil {
				return
			}
			var req ws.RunnerRPC
			if json.Unmarshal(data, &req) != nil || req.Type != ws.TypeRunnerRPC {
				continue
			}
			payload, _ := json.Marshal(map[string]any{"folders": []string{"/tmp/p"}})
			res, _ := json.Marshal(ws.RunnerRPCResult{
				Type:      ws.TypeRunnerRPCResult,
				RequestID: req.RequestID,
				Payload:   payload,
			})
			rc.Write(ctx, websocket.MessageText, res)
		}
	}()

	req, _ := http.NewRequest("GET", ts.URL+"/api/runners/alpha/recent-folders", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("proxy: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Folders []string `json:"folders"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	if len(out.Folders) != 1 || out.Folders[0] != "/tmp/p" {
		t.Errorf("folders = %v", out.Folders)
	}
}
