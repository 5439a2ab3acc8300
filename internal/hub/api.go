package hub

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/pizzaface/pizzapi/internal/ws"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// apiError maps registry sentinel errors onto HTTP responses. Hidden
// resources surface as plain 404s.
func apiError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNoSuchRunner), errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "NotFound")
	case errors.Is(err, ErrCwdOutsideRoots):
		writeError(w, http.StatusBadRequest, "CwdOutsideRoots")
	case errors.Is(err, ErrRunnerBusy):
		writeError(w, http.StatusConflict, "RunnerBusy")
	case errors.Is(err, ErrNotConnected):
		writeError(w, http.StatusBadGateway, "RunnerUnavailable")
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, "Forbidden")
	default:
		writeError(w, http.StatusInternalServerError, "Internal")
	}
}

// requirePrincipal authenticates a REST call or writes a 401.
func (s *Server) requirePrincipal(w http.ResponseWriter, r *http.Request) *Principal {
	p := s.principal(r)
	if p == nil {
		writeError(w, http.StatusUnauthorized, "AuthRequired")
	}
	return p
}

// handleSpawn is POST /api/runners/spawn.
func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	p := s.requirePrincipal(w, r)
	if p == nil {
		return
	}
	var body struct {
		RunnerID  string       `json:"runnerId"`
		Cwd       string       `json:"cwd,omitempty"`
		Prompt    string       `json:"prompt,omitempty"`
		Model     *ws.ModelRef `json:"model,omitempty"`
		Ephemeral bool         `json:"ephemeral,omitempty"`
		TTLSec    int          `json:"ttlSeconds,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RunnerID == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest")
		return
	}
	sessionID, err := s.Sessions.CreateSession(r.Context(), p, SpawnRequest{
		RunnerID:  body.RunnerID,
		Cwd:       body.Cwd,
		Prompt:    body.Prompt,
		Model:     body.Model,
		Ephemeral: body.Ephemeral,
		TTL:       time.Duration(body.TTLSec) * time.Second,
	})
	if err != nil {
		apiError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": sessionID})
}

// handleCreateTerminal is POST /api/runners/terminal.
func (s *Server) handleCreateTerminal(w http.ResponseWriter, r *http.Request) {
	p := s.requirePrincipal(w, r)
	if p == nil {
		return
	}
	var body struct {
		RunnerID string `json:"runnerId"`
		Cwd      string `json:"cwd,omitempty"`
		Cols     int    `json:"cols,omitempty"`
		Rows     int    `json:"rows,omitempty"`
		Shell    string `json:"shell,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RunnerID == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest")
		return
	}
	t, err := s.Terminals.CreateTerminal(p, body.RunnerID, body.Cwd, body.Cols, body.Rows, body.Shell)
	if err != nil {
		apiError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"terminalId": t.ID, "runnerId": t.RunnerID})
}

// handleListRunners is GET /api/runners.
func (s *Server) handleListRunners(w http.ResponseWriter, r *http.Request) {
	p := s.requirePrincipal(w, r)
	if p == nil {
		return
	}
	var views []RunnerView
	for _, runner := range s.Runners.All() {
		if !p.CanSee(runner.UserID) {
			continue
		}
		views = append(views, RunnerView{
			RunnerID:     runner.RunnerID,
			Name:         runner.Name,
			Roots:        runner.Roots,
			Skills:       runner.Skills,
			Terminal:     runner.Terminal,
			SessionCount: len(s.Sessions.SessionIDsForRunner(runner.RunnerID)),
		})
	}
	if views == nil {
		views = []RunnerView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runners": views})
}

// handleListSessions is GET /api/sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	p := s.requirePrincipal(w, r)
	if p == nil {
		return
	}
	rows, err := s.Sessions.ListForUser(p)
	if err != nil {
		apiError(w, err)
		return
	}
	type view struct {
		SessionID string `json:"sessionId"`
		RunnerID  string `json:"runnerId"`
		Cwd       string `json:"cwd,omitempty"`
		Name      string `json:"sessionName,omitempty"`
		State     string `json:"state"`
		StartedAt string `json:"startedAt"`
	}
	views := make([]view, 0, len(rows))
	for _, row := range rows {
		views = append(views, view{
			SessionID: row.SessionID,
			RunnerID:  row.RunnerID,
			Cwd:       row.Cwd,
			Name:      row.Name,
			State:     row.State,
			StartedAt: row.StartedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

// handleEndSession is DELETE /api/sessions/{sessionId}.
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	p := s.requirePrincipal(w, r)
	if p == nil {
		return
	}
	if err := s.Sessions.EndSession(r.PathValue("sessionId"), p); err != nil {
		apiError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// runnerProxy forwards a REST call to a connected runner over runner_rpc.
// Roots policy and visibility are enforced here, never runner-side alone.
func (s *Server) runnerProxy(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := s.requirePrincipal(w, r)
		if p == nil {
			return
		}
		runnerID := r.PathValue("id")
		runner := s.Runners.Get(runnerID)
		if runner == nil || !p.CanSee(runner.UserID) {
			writeError(w, http.StatusNotFound, "NotFound")
			return
		}

		var payload json.RawMessage
		if r.Method == http.MethodPost {
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				writeError(w, http.StatusBadRequest, "InvalidRequest")
				return
			}
		}
		var target struct {
			Path string `json:"path"`
			Cwd  string `json:"cwd"`
		}
		if json.Unmarshal(payload, &target) == nil {
			for _, p := range []string{target.Path, target.Cwd} {
				if filepath.IsAbs(p) && !runner.CwdAllowed(p) {
					writeError(w, http.StatusBadRequest, "CwdOutsideRoots")
					return
				}
			}
		}

		result, err := s.Runners.Call(r.Context(), runnerID, op, payload)
		if err != nil {
			if errors.Is(err, ErrNotConnected) {
				writeError(w, http.StatusBadGateway, "RunnerUnavailable")
				return
			}
			writeError(w, http.StatusGatewayTimeout, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(result)
	}
}

// handleUploadAttachments is POST /api/sessions/{sessionId}/attachments.
func (s *Server) handleUploadAttachments(w http.ResponseWriter, r *http.Request) {
	p := s.requirePrincipal(w, r)
	if p == nil {
		return
	}
	sessionID := r.PathValue("sessionId")
	if _, err := s.Sessions.Get(sessionID, p); err != nil {
		writeError(w, http.StatusNotFound, "NotFound")
		return
	}

	if err := r.ParseMultipartForm(maxAttachmentSize); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest")
		return
	}
	var out []Attachment
	for _, files := range r.MultipartForm.File {
		for _, fh := range files {
			f, err := fh.Open()
			if err != nil {
				continue
			}
			att, err := s.Attachments.Put(f, fh.Filename, fh.Header.Get("Content-Type"))
			f.Close()
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			out = append(out, *att)
		}
	}
	if out == nil {
		out = []Attachment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"attachments": out})
}

// handleGetAttachment is GET /api/attachments/{id}.
func (s *Server) handleGetAttachment(w http.ResponseWriter, r *http.Request) {
	p := s.requirePrincipal(w, r)
	if p == nil {
		return
	}
	att, rc, err := s.Attachments.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "NotFound")
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", att.MimeType)
	w.Header().Set("Content-Disposition", "attachment; filename=\""+att.Filename+"\"")
	io.Copy(w, rc)
}
