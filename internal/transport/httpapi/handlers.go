package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"livetimeline/internal/auth"
	"livetimeline/internal/timeline"
	logx "livetimeline/pkg/logx"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Success   bool       `json:"success"`
	User      *auth.User `json:"user,omitempty"`
	Token     string     `json:"token,omitempty"`
	ExpiresAt string     `json:"expires_at,omitempty"`
	Message   string     `json:"message,omitempty"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Items   int    `json:"items"`
	Version uint64 `json:"version"`
	Dirty   bool   `json:"dirty"`
	Clients int    `json:"clients"`
}

func (s *Server) banner(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, Banner)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Items:   len(s.deps.Timeline.Snapshot()),
		Version: s.deps.Timeline.Version(),
		Dirty:   s.deps.Timeline.Dirty(),
	}
	if s.deps.Clients != nil {
		resp.Clients = s.deps.Clients.Count()
	}
	if resp.Dirty {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := s.decode(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, loginResponse{Message: "Invalid request body"})
		return
	}
	user, err := s.deps.Verifier.Verify(req.Email, req.Password)
	if err != nil {
		s.log.Info("login rejected", logx.String("email", req.Email))
		writeJSON(w, http.StatusUnauthorized, loginResponse{Message: "Invalid credentials"})
		return
	}
	resp := loginResponse{Success: true, User: &user}
	if s.deps.Tokens != nil {
		token, exp, err := s.deps.Tokens.Issue(user)
		if err != nil {
			s.log.Error("issue token failed", logx.Err(err))
			writeError(w, http.StatusInternalServerError, "Internal error")
			return
		}
		resp.Token = token
		resp.ExpiresAt = exp.UTC().Format(timeline.TimeFormat)
	}
	s.log.Info("login", logx.String("email", user.Email))
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listItems(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Timeline.Snapshot())
}

func (s *Server) createItem(w http.ResponseWriter, r *http.Request) {
	fields, err := s.decodeFields(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.submit(r, timeline.Create(fields))
	if err != nil {
		s.commandFailed(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out.Item)
}

func (s *Server) updateItem(w http.ResponseWriter, r *http.Request) {
	fields, err := s.decodeFields(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.submit(r, timeline.Update(mux.Vars(r)["id"], fields))
	if err != nil {
		s.commandFailed(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out.Item)
}

func (s *Server) deleteItem(w http.ResponseWriter, r *http.Request) {
	if _, err := s.submit(r, timeline.Delete(mux.Vars(r)["id"])); err != nil {
		s.commandFailed(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) commandFailed(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusNotFound {
		writeError(w, code, "Item not found")
		return
	}
	if code >= 500 {
		s.log.Error("command failed", logx.Err(err))
	}
	writeError(w, code, err.Error())
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	dec := json.NewDecoder(body)
	dec.UseNumber()
	return dec.Decode(dst)
}

// decodeFields reads a JSON object body. An empty body is an empty object.
func (s *Server) decodeFields(w http.ResponseWriter, r *http.Request) (timeline.Fields, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return timeline.Fields{}, nil
	}
	if raw[0] != '{' {
		return nil, errors.New("body must be a JSON object")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields timeline.Fields
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return fields, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
