package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/neur0map/deskmon/internal/logutil"
	"github.com/neur0map/deskmon/internal/monitor"
	"github.com/neur0map/deskmon/internal/sshtunnel"
)

// execTimeout bounds a command run through the exec endpoint.
const execTimeout = 30 * time.Second

type targetDetail struct {
	monitor.Status
	Tunnels []sshtunnel.Metrics `json:"tunnels"`
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*monitor.Target, bool) {
	id, ok := targetID(w, r)
	if !ok {
		return nil, false
	}
	t, ok := s.mgr.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Target not found")
		return nil, false
	}
	return t, true
}

func (s *Server) listTargets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.List())
}

func (s *Server) getTarget(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	tunnels := s.mgr.TunnelMetrics(t.Config().ID)
	if tunnels == nil {
		tunnels = []sshtunnel.Metrics{}
	}
	writeJSON(w, http.StatusOK, targetDetail{Status: t.Status(), Tunnels: tunnels})
}

func (s *Server) startTarget(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	t.Start()
	writeJSON(w, http.StatusOK, t.Status())
}

func (s *Server) stopTarget(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	t.Stop()
	writeJSON(w, http.StatusOK, t.Status())
}

func (s *Server) getTransitions(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	transitions := s.mgr.Transitions(t.Config().ID)
	if transitions == nil {
		transitions = []monitor.StateTransition{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"target_id":   t.Config().ID,
		"phase":       t.Phase(),
		"transitions": transitions,
	})
}

func (s *Server) getEvents(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	events := s.mgr.Events(t.Config().ID)
	if events == nil {
		events = []monitor.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"target_id": t.Config().ID,
		"events":    events,
	})
}

type execRequest struct {
	Command string `json:"command"`
}

type execResponse struct {
	Output     string `json:"output"`
	ExitStatus int    `json:"exit_status"`
}

func (s *Server) execCommand(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), execTimeout)
	defer cancel()

	log.Printf("[api] exec on %s: %s", t.Config().Name, logutil.SanitizeForLog(req.Command))
	out, err := t.Execute(ctx, req.Command)
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, execResponse{Output: string(out)})
	case errors.As(err, &exitErr):
		writeJSON(w, http.StatusOK, execResponse{Output: string(out), ExitStatus: exitErr.ExitStatus()})
	case errors.Is(err, monitor.ErrNotLive):
		writeError(w, http.StatusConflict, fmt.Sprintf("Target is %s", t.Phase()))
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "Command timed out")
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

type credentialsRequest struct {
	Password  string `json:"password"`
	ForgetKey bool   `json:"forget_key"`
}

// updateCredentials replaces a target's password and restarts it. This is how
// a target leaves needs_credentials.
func (s *Server) updateCredentials(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Password == "" {
		writeError(w, http.StatusBadRequest, "password is required")
		return
	}

	id := t.Config().ID
	if err := s.creds.SavePassword(id, req.Password); err != nil {
		log.Printf("[api] save password for %s: %v", t.Config().Name, err)
		writeError(w, http.StatusInternalServerError, "Failed to store credentials")
		return
	}
	if req.ForgetKey {
		if err := s.creds.ForgetKey(id); err != nil {
			log.Printf("[api] forget key for %s: %v", t.Config().Name, err)
		}
	}

	if err := s.mgr.Restart(id); err != nil {
		writeError(w, http.StatusNotFound, "Target not found")
		return
	}
	writeJSON(w, http.StatusOK, t.Status())
}
