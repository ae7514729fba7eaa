package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	goskills "github.com/everydev1618/goskills"
)

// Server exposes one loaded skill over HTTP for development: status,
// the setup wizard, tool calls, trigger registration and an SSE event
// stream. The production host speaks its own RPC; this surface mirrors
// that protocol one-to-one.
type Server struct {
	skill  goskills.Skill
	broker *EventBroker
	log    *slog.Logger
}

// NewServer builds the HTTP surface for a skill.
func NewServer(skill goskills.Skill, broker *EventBroker, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{skill: skill, broker: broker, log: log}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/api/status", s.handleStatus)
	r.Get("/api/tools", s.handleListTools)
	r.Post("/api/tools/call", s.handleCallTool)
	r.Post("/api/setup/start", s.handleSetupStart)
	r.Post("/api/setup/submit", s.handleSetupSubmit)
	r.Post("/api/setup/cancel", s.handleSetupCancel)
	r.Get("/api/triggers/schema", s.handleTriggerSchema)
	r.Post("/api/triggers", s.handleRegisterTrigger)
	r.Delete("/api/triggers/{id}", s.handleRemoveTrigger)
	r.Post("/api/disconnect", s.handleDisconnect)
	r.Get("/api/events", s.handleEvents)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.skill.Status())
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tools":   s.skill.Tools(),
		"options": s.skill.Options(),
	})
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "missing tool name")
		return
	}

	result := s.skill.CallTool(r.Context(), req.Name, req.Args)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSetupStart(w http.ResponseWriter, r *http.Request) {
	step, result, err := s.skill.SetupStart(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if result != nil {
		writeJSON(w, http.StatusOK, result)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"step": step})
}

func (s *Server) handleSetupSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StepID string         `json:"step_id"`
		Values map[string]any `json:"values"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result, err := s.skill.SetupSubmit(r.Context(), req.StepID, req.Values)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSetupCancel(w http.ResponseWriter, r *http.Request) {
	s.skill.SetupCancel(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleTriggerSchema(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.skill.TriggerSchema())
}

func (s *Server) handleRegisterTrigger(w http.ResponseWriter, r *http.Request) {
	var trigger goskills.Trigger
	if err := json.NewDecoder(r.Body).Decode(&trigger); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.skill.RegisterTrigger(trigger); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": trigger.ID})
}

func (s *Server) handleRemoveTrigger(w http.ResponseWriter, r *http.Request) {
	s.skill.RemoveTrigger(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.skill.Disconnect(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

// handleEvents streams broker events as SSE until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch := s.broker.Subscribe()
	if ch == nil {
		writeError(w, http.StatusServiceUnavailable, "too many subscribers")
		return
	}
	defer s.broker.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}
