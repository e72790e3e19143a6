package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/rakunlabs/coreserver/internal/model"
	"github.com/rakunlabs/coreserver/internal/teachback"
)

type teachBackSessionResponse struct {
	ID    string `json:"id"`
	Topic string `json:"topic"`
	Phase string `json:"phase"`
}

func toTeachBackSessionResponse(s *model.TeachBackSession) teachBackSessionResponse {
	return teachBackSessionResponse{ID: s.ID, Topic: s.Topic, Phase: string(s.Phase)}
}

// CreateTeachBackSessionAPI handles POST /teach-back/sessions.
func (s *Server) CreateTeachBackSessionAPI(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r)
	if !ok {
		httpResponse(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Topic string `json:"topic"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Topic == "" {
		httpResponse(w, "topic is required", http.StatusBadRequest)
		return
	}

	session, err := s.teachback.Start(r.Context(), user.ID, req.Topic)
	if err != nil {
		slog.Error("start teach-back session failed", "error", err)
		httpResponse(w, "failed to start teach-back session", http.StatusInternalServerError)
		return
	}
	httpResponseJSON(w, toTeachBackSessionResponse(session), http.StatusCreated)
}

// PostTeachBackTurnAPI handles POST /teach-back/sessions/*/turns.
func (s *Server) PostTeachBackTurnAPI(w http.ResponseWriter, r *http.Request) {
	if _, ok := userFromContext(r); !ok {
		httpResponse(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sessionID := r.PathValue("key")

	var req struct {
		Content string `json:"content"`
		Action  string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		httpResponse(w, "content is required", http.StatusBadRequest)
		return
	}

	result, err := s.teachback.Turn(r.Context(), sessionID, req.Content, req.Action)
	if err != nil {
		slog.Error("teach-back turn failed", "session_id", sessionID, "error", err)
		httpResponse(w, "failed to process teach-back turn", http.StatusInternalServerError)
		return
	}

	httpResponseJSON(w, struct {
		Reply  string                    `json:"reply"`
		Phase  string                    `json:"phase"`
		Errors []teachback.DetectedError `json:"errors,omitempty"`
	}{
		Reply:  result.Reply,
		Phase:  string(result.Phase),
		Errors: result.Errors,
	}, http.StatusOK)
}

// EndTeachBackSessionAPI handles POST /teach-back/sessions/*/end.
func (s *Server) EndTeachBackSessionAPI(w http.ResponseWriter, r *http.Request) {
	if _, ok := userFromContext(r); !ok {
		httpResponse(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sessionID := r.PathValue("key")

	result, err := s.teachback.End(r.Context(), sessionID)
	if err != nil {
		slog.Error("end teach-back session failed", "session_id", sessionID, "error", err)
		httpResponse(w, "failed to end teach-back session", http.StatusInternalServerError)
		return
	}

	httpResponseJSON(w, struct {
		Reply string `json:"reply"`
		Phase string `json:"phase"`
	}{Reply: result.Reply, Phase: string(result.Phase)}, http.StatusOK)
}
