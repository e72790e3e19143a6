package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/rakunlabs/coreserver/internal/model"
	"github.com/rakunlabs/coreserver/internal/router"
)

type chatSessionResponse struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func toChatSessionResponse(cs model.ChatSession) chatSessionResponse {
	return chatSessionResponse{ID: cs.ID, Title: cs.Title}
}

type messageResponse struct {
	ID         string           `json:"id"`
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	TokensUsed *int64           `json:"tokens_used,omitempty"`
	Citations  []model.Citation `json:"citations,omitempty"`
}

func toMessageResponse(m model.Message) messageResponse {
	return messageResponse{
		ID:         m.ID,
		Role:       string(m.Role),
		Content:    m.Content,
		TokensUsed: m.TokensUsed,
		Citations:  m.Citations,
	}
}

// CreateChatSessionAPI handles POST /chat/sessions.
func (s *Server) CreateChatSessionAPI(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r)
	if !ok {
		httpResponse(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Title string `json:"title"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	session, err := s.store.CreateChatSession(r.Context(), user.ID, req.Title)
	if err != nil {
		slog.Error("create chat session failed", "error", err)
		httpResponse(w, "failed to create chat session", http.StatusInternalServerError)
		return
	}
	httpResponseJSON(w, toChatSessionResponse(*session), http.StatusCreated)
}

// ListChatSessionsAPI handles GET /chat/sessions.
func (s *Server) ListChatSessionsAPI(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r)
	if !ok {
		httpResponse(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sessions, err := s.store.ListChatSessions(r.Context(), user.ID, 50)
	if err != nil {
		slog.Error("list chat sessions failed", "error", err)
		httpResponse(w, "failed to list chat sessions", http.StatusInternalServerError)
		return
	}

	out := make([]chatSessionResponse, 0, len(sessions))
	for _, cs := range sessions {
		out = append(out, toChatSessionResponse(cs))
	}
	httpResponseJSON(w, struct {
		Sessions []chatSessionResponse `json:"sessions"`
	}{Sessions: out}, http.StatusOK)
}

// ListMessagesAPI handles GET /chat/sessions/*/messages.
func (s *Server) ListMessagesAPI(w http.ResponseWriter, r *http.Request) {
	_, ok := userFromContext(r)
	if !ok {
		httpResponse(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sessionID := r.PathValue("key")
	session, err := s.store.GetChatSession(r.Context(), sessionID)
	if err != nil {
		slog.Error("get chat session failed", "id", sessionID, "error", err)
		httpResponse(w, "failed to look up chat session", http.StatusInternalServerError)
		return
	}
	if session == nil {
		httpResponse(w, "chat session not found", http.StatusNotFound)
		return
	}

	messages, err := s.store.ListMessages(r.Context(), sessionID)
	if err != nil {
		slog.Error("list messages failed", "session_id", sessionID, "error", err)
		httpResponse(w, "failed to list messages", http.StatusInternalServerError)
		return
	}

	out := make([]messageResponse, 0, len(messages))
	for _, m := range messages {
		out = append(out, toMessageResponse(m))
	}
	httpResponseJSON(w, struct {
		Messages []messageResponse `json:"messages"`
	}{Messages: out}, http.StatusOK)
}

const chatFeature = "chat"

// PostMessageAPI handles POST /chat/sessions/*/messages: the full §6 data
// flow for a chat turn. gateMiddleware has already cleared the Feature Gate
// and Maintenance Gate for this path; what's left is the Rate Limiter (run
// inside Router.Route), Retrieval (run inside Router.Route), the Provider
// Adapter dispatch, and persisting both sides of the turn.
func (s *Server) PostMessageAPI(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r)
	if !ok {
		httpResponse(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sessionID := r.PathValue("key")
	session, err := s.store.GetChatSession(r.Context(), sessionID)
	if err != nil {
		slog.Error("get chat session failed", "id", sessionID, "error", err)
		httpResponse(w, "failed to look up chat session", http.StatusInternalServerError)
		return
	}
	if session == nil || session.OwnerID != user.ID {
		httpResponse(w, "chat session not found", http.StatusNotFound)
		return
	}

	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		httpResponse(w, "content is required", http.StatusBadRequest)
		return
	}

	if _, err := s.store.CreateMessage(r.Context(), sessionID, model.MessageRoleUser, req.Content, nil, nil); err != nil {
		slog.Error("persist user message failed", "session_id", sessionID, "error", err)
		httpResponse(w, "failed to save message", http.StatusInternalServerError)
		return
	}

	result, err := s.router.Route(r.Context(), user, chatFeature, req.Content, "")
	if err != nil {
		var quotaErr *router.QuotaExceededError
		if errors.As(err, &quotaErr) {
			httpError(w, "QUOTA_EXCEEDED", fmt.Sprintf("quota exceeded for %s", quotaErr.Feature), http.StatusTooManyRequests, struct {
				Feature       string           `json:"feature"`
				TokensUsed    int64            `json:"tokens_used"`
				RequestsCount int64            `json:"requests_count"`
				FeatureCounts map[string]int64 `json:"feature_counts"`
			}{
				Feature:       quotaErr.Feature,
				TokensUsed:    quotaErr.Remaining.TokensUsed,
				RequestsCount: quotaErr.Remaining.RequestsCount,
				FeatureCounts: quotaErr.Remaining.FeatureCounts,
			})
			return
		}
		slog.Error("route chat message failed", "session_id", sessionID, "error", err)
		httpResponse(w, "failed to generate a response", http.StatusBadGateway)
		return
	}
	if !result.Success {
		httpResponse(w, "failed to generate a response", http.StatusBadGateway)
		return
	}

	tokens := result.TokensUsed
	assistantMsg, err := s.store.CreateMessage(r.Context(), sessionID, model.MessageRoleAssistant, result.Content, &tokens, result.Citations)
	if err != nil {
		slog.Error("persist assistant message failed", "session_id", sessionID, "error", err)
		httpResponse(w, "failed to save response", http.StatusInternalServerError)
		return
	}

	httpResponseJSON(w, toMessageResponse(*assistantMsg), http.StatusOK)
}
