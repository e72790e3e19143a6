package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/rakunlabs/coreserver/internal/model"
)

// bcryptCost matches the cost other corpus repos use for password hashing
// (wisbric-nightowl's localadmin/login handlers); there is no lighter-weight
// password hashing dependency anywhere in the pack, so this stays bcrypt
// rather than reaching for a second hashing library.
const bcryptCost = 12

// userResponse is the public shape of model.User returned from auth and
// account endpoints — PasswordHash and PersonalCredential (encrypted) never
// leave the server.
type userResponse struct {
	ID          string      `json:"id"`
	Email       string      `json:"email"`
	DisplayName string      `json:"display_name"`
	Plan        model.Plan  `json:"plan"`
	Role        *model.Role `json:"role,omitempty"`
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Plan:        u.Plan,
		Role:        u.Role,
	}
}

type authResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

// RegisterAPI handles POST /auth/register: creates a free-plan account and
// immediately issues a session, the same decode→validate→store-call→respond
// shape the teacher's provider CRUD handlers use.
func (s *Server) RegisterAPI(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Email == "" || req.Password == "" {
		httpResponse(w, "email and password are required", http.StatusBadRequest)
		return
	}
	if len(req.Password) < 8 {
		httpResponse(w, "password must be at least 8 characters", http.StatusBadRequest)
		return
	}

	existing, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		slog.Error("check existing user failed", "email", req.Email, "error", err)
		httpResponse(w, "failed to check existing account", http.StatusInternalServerError)
		return
	}
	if existing != nil {
		httpResponse(w, "an account with this email already exists", http.StatusConflict)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcryptCost)
	if err != nil {
		slog.Error("hash password failed", "error", err)
		httpResponse(w, "failed to create account", http.StatusInternalServerError)
		return
	}

	user, err := s.store.CreateUser(r.Context(), req.Email, req.DisplayName, string(hash), model.PlanFree)
	if err != nil {
		slog.Error("create user failed", "email", req.Email, "error", err)
		httpResponse(w, "failed to create account", http.StatusInternalServerError)
		return
	}

	token, _ := s.sessions.Issue(user.ID)
	httpResponseJSON(w, authResponse{Token: token, User: toUserResponse(user)}, http.StatusCreated)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginAPI handles POST /auth/login.
func (s *Server) LoginAPI(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		slog.Error("user lookup failed", "email", req.Email, "error", err)
		httpResponse(w, "invalid email or password", http.StatusInternalServerError)
		return
	}
	if user == nil {
		httpResponse(w, "invalid email or password", http.StatusUnauthorized)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		httpResponse(w, "invalid email or password", http.StatusUnauthorized)
		return
	}
	if user.Disabled {
		httpResponse(w, "account disabled", http.StatusForbidden)
		return
	}

	token, _ := s.sessions.Issue(user.ID)
	httpResponseJSON(w, authResponse{Token: token, User: toUserResponse(user)}, http.StatusOK)
}

// MeAPI handles GET /auth/me, returning the caller's own account record.
func (s *Server) MeAPI(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r)
	if !ok {
		httpResponse(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	httpResponseJSON(w, toUserResponse(user), http.StatusOK)
}
