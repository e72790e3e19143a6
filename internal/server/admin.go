package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/rakunlabs/coreserver/internal/cryptostore"
	"github.com/rakunlabs/coreserver/internal/model"
)

// audit writes an audit row for a just-committed admin mutation. Per §4.9,
// the mutation has already committed by the time this runs — a failed audit
// write is logged at error severity but never rolls back or fails the
// request, the same best-effort shape the teacher's key-rotation peer
// broadcast uses for a side effect that must not block the primary outcome.
func (s *Server) audit(r *http.Request, actorID, actionType, targetType, targetID, detail string) {
	if err := s.store.CreateAuditRecord(r.Context(), actorID, actionType, targetType, targetID, detail); err != nil {
		slog.Error("audit record write failed", "action_type", actionType, "target_type", targetType, "target_id", targetID, "error", err)
	}
}

// ─── Key Rotation API ───

type rotateKeyRequest struct {
	// EncryptionKey is the new encryption passphrase.
	// If empty, encryption is disabled and all credentials are stored as plaintext.
	EncryptionKey string `json:"encryption_key"`
}

// RotateKeyAPI handles POST /admin/settings/rotate-key. It re-encrypts all
// provider credentials with a new key. When clustering is enabled, it
// acquires a distributed lock and broadcasts the new key to all peers after
// the DB transaction commits.
func (s *Server) RotateKeyAPI(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r)

	var req rotateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	// Derive the new AES-256 key. If the passphrase is empty, newKey is nil
	// which tells the store to disable encryption (store plaintext).
	var newKey []byte
	if req.EncryptionKey != "" {
		var err error
		newKey, err = cryptostore.DeriveKey(req.EncryptionKey)
		if err != nil {
			httpResponse(w, fmt.Sprintf("invalid encryption key: %v", err), http.StatusBadRequest)
			return
		}
	}

	if s.cluster != nil {
		if err := s.cluster.Lock(r.Context()); err != nil {
			slog.Error("failed to acquire distributed lock for key rotation", "error", err)
			httpResponse(w, fmt.Sprintf("failed to acquire distributed lock: %v", err), http.StatusServiceUnavailable)
			return
		}
		defer func() {
			if err := s.cluster.Unlock(); err != nil {
				slog.Error("failed to release distributed lock", "error", err)
			}
		}()
	}

	if err := s.store.RotateEncryptionKey(r.Context(), newKey); err != nil {
		slog.Error("encryption key rotation failed", "error", err)
		httpResponse(w, fmt.Sprintf("key rotation failed: %v", err), http.StatusInternalServerError)
		return
	}

	if s.cluster != nil {
		if err := s.cluster.BroadcastNewKey(r.Context(), newKey); err != nil {
			slog.Error("key rotation succeeded but peer broadcast failed — other instances may need a restart",
				"error", err,
			)
		}
	}

	s.audit(r, user.ID, "rotate_encryption_key", "credential", "*", "")
	httpResponse(w, "encryption key rotated successfully", http.StatusOK)
}

// ─── Credential (API key) management ───

type credentialResponse struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Feature  string `json:"feature"`
	Priority int    `json:"priority"`
	Status   string `json:"status"`
}

func toCredentialResponse(c model.Credential) credentialResponse {
	return credentialResponse{ID: c.ID, Provider: c.Provider, Feature: c.Feature, Priority: c.Priority, Status: string(c.Status)}
}

// AddCredentialAPI handles POST /admin/api-keys: adds a shared-pool provider
// credential.
func (s *Server) AddCredentialAPI(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r)

	var req struct {
		Provider string `json:"provider"`
		Feature  string `json:"feature"`
		Secret   string `json:"secret"`
		Priority int    `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Provider == "" || req.Feature == "" || req.Secret == "" {
		httpResponse(w, "provider, feature and secret are required", http.StatusBadRequest)
		return
	}

	cred, err := s.store.AddCredential(r.Context(), req.Provider, req.Feature, req.Secret, req.Priority, model.StatusActive)
	if err != nil {
		slog.Error("add credential failed", "provider", req.Provider, "feature", req.Feature, "error", err)
		httpResponse(w, "failed to add credential", http.StatusInternalServerError)
		return
	}

	s.audit(r, user.ID, "add_credential", "credential", cred.ID, fmt.Sprintf("provider=%s feature=%s", req.Provider, req.Feature))
	httpResponseJSON(w, toCredentialResponse(*cred), http.StatusCreated)
}

// ListCredentialsAPI handles GET /admin/api-keys.
func (s *Server) ListCredentialsAPI(w http.ResponseWriter, r *http.Request) {
	creds, err := s.store.ListCredentials(r.Context())
	if err != nil {
		slog.Error("list credentials failed", "error", err)
		httpResponse(w, "failed to list credentials", http.StatusInternalServerError)
		return
	}

	out := make([]credentialResponse, 0, len(creds))
	for _, c := range creds {
		out = append(out, toCredentialResponse(c))
	}
	httpResponseJSON(w, struct {
		Credentials []credentialResponse `json:"credentials"`
	}{Credentials: out}, http.StatusOK)
}

// UpdateCredentialAPI handles PUT /admin/api-keys/*: changes status and/or
// priority for an existing credential (e.g. re-enabling one an operator
// disabled manually after a vendor incident).
func (s *Server) UpdateCredentialAPI(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r)
	id := r.PathValue("key")

	var req struct {
		Status   string `json:"status"`
		Priority *int   `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	status := model.CredentialStatus(req.Status)
	if req.Status != "" && !status.Valid() {
		httpResponse(w, "invalid status", http.StatusBadRequest)
		return
	}

	cred, err := s.store.UpdateCredentialStatus(r.Context(), id, status, req.Priority)
	if err != nil {
		slog.Error("update credential failed", "id", id, "error", err)
		httpResponse(w, "failed to update credential", http.StatusInternalServerError)
		return
	}

	s.audit(r, user.ID, "update_credential", "credential", id, fmt.Sprintf("status=%s", req.Status))
	httpResponseJSON(w, toCredentialResponse(*cred), http.StatusOK)
}

// DeleteCredentialAPI handles DELETE /admin/api-keys/*.
func (s *Server) DeleteCredentialAPI(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r)
	id := r.PathValue("key")

	if err := s.store.DeleteCredential(r.Context(), id); err != nil {
		slog.Error("delete credential failed", "id", id, "error", err)
		httpResponse(w, "failed to delete credential", http.StatusInternalServerError)
		return
	}

	s.audit(r, user.ID, "delete_credential", "credential", id, "")
	httpResponse(w, "deleted", http.StatusOK)
}

// ─── Maintenance control ───

// EnterMaintenanceAPI handles POST /admin/maintenance: sets a manual
// maintenance level, overriding whatever the Health Monitor last computed.
func (s *Server) EnterMaintenanceAPI(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r)

	var req struct {
		Level   string `json:"level"`
		Reason  string `json:"reason"`
		Feature string `json:"feature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	level := model.MaintenanceLevel(req.Level)
	if !level.Valid() {
		httpResponse(w, "level must be \"soft\" or \"hard\"", http.StatusBadRequest)
		return
	}

	if err := s.maintenanceCtl.SetManual(r.Context(), level, req.Reason, req.Feature, user.ID); err != nil {
		slog.Error("enter maintenance failed", "error", err)
		httpResponse(w, "failed to enter maintenance", http.StatusInternalServerError)
		return
	}

	s.audit(r, user.ID, "enter_maintenance", "maintenance", req.Feature, fmt.Sprintf("level=%s reason=%s", req.Level, req.Reason))
	httpResponse(w, "maintenance entered", http.StatusOK)
}

// ExitMaintenanceAPI handles DELETE /admin/maintenance.
func (s *Server) ExitMaintenanceAPI(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r)

	if err := s.maintenanceCtl.Exit(r.Context(), user.ID); err != nil {
		slog.Error("exit maintenance failed", "error", err)
		httpResponse(w, "failed to exit maintenance", http.StatusInternalServerError)
		return
	}

	s.audit(r, user.ID, "exit_maintenance", "maintenance", "", "")
	httpResponse(w, "maintenance exited", http.StatusOK)
}

// ─── Feature toggles ───

// ToggleFeatureAPI handles POST /admin/features/*: enables or disables a
// feature flag consulted by the Feature Gate.
func (s *Server) ToggleFeatureAPI(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r)
	feature := r.PathValue("key")

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	if err := s.features.Toggle(r.Context(), feature, req.Enabled, user.ID); err != nil {
		slog.Error("toggle feature failed", "feature", feature, "error", err)
		httpResponse(w, "failed to toggle feature", http.StatusInternalServerError)
		return
	}

	httpResponse(w, "feature toggled", http.StatusOK)
}

// ─── Audit trail ───

// ListAuditAPI handles GET /admin/audit.
func (s *Server) ListAuditAPI(w http.ResponseWriter, r *http.Request) {
	targetType := r.URL.Query().Get("target_type")

	records, err := s.store.ListAuditRecords(r.Context(), targetType, 200)
	if err != nil {
		slog.Error("list audit records failed", "error", err)
		httpResponse(w, "failed to list audit records", http.StatusInternalServerError)
		return
	}

	httpResponseJSON(w, struct {
		Records []model.AuditRecord `json:"records"`
	}{Records: records}, http.StatusOK)
}
