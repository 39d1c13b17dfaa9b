package proxy

import (
	"errors"
	"net/http"
	"strings"

	log "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/keyamuha-ux/collede/pkg/config"
	"github.com/keyamuha-ux/collede/pkg/keys"
)

func (s *Server) handleUserData(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	quota, err := s.tracker.Current(r.Context(), id.UserID)
	if err != nil {
		log.Error("read usage failed", "user", id.UserID, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "usage_unavailable", "Internal server error")
		return
	}
	list, err := s.keys.List(r.Context(), id.UserID)
	if err != nil {
		log.Error("list keys failed", "user", id.UserID, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "keys_unavailable", "Internal server error")
		return
	}
	cfg := s.store.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":  id.UserID,
		"isAdmin": cfg.IsAdmin(id.Email, id.UserID),
		"usage":   quotaJSON(quota),
		"keys":    list,
	})
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	var req struct {
		Name string `json:"name"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSONBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_body", "invalid json")
			return
		}
	}
	created, err := s.keys.Create(r.Context(), id.UserID, req.Name)
	if errors.Is(err, keys.ErrLimitReached) {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "key_limit_reached", "Maximum 5 keys allowed")
		return
	}
	if err != nil {
		log.Error("create key failed", "user", id.UserID, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "keys_unavailable", "Failed to generate key")
		return
	}
	writeJSON(w, http.StatusOK, created)
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	keyID := strings.TrimSpace(chi.URLParam(r, "id"))
	err := s.keys.Revoke(r.Context(), id.UserID, keyID)
	if errors.Is(err, keys.ErrNotFound) {
		writeError(w, http.StatusNotFound, "invalid_request_error", "key_not_found", "Key not found")
		return
	}
	if err != nil {
		log.Error("revoke key failed", "user", id.UserID, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "keys_unavailable", "Failed to revoke key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Key revoked successfully"})
}

// handleGetUserConfig shows the config that applies to the caller, which is
// the system config unless the caller saved credentials of their own.
func (s *Server) handleGetUserConfig(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	cfg, scope := s.gateway.Resolve(id.UserID)
	resp := map[string]any{
		"source":    "user",
		"providers": s.maskedProviders(cfg),
	}
	if scope == config.ScopeSystem {
		resp["source"] = config.ScopeSystem
	}
	if legacy, ok := cfg.Provider(config.LegacyProviderID); ok {
		resp["apiBaseUrl"] = legacy.APIBaseURL
		resp["apiKey"] = config.MaskProviderKey(legacy.APIKey)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePutUserConfig(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	if id.UserID == config.ScopeSystem {
		writeError(w, http.StatusForbidden, "invalid_request_error", "forbidden", "reserved user id")
		return
	}
	var req legacyConfigRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_body", "invalid json")
		return
	}
	patch, err := req.patch()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_base_url", err.Error())
		return
	}
	if err := s.gateway.Save(id.UserID, patch); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "save_failed", "Failed to save configuration")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Configuration saved successfully"})
}
