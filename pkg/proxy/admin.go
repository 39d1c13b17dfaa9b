package proxy

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/keyamuha-ux/collede/pkg/config"
	"github.com/keyamuha-ux/collede/pkg/provider"
	"github.com/keyamuha-ux/collede/pkg/registry"
)

const addProviderSyncTimeout = 60 * time.Second

type maskedProvider struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	APIBaseURL string `json:"apiBaseUrl"`
	APIKey     string `json:"apiKey"`
	CreatedAt  string `json:"createdAt,omitempty"`
	ModelCount int    `json:"modelCount"`
}

func (s *Server) maskedProviders(cfg config.GatewayConfig) []maskedProvider {
	counts := map[string]int{}
	for _, m := range s.registry.List() {
		counts[m.ProviderID]++
	}
	out := make([]maskedProvider, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		out = append(out, maskedProvider{
			ID:         p.ID,
			Name:       p.Name,
			APIBaseURL: p.APIBaseURL,
			APIKey:     config.MaskProviderKey(p.APIKey),
			CreatedAt:  p.CreatedAt,
			ModelCount: counts[p.ID],
		})
	}
	return out
}

func (s *Server) handleAdminGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.gateway.Get(config.ScopeSystem)
	resp := map[string]any{"providers": s.maskedProviders(cfg)}
	if legacy, ok := cfg.Provider(config.LegacyProviderID); ok {
		resp["apiBaseUrl"] = legacy.APIBaseURL
		resp["apiKey"] = config.MaskProviderKey(legacy.APIKey)
	}
	if status, ok := s.refresher.Status(); ok {
		resp["lastRefresh"] = status
	}
	writeJSON(w, http.StatusOK, resp)
}

type legacyConfigRequest struct {
	APIBaseURL *string `json:"apiBaseUrl"`
	APIKey     *string `json:"apiKey"`
}

// patch turns a legacy single-provider body into a GatewayPatch. Masked keys
// echoed back from a GET are dropped so they never overwrite the real key.
func (req legacyConfigRequest) patch() (config.GatewayPatch, error) {
	var patch config.GatewayPatch
	if req.APIBaseURL != nil {
		base := strings.TrimSpace(*req.APIBaseURL)
		if base != "" {
			normalized, err := provider.NormalizeBaseURL(base)
			if err != nil {
				return patch, err
			}
			base = normalized
		}
		patch.APIBaseURL = &base
	}
	if req.APIKey != nil {
		key := strings.TrimSpace(*req.APIKey)
		if key != "" && !config.IsMaskedProviderKey(key) {
			patch.APIKey = &key
		}
	}
	return patch, nil
}

func (s *Server) handleAdminSaveConfig(w http.ResponseWriter, r *http.Request) {
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
	if err := s.gateway.Save(config.ScopeSystem, patch); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "save_failed", "Failed to save configuration")
		return
	}
	s.refresher.Trigger()
	writeJSON(w, http.StatusOK, map[string]any{"message": "System configuration saved successfully"})
}

type addProviderRequest struct {
	Name       string `json:"name"`
	APIBaseURL string `json:"apiBaseUrl"`
	APIKey     string `json:"apiKey"`
}

// handleAddProvider persists the provider first and then syncs it. A failed
// sync is reported as a warning; the provider stays registered.
func (s *Server) handleAddProvider(w http.ResponseWriter, r *http.Request) {
	var req addProviderRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_body", "invalid json")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.APIKey = strings.TrimSpace(req.APIKey)
	if req.Name == "" || strings.TrimSpace(req.APIBaseURL) == "" || req.APIKey == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "missing_fields", "name, apiBaseUrl and apiKey are required")
		return
	}
	base, err := provider.NormalizeBaseURL(req.APIBaseURL)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_base_url", err.Error())
		return
	}
	p := config.Provider{
		ID:         uuid.NewString(),
		Name:       req.Name,
		APIBaseURL: base,
		APIKey:     req.APIKey,
		CreatedAt:  nowUTC().Format(time.RFC3339),
	}
	if err := s.gateway.AddProvider(p); err != nil {
		log.Error("add provider failed", "provider", p.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "save_failed", "Failed to save provider")
		return
	}
	log.Info("provider added", "provider", p.ID, "name", p.Name, "key", config.MaskProviderKey(p.APIKey))

	resp := map[string]any{
		"id":         p.ID,
		"name":       p.Name,
		"apiBaseUrl": p.APIBaseURL,
		"apiKey":     config.MaskProviderKey(p.APIKey),
	}
	ctx, cancel := context.WithTimeout(r.Context(), addProviderSyncTimeout)
	defer cancel()
	n, err := s.registry.Sync(ctx, p)
	if err != nil {
		log.Warn("initial provider sync failed", "provider", p.ID, "err", err)
		resp["warning"] = "Provider saved, but fetching its models failed: " + syncErrorMessage(err)
	} else {
		resp["models"] = n
	}
	writeJSON(w, http.StatusOK, resp)
}

type providerIDRequest struct {
	ProviderID string `json:"providerId"`
}

func (s *Server) decodeProviderID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req providerIDRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_body", "invalid json")
		return "", false
	}
	id := strings.TrimSpace(req.ProviderID)
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "missing_fields", "providerId is required")
		return "", false
	}
	return id, true
}

func (s *Server) handleRemoveProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := s.decodeProviderID(w, r)
	if !ok {
		return
	}
	removed, err := s.gateway.RemoveProvider(id)
	if errors.Is(err, config.ErrProviderNotFound) {
		writeError(w, http.StatusNotFound, "invalid_request_error", "provider_not_found", "Provider not found")
		return
	}
	if err != nil {
		log.Error("remove provider failed", "provider", id, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "save_failed", "Failed to remove provider")
		return
	}
	n, err := s.registry.RemoveByProvider(id)
	if err != nil {
		log.Error("model cascade delete failed", "provider", id, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "save_failed", "Provider removed, but its models could not be deleted")
		return
	}
	log.Info("provider removed", "provider", id, "name", removed.Name, "models", n)
	writeJSON(w, http.StatusOK, map[string]any{"message": "Provider removed", "modelsRemoved": n})
}

func (s *Server) handleRefreshProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := s.decodeProviderID(w, r)
	if !ok {
		return
	}
	p, found := s.gateway.Get(config.ScopeSystem).Provider(id)
	if !found {
		writeError(w, http.StatusNotFound, "invalid_request_error", "provider_not_found", "Provider not found")
		return
	}
	n, err := s.registry.Sync(r.Context(), p)
	if err != nil {
		log.Warn("provider refresh failed", "provider", id, "err", err)
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providerId": id, "models": n})
}

func (s *Server) handleFetchModels(w http.ResponseWriter, r *http.Request) {
	report, err := s.registry.SyncAll(r.Context())
	switch {
	case errors.Is(err, registry.ErrNoProviders):
		writeError(w, http.StatusBadRequest, "invalid_request_error", "no_providers", "API not configured")
	case errors.Is(err, registry.ErrAllFailed):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error": map[string]any{
				"message": "Failed to fetch models from every provider",
				"type":    "server_error",
				"code":    "sync_failed",
			},
			"report": report,
		})
	case err != nil:
		writeError(w, http.StatusInternalServerError, "server_error", "sync_failed", "Failed to fetch models")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"report": report, "models": s.registry.List()})
	}
}

func (s *Server) handleAdminModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

type toggleModelRequest struct {
	ModelID    string `json:"modelId"`
	ProviderID string `json:"providerId"`
	Enabled    *bool  `json:"enabled"`
}

func (s *Server) handleToggleModel(w http.ResponseWriter, r *http.Request) {
	var req toggleModelRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_body", "invalid json")
		return
	}
	if strings.TrimSpace(req.ModelID) == "" || strings.TrimSpace(req.ProviderID) == "" || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "missing_fields", "modelId, providerId and enabled are required")
		return
	}
	found, err := s.registry.SetEnabled(req.ProviderID, req.ModelID, *req.Enabled)
	if err != nil {
		log.Error("toggle model failed", "provider", req.ProviderID, "model", req.ModelID, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "save_failed", "Failed to update model status")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "invalid_request_error", "model_not_found", "Model not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Model status updated"})
}

// gatewaySettings reports the editable file values. EffectiveAdmins also
// includes identities supplied by the environment.
type gatewaySettings struct {
	AdminIdentities        []string `json:"admin_identities"`
	EffectiveAdmins        []string `json:"effective_admin_identities"`
	DailyRequestLimit      int64    `json:"daily_request_limit"`
	UsageRetentionDays     int      `json:"usage_retention_days"`
	RefreshIntervalMinutes int      `json:"refresh_interval_minutes"`
}

func (s *Server) settings() gatewaySettings {
	cfg := s.store.FileSnapshot()
	return gatewaySettings{
		AdminIdentities:        cfg.AdminIdentities,
		EffectiveAdmins:        s.store.Snapshot().AdminIdentities,
		DailyRequestLimit:      cfg.DailyRequestLimit,
		UsageRetentionDays:     cfg.UsageRetentionDays,
		RefreshIntervalMinutes: cfg.Models.RefreshIntervalMinutes,
	}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settings())
}

// handlePutSettings updates the server TOML. The daily limit and the admin
// list apply immediately; retention and refresh interval on restart.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AdminIdentities        *[]string `json:"admin_identities"`
		DailyRequestLimit      *int64    `json:"daily_request_limit"`
		UsageRetentionDays     *int      `json:"usage_retention_days"`
		RefreshIntervalMinutes *int      `json:"refresh_interval_minutes"`
	}
	if err := decodeJSONBody(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_body", "invalid json")
		return
	}
	if payload.AdminIdentities != nil && len(*payload.AdminIdentities) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_settings", "admin_identities cannot be emptied")
		return
	}
	if payload.DailyRequestLimit != nil && *payload.DailyRequestLimit <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_settings", "daily_request_limit must be positive")
		return
	}
	if err := s.store.Update(func(c *config.ServerConfig) error {
		if payload.AdminIdentities != nil {
			c.AdminIdentities = append([]string(nil), (*payload.AdminIdentities)...)
		}
		if payload.DailyRequestLimit != nil {
			c.DailyRequestLimit = *payload.DailyRequestLimit
		}
		if payload.UsageRetentionDays != nil {
			c.UsageRetentionDays = *payload.UsageRetentionDays
		}
		if payload.RefreshIntervalMinutes != nil {
			c.Models.RefreshIntervalMinutes = *payload.RefreshIntervalMinutes
		}
		return nil
	}); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_settings", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.settings())
}

func syncErrorMessage(err error) string {
	if code := provider.StatusCode(err); code != 0 {
		if provider.IsAuthError(err) {
			return "the provider rejected the API key"
		}
		return "the provider answered with status " + http.StatusText(code)
	}
	return "the provider could not be reached"
}

func writeSyncError(w http.ResponseWriter, err error) {
	// An upstream 401 would read as the admin's own session failing.
	status := http.StatusBadGateway
	if code := provider.StatusCode(err); code >= 400 && code <= 599 && !provider.IsAuthError(err) {
		status = code
	}
	writeError(w, status, "server_error", "sync_failed", "Failed to fetch models from provider: "+syncErrorMessage(err))
}
