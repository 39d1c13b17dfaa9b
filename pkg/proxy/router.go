package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/keyamuha-ux/collede/pkg/config"
	"github.com/keyamuha-ux/collede/pkg/llmclient"
	"github.com/keyamuha-ux/collede/pkg/provider"
	"github.com/keyamuha-ux/collede/pkg/registry"
	"github.com/keyamuha-ux/collede/pkg/version"
)

const maxChatBodyBytes = 8 << 20

// publicModel is the caller-facing catalog entry.
type publicModel struct {
	ID           string `json:"id"`
	Object       string `json:"object"`
	Name         string `json:"name"`
	Created      int64  `json:"created"`
	OwnedBy      string `json:"owned_by"`
	ProviderName string `json:"providerName,omitempty"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	enabled := s.registry.Enabled()
	data := make([]publicModel, 0, len(enabled))
	for _, m := range enabled {
		data = append(data, publicModel{
			ID:           m.ID,
			Object:       "model",
			Name:         m.Name,
			Created:      m.Created,
			OwnedBy:      m.OwnedBy,
			ProviderName: m.ProviderName,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_request_error", "unauthorized", "Unauthorized. Please sign in.")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxChatBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_body", "failed to read request body")
		return
	}
	defer r.Body.Close()
	payload, model, stream, err := parseChatRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_body", err.Error())
		return
	}

	quota, err := s.tracker.CheckAndIncrement(r.Context(), id.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "usage_unavailable", "usage tracking is unavailable, try again later")
		return
	}
	if !quota.Allowed {
		writeQuotaExceededResponse(w, quota)
		return
	}
	applyQuotaHeaders(w.Header(), quota)

	entry, err := s.registry.Resolve(model)
	if err != nil {
		writeError(w, http.StatusNotFound, "invalid_request_error", "model_not_found", fmt.Sprintf("The model %q does not exist or is disabled.", model))
		return
	}
	p, ok := s.gateway.Get(config.ScopeSystem).Provider(entry.ProviderID)
	if !ok || strings.TrimSpace(p.APIBaseURL) == "" || strings.TrimSpace(p.APIKey) == "" {
		log.Warn("model points at a missing provider", "model", entry.ID, "provider", entry.ProviderID)
		writeError(w, http.StatusServiceUnavailable, "server_error", "provider_unavailable", "API Gateway is not yet configured by the administrator.")
		return
	}

	err = setJSONField(payload, "model", entry.ID)
	if err == nil {
		err = setJSONField(payload, "user", id.UserID)
	}
	var outBody []byte
	if err == nil {
		outBody, err = json.Marshal(payload)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "encode_failed", "failed to encode request")
		return
	}
	reqID := middleware.GetReqID(r.Context())

	start := time.Now()
	if stream {
		status, err := s.forwardStreamingRequest(r.Context(), p, outBody, reqID, w)
		s.logRelay(id.UserID, entry, status, time.Since(start), err)
		if err != nil && status == 0 {
			writeError(w, http.StatusBadGateway, "server_error", "upstream_unreachable", "Failed to connect to the API provider")
		}
		return
	}
	status, err := s.forwardRequest(r.Context(), p, outBody, reqID, w)
	s.logRelay(id.UserID, entry, status, time.Since(start), err)
	if err != nil && status == 0 {
		writeError(w, http.StatusBadGateway, "server_error", "upstream_unreachable", "Failed to connect to the API provider")
	}
}

// parseChatRequest keeps every field as raw JSON so provider specific fields
// and large integers pass through byte for byte.
func parseChatRequest(body []byte) (map[string]json.RawMessage, string, bool, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, "", false, errors.New("request body required")
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
		return nil, "", false, errors.New("invalid json")
	}
	var model string
	if err := json.Unmarshal(payload["model"], &model); err != nil || strings.TrimSpace(model) == "" {
		return nil, "", false, errors.New("model must be a non-empty string")
	}
	var stream bool
	if raw, ok := payload["stream"]; ok {
		_ = json.Unmarshal(raw, &stream)
	}
	return payload, strings.TrimSpace(model), stream, nil
}

func setJSONField(payload map[string]json.RawMessage, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	payload[key] = raw
	return nil
}

func (s *Server) logRelay(userID string, m registry.Model, status int, latency time.Duration, err error) {
	if err != nil {
		log.Warn("upstream request failed", "user", userID, "model", m.ID, "provider", m.ProviderID, "status", status, "latency", latency, "err", err)
		return
	}
	log.Debug("upstream request relayed", "user", userID, "model", m.ID, "provider", m.ProviderID, "status", status, "latency", latency)
}

func (s *Server) newUpstreamRequest(ctx context.Context, p config.Provider, body []byte, reqID string) (*http.Request, error) {
	target, err := provider.EndpointURL(p.APIBaseURL, "/chat/completions")
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(p.APIKey))
	return req, nil
}

// upstreamClient stamps the gateway request id and user agent on the call.
func (s *Server) upstreamClient(reqID string) *http.Client {
	return llmclient.NewSession(
		llmclient.WithRequestID(reqID),
		llmclient.WithUserAgent(version.UserAgent()),
	).Client(s.upstream)
}

// forwardRequest relays a non-streaming upstream response as is. The body is
// copied through rather than buffered, so responses of any size arrive intact.
// A zero status means nothing was written to w yet.
func (s *Server) forwardRequest(ctx context.Context, p config.Provider, body []byte, reqID string, w http.ResponseWriter) (int, error) {
	req, err := s.newUpstreamRequest(ctx, p, body, reqID)
	if err != nil {
		return 0, err
	}
	resp, err := s.upstreamClient(reqID).Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	copyUpstreamHeaders(w.Header(), resp.Header)
	if resp.ContentLength >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		return resp.StatusCode, fmt.Errorf("relay response body: %w", err)
	}
	return resp.StatusCode, nil
}

// forwardStreamingRequest relays the upstream body in 32KB chunks, flushing
// after each one. A zero status means nothing was written to w yet.
func (s *Server) forwardStreamingRequest(ctx context.Context, p config.Provider, body []byte, reqID string, w http.ResponseWriter) (int, error) {
	req, err := s.newUpstreamRequest(ctx, p, body, reqID)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := s.upstreamClient(reqID).Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	copyUpstreamHeaders(w.Header(), resp.Header)
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 && w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/event-stream")
	}
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return resp.StatusCode, writeErr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if errors.Is(readErr, io.EOF) {
			return resp.StatusCode, nil
		}
		if readErr != nil {
			return resp.StatusCode, readErr
		}
	}
}

var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Content-Length":      {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func copyUpstreamHeaders(dst, src http.Header) {
	for k, vals := range src {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		// Upstream rate limit headers describe the shared provider key, not
		// this caller's quota.
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, "x-ratelimit-") || strings.HasPrefix(lk, "ratelimit-") {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}
