package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keyamuha-ux/collede/pkg/config"
	"github.com/keyamuha-ux/collede/pkg/provider"
	"github.com/keyamuha-ux/collede/pkg/session"
)

const (
	userToken  = "session-user"
	otherToken = "session-other"
	adminToken = "session-admin"
)

type staticVerifier map[string]session.Identity

func (v staticVerifier) Verify(_ context.Context, token string) (session.Identity, error) {
	id, ok := v[token]
	if !ok {
		return session.Identity{}, session.ErrUnauthenticated
	}
	return id, nil
}

func testVerifier() staticVerifier {
	return staticVerifier{
		userToken:  {UserID: "user_1", Email: "reader@example.com", Via: session.ViaSession},
		otherToken: {UserID: "user_2", Email: "other@example.com", Via: session.ViaSession},
		adminToken: {UserID: "user_admin", Email: "Admin@Example.com", Via: session.ViaSession},
	}
}

func isolateDefaultDataPaths(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CACHE_HOME", filepath.Join(home, ".cache"))
	return home
}

func newTestServer(t *testing.T, mutate func(*config.ServerConfig)) *Server {
	t.Helper()
	return newTestServerWith(t, mutate)
}

func newTestServerWith(t *testing.T, mutate func(*config.ServerConfig), opts ...Option) *Server {
	t.Helper()
	home := isolateDefaultDataPaths(t)
	cfg := config.NewDefaultServerConfig()
	cfg.DataDir = filepath.Join(home, "data")
	cfg.AdminIdentities = []string{"admin@example.com"}
	cfg.Auth.JWTSecret = "unused"
	if mutate != nil {
		mutate(cfg)
	}
	cfg.Normalize()
	opts = append([]Option{
		WithVerifier(testVerifier()),
		WithModelLister(provider.NewClient(5 * time.Second)),
	}, opts...)
	s, err := NewServer(filepath.Join(home, "collede.toml"), cfg, opts...)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func doJSON(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

// fakeUpstream is an OpenAI compatible provider.
type fakeUpstream struct {
	*httptest.Server
	apiKey string
	models []string

	mu        sync.Mutex
	chatCalls atomic.Int32
	lastChat  map[string]any
	lastRaw   []byte
	lastAuth  string
	chatReply func(w http.ResponseWriter, body map[string]any)
}

func newFakeUpstream(t *testing.T, apiKey string, models ...string) *fakeUpstream {
	t.Helper()
	u := &fakeUpstream{apiKey: apiKey, models: models}
	u.Server = httptest.NewServer(http.HandlerFunc(u.serve))
	t.Cleanup(u.Close)
	return u
}

func (u *fakeUpstream) serve(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+u.apiKey {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
		return
	}
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/v1/models":
		data := make([]map[string]any, 0, len(u.models))
		for _, id := range u.models {
			data = append(data, map[string]any{"id": id, "object": "model", "created": 1700000000, "owned_by": "acme"})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data})
	case r.Method == http.MethodPost && r.URL.Path == "/v1/chat/completions":
		u.chatCalls.Add(1)
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		u.mu.Lock()
		u.lastChat = body
		u.lastRaw = raw
		u.lastAuth = r.Header.Get("Authorization")
		reply := u.chatReply
		u.mu.Unlock()
		if reply != nil {
			reply(w, body)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("x-ratelimit-limit-requests", "999999")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   body["model"],
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": "hello from " + strings.TrimPrefix(u.URL, "http://")},
				"finish_reason": "stop",
			}},
		})
	default:
		http.NotFound(w, r)
	}
}

func (u *fakeUpstream) lastRawBody() []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastRaw
}

func (u *fakeUpstream) lastChatBody() map[string]any {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastChat
}

// addProvider registers an upstream through the admin API and returns its id.
func addProvider(t *testing.T, s *Server, name string, u *fakeUpstream) string {
	t.Helper()
	rr := doJSON(t, s, http.MethodPost, "/api/admin/providers/add", adminToken, map[string]any{
		"name":       name,
		"apiBaseUrl": u.URL,
		"apiKey":     u.apiKey,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("add provider: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeBody[map[string]any](t, rr)
	if w, ok := resp["warning"]; ok {
		t.Fatalf("add provider: unexpected warning %v", w)
	}
	return resp["id"].(string)
}
