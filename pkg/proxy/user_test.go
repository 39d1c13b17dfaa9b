package proxy

import (
	"net/http"
	"strings"
	"testing"

	"github.com/keyamuha-ux/collede/pkg/keys"
)

type dashboard struct {
	UserID string `json:"userId"`
	Usage  struct {
		Current int64 `json:"current"`
		Limit   int64 `json:"limit"`
	} `json:"usage"`
	Keys []keys.Key `json:"keys"`
}

func TestUserKeyLifecycle(t *testing.T) {
	s := newTestServer(t, nil)

	rr := doJSON(t, s, http.MethodPost, "/api/user/keys", userToken, map[string]any{})
	if rr.Code != http.StatusOK {
		t.Fatalf("create key: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	created := decodeBody[keys.Key](t, rr)
	if !strings.HasPrefix(created.Key, keys.Prefix) || created.Name != "Club Key 1" {
		t.Fatalf("unexpected created key %+v", created)
	}

	dash := decodeBody[dashboard](t, doJSON(t, s, http.MethodGet, "/api/user/data", userToken, nil))
	if len(dash.Keys) != 1 || dash.Keys[0].ID != created.ID {
		t.Fatalf("expected the new key listed, got %+v", dash.Keys)
	}
	if want := keys.MaskedPrefix + created.Key[len(created.Key)-4:]; dash.Keys[0].Key != want {
		t.Fatalf("expected masked key %q, got %q", want, dash.Keys[0].Key)
	}
	if dash.Usage.Limit != 13000 || dash.Usage.Current != 0 {
		t.Fatalf("unexpected usage %+v", dash.Usage)
	}

	if rr := doJSON(t, s, http.MethodGet, "/v1/models", created.Key, nil); rr.Code != http.StatusOK {
		t.Fatalf("expected issued key to authenticate, got %d", rr.Code)
	}
	if rr := doJSON(t, s, http.MethodDelete, "/api/user/keys/"+created.ID, otherToken, nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 revoking someone else's key, got %d", rr.Code)
	}
	if rr := doJSON(t, s, http.MethodDelete, "/api/user/keys/"+created.ID, userToken, nil); rr.Code != http.StatusOK {
		t.Fatalf("expected revoke to succeed, got %d", rr.Code)
	}
	if rr := doJSON(t, s, http.MethodGet, "/v1/models", created.Key, nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected revoked key rejected, got %d", rr.Code)
	}
}

func TestUserKeyLimit(t *testing.T) {
	s := newTestServer(t, nil)
	for i := 0; i < keys.MaxPerUser; i++ {
		if rr := doJSON(t, s, http.MethodPost, "/api/user/keys", userToken, map[string]any{"name": "k"}); rr.Code != http.StatusOK {
			t.Fatalf("key %d: expected 200, got %d", i, rr.Code)
		}
	}
	rr := doJSON(t, s, http.MethodPost, "/api/user/keys", userToken, map[string]any{"name": "k"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 at the key limit, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "key_limit_reached") {
		t.Fatalf("expected limit code, got %s", rr.Body.String())
	}
}

func TestUserDataCountsRequests(t *testing.T) {
	s := newTestServer(t, nil)
	up := newFakeUpstream(t, "sk-upstream-1234", "gpt-x")
	addProvider(t, s, "Acme", up)
	for i := 0; i < 3; i++ {
		doJSON(t, s, http.MethodPost, "/v1/chat/completions", userToken, `{"model":"gpt-x","messages":[]}`)
	}
	dash := decodeBody[dashboard](t, doJSON(t, s, http.MethodGet, "/api/user/data", userToken, nil))
	if dash.Usage.Current != 3 {
		t.Fatalf("expected 3 requests counted, got %d", dash.Usage.Current)
	}
}

func TestUserConfigFallsBackToSystem(t *testing.T) {
	s := newTestServer(t, nil)
	doJSON(t, s, http.MethodPost, "/api/admin/config", adminToken, map[string]any{
		"apiBaseUrl": "https://api.example.com", "apiKey": "sk-system-1111",
	})

	resp := decodeBody[map[string]any](t, doJSON(t, s, http.MethodGet, "/api/user/config", userToken, nil))
	if resp["source"] != "system" || resp["apiKey"] != "sk-...1111" {
		t.Fatalf("expected system fallback, got %v", resp)
	}

	rr := doJSON(t, s, http.MethodPut, "/api/user/config", userToken, map[string]any{
		"apiBaseUrl": "https://own.example.com", "apiKey": "sk-own-2222",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	resp = decodeBody[map[string]any](t, doJSON(t, s, http.MethodGet, "/api/user/config", userToken, nil))
	if resp["source"] != "user" || resp["apiKey"] != "sk-...2222" || resp["apiBaseUrl"] != "https://own.example.com" {
		t.Fatalf("expected user override, got %v", resp)
	}
	if strings.Contains(doJSON(t, s, http.MethodGet, "/api/user/config", userToken, nil).Body.String(), "sk-own-2222") {
		t.Fatal("user config leaked the full key")
	}

	other := decodeBody[map[string]any](t, doJSON(t, s, http.MethodGet, "/api/user/config", otherToken, nil))
	if other["source"] != "system" {
		t.Fatalf("expected other users unaffected, got %v", other)
	}
}

func TestPublicEndpointsNeedNoAuth(t *testing.T) {
	s := newTestServer(t, nil)
	if rr := doJSON(t, s, http.MethodGet, "/healthz", "", nil); rr.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", rr.Code)
	}
	info := decodeBody[map[string]any](t, doJSON(t, s, http.MethodGet, "/api/version", "", nil))
	if info["component"] != "collede" || info["version"] == "" {
		t.Fatalf("unexpected version payload %v", info)
	}
}
