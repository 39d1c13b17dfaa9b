package proxy

import (
	"net/http"
	"testing"
	"time"

	"github.com/keyamuha-ux/collede/pkg/logstore"
)

func TestAdminLogs(t *testing.T) {
	s := newTestServer(t, nil)
	s.logs.Add("info", "model refresh finished", "succeeded=1", time.Time{})
	s.logs.Add("warn", "daily limit reached", "user=user_1", time.Time{})

	if rr := doJSON(t, s, http.MethodGet, "/api/admin/logs", userToken, nil); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", rr.Code)
	}

	resp := decodeBody[struct {
		Entries []logstore.Entry `json:"entries"`
	}](t, doJSON(t, s, http.MethodGet, "/api/admin/logs?level=warn", adminToken, nil))
	if len(resp.Entries) != 1 || resp.Entries[0].Message != "daily limit reached" {
		t.Fatalf("expected only the warning, got %+v", resp.Entries)
	}

	if rr := doJSON(t, s, http.MethodGet, "/api/admin/logs?limit=abc", adminToken, nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rr.Code)
	}

	if rr := doJSON(t, s, http.MethodDelete, "/api/admin/logs", adminToken, nil); rr.Code != http.StatusOK {
		t.Fatalf("expected clear to succeed, got %d", rr.Code)
	}
	if s.logs.Len() != 0 {
		t.Fatalf("expected empty store after clear, got %d", s.logs.Len())
	}
}
