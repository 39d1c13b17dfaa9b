package llmclient

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSessionClientStampsHeaders(t *testing.T) {
	var gotRID, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRID = r.Header.Get("X-Request-ID")
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cli := NewSession(WithRequestID(" req-1 "), WithUserAgent("collede/test")).Client(nil)
	resp, err := cli.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if gotRID != "req-1" {
		t.Fatalf("expected request id req-1, got %q", gotRID)
	}
	if gotUA != "collede/test" {
		t.Fatalf("expected user agent collede/test, got %q", gotUA)
	}
}

func TestEmptySessionLeavesHeadersAlone(t *testing.T) {
	var gotRID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRID = r.Header.Get("X-Request-ID")
	}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("X-Request-ID", "caller")
	resp, err := NewSession().Client(&http.Client{}).Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	_ = resp.Body.Close()
	if gotRID != "caller" {
		t.Fatalf("expected caller request id preserved, got %q", gotRID)
	}
}
