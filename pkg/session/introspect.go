package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/keyamuha-ux/collede/pkg/cache"
)

// IntrospectVerifier asks a remote endpoint who owns a token. The endpoint
// receives the token as a bearer credential and answers 200 with
// {"user_id","email"} or any non-2xx status for an invalid token.
type IntrospectVerifier struct {
	url    string
	client *http.Client
	ttl    time.Duration
	now    func() time.Time
	cache  *cache.TTLMap[string, Identity]
}

func NewIntrospectVerifier(url string, client *http.Client, ttl time.Duration) *IntrospectVerifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &IntrospectVerifier{
		url:    strings.TrimSpace(url),
		client: client,
		ttl:    ttl,
		now:    time.Now,
		cache:  cache.NewTTLMap[string, Identity](),
	}
}

func (v *IntrospectVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrUnauthenticated
	}
	sum := sha256.Sum256([]byte(token))
	cacheKey := hex.EncodeToString(sum[:])
	if id, ok := v.cache.Get(cacheKey, v.now()); ok {
		return id, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.url, nil)
	if err != nil {
		return Identity{}, fmt.Errorf("introspect request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	resp, err := v.client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("introspect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= 500 {
			return Identity{}, fmt.Errorf("introspect: upstream status %d", resp.StatusCode)
		}
		return Identity{}, ErrUnauthenticated
	}
	var payload struct {
		UserID string `json:"user_id"`
		Email  string `json:"email"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return Identity{}, fmt.Errorf("introspect decode: %w", err)
	}
	if strings.TrimSpace(payload.UserID) == "" {
		return Identity{}, ErrUnauthenticated
	}
	id := Identity{UserID: payload.UserID, Email: payload.Email, Via: ViaSession}
	if v.ttl > 0 {
		now := v.now()
		v.cache.Set(cacheKey, id, now, v.ttl)
		if n := v.cache.Prune(now); n > 0 {
			log.Debug("introspection cache pruned", "entries", n)
		}
	}
	return id, nil
}
