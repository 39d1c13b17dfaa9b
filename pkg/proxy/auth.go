package proxy

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/keyamuha-ux/collede/pkg/keys"
	"github.com/keyamuha-ux/collede/pkg/session"
)

type identityKey struct{}

var nowUTC = func() time.Time { return time.Now().UTC() }

func bearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func withIdentity(ctx context.Context, id session.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func identityFrom(ctx context.Context) (session.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(session.Identity)
	return id, ok && id.UserID != ""
}

// resolveIdentity accepts either an issued gateway key or a session token
// from the identity provider.
func (s *Server) resolveIdentity(ctx context.Context, token string) (session.Identity, error) {
	if token == "" {
		return session.Identity{}, session.ErrUnauthenticated
	}
	if keys.IsKey(token) {
		userID, err := s.keys.Resolve(ctx, token)
		if err != nil {
			if errors.Is(err, keys.ErrInvalidKey) {
				return session.Identity{}, session.ErrUnauthenticated
			}
			return session.Identity{}, err
		}
		return session.Identity{UserID: userID, Via: session.ViaAPIKey}, nil
	}
	return s.verifier.Verify(ctx, token)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "invalid_request_error", "unauthorized", "missing bearer credential")
			return
		}
		id, err := s.resolveIdentity(r.Context(), token)
		if err != nil {
			if errors.Is(err, session.ErrUnauthenticated) {
				writeError(w, http.StatusUnauthorized, "invalid_request_error", "unauthorized", "invalid credential")
				return
			}
			log.Error("identity lookup failed", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "auth_unavailable", "identity lookup failed")
			return
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
	})
}

// requireAdmin checks the allow-list from the current config snapshot, so
// edits apply to the next request.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := identityFrom(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid_request_error", "unauthorized", "unauthorized")
			return
		}
		cfg := s.store.Snapshot()
		if !cfg.IsAdmin(id.Email, id.UserID) {
			log.Warn("admin access denied", "user", id.UserID)
			writeError(w, http.StatusForbidden, "invalid_request_error", "forbidden", "Forbidden: Admin access only")
			return
		}
		next.ServeHTTP(w, r)
	})
}
