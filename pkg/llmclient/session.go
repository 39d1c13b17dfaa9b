package llmclient

import (
	"net/http"
	"strings"
)

// Session carries per-call metadata stamped onto upstream provider requests.
type Session struct {
	RequestID string
	UserAgent string
}

type Option func(*Session)

func NewSession(opts ...Option) Session {
	s := Session{}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	s.RequestID = strings.TrimSpace(s.RequestID)
	s.UserAgent = strings.TrimSpace(s.UserAgent)
	return s
}

func WithRequestID(id string) Option {
	rid := strings.TrimSpace(id)
	return func(s *Session) {
		s.RequestID = rid
	}
}

func WithUserAgent(ua string) Option {
	ua = strings.TrimSpace(ua)
	return func(s *Session) {
		s.UserAgent = ua
	}
}

func (s Session) WrapRoundTripper(base http.RoundTripper) http.RoundTripper {
	return sessionRoundTripper{Base: base, Session: s}
}

// Client returns an http.Client whose transport applies the session.
func (s Session) Client(base *http.Client) *http.Client {
	out := &http.Client{}
	if base != nil {
		*out = *base
	}
	out.Transport = s.WrapRoundTripper(out.Transport)
	return out
}

type sessionRoundTripper struct {
	Base    http.RoundTripper
	Session Session
}

func (rt sessionRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	base := rt.Base
	if base == nil {
		base = http.DefaultTransport
	}
	out := req.Clone(req.Context())
	out.Header = req.Header.Clone()
	if rid := rt.Session.RequestID; rid != "" {
		out.Header.Set("X-Request-ID", rid)
	}
	if ua := rt.Session.UserAgent; ua != "" {
		out.Header.Set("User-Agent", ua)
	}
	return base.RoundTrip(out)
}
