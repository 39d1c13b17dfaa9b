package proxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/keyamuha-ux/collede/pkg/config"
	"github.com/keyamuha-ux/collede/pkg/keys"
	"github.com/keyamuha-ux/collede/pkg/logstore"
	"github.com/keyamuha-ux/collede/pkg/provider"
	"github.com/keyamuha-ux/collede/pkg/registry"
	"github.com/keyamuha-ux/collede/pkg/session"
	"github.com/keyamuha-ux/collede/pkg/usage"
	"github.com/keyamuha-ux/collede/pkg/usagedb"
	"github.com/keyamuha-ux/collede/pkg/version"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/acme/autocert"
	"gorm.io/gorm"
)

type Server struct {
	store          *config.ServerConfigStore
	gateway        *config.GatewayStore
	registry       *registry.Registry
	tracker        *usage.Tracker
	keys           *keys.Issuer
	verifier       session.Verifier
	refresher      *ModelRefresher
	logs           *logstore.Store
	upstream       *http.Client
	db             *gorm.DB
	redis          redis.UniversalClient
	httpServer     *http.Server
	activeRequests atomic.Int64
	draining       atomic.Bool
}

type serverOptions struct {
	verifier session.Verifier
	lister   registry.Lister
	upstream *http.Client
	logs     *logstore.Store
	overlay  func(*config.ServerConfig)
}

type Option func(*serverOptions)

// WithVerifier replaces the session verifier built from [auth].
func WithVerifier(v session.Verifier) Option {
	return func(o *serverOptions) { o.verifier = v }
}

// WithModelLister replaces the upstream model lister used by syncs.
func WithModelLister(l registry.Lister) Option {
	return func(o *serverOptions) { o.lister = l }
}

// WithUpstreamClient replaces the client used to forward chat requests.
func WithUpstreamClient(c *http.Client) Option {
	return func(o *serverOptions) { o.upstream = c }
}

// WithLogStore backs the admin log view with a store the caller also feeds
// from the process logger.
func WithLogStore(l *logstore.Store) Option {
	return func(o *serverOptions) { o.logs = l }
}

// WithConfigOverlay treats cfg as the file view and applies overlay, such as
// environment overrides, on top of it. Overlay values are never saved.
func WithConfigOverlay(overlay func(*config.ServerConfig)) Option {
	return func(o *serverOptions) { o.overlay = overlay }
}

func NewServer(configPath string, cfg *config.ServerConfig, opts ...Option) (*Server, error) {
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}
	store := config.NewServerConfigStoreWithOverlay(configPath, cfg, o.overlay)
	snap := store.Snapshot()

	if o.verifier == nil {
		v, err := session.FromConfig(snap.Auth)
		if err != nil {
			return nil, fmt.Errorf("init session verifier: %w", err)
		}
		o.verifier = v
	}
	timeout := time.Duration(snap.Upstream.TimeoutSeconds) * time.Second
	if o.lister == nil {
		o.lister = provider.NewClient(timeout)
	}
	if o.upstream == nil {
		// Streams can outlive any fixed deadline; only headers are bounded.
		o.upstream = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: timeout,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConnsPerHost:   16,
		}}
	}

	if o.logs == nil {
		o.logs = logstore.NewStore("", logstore.DefaultMaxLines)
	}

	db, err := usagedb.Open(snap.Storage.Driver, snap.StorageDSN())
	if err != nil {
		return nil, err
	}
	if err := usagedb.Migrate(db, keys.Models()...); err != nil {
		_ = usagedb.Close(db)
		return nil, err
	}

	s := &Server{
		store:    store,
		gateway:  config.NewGatewayStore(snap.GatewayDir()),
		keys:     keys.NewIssuer(db),
		verifier: o.verifier,
		upstream: o.upstream,
		logs:     o.logs,
		db:       db,
	}
	counter, err := s.newUsageCounter(snap)
	if err != nil {
		_ = usagedb.Close(db)
		return nil, err
	}
	s.tracker = usage.NewTracker(counter, func() int64 {
		return s.store.Snapshot().DailyRequestLimit
	}, usage.WithRetentionDays(snap.UsageRetentionDays))
	s.registry = registry.New(filepath.Join(snap.GatewayDir(), "models_system.json"), o.lister, s.gateway)
	s.refresher = NewModelRefresher(s.registry, time.Duration(snap.Models.RefreshIntervalMinutes)*time.Minute)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLifecycleMiddleware)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: log.StandardLog(), NoColor: true}))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/api/version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, version.Current())
	})

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.authMiddleware)
		v1.Get("/models", s.handleModels)
		v1.Post("/chat/completions", s.handleChatCompletions)
	})
	r.Route("/api/user", func(u chi.Router) {
		u.Use(s.authMiddleware)
		u.Get("/data", s.handleUserData)
		u.Post("/keys", s.handleCreateKey)
		u.Delete("/keys/{id}", s.handleRevokeKey)
		u.Get("/config", s.handleGetUserConfig)
		u.Put("/config", s.handlePutUserConfig)
	})
	r.Route("/api/admin", func(a chi.Router) {
		a.Use(s.authMiddleware)
		a.Use(s.requireAdmin)
		a.Get("/config", s.handleAdminGetConfig)
		a.Post("/config", s.handleAdminSaveConfig)
		a.Post("/providers/add", s.handleAddProvider)
		a.Post("/providers/remove", s.handleRemoveProvider)
		a.Post("/providers/refresh", s.handleRefreshProvider)
		a.Post("/fetch-models", s.handleFetchModels)
		a.Get("/models", s.handleAdminModels)
		a.Post("/toggle-model", s.handleToggleModel)
		a.Get("/settings", s.handleGetSettings)
		a.Put("/settings", s.handlePutSettings)
		a.Get("/logs", s.handleListLogs)
		a.Delete("/logs", s.handleClearLogs)
	})

	s.httpServer = &http.Server{
		Addr:              snap.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

func (s *Server) newUsageCounter(cfg config.ServerConfig) (usage.Counter, error) {
	switch cfg.Usage.Backend {
	case config.UsageBackendRedis:
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return usage.NewRedisCounter(s.redis, cfg.Redis.KeyPrefix, cfg.UsageRetentionDays), nil
	case config.UsageBackendMemory:
		log.Warn("usage counters are kept in memory and reset on restart")
		return usage.NewMemoryCounter(), nil
	case config.UsageBackendDatabase, "":
		return usage.NewDatabaseCounter(s.db), nil
	default:
		return nil, fmt.Errorf("unsupported usage backend %q", cfg.Usage.Backend)
	}
}

// Registry exposes the model catalog for offline maintenance commands.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Close flushes the log store and releases the database and redis
// connections.
func (s *Server) Close() error {
	errs := []error{s.logs.Flush()}
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	errs = append(errs, usagedb.Close(s.db))
	return errors.Join(errs...)
}

func (s *Server) Run(ctx context.Context) error {
	cfg := s.store.Snapshot()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 2)
	go s.refresher.Run(ctx)

	if cfg.TLS.Enabled {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.TLS.Domain),
			Email:      cfg.TLS.Email,
		}

		httpsSrv := &http.Server{
			Addr:              cfg.TLS.ListenAddr,
			Handler:           s.httpServer.Handler,
			ReadHeaderTimeout: s.httpServer.ReadHeaderTimeout,
			ReadTimeout:       s.httpServer.ReadTimeout,
			IdleTimeout:       s.httpServer.IdleTimeout,
			TLSConfig:         &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12},
		}
		httpChallenge := &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			log.Info("http challenge/redirect listening", "addr", ":80")
			if err := httpChallenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http challenge server: %w", err)
			}
		}()
		go func() {
			log.Info("https listening", "addr", httpsSrv.Addr, "domain", cfg.TLS.Domain)
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()

		return s.awaitShutdown(ctx, errCh, httpChallenge, httpsSrv)
	}

	go func() {
		log.Info("gateway listening", "addr", cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway server: %w", err)
		}
	}()

	return s.awaitShutdown(ctx, errCh, s.httpServer)
}

// awaitShutdown blocks until ctx ends or any listener fails, then drains
// in-flight proxy calls and shuts every server down.
func (s *Server) awaitShutdown(ctx context.Context, errCh <-chan error, servers ...*http.Server) error {
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		log.Error("listener failed, shutting down", "err", runErr)
	}
	s.draining.Store(true)
	s.waitForIdle()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	if runErr != nil {
		return runErr
	}
	return firstErr(errCh)
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

// requestLifecycleMiddleware refuses new /v1 calls while draining and counts
// the ones in flight.
func (s *Server) requestLifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isProxyReq := strings.HasPrefix(r.URL.Path, "/v1/")
		if isProxyReq && s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			writeError(w, http.StatusServiceUnavailable, "server_error", "shutting_down", "server shutting down")
			return
		}
		if isProxyReq {
			s.activeRequests.Add(1)
			defer s.activeRequests.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}

// waitForIdle polls until no proxied request is running, for at most 30s.
func (s *Server) waitForIdle() {
	deadline := time.Now().Add(30 * time.Second)
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	lastLog := time.Time{}
	for {
		active := s.activeRequests.Load()
		if active <= 0 {
			log.Info("shutdown: gateway idle")
			return
		}
		if time.Now().After(deadline) {
			log.Warn("shutdown: giving up on active requests", "active", active)
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			log.Info("shutdown: waiting for active requests", "active", active)
			lastLog = time.Now()
		}
		<-t.C
	}
}

func firstErr(ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	default:
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	return nil
}
