package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/keyamuha-ux/collede/pkg/cache"
	"github.com/pelletier/go-toml/v2"
)

const (
	defaultConfigFileName = "collede.toml"

	DefaultDailyRequestLimit  = 13000
	DefaultUsageRetentionDays = 7

	AuthModeJWT        = "jwt"
	AuthModeIntrospect = "introspect"

	StorageDriverSQLite   = "sqlite"
	StorageDriverPostgres = "postgres"

	UsageBackendDatabase = "database"
	UsageBackendRedis    = "redis"
	UsageBackendMemory   = "memory"
)

type AuthConfig struct {
	Mode          string `toml:"mode"`
	JWTSecret     string `toml:"jwt_secret,omitempty"`
	JWTIssuer     string `toml:"jwt_issuer,omitempty"`
	JWTAudience   string `toml:"jwt_audience,omitempty"`
	IntrospectURL string `toml:"introspect_url,omitempty"`
	CacheSeconds  int    `toml:"cache_seconds,omitempty"`
}

type StorageConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

type UsageConfig struct {
	Backend string `toml:"backend"`
}

type RedisConfig struct {
	Addr      string `toml:"addr"`
	Password  string `toml:"password,omitempty"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

type ModelsConfig struct {
	RefreshIntervalMinutes int `toml:"refresh_interval_minutes"`
}

type UpstreamConfig struct {
	TimeoutSeconds int `toml:"timeout_seconds"`
}

type TLSConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
	Domain     string `toml:"domain"`
	Email      string `toml:"email"`
	CacheDir   string `toml:"cache_dir"`
}

type ServerConfig struct {
	ListenAddr         string         `toml:"listen_addr"`
	DataDir            string         `toml:"data_dir"`
	AdminIdentities    []string       `toml:"admin_identities"`
	DailyRequestLimit  int64          `toml:"daily_request_limit"`
	UsageRetentionDays int            `toml:"usage_retention_days"`
	LogLevel           string         `toml:"log_level"`
	LogFormat          string         `toml:"log_format"`
	Auth               AuthConfig     `toml:"auth"`
	Storage            StorageConfig  `toml:"storage"`
	Usage              UsageConfig    `toml:"usage"`
	Redis              RedisConfig    `toml:"redis"`
	Models             ModelsConfig   `toml:"models"`
	Upstream           UpstreamConfig `toml:"upstream"`
	TLS                TLSConfig      `toml:"tls"`
}

func DefaultServerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "collede", defaultConfigFileName)
}

func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "data"
	}
	return filepath.Join(home, ".local", "share", "collede")
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "collede", "tls-autocert")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:         "127.0.0.1:8080",
		DataDir:            DefaultDataDir(),
		AdminIdentities:    []string{},
		DailyRequestLimit:  DefaultDailyRequestLimit,
		UsageRetentionDays: DefaultUsageRetentionDays,
		LogLevel:           "info",
		LogFormat:          "text",
		Auth: AuthConfig{
			Mode:         AuthModeJWT,
			CacheSeconds: 60,
		},
		Storage: StorageConfig{
			Driver: StorageDriverSQLite,
		},
		Usage: UsageConfig{
			Backend: UsageBackendDatabase,
		},
		Redis: RedisConfig{
			Addr:      "127.0.0.1:6379",
			KeyPrefix: "collede",
		},
		Models: ModelsConfig{
			RefreshIntervalMinutes: 0,
		},
		Upstream: UpstreamConfig{
			TimeoutSeconds: 300,
		},
		TLS: TLSConfig{
			Enabled:    false,
			ListenAddr: ":443",
			CacheDir:   DefaultTLSCacheDir(),
		},
	}
}

// GatewayDir is where the scoped gateway config and model catalog live.
func (c *ServerConfig) GatewayDir() string {
	return filepath.Join(c.DataDir, "gateway")
}

// StorageDSN returns the configured DSN, defaulting sqlite to a file in the
// data dir.
func (c *ServerConfig) StorageDSN() string {
	if strings.TrimSpace(c.Storage.DSN) != "" {
		return c.Storage.DSN
	}
	if c.Storage.Driver == StorageDriverSQLite {
		return filepath.Join(c.DataDir, "collede.db")
	}
	return ""
}

// IsAdmin reports whether any of the identity strings is on the allow-list.
// Matching is exact but case-insensitive.
func (c *ServerConfig) IsAdmin(identities ...string) bool {
	for _, id := range identities {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		for _, admin := range c.AdminIdentities {
			if strings.EqualFold(admin, id) {
				return true
			}
		}
	}
	return false
}

// LoadServerConfig decodes and normalizes the file. Validation is left to the
// caller so environment overrides can fill required fields first.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := unmarshalServerConfigTOML(b, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return cfg, nil
}

func LoadOrCreateServerConfig(path string) (*ServerConfig, error) {
	cfg, err := LoadServerConfig(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	cfg = NewDefaultServerConfig()
	if err := Save(path, cfg); err != nil {
		return nil, fmt.Errorf("write default config: %w", err)
	}
	return cfg, nil
}

// unmarshalServerConfigTOML decodes onto the defaults already held by cfg and
// folds the single admin_email key of older files into admin_identities.
func unmarshalServerConfigTOML(b []byte, cfg *ServerConfig) error {
	type legacyServerConfig struct {
		ServerConfig
		AdminEmail string `toml:"admin_email"`
	}
	raw := legacyServerConfig{ServerConfig: *cfg}
	if err := toml.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("parse toml: %w", err)
	}
	*cfg = raw.ServerConfig
	if legacy := strings.TrimSpace(raw.AdminEmail); legacy != "" && !cfg.IsAdmin(legacy) {
		cfg.AdminIdentities = append(cfg.AdminIdentities, legacy)
	}
	return nil
}

// ApplyEnv overlays environment settings on top of the file config.
func (c *ServerConfig) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv("COLLEDE_LISTEN_ADDR")); v != "" {
		c.ListenAddr = v
	}
	if v := strings.TrimSpace(getenv("ADMIN_EMAIL")); v != "" {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" && !c.IsAdmin(id) {
				c.AdminIdentities = append(c.AdminIdentities, id)
			}
		}
	}
	if v := strings.TrimSpace(getenv("COLLEDE_JWT_SECRET")); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := strings.TrimSpace(getenv("COLLEDE_STORAGE_DSN")); v != "" {
		c.Storage.DSN = v
	}
	if v := strings.TrimSpace(getenv("COLLEDE_REDIS_ADDR")); v != "" {
		c.Redis.Addr = v
	}
}

func Save(path string, v any) error {
	b, err := MarshalTOML(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	return cache.WriteFileAtomic(path, b)
}

// MarshalTOML renders v in the layout Save writes.
func MarshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	enc.SetTablesInline(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

func (c *ServerConfig) Normalize() {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	seen := map[string]struct{}{}
	admins := make([]string, 0, len(c.AdminIdentities))
	for _, id := range c.AdminIdentities {
		id = strings.TrimSpace(id)
		key := strings.ToLower(id)
		if id == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		admins = append(admins, id)
	}
	c.AdminIdentities = admins
	if c.DailyRequestLimit <= 0 {
		c.DailyRequestLimit = DefaultDailyRequestLimit
	}
	if c.UsageRetentionDays <= 0 {
		c.UsageRetentionDays = DefaultUsageRetentionDays
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	c.Auth.Mode = strings.ToLower(strings.TrimSpace(c.Auth.Mode))
	if c.Auth.Mode == "" {
		c.Auth.Mode = AuthModeJWT
	}
	c.Auth.JWTSecret = strings.TrimSpace(c.Auth.JWTSecret)
	c.Auth.JWTIssuer = strings.TrimSpace(c.Auth.JWTIssuer)
	c.Auth.JWTAudience = strings.TrimSpace(c.Auth.JWTAudience)
	c.Auth.IntrospectURL = strings.TrimSpace(c.Auth.IntrospectURL)
	if c.Auth.CacheSeconds < 0 {
		c.Auth.CacheSeconds = 0
	}
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = StorageDriverSQLite
	}
	c.Storage.DSN = strings.TrimSpace(c.Storage.DSN)
	c.Usage.Backend = strings.ToLower(strings.TrimSpace(c.Usage.Backend))
	if c.Usage.Backend == "" {
		c.Usage.Backend = UsageBackendDatabase
	}
	c.Redis.Addr = strings.TrimSpace(c.Redis.Addr)
	c.Redis.KeyPrefix = strings.Trim(strings.TrimSpace(c.Redis.KeyPrefix), ":")
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "collede"
	}
	if c.Models.RefreshIntervalMinutes < 0 {
		c.Models.RefreshIntervalMinutes = 0
	}
	if c.Upstream.TimeoutSeconds <= 0 {
		c.Upstream.TimeoutSeconds = 300
	}
	c.TLS.ListenAddr = strings.TrimSpace(c.TLS.ListenAddr)
	if c.TLS.ListenAddr == "" {
		c.TLS.ListenAddr = ":443"
	}
	c.TLS.Domain = strings.TrimSpace(c.TLS.Domain)
	c.TLS.Email = strings.TrimSpace(c.TLS.Email)
	c.TLS.CacheDir = strings.TrimSpace(c.TLS.CacheDir)
	if c.TLS.CacheDir == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}
}

func (c *ServerConfig) Validate() error {
	switch c.Auth.Mode {
	case AuthModeJWT:
	case AuthModeIntrospect:
		if c.Auth.IntrospectURL == "" {
			return errors.New("auth.introspect_url is required when auth.mode=introspect")
		}
		if _, err := url.ParseRequestURI(c.Auth.IntrospectURL); err != nil {
			return fmt.Errorf("auth.introspect_url is invalid: %w", err)
		}
	default:
		return errors.New("auth.mode must be one of jwt, introspect")
	}
	switch c.Storage.Driver {
	case StorageDriverSQLite:
	case StorageDriverPostgres:
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return errors.New("storage.driver must be one of sqlite, postgres")
	}
	switch c.Usage.Backend {
	case UsageBackendDatabase, UsageBackendMemory:
	case UsageBackendRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis.addr is required when usage.backend=redis")
		}
	default:
		return errors.New("usage.backend must be one of database, redis, memory")
	}
	switch c.LogFormat {
	case "text", "json", "logfmt":
	default:
		return errors.New("log_format must be one of text, json, logfmt")
	}
	if c.TLS.Enabled && c.TLS.Domain == "" {
		return errors.New("tls.domain is required when tls.enabled=true")
	}
	return nil
}

// ServerConfigStore holds the config as stored in the TOML file and the live
// view built from it by an overlay such as ApplyEnv. Only the file view is
// ever written back, so values that come from the environment stay there.
type ServerConfigStore struct {
	mu      sync.RWMutex
	path    string
	file    *ServerConfig
	live    *ServerConfig
	overlay func(*ServerConfig)
}

func NewServerConfigStore(path string, cfg *ServerConfig) *ServerConfigStore {
	return NewServerConfigStoreWithOverlay(path, cfg, nil)
}

// NewServerConfigStoreWithOverlay keeps cfg as the file view and derives the
// live view by applying overlay to a copy of it.
func NewServerConfigStoreWithOverlay(path string, cfg *ServerConfig, overlay func(*ServerConfig)) *ServerConfigStore {
	s := &ServerConfigStore{path: path, file: cfg.Clone(), overlay: overlay}
	s.live = s.derive(s.file)
	return s
}

func (c *ServerConfig) Clone() *ServerConfig {
	cp := *c
	cp.AdminIdentities = append([]string(nil), c.AdminIdentities...)
	return &cp
}

func (s *ServerConfigStore) derive(file *ServerConfig) *ServerConfig {
	live := file.Clone()
	if s.overlay != nil {
		s.overlay(live)
		live.Normalize()
	}
	return live
}

func (s *ServerConfigStore) Path() string {
	return s.path
}

// Snapshot returns the live config.
func (s *ServerConfigStore) Snapshot() ServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.live.Clone()
}

// FileSnapshot returns the config as persisted, without overlay values.
func (s *ServerConfigStore) FileSnapshot() ServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.file.Clone()
}

// Update mutates the file view, validates the resulting live view and saves
// the file view.
func (s *ServerConfigStore) Update(mutator func(*ServerConfig) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.file.Clone()
	if err := mutator(next); err != nil {
		return err
	}
	next.Normalize()
	live := s.derive(next)
	if err := live.Validate(); err != nil {
		return err
	}
	if err := Save(s.path, next); err != nil {
		return err
	}
	s.file = next
	s.live = live
	return nil
}
