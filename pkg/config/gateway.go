package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/keyamuha-ux/collede/pkg/cache"
)

// ScopeSystem is the operator-managed scope every user falls back to.
const ScopeSystem = "system"

// LegacyProviderID is the synthetic id given to a provider upgraded from the
// single-provider config shape.
const LegacyProviderID = "default"

var (
	ErrProviderExists   = errors.New("provider already exists")
	ErrProviderNotFound = errors.New("provider not found")

	ErrGatewayUnreadable = errors.New("gateway config unreadable")
)

type Provider struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	APIBaseURL string `json:"apiBaseUrl"`
	APIKey     string `json:"apiKey"`
	CreatedAt  string `json:"createdAt,omitempty"`
}

// GatewayConfig is the canonical in-memory shape of one scope. The legacy
// apiBaseUrl/apiKey pair is only ever populated on disk by older files.
type GatewayConfig struct {
	Providers []Provider `json:"providers"`
}

func (c GatewayConfig) Provider(id string) (Provider, bool) {
	for _, p := range c.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return Provider{}, false
}

// HasCredentials reports whether at least one provider carries a base URL
// and key.
func (c GatewayConfig) HasCredentials() bool {
	for _, p := range c.Providers {
		if strings.TrimSpace(p.APIBaseURL) != "" && strings.TrimSpace(p.APIKey) != "" {
			return true
		}
	}
	return false
}

func (c GatewayConfig) clone() GatewayConfig {
	return GatewayConfig{Providers: append([]Provider(nil), c.Providers...)}
}

// GatewayPatch is a top-level shallow merge. Nil fields leave the stored value
// untouched. APIBaseURL/APIKey address the legacy single provider and upsert
// the provider with id LegacyProviderID.
type GatewayPatch struct {
	Providers  *[]Provider
	APIBaseURL *string
	APIKey     *string
}

type gatewayFile struct {
	Providers  []Provider `json:"providers,omitempty"`
	APIBaseURL string     `json:"apiBaseUrl,omitempty"`
	APIKey     string     `json:"apiKey,omitempty"`
}

// GatewayStore persists one JSON document per scope under dir.
type GatewayStore struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

func NewGatewayStore(dir string) *GatewayStore {
	return &GatewayStore{dir: dir, now: time.Now}
}

func (s *GatewayStore) path(scope string) string {
	if scope == ScopeSystem {
		return filepath.Join(s.dir, "config_system.json")
	}
	return filepath.Join(s.dir, "config_user_"+scopeFileKey(scope)+".json")
}

// scopeFileKey keeps user ids that are safe file name fragments readable and
// hashes everything else.
func scopeFileKey(scope string) string {
	safe := scope != ""
	for _, r := range scope {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
			safe = false
			break
		}
	}
	if safe && len(scope) <= 64 {
		return scope
	}
	sum := sha256.Sum256([]byte(scope))
	return "h" + hex.EncodeToString(sum[:12])
}

// Get never fails. A user scope without credentials resolves to the system
// scope, and unreadable files degrade to an empty config.
func (s *GatewayStore) Get(scope string) GatewayConfig {
	cfg, _ := s.Resolve(scope)
	return cfg
}

// Resolve is Get plus the scope the config was actually read from.
func (s *GatewayStore) Resolve(scope string) (GatewayConfig, string) {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		scope = ScopeSystem
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if scope != ScopeSystem {
		if cfg, ok, _ := s.readLocked(scope); ok && cfg.HasCredentials() {
			return cfg, scope
		}
	}
	cfg, _, _ := s.readLocked(ScopeSystem)
	return cfg, ScopeSystem
}

// readLocked reports ok=false for a missing file and a non-nil error for a
// file that exists but cannot be decoded. Both come back as an empty config.
func (s *GatewayStore) readLocked(scope string) (GatewayConfig, bool, error) {
	var raw gatewayFile
	if err := cache.LoadJSON(s.path(scope), &raw); err != nil {
		empty := GatewayConfig{Providers: []Provider{}}
		if errors.Is(err, cache.ErrNotFound) {
			return empty, false, nil
		}
		log.Error("gateway config unreadable, using empty config", "scope", scope, "err", err)
		return empty, false, fmt.Errorf("%w: %s: %v", ErrGatewayUnreadable, scope, err)
	}
	return upgradeGatewayFile(raw), true, nil
}

// upgradeGatewayFile normalizes both on-disk shapes into GatewayConfig. The
// file itself is left as is until the next write.
func upgradeGatewayFile(raw gatewayFile) GatewayConfig {
	cfg := GatewayConfig{Providers: append([]Provider{}, raw.Providers...)}
	if len(cfg.Providers) == 0 && (strings.TrimSpace(raw.APIBaseURL) != "" || strings.TrimSpace(raw.APIKey) != "") {
		cfg.Providers = []Provider{{
			ID:         LegacyProviderID,
			Name:       "Default",
			APIBaseURL: strings.TrimSpace(raw.APIBaseURL),
			APIKey:     strings.TrimSpace(raw.APIKey),
		}}
	}
	return cfg
}

// Save merges patch onto the stored config of exactly this scope. Unlike
// Get, a user scope without a file starts empty rather than from the system
// config, so saving an override never copies system credentials.
func (s *GatewayStore) Save(scope string, patch GatewayPatch) error {
	return s.Update(scope, func(cfg *GatewayConfig) error {
		if patch.Providers != nil {
			cfg.Providers = append([]Provider{}, (*patch.Providers)...)
		}
		if patch.APIBaseURL == nil && patch.APIKey == nil {
			return nil
		}
		idx := -1
		for i, p := range cfg.Providers {
			if p.ID == LegacyProviderID {
				idx = i
				break
			}
		}
		if idx < 0 {
			cfg.Providers = append(cfg.Providers, Provider{ID: LegacyProviderID, Name: "Default", CreatedAt: s.now().UTC().Format(time.RFC3339)})
			idx = len(cfg.Providers) - 1
		}
		if patch.APIBaseURL != nil {
			cfg.Providers[idx].APIBaseURL = *patch.APIBaseURL
		}
		if patch.APIKey != nil {
			cfg.Providers[idx].APIKey = *patch.APIKey
		}
		return nil
	})
}

// Update runs a read-modify-write on one scope under the store lock. An
// unreadable file is left untouched so a write never replaces it with an
// empty config.
func (s *GatewayStore) Update(scope string, mutator func(*GatewayConfig) error) error {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return errors.New("scope is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, _, err := s.readLocked(scope)
	if err != nil {
		return err
	}
	next := cur.clone()
	if err := mutator(&next); err != nil {
		return err
	}
	if err := validateProviders(next.Providers); err != nil {
		return err
	}
	if err := cache.SaveJSON(s.path(scope), gatewayFile{Providers: next.Providers}); err != nil {
		log.Error("gateway config save failed", "scope", scope, "err", err)
		return fmt.Errorf("save gateway config: %w", err)
	}
	return nil
}

func (s *GatewayStore) AddProvider(p Provider) error {
	return s.Update(ScopeSystem, func(cfg *GatewayConfig) error {
		for _, existing := range cfg.Providers {
			if existing.ID == p.ID {
				return ErrProviderExists
			}
		}
		if p.CreatedAt == "" {
			p.CreatedAt = s.now().UTC().Format(time.RFC3339)
		}
		cfg.Providers = append(cfg.Providers, p)
		return nil
	})
}

func (s *GatewayStore) RemoveProvider(id string) (Provider, error) {
	var removed Provider
	err := s.Update(ScopeSystem, func(cfg *GatewayConfig) error {
		out := cfg.Providers[:0]
		found := false
		for _, p := range cfg.Providers {
			if p.ID == id {
				removed = p
				found = true
				continue
			}
			out = append(out, p)
		}
		if !found {
			return ErrProviderNotFound
		}
		cfg.Providers = out
		return nil
	})
	return removed, err
}

func validateProviders(providers []Provider) error {
	seen := map[string]struct{}{}
	for _, p := range providers {
		if strings.TrimSpace(p.ID) == "" {
			return errors.New("provider id cannot be empty")
		}
		if _, ok := seen[p.ID]; ok {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	return nil
}

// MaskSecret renders a credential as prefix plus its last four characters.
func MaskSecret(prefix, secret string) string {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return ""
	}
	tail := secret
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	return prefix + tail
}

func MaskProviderKey(key string) string {
	return MaskSecret("sk-...", key)
}

// IsMaskedProviderKey reports whether key is a masked value echoed back by a
// client rather than a new credential.
func IsMaskedProviderKey(key string) bool {
	return strings.HasPrefix(strings.TrimSpace(key), "sk-...")
}
