// Package registry keeps the merged model catalog of every configured
// provider. The catalog key is (providerId, modelId); bare model ids may
// repeat across providers.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	log "github.com/charmbracelet/log"
	"github.com/keyamuha-ux/collede/pkg/cache"
	"github.com/keyamuha-ux/collede/pkg/config"
	"github.com/keyamuha-ux/collede/pkg/provider"
	"golang.org/x/sync/errgroup"
)

const defaultSyncConcurrency = 4

var (
	ErrNotFound    = errors.New("model not found")
	ErrNoProviders = errors.New("no providers configured")
	ErrAllFailed   = errors.New("every provider sync failed")
)

type Model struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Created      int64  `json:"created"`
	OwnedBy      string `json:"owned_by"`
	Enabled      bool   `json:"enabled"`
	ProviderID   string `json:"providerId"`
	ProviderName string `json:"providerName"`
}

type Lister interface {
	ListModels(ctx context.Context, p config.Provider) ([]provider.ModelCard, error)
}

type ProviderSource interface {
	Get(scope string) config.GatewayConfig
}

type SyncResult struct {
	ProviderID   string `json:"providerId"`
	ProviderName string `json:"providerName"`
	Models       int    `json:"models"`
	Error        string `json:"error,omitempty"`
}

type SyncReport struct {
	Results   []SyncResult `json:"results"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
}

type Registry struct {
	mu          sync.RWMutex
	path        string
	models      []Model
	lister      Lister
	providers   ProviderSource
	concurrency int
}

// New loads the catalog persisted at path. An unreadable catalog is logged
// and treated as empty.
func New(path string, lister Lister, providers ProviderSource) *Registry {
	r := &Registry{
		path:        path,
		models:      []Model{},
		lister:      lister,
		providers:   providers,
		concurrency: defaultSyncConcurrency,
	}
	var stored []Model
	if err := cache.LoadJSON(path, &stored); err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			log.Error("model catalog unreadable, starting empty", "path", path, "err", err)
		}
		return r
	}
	if stored != nil {
		r.models = stored
	}
	return r
}

func (r *Registry) saveLocked(next []Model) error {
	if r.path == "" {
		return nil
	}
	if err := cache.SaveJSON(r.path, next); err != nil {
		return fmt.Errorf("persist model catalog: %w", err)
	}
	return nil
}

// Sync replaces only p's slice of the catalog with the live model list.
// Known models keep their enabled flag, new ones start enabled, and models the
// provider no longer returns are dropped.
func (r *Registry) Sync(ctx context.Context, p config.Provider) (int, error) {
	cards, err := r.lister.ListModels(ctx, p)
	if err != nil {
		return 0, fmt.Errorf("sync provider %s: %w", p.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	previous := map[string]Model{}
	others := make([]Model, 0, len(r.models))
	for _, m := range r.models {
		if m.ProviderID == p.ID {
			previous[m.ID] = m
			continue
		}
		others = append(others, m)
	}
	refreshed := make([]Model, 0, len(cards))
	seen := make(map[string]struct{}, len(cards))
	for _, c := range cards {
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		enabled := true
		if old, ok := previous[c.ID]; ok {
			enabled = old.Enabled
		}
		name := strings.TrimSpace(c.Name)
		if name == "" {
			name = c.ID
		}
		refreshed = append(refreshed, Model{
			ID:           c.ID,
			Name:         name,
			Created:      c.Created,
			OwnedBy:      c.OwnedBy,
			Enabled:      enabled,
			ProviderID:   p.ID,
			ProviderName: p.Name,
		})
	}
	next := append(others, refreshed...)
	if err := r.saveLocked(next); err != nil {
		return 0, err
	}
	r.models = next
	return len(refreshed), nil
}

// SyncAll syncs every system provider. A failing provider is logged and
// reported without stopping the others.
func (r *Registry) SyncAll(ctx context.Context) (SyncReport, error) {
	providers := r.providers.Get(config.ScopeSystem).Providers
	if len(providers) == 0 {
		return SyncReport{Results: []SyncResult{}}, ErrNoProviders
	}
	results := make([]SyncResult, len(providers))
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, p := range providers {
		i, p := i, p
		g.Go(func() error {
			res := SyncResult{ProviderID: p.ID, ProviderName: p.Name}
			n, err := r.Sync(ctx, p)
			if err != nil {
				log.Warn("provider sync failed", "provider", p.ID, "err", err)
				res.Error = err.Error()
			} else {
				res.Models = n
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	if err := r.dropOrphans(providers); err != nil {
		log.Warn("drop models of removed providers failed", "err", err)
	}

	report := SyncReport{Results: results}
	for _, res := range results {
		if res.Error == "" {
			report.Succeeded++
		} else {
			report.Failed++
		}
	}
	if report.Succeeded == 0 {
		return report, ErrAllFailed
	}
	return report, nil
}

// dropOrphans removes models whose provider is no longer configured, which
// happens when a sync finishes after its provider was removed.
func (r *Registry) dropOrphans(providers []config.Provider) error {
	known := make(map[string]struct{}, len(providers))
	for _, p := range providers {
		known[p.ID] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make([]Model, 0, len(r.models))
	for _, m := range r.models {
		if _, ok := known[m.ProviderID]; ok {
			next = append(next, m)
		}
	}
	if len(next) == len(r.models) {
		return nil
	}
	if err := r.saveLocked(next); err != nil {
		return err
	}
	r.models = next
	return nil
}

// List returns the whole catalog, disabled models included, in stored order.
func (r *Registry) List() []Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Model(nil), r.models...)
}

func (r *Registry) Enabled() []Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Model, 0, len(r.models))
	for _, m := range r.models {
		if m.Enabled {
			out = append(out, m)
		}
	}
	return out
}

// Resolve maps a requested model id to an enabled catalog entry. The first
// enabled entry in stored order wins when several providers expose the same
// id. A "<provider id or name>/<model id>" form is tried only when the bare id
// has no enabled match.
func (r *Registry) Resolve(model string) (Model, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return Model{}, ErrNotFound
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.models {
		if m.Enabled && m.ID == model {
			return m, nil
		}
	}
	prefix, rest, ok := strings.Cut(model, "/")
	if !ok || prefix == "" || rest == "" {
		return Model{}, ErrNotFound
	}
	for _, m := range r.models {
		if !m.Enabled || m.ID != rest {
			continue
		}
		if m.ProviderID == prefix || strings.EqualFold(m.ProviderName, prefix) {
			return m, nil
		}
	}
	return Model{}, ErrNotFound
}

// SetEnabled flips one (providerId, modelId) entry. It reports false when the
// pair is unknown.
func (r *Registry) SetEnabled(providerID, modelID string, enabled bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := -1
	for i, m := range r.models {
		if m.ProviderID == providerID && m.ID == modelID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, nil
	}
	if r.models[idx].Enabled == enabled {
		return true, nil
	}
	next := append([]Model(nil), r.models...)
	next[idx].Enabled = enabled
	if err := r.saveLocked(next); err != nil {
		return false, err
	}
	r.models = next
	return true, nil
}

// RemoveByProvider drops every model owned by providerID and returns how
// many were removed.
func (r *Registry) RemoveByProvider(providerID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make([]Model, 0, len(r.models))
	for _, m := range r.models {
		if m.ProviderID != providerID {
			next = append(next, m)
		}
	}
	removed := len(r.models) - len(next)
	if removed == 0 {
		return 0, nil
	}
	if err := r.saveLocked(next); err != nil {
		return 0, err
	}
	r.models = next
	return removed, nil
}
