package registry

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/keyamuha-ux/collede/pkg/config"
	"github.com/keyamuha-ux/collede/pkg/provider"
)

type fakeLister struct {
	mu     sync.Mutex
	models map[string][]provider.ModelCard
	errs   map[string]error
	calls  map[string]int
}

func newFakeLister() *fakeLister {
	return &fakeLister{
		models: map[string][]provider.ModelCard{},
		errs:   map[string]error{},
		calls:  map[string]int{},
	}
}

func (f *fakeLister) set(providerID string, ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cards := make([]provider.ModelCard, 0, len(ids))
	for _, id := range ids {
		cards = append(cards, provider.ModelCard{ID: id, OwnedBy: providerID})
	}
	f.models[providerID] = cards
}

func (f *fakeLister) ListModels(_ context.Context, p config.Provider) ([]provider.ModelCard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[p.ID]++
	if err := f.errs[p.ID]; err != nil {
		return nil, err
	}
	return append([]provider.ModelCard(nil), f.models[p.ID]...), nil
}

type staticProviders []config.Provider

func (s staticProviders) Get(string) config.GatewayConfig {
	return config.GatewayConfig{Providers: append([]config.Provider(nil), s...)}
}

var (
	provA = config.Provider{ID: "a", Name: "Alpha", APIBaseURL: "https://a", APIKey: "ka"}
	provB = config.Provider{ID: "b", Name: "Beta", APIBaseURL: "https://b", APIKey: "kb"}
)

func newTestRegistry(t *testing.T, lister *fakeLister, providers ...config.Provider) *Registry {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "models_system.json"), lister, staticProviders(providers))
}

func sliceFor(models []Model, providerID string) []Model {
	var out []Model
	for _, m := range models {
		if m.ProviderID == providerID {
			out = append(out, m)
		}
	}
	return out
}

func TestSyncNewModelsDefaultEnabledAndPersist(t *testing.T) {
	lister := newFakeLister()
	lister.set("a", "gpt-x", "gpt-y")
	path := filepath.Join(t.TempDir(), "models_system.json")
	r := New(path, lister, staticProviders{provA})

	n, err := r.Sync(context.Background(), provA)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 synced models, got %d", n)
	}
	for _, m := range r.List() {
		if !m.Enabled || m.ProviderID != "a" || m.ProviderName != "Alpha" || m.Name != m.ID {
			t.Fatalf("unexpected model after first sync: %+v", m)
		}
	}

	reloaded := New(path, lister, staticProviders{provA})
	if !reflect.DeepEqual(reloaded.List(), r.List()) {
		t.Fatalf("expected persisted catalog to reload identically")
	}
}

func TestSyncIdempotentPreservesEnabledFlag(t *testing.T) {
	lister := newFakeLister()
	lister.set("a", "gpt-x", "gpt-y")
	r := newTestRegistry(t, lister, provA)
	ctx := context.Background()
	if _, err := r.Sync(ctx, provA); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if ok, err := r.SetEnabled("a", "gpt-y", false); err != nil || !ok {
		t.Fatalf("SetEnabled: ok=%v err=%v", ok, err)
	}
	first := sliceFor(r.List(), "a")
	if _, err := r.Sync(ctx, provA); err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	second := sliceFor(r.List(), "a")
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected identical slice, first=%+v second=%+v", first, second)
	}
	if second[1].Enabled {
		t.Fatal("expected disabled flag to survive re-sync")
	}
}

func TestSyncDropsStaleAndAddsNew(t *testing.T) {
	lister := newFakeLister()
	lister.set("a", "old", "keep")
	r := newTestRegistry(t, lister, provA)
	ctx := context.Background()
	if _, err := r.Sync(ctx, provA); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	_, _ = r.SetEnabled("a", "keep", false)
	lister.set("a", "keep", "new")
	if _, err := r.Sync(ctx, provA); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	got := r.List()
	if len(got) != 2 || got[0].ID != "keep" || got[1].ID != "new" {
		t.Fatalf("unexpected catalog: %+v", got)
	}
	if got[0].Enabled || !got[1].Enabled {
		t.Fatalf("expected keep disabled and new enabled, got %+v", got)
	}
}

func TestSyncCrossProviderIsolation(t *testing.T) {
	lister := newFakeLister()
	lister.set("a", "shared", "only-a")
	lister.set("b", "shared", "only-b")
	r := newTestRegistry(t, lister, provA, provB)
	ctx := context.Background()
	if _, err := r.Sync(ctx, provA); err != nil {
		t.Fatalf("Sync a: %v", err)
	}
	if _, err := r.Sync(ctx, provB); err != nil {
		t.Fatalf("Sync b: %v", err)
	}
	_, _ = r.SetEnabled("b", "shared", false)
	beforeB := sliceFor(r.List(), "b")

	lister.set("a", "shared")
	if _, err := r.Sync(ctx, provA); err != nil {
		t.Fatalf("re-sync a: %v", err)
	}
	if !reflect.DeepEqual(beforeB, sliceFor(r.List(), "b")) {
		t.Fatalf("syncing a altered b's models")
	}
	if got := sliceFor(r.List(), "a"); len(got) != 1 || !got[0].Enabled {
		t.Fatalf("expected a's shared model enabled and alone, got %+v", got)
	}
}

func TestSyncFailureLeavesCatalogUntouched(t *testing.T) {
	lister := newFakeLister()
	lister.set("a", "gpt-x")
	r := newTestRegistry(t, lister, provA)
	if _, err := r.Sync(context.Background(), provA); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	lister.errs["a"] = errors.New("boom")
	if _, err := r.Sync(context.Background(), provA); err == nil {
		t.Fatal("expected sync error")
	}
	if len(r.List()) != 1 {
		t.Fatalf("expected catalog kept on failure, got %+v", r.List())
	}
}

func TestSyncAllToleratesPartialFailure(t *testing.T) {
	lister := newFakeLister()
	lister.set("b", "m1")
	lister.errs["a"] = &provider.HTTPError{Provider: "Alpha", StatusCode: 500, Body: "down"}
	r := newTestRegistry(t, lister, provA, provB)

	report, err := r.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if report.Succeeded != 1 || report.Failed != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.Results[0].ProviderID != "a" || report.Results[0].Error == "" {
		t.Fatalf("expected provider a failure recorded first, got %+v", report.Results)
	}
	if report.Results[1].Models != 1 {
		t.Fatalf("expected provider b to sync one model, got %+v", report.Results[1])
	}
	if lister.calls["b"] != 1 {
		t.Fatalf("expected b to be synced despite a failing")
	}
}

func TestSyncAllReportsNoProvidersAndAllFailed(t *testing.T) {
	lister := newFakeLister()
	r := newTestRegistry(t, lister)
	if _, err := r.SyncAll(context.Background()); !errors.Is(err, ErrNoProviders) {
		t.Fatalf("expected ErrNoProviders, got %v", err)
	}

	lister.errs["a"] = errors.New("x")
	lister.errs["b"] = errors.New("y")
	r = newTestRegistry(t, lister, provA, provB)
	report, err := r.SyncAll(context.Background())
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("expected ErrAllFailed, got %v", err)
	}
	if report.Failed != 2 {
		t.Fatalf("expected two failures, got %+v", report)
	}
}

func TestResolveTieBreakAndDisabled(t *testing.T) {
	lister := newFakeLister()
	lister.set("a", "shared", "gpt-x")
	lister.set("b", "shared")
	r := newTestRegistry(t, lister, provA, provB)
	ctx := context.Background()
	_, _ = r.Sync(ctx, provA)
	_, _ = r.Sync(ctx, provB)

	m, err := r.Resolve("shared")
	if err != nil || m.ProviderID != "a" {
		t.Fatalf("expected first stored match from a, got %+v err=%v", m, err)
	}
	_, _ = r.SetEnabled("a", "shared", false)
	m, err = r.Resolve("shared")
	if err != nil || m.ProviderID != "b" {
		t.Fatalf("expected fallback to enabled b entry, got %+v err=%v", m, err)
	}
	m, err = r.Resolve("Alpha/gpt-x")
	if err != nil || m.ProviderID != "a" {
		t.Fatalf("expected provider-qualified resolution, got %+v err=%v", m, err)
	}
	_, _ = r.SetEnabled("a", "gpt-x", false)
	if _, err := r.Resolve("gpt-x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected disabled model to be not found, got %v", err)
	}
	if _, err := r.Resolve("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetEnabledUnknownPair(t *testing.T) {
	lister := newFakeLister()
	lister.set("a", "gpt-x")
	r := newTestRegistry(t, lister, provA)
	_, _ = r.Sync(context.Background(), provA)
	ok, err := r.SetEnabled("b", "gpt-x", false)
	if err != nil || ok {
		t.Fatalf("expected not-found signal for wrong provider, ok=%v err=%v", ok, err)
	}
}

func TestRemoveByProviderCascades(t *testing.T) {
	lister := newFakeLister()
	lister.set("a", "m1", "m2")
	lister.set("b", "m1")
	r := newTestRegistry(t, lister, provA, provB)
	ctx := context.Background()
	_, _ = r.Sync(ctx, provA)
	_, _ = r.Sync(ctx, provB)
	beforeB := sliceFor(r.List(), "b")

	n, err := r.RemoveByProvider("a")
	if err != nil || n != 2 {
		t.Fatalf("RemoveByProvider: n=%d err=%v", n, err)
	}
	if len(sliceFor(r.List(), "a")) != 0 {
		t.Fatal("expected all of a's models removed")
	}
	if !reflect.DeepEqual(beforeB, sliceFor(r.List(), "b")) {
		t.Fatal("expected b's models untouched")
	}
}

func TestConcurrentSyncsDoNotClobber(t *testing.T) {
	lister := newFakeLister()
	providers := []config.Provider{}
	for _, id := range []string{"p1", "p2", "p3", "p4", "p5", "p6"} {
		lister.set(id, "m-"+id, "shared")
		providers = append(providers, config.Provider{ID: id, Name: id})
	}
	r := newTestRegistry(t, lister, providers...)
	report, err := r.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if report.Succeeded != 6 {
		t.Fatalf("expected 6 successes, got %+v", report)
	}
	if got := len(r.List()); got != 12 {
		t.Fatalf("expected 12 models, got %d", got)
	}
}

func TestSyncAllDropsModelsOfRemovedProviders(t *testing.T) {
	lister := newFakeLister()
	lister.set("a", "gpt-x")
	lister.set("b", "gpt-late")
	r := newTestRegistry(t, lister, provA)
	// A sync that lands after b was removed from the config.
	if _, err := r.Sync(context.Background(), provB); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if _, err := r.SyncAll(context.Background()); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if got := sliceFor(r.List(), "b"); len(got) != 0 {
		t.Fatalf("expected orphaned models dropped, got %+v", got)
	}
	if got := sliceFor(r.List(), "a"); len(got) != 1 {
		t.Fatalf("expected a's model kept, got %+v", got)
	}
}
