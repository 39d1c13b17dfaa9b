package proxy

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/keyamuha-ux/collede/pkg/registry"
)

const modelRefreshTimeout = 5 * time.Minute

type catalogSyncer interface {
	SyncAll(ctx context.Context) (registry.SyncReport, error)
}

// RefreshStatus describes the most recent background catalog sync.
type RefreshStatus struct {
	Report    registry.SyncReport `json:"report"`
	Error     string              `json:"error,omitempty"`
	CheckedAt time.Time           `json:"checkedAt"`
}

// ModelRefresher re-syncs every provider on an interval and on demand.
type ModelRefresher struct {
	syncer   catalogSyncer
	interval time.Duration
	now      func() time.Time

	mu      sync.RWMutex
	last    RefreshStatus
	hasLast bool
	forceCh chan struct{}
}

// NewModelRefresher builds a refresher. A non-positive interval disables the
// timer; Trigger still works.
func NewModelRefresher(syncer catalogSyncer, interval time.Duration) *ModelRefresher {
	return &ModelRefresher{
		syncer:   syncer,
		interval: interval,
		now:      time.Now,
		forceCh:  make(chan struct{}, 1),
	}
}

func (m *ModelRefresher) Run(ctx context.Context) {
	if m == nil || m.syncer == nil {
		return
	}
	var tick <-chan time.Time
	if m.interval > 0 {
		t := time.NewTicker(m.interval)
		defer t.Stop()
		tick = t.C
		m.refreshOnce(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			m.refreshOnce(ctx)
		case <-m.forceCh:
			m.refreshOnce(ctx)
		}
	}
}

// Trigger schedules a sync without waiting for it. Repeated calls before the
// loop picks one up collapse into a single sync.
func (m *ModelRefresher) Trigger() {
	if m == nil {
		return
	}
	select {
	case m.forceCh <- struct{}{}:
	default:
	}
}

func (m *ModelRefresher) Status() (RefreshStatus, bool) {
	if m == nil {
		return RefreshStatus{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last, m.hasLast
}

func (m *ModelRefresher) refreshOnce(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, modelRefreshTimeout)
	defer cancel()
	report, err := m.syncer.SyncAll(ctx)
	status := RefreshStatus{Report: report, CheckedAt: m.now().UTC()}
	switch {
	case errors.Is(err, registry.ErrNoProviders):
		log.Debug("model refresh skipped, no providers configured")
	case err != nil:
		status.Error = err.Error()
		log.Warn("model refresh failed", "failed", report.Failed, "err", err)
	default:
		log.Info("model refresh finished", "succeeded", report.Succeeded, "failed", report.Failed)
	}
	m.mu.Lock()
	m.last = status
	m.hasLast = true
	m.mu.Unlock()
}
