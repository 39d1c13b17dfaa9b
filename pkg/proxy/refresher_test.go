package proxy

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keyamuha-ux/collede/pkg/registry"
)

type countingSyncer struct {
	calls atomic.Int32
	err   error
	done  chan struct{}
}

func (c *countingSyncer) SyncAll(context.Context) (registry.SyncReport, error) {
	c.calls.Add(1)
	defer func() {
		select {
		case c.done <- struct{}{}:
		default:
		}
	}()
	return registry.SyncReport{Succeeded: 1}, c.err
}

func waitSync(t *testing.T, c *countingSyncer) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sync")
	}
}

func TestModelRefresherTriggerWithoutInterval(t *testing.T) {
	syncer := &countingSyncer{done: make(chan struct{}, 1)}
	m := NewModelRefresher(syncer, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	if _, ok := m.Status(); ok {
		t.Fatal("expected no status before the first sync")
	}
	m.Trigger()
	waitSync(t, syncer)
	if n := syncer.calls.Load(); n != 1 {
		t.Fatalf("expected a single triggered sync, got %d", n)
	}
}

func TestModelRefresherRecordsFailures(t *testing.T) {
	syncer := &countingSyncer{err: registry.ErrAllFailed, done: make(chan struct{}, 1)}
	m := NewModelRefresher(syncer, 0)
	m.refreshOnce(context.Background())
	status, ok := m.Status()
	if !ok || status.Error == "" || status.CheckedAt.IsZero() {
		t.Fatalf("expected failure recorded, got %+v", status)
	}
}

func TestModelRefresherRunsOnInterval(t *testing.T) {
	syncer := &countingSyncer{done: make(chan struct{}, 1)}
	m := NewModelRefresher(syncer, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	waitSync(t, syncer)
	waitSync(t, syncer)
	if n := syncer.calls.Load(); n < 2 {
		t.Fatalf("expected periodic syncs, got %d", n)
	}
}
