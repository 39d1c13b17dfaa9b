package usagedb

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
)

func openTestDB(t *testing.T) *Store {
	t.Helper()
	conn, err := Open(DialectSQLite, filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = Close(conn) })
	if err := Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(conn)
}

func TestIncrementIfBelowStopsAtLimit(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		cur, ok, err := s.IncrementIfBelow(ctx, "2026-01-01", "u1", 3)
		if err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
		if !ok || cur != i {
			t.Fatalf("expected allowed with current %d, got ok=%v current=%d", i, ok, cur)
		}
	}
	cur, ok, err := s.IncrementIfBelow(ctx, "2026-01-01", "u1", 3)
	if err != nil {
		t.Fatalf("increment over limit: %v", err)
	}
	if ok || cur != 3 {
		t.Fatalf("expected denial with current unchanged at 3, got ok=%v current=%d", ok, cur)
	}
	if got, _ := s.Current(ctx, "2026-01-02", "u1"); got != 0 {
		t.Fatalf("expected a new day to start at zero, got %d", got)
	}
}

func TestIncrementIfBelowConcurrentBoundary(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()
	const limit = 5
	for i := 0; i < limit-1; i++ {
		if _, _, err := s.IncrementIfBelow(ctx, "2026-01-01", "u1", limit); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := s.IncrementIfBelow(ctx, "2026-01-01", "u1", limit)
			if err != nil {
				t.Errorf("increment: %v", err)
			}
			results[i] = ok
		}(i)
	}
	wg.Wait()
	admitted := 0
	for _, ok := range results {
		if ok {
			admitted++
		}
	}
	if admitted != 1 {
		t.Fatalf("expected exactly one admission at the boundary, got %d", admitted)
	}
	if got, _ := s.Current(ctx, "2026-01-01", "u1"); got != limit {
		t.Fatalf("expected counter at limit %d, got %d", limit, got)
	}
}

func TestPruneBeforeKeepsRecentDays(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()
	for _, day := range []string{"2026-01-01", "2026-01-05", "2026-01-08"} {
		if _, _, err := s.IncrementIfBelow(ctx, day, "u1", 10); err != nil {
			t.Fatalf("increment %s: %v", day, err)
		}
	}
	if err := s.PruneBefore(ctx, "2026-01-05"); err != nil {
		t.Fatalf("PruneBefore: %v", err)
	}
	if got, _ := s.Current(ctx, "2026-01-01", "u1"); got != 0 {
		t.Fatalf("expected old day pruned, got %d", got)
	}
	if got, _ := s.Current(ctx, "2026-01-05", "u1"); got != 1 {
		t.Fatalf("expected cutoff day kept, got %d", got)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open("mysql", "x"); err == nil {
		t.Fatal("expected unsupported driver error")
	}
}
