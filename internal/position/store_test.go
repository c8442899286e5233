package position

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"fundingarb-core/pkg/db"
)

func newTestDB(t *testing.T) *db.Database {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	d, err := db.New(path)
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.ApplyMigrations(d); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

// TestCreateOrGetDedupsConcurrentCallers drives I3/§3 invariant: at
// most one active PairedPosition per (account, symbol, long_venue,
// short_venue). Many concurrent CreateOrGet calls racing on the same
// key must collapse into exactly one inserted row.
func TestCreateOrGetDedupsConcurrentCallers(t *testing.T) {
	database := newTestDB(t)
	store := NewStore(database)

	const callers = 20
	var wg sync.WaitGroup
	var factoryCalls int
	var mu sync.Mutex

	results := make([]db.PairedPosition, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			p, err := store.CreateOrGet(context.Background(), "acct-1", "BTC", "alpha", "beta", func() (db.PairedPosition, error) {
				mu.Lock()
				factoryCalls++
				mu.Unlock()
				return db.PairedPosition{
					AccountID: "acct-1", Symbol: "BTC", LongVenue: "alpha", ShortVenue: "beta",
					Qty: 1, LongEntryPrice: 100, ShortEntryPrice: 100, Status: "OPEN",
				}, nil
			})
			if err != nil {
				t.Errorf("CreateOrGet: %v", err)
				return
			}
			results[idx] = p
		}(i)
	}
	wg.Wait()

	if factoryCalls != 1 {
		t.Errorf("expected exactly one factory invocation across %d racing callers, got %d", callers, factoryCalls)
	}
	firstID := results[0].ID
	for i, p := range results {
		if p.ID != firstID {
			t.Errorf("caller %d got a different position id %q, want %q", i, p.ID, firstID)
		}
	}

	open, err := database.ListOpenPositions(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("ListOpenPositions: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected exactly one open position row, got %d", len(open))
	}
}

func TestCreateOrGetReturnsExistingOnSecondCall(t *testing.T) {
	database := newTestDB(t)
	store := NewStore(database)
	ctx := context.Background()

	factory := func() (db.PairedPosition, error) {
		return db.PairedPosition{
			AccountID: "acct-1", Symbol: "ETH", LongVenue: "alpha", ShortVenue: "beta",
			Qty: 2, LongEntryPrice: 3000, ShortEntryPrice: 3000, Status: "OPEN",
		}, nil
	}

	first, err := store.CreateOrGet(ctx, "acct-1", "ETH", "alpha", "beta", factory)
	if err != nil {
		t.Fatalf("first CreateOrGet: %v", err)
	}

	calledAgain := false
	second, err := store.CreateOrGet(ctx, "acct-1", "ETH", "alpha", "beta", func() (db.PairedPosition, error) {
		calledAgain = true
		return db.PairedPosition{}, nil
	})
	if err != nil {
		t.Fatalf("second CreateOrGet: %v", err)
	}
	if calledAgain {
		t.Error("factory should not be invoked once an open position already exists")
	}
	if second.ID != first.ID {
		t.Errorf("second call returned a different id: %q vs %q", second.ID, first.ID)
	}
}

// TestCreateOrGetDistinctVenuePairsAreIndependent drives the widened
// I3 key directly: the same (account, symbol) on two distinct
// (long_venue, short_venue) pairs must open two independent positions,
// not collide on the narrower symbol-only key.
func TestCreateOrGetDistinctVenuePairsAreIndependent(t *testing.T) {
	database := newTestDB(t)
	store := NewStore(database)
	ctx := context.Background()

	first, err := store.CreateOrGet(ctx, "acct-1", "ETH", "alpha", "beta", func() (db.PairedPosition, error) {
		return db.PairedPosition{
			AccountID: "acct-1", Symbol: "ETH", LongVenue: "alpha", ShortVenue: "beta",
			Qty: 2, LongEntryPrice: 3000, ShortEntryPrice: 3000, Status: "OPEN",
		}, nil
	})
	if err != nil {
		t.Fatalf("first CreateOrGet: %v", err)
	}

	second, err := store.CreateOrGet(ctx, "acct-1", "ETH", "gamma", "delta", func() (db.PairedPosition, error) {
		return db.PairedPosition{
			AccountID: "acct-1", Symbol: "ETH", LongVenue: "gamma", ShortVenue: "delta",
			Qty: 1, LongEntryPrice: 2990, ShortEntryPrice: 2990, Status: "OPEN",
		}, nil
	})
	if err != nil {
		t.Fatalf("second CreateOrGet: %v", err)
	}

	if second.ID == first.ID {
		t.Fatal("distinct venue pairs for the same (account, symbol) must not collapse into one position")
	}

	open, err := database.ListOpenPositions(ctx, "acct-1")
	if err != nil {
		t.Fatalf("ListOpenPositions: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("expected both venue-pair positions to remain open independently, got %d", len(open))
	}
}
