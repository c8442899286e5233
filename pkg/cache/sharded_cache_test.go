package cache

import (
	"testing"
	"time"
)

func TestSetAndGetRoundTrip(t *testing.T) {
	c := NewShardedPriceCache()
	c.Set("BTC", 100000)

	price, ok := c.Get("BTC")
	if !ok {
		t.Fatal("expected BTC to be present after Set")
	}
	if price != 100000 {
		t.Errorf("price = %v, want 100000", price)
	}
}

func TestGetMissingKeyReturnsFalse(t *testing.T) {
	c := NewShardedPriceCache()
	if _, ok := c.Get("ETH"); ok {
		t.Error("expected ok=false for a key that was never set")
	}
}

func TestGetWithAgeReflectsElapsedTime(t *testing.T) {
	c := NewShardedPriceCache()
	c.Set("BTC", 100000)

	time.Sleep(10 * time.Millisecond)
	price, age, ok := c.GetWithAge("BTC")
	if !ok || price != 100000 {
		t.Fatalf("GetWithAge = %v, %v, %v", price, age, ok)
	}
	if age < 10*time.Millisecond {
		t.Errorf("age = %v, want >= 10ms", age)
	}
}

func TestDeleteRemovesEntry(t *testing.T) {
	c := NewShardedPriceCache()
	c.Set("BTC", 100000)
	c.Delete("BTC")

	if _, ok := c.Get("BTC"); ok {
		t.Error("expected BTC to be gone after Delete")
	}
}

func TestLenCountsAcrossShards(t *testing.T) {
	c := NewShardedPriceCache()
	symbols := []string{"BTC", "ETH", "SOL", "AVAX", "DOGE", "MATIC"}
	for _, s := range symbols {
		c.Set(s, 1)
	}
	if got := c.Len(); got != len(symbols) {
		t.Errorf("Len() = %d, want %d", got, len(symbols))
	}
}

func TestCleanupRemovesOnlyStaleEntries(t *testing.T) {
	c := NewShardedPriceCache()
	c.Set("OLD", 1)
	time.Sleep(20 * time.Millisecond)
	c.Set("NEW", 2)

	removed := c.Cleanup(10 * time.Millisecond)
	if removed != 1 {
		t.Fatalf("Cleanup removed %d entries, want 1", removed)
	}
	if _, ok := c.Get("OLD"); ok {
		t.Error("expected OLD to be removed")
	}
	if _, ok := c.Get("NEW"); !ok {
		t.Error("expected NEW to survive cleanup")
	}
}

func TestCleanupInvalidRemovesUnlistedSymbols(t *testing.T) {
	c := NewShardedPriceCache()
	c.Set("BTC", 1)
	c.Set("DELISTED", 2)

	removed := c.CleanupInvalid([]string{"BTC"})
	if removed != 1 {
		t.Fatalf("CleanupInvalid removed %d, want 1", removed)
	}
	if _, ok := c.Get("DELISTED"); ok {
		t.Error("expected DELISTED to be removed")
	}
	if _, ok := c.Get("BTC"); !ok {
		t.Error("expected BTC to survive")
	}
}

func TestGetAllReturnsEverySymbol(t *testing.T) {
	c := NewShardedPriceCache()
	c.Set("BTC", 100000)
	c.Set("ETH", 4000)

	all := c.GetAll()
	if len(all) != 2 || all["BTC"] != 100000 || all["ETH"] != 4000 {
		t.Errorf("GetAll() = %v, want map with BTC=100000 ETH=4000", all)
	}
}

func TestStatsReportsOldestAge(t *testing.T) {
	c := NewShardedPriceCache()
	c.Set("BTC", 100000)
	time.Sleep(10 * time.Millisecond)

	stats := c.Stats()
	if stats.TotalItems != 1 {
		t.Errorf("TotalItems = %d, want 1", stats.TotalItems)
	}
	if stats.OldestAge < 10*time.Millisecond {
		t.Errorf("OldestAge = %v, want >= 10ms", stats.OldestAge)
	}
}

func TestConcurrentSetAndGetIsRaceFree(t *testing.T) {
	c := NewShardedPriceCache()
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(n int) {
			for j := 0; j < 100; j++ {
				c.Set("BTC", float64(n*100+j))
				c.Get("BTC")
			}
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
