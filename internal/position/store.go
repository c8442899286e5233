// Package position owns the lifecycle of paired funding-arb
// positions: creating them exactly once per (account, symbol, long
// venue, short venue), evaluating exit conditions, and closing them
// exactly once.
package position

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"fundingarb-core/pkg/db"
)

// Store creates and reads paired positions. CreateOrGet is the only
// entry point for opening a new position; it uses a singleflight
// group keyed on (account, symbol, long_venue, short_venue) so
// concurrent callers racing to open the same pair collapse into a
// single database round trip and never create two rows for one pair,
// satisfying the single open position per (account, symbol,
// long_venue, short_venue) invariant (I3). The same symbol may still
// have simultaneous open positions on distinct venue pairs.
type Store struct {
	db *db.Database
	sf singleflight.Group
}

// NewStore builds a Store.
func NewStore(database *db.Database) *Store {
	return &Store{db: database}
}

// CreateOrGet returns the existing open position for (accountID,
// symbol, longVenue, shortVenue) if one exists, otherwise creates it
// using the supplied factory. The factory is only ever invoked once
// across concurrent callers for the same key.
func (s *Store) CreateOrGet(ctx context.Context, accountID, symbol, longVenue, shortVenue string, factory func() (db.PairedPosition, error)) (db.PairedPosition, error) {
	key := accountID + ":" + symbol + ":" + longVenue + ":" + shortVenue
	v, err, _ := s.sf.Do(key, func() (interface{}, error) {
		existing, err := s.db.GetOpenPosition(ctx, accountID, symbol, longVenue, shortVenue)
		if err != nil {
			return db.PairedPosition{}, err
		}
		if existing != nil {
			return *existing, nil
		}
		p, err := factory()
		if err != nil {
			return db.PairedPosition{}, err
		}
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if err := s.db.CreatePairedPosition(ctx, p); err != nil {
			return db.PairedPosition{}, fmt.Errorf("position: create: %w", err)
		}
		return p, nil
	})
	if err != nil {
		return db.PairedPosition{}, err
	}
	return v.(db.PairedPosition), nil
}

// List returns every open position for an account.
func (s *Store) List(ctx context.Context, accountID string) ([]db.PairedPosition, error) {
	return s.db.ListOpenPositions(ctx, accountID)
}

// closerGate is the process-local set of position IDs currently being
// closed, enforcing the single-close invariant within one process in
// addition to the durable CLOSING marker in the database (which
// covers the cross-restart case).
type closerGate struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newCloserGate() *closerGate {
	return &closerGate{ids: make(map[string]struct{})}
}

// acquire returns true if this call won the race to close
// positionID; a false return means another goroutine already holds
// it and this call must not proceed.
func (g *closerGate) acquire(positionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.ids[positionID]; busy {
		return false
	}
	g.ids[positionID] = struct{}{}
	return true
}

func (g *closerGate) release(positionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.ids, positionID)
}
