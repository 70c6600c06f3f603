// Package book implements the local orderbook store: per-asset bid/ask
// state with snapshot/delta application, sequence-monotonicity and
// crossed-book invariants, and a per-side depth cap.
package book

import (
	"sync"

	"github.com/shopspring/decimal"

	"polyclob/pkg/types"
)

// Store holds one assetBook per token, keyed by asset ID. The map itself
// is guarded by a separate lock from the per-asset books it holds, so a
// reader of one asset never blocks a writer of another.
type Store struct {
	maxDepth int

	mu     sync.RWMutex
	assets map[string]*assetBook
}

// NewStore returns an empty Store capping each side at maxDepth levels
// (0 or negative means uncapped).
func NewStore(maxDepth int) *Store {
	return &Store{
		maxDepth: maxDepth,
		assets:   make(map[string]*assetBook),
	}
}

func (s *Store) bookFor(assetID string) *assetBook {
	s.mu.RLock()
	b, ok := s.assets[assetID]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.assets[assetID]; ok {
		return b
	}
	b = newAssetBook(assetID)
	s.assets[assetID] = b
	return b
}

// ApplySnapshot atomically replaces both sides for assetID.
func (s *Store) ApplySnapshot(assetID string, bids, asks []types.PriceLevel, hash string, seq uint64) error {
	return s.bookFor(assetID).applySnapshot(bids, asks, hash, seq, s.maxDepth)
}

// ApplyDelta upserts/removes levels for assetID. Returns ErrResyncNeeded
// on a non-monotone sequence, a post-apply hash mismatch, or a crossed
// book.
func (s *Store) ApplyDelta(assetID string, changes []Change, hash string, seq uint64) error {
	return s.bookFor(assetID).applyDelta(changes, hash, seq, s.maxDepth)
}

// Get returns a consistent point-in-time snapshot of assetID's book, or
// false if the asset has never been seen.
func (s *Store) Get(assetID string) (types.OrderBook, bool) {
	s.mu.RLock()
	b, ok := s.assets[assetID]
	s.mu.RUnlock()
	if !ok {
		return types.OrderBook{}, false
	}
	return b.snapshot(), true
}

// BestBid returns assetID's best (highest) bid price.
func (s *Store) BestBid(assetID string) (decimal.Decimal, bool) {
	s.mu.RLock()
	b, ok := s.assets[assetID]
	s.mu.RUnlock()
	if !ok {
		return decimal.Zero, false
	}
	return b.bestBid()
}

// BestAsk returns assetID's best (lowest) ask price.
func (s *Store) BestAsk(assetID string) (decimal.Decimal, bool) {
	s.mu.RLock()
	b, ok := s.assets[assetID]
	s.mu.RUnlock()
	if !ok {
		return decimal.Zero, false
	}
	return b.bestAsk()
}

// Remove discards the book for assetID, e.g. when a market is
// unsubscribed.
func (s *Store) Remove(assetID string) {
	s.mu.Lock()
	delete(s.assets, assetID)
	s.mu.Unlock()
}
