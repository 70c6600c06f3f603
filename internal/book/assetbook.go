package book

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"polyclob/pkg/types"
)

// Change is one upserted or removed price level within a delta batch.
// Size zero means "remove this price".
type Change struct {
	Side  types.Side
	Price decimal.Decimal
	Size  decimal.Decimal
}

// assetBook is the per-asset state guarded by its own reader/writer
// lock. Snapshot and delta application take the write lock; any caller
// goroutine may read.
type assetBook struct {
	mu sync.RWMutex

	assetID string
	bids    map[string]decimal.Decimal // price string -> size
	asks    map[string]decimal.Decimal

	hash        string
	seq         uint64
	timestampNs uint64
	stale       bool
}

func newAssetBook(assetID string) *assetBook {
	return &assetBook{
		assetID: assetID,
		bids:    make(map[string]decimal.Decimal),
		asks:    make(map[string]decimal.Decimal),
	}
}

// applySnapshot validates the proposed sides against the invariants
// before committing, so a bad snapshot never leaves a half-applied,
// user-visible book. On failure the book is marked stale with both
// sides cleared.
func (b *assetBook) applySnapshot(bids, asks []types.PriceLevel, hash string, seq uint64, maxDepth int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	newBids := levelsToMap(bids)
	newAsks := levelsToMap(asks)

	// A snapshot is authoritative: it replaces the book wholesale, so the
	// hash is recorded, not verified. Hash verification guards the delta
	// chain built on top of it. A crossed snapshot is still a protocol
	// error.
	if err := checkInvariants(newBids, newAsks, ""); err != nil {
		b.markStaleLocked()
		return err
	}

	b.bids = newBids
	b.asks = newAsks
	b.hash = hash
	b.seq = seq
	b.timestampNs = types.NowNs()
	b.stale = false

	capDepth(b.bids, maxDepth, true)
	capDepth(b.asks, maxDepth, false)

	return nil
}

// applyDelta upserts/removes levels from changes into a scratch copy of
// each side, validates sequence monotonicity, the post-apply hash, and
// the crossed-book invariant against that scratch copy, and only then
// commits it onto the live book. A failed validation never commits the
// scratch copy; the book is instead marked stale with both sides
// cleared.
func (b *assetBook) applyDelta(changes []Change, hash string, seq uint64, maxDepth int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if seq != 0 && b.seq != 0 && seq <= b.seq {
		b.markStaleLocked()
		return ErrResyncNeeded
	}

	newBids := cloneSide(b.bids)
	newAsks := cloneSide(b.asks)

	for _, c := range changes {
		side := newBids
		if c.Side == types.SELL {
			side = newAsks
		}
		key := c.Price.String()
		if c.Size.IsZero() {
			delete(side, key)
		} else {
			side[key] = c.Size
		}
	}

	if err := checkInvariants(newBids, newAsks, hash); err != nil {
		b.markStaleLocked()
		return err
	}

	b.bids = newBids
	b.asks = newAsks
	b.hash = hash
	if seq != 0 {
		b.seq = seq
	}
	b.timestampNs = types.NowNs()
	b.stale = false

	capDepth(b.bids, maxDepth, true)
	capDepth(b.asks, maxDepth, false)

	return nil
}

// markStaleLocked marks the book stale and clears both sides so that any
// concurrent snapshot() call observes zero sizes rather than a
// half-applied or otherwise invalid book. Must be called with mu held.
func (b *assetBook) markStaleLocked() {
	b.stale = true
	b.bids = make(map[string]decimal.Decimal)
	b.asks = make(map[string]decimal.Decimal)
}

// checkInvariants re-derives the canonical hash and the crossed-book
// condition for the given (not-yet-committed) sides, returning
// ErrResyncNeeded on either violation.
func checkInvariants(bids, asks map[string]decimal.Decimal, serverHash string) error {
	if serverHash != "" {
		if computed := computeHash(bids, asks); computed != serverHash {
			return ErrResyncNeeded
		}
	}

	bestBid, hasBid := sideBest(bids, true)
	bestAsk, hasAsk := sideBest(asks, false)
	if hasBid && hasAsk && bestBid.GreaterThanOrEqual(bestAsk) {
		return ErrResyncNeeded
	}

	return nil
}

// computeHash hashes the canonical "price,size;..." serialization of
// each side (bids sorted descending, asks ascending) with SHA-256. The
// event's hash field is compared against this value, so a local mirror
// that drifts from the true book state trips a resync deterministically.
func computeHash(bids, asks map[string]decimal.Decimal) string {
	var buf []byte
	buf = appendSide(buf, bids, true)
	buf = append(buf, '|')
	buf = appendSide(buf, asks, false)
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

func appendSide(buf []byte, side map[string]decimal.Decimal, descending bool) []byte {
	levels := mapToSortedLevels(side, descending)
	for _, lvl := range levels {
		buf = append(buf, lvl.Price.String()...)
		buf = append(buf, ',')
		buf = append(buf, lvl.Size.String()...)
		buf = append(buf, ';')
	}
	return buf
}

func sideBest(side map[string]decimal.Decimal, descending bool) (decimal.Decimal, bool) {
	levels := mapToSortedLevels(side, descending)
	if len(levels) == 0 {
		return decimal.Zero, false
	}
	return levels[0].Price, true
}

func (b *assetBook) snapshot() types.OrderBook {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return types.OrderBook{
		AssetID:     b.assetID,
		Bids:        mapToSortedLevels(b.bids, true),
		Asks:        mapToSortedLevels(b.asks, false),
		Hash:        b.hash,
		TimestampNs: b.timestampNs,
		Seq:         b.seq,
		Stale:       b.stale,
	}
}

func (b *assetBook) bestBid() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return sideBest(b.bids, true)
}

func (b *assetBook) bestAsk() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return sideBest(b.asks, false)
}

func cloneSide(side map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(side))
	for k, v := range side {
		out[k] = v
	}
	return out
}

func levelsToMap(levels []types.PriceLevel) map[string]decimal.Decimal {
	m := make(map[string]decimal.Decimal, len(levels))
	for _, l := range levels {
		if l.Size.IsZero() {
			continue
		}
		m[l.Price.String()] = l.Size
	}
	return m
}

func mapToSortedLevels(side map[string]decimal.Decimal, descending bool) []types.PriceLevel {
	levels := make([]types.PriceLevel, 0, len(side))
	for priceStr, size := range side {
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			continue
		}
		levels = append(levels, types.PriceLevel{Price: price, Size: size})
	}
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
	return levels
}

// capDepth evicts levels beyond maxDepth from the worse end of side,
// applied after every snapshot/delta. maxDepth <= 0 means uncapped.
func capDepth(side map[string]decimal.Decimal, maxDepth int, descending bool) {
	if maxDepth <= 0 || len(side) <= maxDepth {
		return
	}
	levels := mapToSortedLevels(side, descending)
	for _, lvl := range levels[maxDepth:] {
		delete(side, lvl.Price.String())
	}
}
