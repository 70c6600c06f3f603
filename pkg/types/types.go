// Package types defines the shared vocabulary for the CLOB streaming
// client: order/market enums, the data model for binary-outcome markets,
// the local orderbook representation, and the wire shapes of WebSocket
// events. It has no dependencies on other internal packages so it can be
// imported from every layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// ABIValue returns the uint8 encoding of Side used in the EIP-712 struct
// hash (BUY=0, SELL=1).
func (s Side) ABIValue() uint8 {
	if s == SELL {
		return 1
	}
	return 0
}

// SignatureType identifies the signing scheme bound to the CTF exchange
// contract.
type SignatureType int

const (
	SigEOA        SignatureType = 0 // externally-owned account
	SigProxy      SignatureType = 1 // Polymarket proxy / Magic wallet
	SigGnosisSafe SignatureType = 2 // Gnosis Safe multisig
)

// TickSize is the price granularity for a market. Each market has a
// fixed tick size that determines the minimum price increment; the
// server announces changes via tick_size_change events.
type TickSize string

const (
	Tick01    TickSize = "0.1"    // 1 decimal  — coarse markets
	Tick001   TickSize = "0.01"   // 2 decimals — standard markets (most common)
	Tick0001  TickSize = "0.001"  // 3 decimals — fine-grained markets
	Tick00001 TickSize = "0.0001" // 4 decimals — ultra-precise markets
)

// Decimals returns the number of decimal places for a tick size.
func (t TickSize) Decimals() int {
	switch t {
	case Tick01:
		return 1
	case Tick001:
		return 2
	case Tick0001:
		return 3
	case Tick00001:
		return 4
	default:
		return 2
	}
}

// WsState is the WebSocket transport's connection state machine.
type WsState int

const (
	Disconnected WsState = iota
	Connecting
	Connected
	Reconnecting
	Closing
	Closed
)

func (s WsState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Reconnecting:
		return "RECONNECTING"
	case Closing:
		return "CLOSING"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// Token is one outcome ("Yes"/"No") of a binary market.
type Token struct {
	TokenID string `json:"token_id"`
	Outcome string `json:"outcome"`
}

// ClobMarket is a market as enumerated by the CLOB REST API.
type ClobMarket struct {
	ConditionID string  `json:"condition_id"`
	Question    string  `json:"question"`
	MarketSlug  string  `json:"market_slug"`
	Tokens      []Token `json:"tokens"`
	NegRisk     bool    `json:"neg_risk"`
	Active      bool    `json:"active"`
	Closed      bool    `json:"closed"`
}

// TokenYes returns the YES token ID, or "" if absent.
func (m ClobMarket) TokenYes() string { return m.tokenFor("Yes") }

// TokenNo returns the NO token ID, or "" if absent.
func (m ClobMarket) TokenNo() string { return m.tokenFor("No") }

func (m ClobMarket) tokenFor(outcome string) string {
	for _, t := range m.Tokens {
		if t.Outcome == outcome {
			return t.TokenID
		}
	}
	return ""
}

// MarketState is the live pair of tokens for one condition, the unit the
// subscription manager subscribes/unsubscribes by.
type MarketState struct {
	ConditionID string
	TokenYes    string
	TokenNo     string
	Title       string
	Symbol      string
}

// ————————————————————————————————————————————————————————————————————————
// Orderbook
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level. A level with Size == 0 means
// "remove this price" when applied as a delta.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBook is a consistent, point-in-time view of one asset's book,
// returned by the store under its read lock. Bids are sorted descending
// by price (best bid first); asks ascending (best ask first).
type OrderBook struct {
	AssetID     string
	Bids        []PriceLevel
	Asks        []PriceLevel
	Hash        string
	TimestampNs uint64
	Seq         uint64
	Stale       bool // true once the book has been discarded/invalidated
}

// BestBid returns the best (highest) bid, or false if bids are empty.
func (b OrderBook) BestBid() (decimal.Decimal, bool) {
	if len(b.Bids) == 0 {
		return decimal.Zero, false
	}
	return b.Bids[0].Price, true
}

// BestAsk returns the best (lowest) ask, or false if asks are empty.
func (b OrderBook) BestAsk() (decimal.Decimal, bool) {
	if len(b.Asks) == 0 {
		return decimal.Zero, false
	}
	return b.Asks[0].Price, true
}

// BookResponse is the REST response from GET /book for a single token.
type BookResponse struct {
	Market       string       `json:"market"`
	AssetID      string       `json:"asset_id"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	Hash         string       `json:"hash"`
	Timestamp    string       `json:"timestamp"`
	MinOrderSize string       `json:"min_order_size"`
	TickSize     string       `json:"tick_size"`
	NegRisk      bool         `json:"neg_risk"`
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// OrderData is the canonical pre-sign order payload. All numeric fields
// are decimal strings per the CLOB API wire format.
type OrderData struct {
	Maker         string
	Taker         string
	TokenID       string
	MakerAmount   string
	TakerAmount   string
	Side          Side
	FeeRateBps    string
	Nonce         string
	Expiration    string
	Signer        string
	SignatureType SignatureType
	Salt          string
}

// SignedOrder is OrderData plus the produced EIP-712 signature.
type SignedOrder struct {
	OrderData
	Signature string `json:"signature"`
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket events
// ————————————————————————————————————————————————————————————————————————

// WSSubscribeMsg is the initial (re)subscribe frame for the market channel.
type WSSubscribeMsg struct {
	Type     string   `json:"type"` // always "market"
	AssetIDs []string `json:"assets_ids"`
}

// WSBookEvent is a full orderbook snapshot for one asset.
type WSBookEvent struct {
	EventType string       `json:"event_type"` // "book"
	AssetID   string       `json:"asset_id"`
	Market    string       `json:"market"`
	Timestamp string       `json:"timestamp"`
	Hash      string       `json:"hash"`
	Seq       uint64       `json:"seq"`
	Buys      []PriceLevel `json:"buys"`
	Sells     []PriceLevel `json:"sells"`
}

// WSPriceChange is a single level delta within a price_change event.
type WSPriceChange struct {
	AssetID string          `json:"asset_id"`
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
	Side    string          `json:"side"` // "BUY" or "SELL"
}

// WSPriceChangeEvent carries one or more level deltas, applied atomically
// per asset, plus the resulting book hash and sequence.
type WSPriceChangeEvent struct {
	EventType    string          `json:"event_type"` // "price_change"
	Market       string          `json:"market"`
	AssetID      string          `json:"asset_id"`
	Timestamp    string          `json:"timestamp"`
	Hash         string          `json:"hash"`
	Seq          uint64          `json:"seq"`
	PriceChanges []WSPriceChange `json:"price_changes"`
}

// WSTickSizeChangeEvent is an informational tick-size update.
type WSTickSizeChangeEvent struct {
	EventType   string `json:"event_type"` // "tick_size_change"
	AssetID     string `json:"asset_id"`
	Market      string `json:"market"`
	OldTickSize string `json:"old_tick_size"`
	NewTickSize string `json:"new_tick_size"`
}

// WSLastTradePriceEvent is an informational last-trade notification.
type WSLastTradePriceEvent struct {
	EventType string          `json:"event_type"` // "last_trade_price"
	AssetID   string          `json:"asset_id"`
	Market    string          `json:"market"`
	Price     decimal.Decimal `json:"price"`
	Side      string          `json:"side"`
	Size      decimal.Decimal `json:"size"`
}

// EventEnvelope is used to peek at event_type before full unmarshalling.
type EventEnvelope struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
}

// NowNs stamps a local receipt time in nanoseconds, so callers don't
// need to import "time" for it.
func NowNs() uint64 { return uint64(time.Now().UnixNano()) }
