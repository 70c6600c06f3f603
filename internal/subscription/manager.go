// Package subscription ties the market channel together: it owns one
// transport.Client and one book.Store, maintains the market/token
// registry, demultiplexes inbound frames by event_type, and raises the
// orderbook-update and arbitrage callbacks.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"polyclob/internal/book"
	"polyclob/internal/marketdata"
	"polyclob/internal/transport"
	"polyclob/pkg/types"
)

// Manager owns the WebSocket transport and the orderbook store. Book
// events are applied on the transport's network worker, and REST resync
// snapshots on the resync goroutine; caller goroutines read
// (GetOrderbook/GetMarket/Stats) or change the registry, and
// Unsubscribe/UnsubscribeAll also discard the affected books.
type Manager struct {
	transport *transport.Client
	store     *book.Store
	fetcher   *marketdata.Fetcher

	arbThreshold  decimal.Decimal
	arbHysteresis decimal.Decimal

	regMu            sync.RWMutex
	markets          map[string]types.MarketState // condition_id -> market
	tokenToCondition map[string]string            // token_id -> condition_id
	subscribedTokens map[string]bool
	tickSizes        map[string]types.TickSize // token_id -> minimum tick

	arbMu sync.Mutex
	inArb map[string]bool // condition_id -> currently past threshold

	cbMu             sync.RWMutex
	onUpdate         func(types.OrderBook)
	onArb            func(types.MarketState, decimal.Decimal)
	onLastTradePrice func(types.WSLastTradePriceEvent)

	dispatching atomic.Bool // set while a user callback is on the stack

	stats   statsCounters
	metrics *Metrics

	stopOnce sync.Once
	stopCh   chan struct{}

	logger *slog.Logger
}

// New constructs a Manager. fetcher is used to recover from resync
// signals via a REST snapshot and is nil-safe (resync is skipped with a
// logged warning if absent). metrics is optional; pass nil to skip
// Prometheus export.
func New(wsURL string, maxDepth int, arbThreshold, arbHysteresis decimal.Decimal, fetcher *marketdata.Fetcher, metrics *Metrics, logger *slog.Logger) *Manager {
	m := &Manager{
		transport:        transport.New(wsURL, logger),
		store:            book.NewStore(maxDepth),
		fetcher:          fetcher,
		arbThreshold:     arbThreshold,
		arbHysteresis:    arbHysteresis,
		markets:          make(map[string]types.MarketState),
		tokenToCondition: make(map[string]string),
		subscribedTokens: make(map[string]bool),
		tickSizes:        make(map[string]types.TickSize),
		inArb:            make(map[string]bool),
		metrics:          metrics,
		stopCh:           make(chan struct{}),
		logger:           logger.With("component", "subscription"),
	}

	m.transport.OnMessage(m.dispatch)
	m.transport.OnConnect(m.resubscribeAll)
	m.transport.OnError(func(err error) {
		m.logger.Warn("transport error", "error", err)
	})

	return m
}

// OnOrderbookUpdate registers the callback invoked after every successful
// snapshot/delta application.
func (m *Manager) OnOrderbookUpdate(cb func(types.OrderBook)) {
	m.cbMu.Lock()
	m.onUpdate = cb
	m.cbMu.Unlock()
}

// OnArbOpportunity registers the callback invoked on the rising edge of
// best_bid(YES) + best_bid(NO) crossing the threshold.
func (m *Manager) OnArbOpportunity(cb func(types.MarketState, decimal.Decimal)) {
	m.cbMu.Lock()
	m.onArb = cb
	m.cbMu.Unlock()
}

// OnLastTradePrice registers the optional informational trade callback
// forwarded from last_trade_price events.
func (m *Manager) OnLastTradePrice(cb func(types.WSLastTradePriceEvent)) {
	m.cbMu.Lock()
	m.onLastTradePrice = cb
	m.cbMu.Unlock()
}

// Connect is a thin pass-through to the transport.
func (m *Manager) Connect() bool { return m.transport.Connect() }

// Disconnect is a thin pass-through to the transport.
func (m *Manager) Disconnect() { m.transport.Disconnect() }

// IsConnected is a thin pass-through to the transport.
func (m *Manager) IsConnected() bool { return m.transport.IsConnected() }

// Run connects and blocks until ctx is cancelled or Stop is called.
func (m *Manager) Run(ctx context.Context) {
	m.Connect()
	select {
	case <-ctx.Done():
	case <-m.stopCh:
	}
	m.Disconnect()
}

// Stop ends a blocked Run call.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Stats returns a snapshot of the mandated counters.
func (m *Manager) Stats() Stats { return m.stats.snapshot() }

// GetOrderbook returns a consistent snapshot of tokenID's book. False
// if tokenID has never been observed.
func (m *Manager) GetOrderbook(tokenID string) (types.OrderBook, bool) {
	return m.store.Get(tokenID)
}

// GetMarket returns the registered MarketState for conditionID. False
// if conditionID is not currently in the registry.
func (m *Manager) GetMarket(conditionID string) (types.MarketState, bool) {
	m.regMu.RLock()
	defer m.regMu.RUnlock()
	market, ok := m.markets[conditionID]
	return market, ok
}

// TickSize returns the last tick size reported for tokenID via a
// tick_size_change event. False if none has been seen.
func (m *Manager) TickSize(tokenID string) (types.TickSize, bool) {
	m.regMu.RLock()
	defer m.regMu.RUnlock()
	ts, ok := m.tickSizes[tokenID]
	return ts, ok
}

// Subscribe adds markets to the registry, sending a delta-subscribe frame
// for their token IDs if connected. Duplicate subscriptions are
// idempotent.
func (m *Manager) Subscribe(markets ...types.MarketState) error {
	if m.dispatching.Load() {
		return ErrReentrant
	}

	var newTokens []string
	m.regMu.Lock()
	for _, market := range markets {
		m.markets[market.ConditionID] = market
		if market.TokenYes != "" {
			m.tokenToCondition[market.TokenYes] = market.ConditionID
			if !m.subscribedTokens[market.TokenYes] {
				m.subscribedTokens[market.TokenYes] = true
				newTokens = append(newTokens, market.TokenYes)
			}
		}
		if market.TokenNo != "" {
			m.tokenToCondition[market.TokenNo] = market.ConditionID
			if !m.subscribedTokens[market.TokenNo] {
				m.subscribedTokens[market.TokenNo] = true
				newTokens = append(newTokens, market.TokenNo)
			}
		}
	}
	m.regMu.Unlock()

	if len(newTokens) == 0 || !m.transport.IsConnected() {
		return nil
	}
	return m.sendSubscribeFrame(newTokens)
}

// Unsubscribe removes tokenID from the registry and instructs the server
// to stop streaming it. The book for tokenID is discarded.
func (m *Manager) Unsubscribe(tokenID string) error {
	if m.dispatching.Load() {
		return ErrReentrant
	}

	m.regMu.Lock()
	delete(m.subscribedTokens, tokenID)
	delete(m.tokenToCondition, tokenID)
	delete(m.tickSizes, tokenID)
	m.regMu.Unlock()

	m.store.Remove(tokenID)

	if !m.transport.IsConnected() {
		return nil
	}
	return m.sendUnsubscribeFrame([]string{tokenID})
}

// UnsubscribeAll clears the registry entirely and instructs the server to
// stop streaming every tracked token.
func (m *Manager) UnsubscribeAll() error {
	if m.dispatching.Load() {
		return ErrReentrant
	}

	m.regMu.Lock()
	tokens := make([]string, 0, len(m.subscribedTokens))
	for token := range m.subscribedTokens {
		tokens = append(tokens, token)
		m.store.Remove(token)
	}
	m.markets = make(map[string]types.MarketState)
	m.tokenToCondition = make(map[string]string)
	m.subscribedTokens = make(map[string]bool)
	m.tickSizes = make(map[string]types.TickSize)
	m.regMu.Unlock()

	if len(tokens) == 0 || !m.transport.IsConnected() {
		return nil
	}
	return m.sendUnsubscribeFrame(tokens)
}

func (m *Manager) sendSubscribeFrame(tokens []string) error {
	body, err := json.Marshal(types.WSSubscribeMsg{Type: "market", AssetIDs: tokens})
	if err != nil {
		return err
	}
	if !m.transport.Send(string(body)) {
		return fmt.Errorf("subscribe frame: %w", transport.ErrNotConnected)
	}
	return nil
}

func (m *Manager) sendUnsubscribeFrame(tokens []string) error {
	body, err := json.Marshal(struct {
		Type     string   `json:"type"`
		Event    string   `json:"operation"`
		AssetIDs []string `json:"assets_ids"`
	}{Type: "market", Event: "unsubscribe", AssetIDs: tokens})
	if err != nil {
		return err
	}
	if !m.transport.Send(string(body)) {
		return fmt.Errorf("unsubscribe frame: %w", transport.ErrNotConnected)
	}
	return nil
}

// resubscribeAll is the transport's on_connect hook: the transport
// remembers no topics, so every (re)connect re-sends the full registry.
func (m *Manager) resubscribeAll() {
	m.regMu.RLock()
	tokens := make([]string, 0, len(m.subscribedTokens))
	for token := range m.subscribedTokens {
		tokens = append(tokens, token)
	}
	m.regMu.RUnlock()

	if len(tokens) == 0 {
		return
	}
	if err := m.sendSubscribeFrame(tokens); err != nil {
		m.logger.Warn("resubscribe failed", "error", err)
	}
}

// dispatch runs on the transport's network worker for every inbound
// frame, routing by event_type.
func (m *Manager) dispatch(data []byte) {
	m.stats.messagesReceived.Add(1)
	m.stats.bytesReceived.Add(uint64(len(data)))
	if m.metrics != nil {
		m.metrics.messagesReceived.Inc()
		m.metrics.bytesReceived.Add(float64(len(data)))
	}

	var envelope types.EventEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		m.logger.Debug("ignoring non-json frame", "error", err)
		return
	}

	switch envelope.EventType {
	case "book":
		m.handleBook(data)
	case "price_change":
		m.handlePriceChange(data)
	case "tick_size_change":
		m.handleTickSizeChange(data)
	case "last_trade_price":
		m.handleLastTradePrice(data)
	default:
		m.stats.unknownEvents.Add(1)
		if m.metrics != nil {
			m.metrics.unknownEvents.Inc()
		}
		m.logger.Debug("unknown event_type", "type", envelope.EventType)
	}
}

func (m *Manager) handleBook(data []byte) {
	var evt types.WSBookEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		m.logger.Error("unmarshal book event", "error", err)
		return
	}

	err := m.store.ApplySnapshot(evt.AssetID, evt.Buys, evt.Sells, evt.Hash, evt.Seq)
	m.afterApply(evt.AssetID, err)
}

func (m *Manager) handlePriceChange(data []byte) {
	var evt types.WSPriceChangeEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		m.logger.Error("unmarshal price_change event", "error", err)
		return
	}

	changes := make([]book.Change, 0, len(evt.PriceChanges))
	for _, pc := range evt.PriceChanges {
		side := types.BUY
		if pc.Side == string(types.SELL) {
			side = types.SELL
		}
		changes = append(changes, book.Change{Side: side, Price: pc.Price, Size: pc.Size})
	}

	err := m.store.ApplyDelta(evt.AssetID, changes, evt.Hash, evt.Seq)
	m.afterApply(evt.AssetID, err)
}

// handleTickSizeChange records the new minimum tick for the asset. The
// book itself is unchanged.
func (m *Manager) handleTickSizeChange(data []byte) {
	var evt types.WSTickSizeChangeEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		m.logger.Error("unmarshal tick_size_change event", "error", err)
		return
	}

	m.regMu.Lock()
	m.tickSizes[evt.AssetID] = types.TickSize(evt.NewTickSize)
	m.regMu.Unlock()

	m.logger.Debug("tick size changed",
		"asset", evt.AssetID, "old", evt.OldTickSize, "new", evt.NewTickSize)
}

func (m *Manager) handleLastTradePrice(data []byte) {
	var evt types.WSLastTradePriceEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		m.logger.Error("unmarshal last_trade_price event", "error", err)
		return
	}

	m.cbMu.RLock()
	cb := m.onLastTradePrice
	m.cbMu.RUnlock()
	if cb == nil {
		return
	}

	m.dispatching.Store(true)
	defer m.dispatching.Store(false)
	cb(evt)
}

// afterApply fires on_orderbook_update on success, triggers a background
// resync on book.ErrResyncNeeded, and checks for an arb opportunity.
func (m *Manager) afterApply(assetID string, applyErr error) {
	if applyErr != nil {
		if errors.Is(applyErr, book.ErrResyncNeeded) {
			m.stats.resyncs.Add(1)
			if m.metrics != nil {
				m.metrics.resyncs.Inc()
			}
			go m.resync(assetID)
		} else {
			m.logger.Error("apply failed", "asset", assetID, "error", applyErr)
		}
		return
	}

	m.stats.totalUpdates.Add(1)
	if m.metrics != nil {
		m.metrics.totalUpdates.Inc()
	}

	ob, ok := m.store.Get(assetID)
	if ok {
		m.fireUpdate(ob)
	}

	m.checkArb(assetID)
}

func (m *Manager) fireUpdate(ob types.OrderBook) {
	m.cbMu.RLock()
	cb := m.onUpdate
	m.cbMu.RUnlock()
	if cb == nil {
		return
	}

	m.dispatching.Store(true)
	defer m.dispatching.Store(false)
	cb(ob)
}

// checkArb recomputes combined = bestBid(YES) + bestBid(NO) for the
// market owning assetID and fires the arb callback on the rising edge
// past arbThreshold, re-arming once combined falls back below
// threshold minus hysteresis.
func (m *Manager) checkArb(assetID string) {
	m.regMu.RLock()
	conditionID, ok := m.tokenToCondition[assetID]
	var market types.MarketState
	if ok {
		market = m.markets[conditionID]
	}
	m.regMu.RUnlock()
	if !ok || market.TokenYes == "" || market.TokenNo == "" {
		return
	}

	yesBid, yesOK := m.store.BestBid(market.TokenYes)
	noBid, noOK := m.store.BestBid(market.TokenNo)
	if !yesOK || !noOK {
		return
	}
	combined := yesBid.Add(noBid)

	m.arbMu.Lock()
	wasInArb := m.inArb[conditionID]
	var shouldFire bool
	switch {
	case combined.GreaterThan(m.arbThreshold):
		if !wasInArb {
			shouldFire = true
		}
		m.inArb[conditionID] = true
	case combined.LessThan(m.arbThreshold.Sub(m.arbHysteresis)):
		m.inArb[conditionID] = false
	}
	m.arbMu.Unlock()

	if !shouldFire {
		return
	}

	m.stats.arbOpportunities.Add(1)
	if m.metrics != nil {
		m.metrics.arbOpportunities.Inc()
	}

	m.cbMu.RLock()
	cb := m.onArb
	m.cbMu.RUnlock()
	if cb == nil {
		return
	}

	m.dispatching.Store(true)
	defer m.dispatching.Store(false)
	cb(market, combined)
}

// resync requests a fresh REST snapshot for assetID and replaces the
// book. Runs on its own goroutine so the network worker never blocks on
// an HTTP round-trip.
func (m *Manager) resync(assetID string) {
	if m.fetcher == nil {
		m.logger.Warn("resync needed but no fetcher configured", "asset", assetID)
		return
	}

	resp, err := m.fetcher.FetchOrderbook(context.Background(), assetID)
	if err != nil {
		m.logger.Error("resync fetch failed", "asset", assetID, "error", err)
		return
	}

	if err := m.store.ApplySnapshot(assetID, resp.Bids, resp.Asks, resp.Hash, 0); err != nil {
		m.logger.Error("resync apply failed", "asset", assetID, "error", err)
		return
	}

	if ob, ok := m.store.Get(assetID); ok {
		m.fireUpdate(ob)
	}
	m.checkArb(assetID)
}
