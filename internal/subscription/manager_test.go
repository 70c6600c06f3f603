package subscription

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"polyclob/internal/marketdata"
	"polyclob/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("decimal.NewFromString(%q): %v", s, err)
	}
	return d
}

// fakeServer is a minimal market-channel WS server: it records every
// subscribe/unsubscribe frame it receives and lets the test push
// arbitrary event_type frames down to the client.
type fakeServer struct {
	srv    *httptest.Server
	connMu sync.Mutex
	conn   *websocket.Conn
	frames [][]byte
	connCh chan struct{}
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{connCh: make(chan struct{}, 4)}
	upgrader := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.connMu.Lock()
		fs.conn = conn
		fs.connMu.Unlock()
		select {
		case fs.connCh <- struct{}{}:
		default:
		}
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			fs.connMu.Lock()
			fs.frames = append(fs.frames, msg)
			fs.connMu.Unlock()
		}
	}))
	return fs
}

// dropConnection closes the server side of the current connection,
// forcing the client into its reconnect path.
func (fs *fakeServer) dropConnection() {
	fs.connMu.Lock()
	conn := fs.conn
	fs.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (fs *fakeServer) clearFrames() {
	fs.connMu.Lock()
	fs.frames = nil
	fs.connMu.Unlock()
}

func (fs *fakeServer) recordedFrames() [][]byte {
	fs.connMu.Lock()
	defer fs.connMu.Unlock()
	out := make([][]byte, len(fs.frames))
	copy(out, fs.frames)
	return out
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) waitConnected(t *testing.T) {
	t.Helper()
	select {
	case <-fs.connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side connection")
	}
}

func (fs *fakeServer) push(t *testing.T, v interface{}) {
	t.Helper()
	fs.connMu.Lock()
	conn := fs.conn
	fs.connMu.Unlock()
	if conn == nil {
		t.Fatal("push called before client connected")
	}
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func (fs *fakeServer) close() { fs.srv.Close() }

func newTestManager(t *testing.T, fs *fakeServer) *Manager {
	t.Helper()
	m := New(fs.url(), 0, dec(t, "1.00"), dec(t, "0.002"), nil, nil, testLogger())
	t.Cleanup(m.Disconnect)
	return m
}

func TestSubscribeIsIdempotentAndSendsOnlyNewTokens(t *testing.T) {
	t.Parallel()

	fs := newFakeServer(t)
	defer fs.close()
	m := newTestManager(t, fs)

	if !m.Connect() {
		t.Fatal("Connect() = false")
	}
	fs.waitConnected(t)
	waitFor(t, m.IsConnected)

	market := types.MarketState{ConditionID: "c1", TokenYes: "yes-1", TokenNo: "no-1"}
	if err := m.Subscribe(market); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := m.Subscribe(market); err != nil {
		t.Fatalf("second Subscribe (idempotent): %v", err)
	}

	m.regMu.RLock()
	n := len(m.subscribedTokens)
	m.regMu.RUnlock()
	if n != 2 {
		t.Fatalf("subscribedTokens = %d, want 2 (yes + no, not duplicated)", n)
	}
}

func TestBookEventAppliesAndFiresUpdate(t *testing.T) {
	t.Parallel()

	fs := newFakeServer(t)
	defer fs.close()
	m := newTestManager(t, fs)

	updates := make(chan types.OrderBook, 1)
	m.OnOrderbookUpdate(func(ob types.OrderBook) { updates <- ob })

	if !m.Connect() {
		t.Fatal("Connect() = false")
	}
	fs.waitConnected(t)
	waitFor(t, m.IsConnected)

	if err := m.Subscribe(types.MarketState{ConditionID: "c1", TokenYes: "yes-1", TokenNo: "no-1"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	fs.push(t, types.WSBookEvent{
		EventType: "book",
		AssetID:   "yes-1",
		Hash:      "",
		Seq:       1,
		Buys:      []types.PriceLevel{{Price: dec(t, "0.40"), Size: dec(t, "10")}},
		Sells:     []types.PriceLevel{{Price: dec(t, "0.45"), Size: dec(t, "10")}},
	})

	select {
	case ob := <-updates:
		if ob.AssetID != "yes-1" {
			t.Fatalf("update asset = %q, want yes-1", ob.AssetID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for on_orderbook_update")
	}

	stats := m.Stats()
	if stats.TotalUpdates != 1 {
		t.Fatalf("TotalUpdates = %d, want 1", stats.TotalUpdates)
	}
	if stats.MessagesReceived != 1 {
		t.Fatalf("MessagesReceived = %d, want 1", stats.MessagesReceived)
	}

	ob, ok := m.GetOrderbook("yes-1")
	if !ok {
		t.Fatal("GetOrderbook(yes-1) = false after a book event")
	}
	if bid, _ := ob.BestBid(); !bid.Equal(dec(t, "0.40")) {
		t.Fatalf("GetOrderbook(yes-1).BestBid() = %v, want 0.40", bid)
	}

	market, ok := m.GetMarket("c1")
	if !ok {
		t.Fatal("GetMarket(c1) = false after Subscribe")
	}
	if market.TokenYes != "yes-1" || market.TokenNo != "no-1" {
		t.Fatalf("GetMarket(c1) = %+v, want TokenYes=yes-1 TokenNo=no-1", market)
	}

	if _, ok := m.GetOrderbook("never-subscribed"); ok {
		t.Fatal("GetOrderbook on an unseen token = true, want false")
	}
	if _, ok := m.GetMarket("never-subscribed"); ok {
		t.Fatal("GetMarket on an unregistered condition = true, want false")
	}
}

func TestArbOpportunityFiresOnRisingEdgeOnly(t *testing.T) {
	t.Parallel()

	fs := newFakeServer(t)
	defer fs.close()
	m := newTestManager(t, fs)

	arbs := make(chan decimal.Decimal, 4)
	m.OnOrderbookUpdate(func(types.OrderBook) {}) // keep channel-free path exercised
	m.OnArbOpportunity(func(_ types.MarketState, combined decimal.Decimal) {
		arbs <- combined
	})

	if !m.Connect() {
		t.Fatal("Connect() = false")
	}
	fs.waitConnected(t)
	waitFor(t, m.IsConnected)

	market := types.MarketState{ConditionID: "c1", TokenYes: "yes-1", TokenNo: "no-1"}
	if err := m.Subscribe(market); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// YES book: best bid 0.51. NO book: best bid 0.52. Combined 1.03 > 1.00: arm+fire.
	fs.push(t, types.WSBookEvent{EventType: "book", AssetID: "yes-1", Seq: 1,
		Buys: []types.PriceLevel{{Price: dec(t, "0.51"), Size: dec(t, "10")}}})
	fs.push(t, types.WSBookEvent{EventType: "book", AssetID: "no-1", Seq: 1,
		Buys: []types.PriceLevel{{Price: dec(t, "0.52"), Size: dec(t, "10")}}})

	select {
	case combined := <-arbs:
		if !combined.Equal(dec(t, "1.03")) {
			t.Fatalf("combined = %v, want 1.03", combined)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first arb opportunity")
	}

	// A second update that keeps combined above threshold must NOT re-fire.
	fs.push(t, types.WSBookEvent{EventType: "book", AssetID: "yes-1", Seq: 2,
		Buys: []types.PriceLevel{{Price: dec(t, "0.51"), Size: dec(t, "20")}}})

	select {
	case combined := <-arbs:
		t.Fatalf("unexpected repeat arb fire with combined = %v", combined)
	case <-time.After(300 * time.Millisecond):
	}

	stats := m.Stats()
	if stats.ArbOpportunities != 1 {
		t.Fatalf("ArbOpportunities = %d, want 1 (suppressed repeat)", stats.ArbOpportunities)
	}
}

// Dropping combined back below threshold minus hysteresis re-arms the
// detector, so a subsequent rise past threshold fires a second callback.
func TestArbOpportunityRearmsBelowHysteresis(t *testing.T) {
	t.Parallel()

	fs := newFakeServer(t)
	defer fs.close()
	m := newTestManager(t, fs)

	arbs := make(chan decimal.Decimal, 4)
	m.OnArbOpportunity(func(_ types.MarketState, combined decimal.Decimal) {
		arbs <- combined
	})

	if !m.Connect() {
		t.Fatal("Connect() = false")
	}
	fs.waitConnected(t)
	waitFor(t, m.IsConnected)

	market := types.MarketState{ConditionID: "c1", TokenYes: "yes-1", TokenNo: "no-1"}
	if err := m.Subscribe(market); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// YES best bid 0.55, NO best bid 0.46: combined 1.01 > 1.00, arm+fire.
	fs.push(t, types.WSBookEvent{EventType: "book", AssetID: "yes-1", Seq: 1,
		Buys: []types.PriceLevel{{Price: dec(t, "0.55"), Size: dec(t, "10")}}})
	fs.push(t, types.WSBookEvent{EventType: "book", AssetID: "no-1", Seq: 1,
		Buys: []types.PriceLevel{{Price: dec(t, "0.46"), Size: dec(t, "10")}}})

	select {
	case combined := <-arbs:
		if !combined.Equal(dec(t, "1.01")) {
			t.Fatalf("combined = %v, want 1.01", combined)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first arb opportunity")
	}

	// NO best bid drops to 0.43: combined 0.98, below threshold(1.00) -
	// hysteresis(0.002) = 0.998. Re-arms but does not itself fire.
	fs.push(t, types.WSBookEvent{EventType: "book", AssetID: "no-1", Seq: 2,
		Buys: []types.PriceLevel{{Price: dec(t, "0.43"), Size: dec(t, "10")}}})

	select {
	case combined := <-arbs:
		t.Fatalf("unexpected arb fire on re-arm drop, combined = %v", combined)
	case <-time.After(300 * time.Millisecond):
	}

	// NO best bid rises back to 0.46: combined 1.01 again, should re-fire
	// since the detector re-armed on the drop below hysteresis.
	fs.push(t, types.WSBookEvent{EventType: "book", AssetID: "no-1", Seq: 3,
		Buys: []types.PriceLevel{{Price: dec(t, "0.46"), Size: dec(t, "10")}}})

	select {
	case combined := <-arbs:
		if !combined.Equal(dec(t, "1.01")) {
			t.Fatalf("combined = %v, want 1.01", combined)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for re-armed arb opportunity")
	}

	stats := m.Stats()
	if stats.ArbOpportunities != 2 {
		t.Fatalf("ArbOpportunities = %d, want 2 (fire, re-arm, re-fire)", stats.ArbOpportunities)
	}
}

func TestSubscribeReturnsReentrantFromWithinCallback(t *testing.T) {
	t.Parallel()

	fs := newFakeServer(t)
	defer fs.close()
	m := newTestManager(t, fs)

	reentrantErr := make(chan error, 1)
	m.OnOrderbookUpdate(func(types.OrderBook) {
		reentrantErr <- m.Subscribe(types.MarketState{ConditionID: "c2", TokenYes: "y2", TokenNo: "n2"})
	})

	if !m.Connect() {
		t.Fatal("Connect() = false")
	}
	fs.waitConnected(t)
	waitFor(t, m.IsConnected)

	if err := m.Subscribe(types.MarketState{ConditionID: "c1", TokenYes: "yes-1", TokenNo: "no-1"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	fs.push(t, types.WSBookEvent{EventType: "book", AssetID: "yes-1", Seq: 1,
		Buys: []types.PriceLevel{{Price: dec(t, "0.40"), Size: dec(t, "1")}}})

	select {
	case err := <-reentrantErr:
		if err != ErrReentrant {
			t.Fatalf("Subscribe-from-callback error = %v, want ErrReentrant", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reentrant subscribe attempt")
	}
}

func TestUnknownEventTypeIsCountedNotDispatched(t *testing.T) {
	t.Parallel()

	fs := newFakeServer(t)
	defer fs.close()
	m := newTestManager(t, fs)

	if !m.Connect() {
		t.Fatal("Connect() = false")
	}
	fs.waitConnected(t)
	waitFor(t, m.IsConnected)

	fs.push(t, map[string]string{"event_type": "something_new"})

	waitFor(t, func() bool { return m.Stats().UnknownEvents == 1 })
}

// A delta whose hash disagrees with the locally computed book hash must
// trigger a REST refetch that replaces the book, with no update callback
// for the rejected intermediate state.
func TestHashMismatchTriggersRESTResync(t *testing.T) {
	t.Parallel()

	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/book" || r.URL.Query().Get("token_id") != "yes-1" {
			t.Errorf("unexpected REST request: %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(types.BookResponse{
			AssetID: "yes-1",
			Bids:    []types.PriceLevel{{Price: dec(t, "0.45"), Size: dec(t, "10")}},
			Asks:    []types.PriceLevel{{Price: dec(t, "0.55"), Size: dec(t, "10")}},
			Hash:    "resync-hash",
		})
	}))
	defer rest.Close()

	fs := newFakeServer(t)
	defer fs.close()

	fetcher := marketdata.New(rest.URL, rest.URL, time.Second)
	m := New(fs.url(), 0, dec(t, "1.00"), dec(t, "0.002"), fetcher, nil, testLogger())
	t.Cleanup(m.Disconnect)

	updates := make(chan types.OrderBook, 4)
	m.OnOrderbookUpdate(func(ob types.OrderBook) { updates <- ob })

	if !m.Connect() {
		t.Fatal("Connect() = false")
	}
	fs.waitConnected(t)
	waitFor(t, m.IsConnected)

	if err := m.Subscribe(types.MarketState{ConditionID: "c1", TokenYes: "yes-1", TokenNo: "no-1"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	fs.push(t, types.WSBookEvent{
		EventType: "book", AssetID: "yes-1", Seq: 1,
		Buys:  []types.PriceLevel{{Price: dec(t, "0.40"), Size: dec(t, "10")}},
		Sells: []types.PriceLevel{{Price: dec(t, "0.50"), Size: dec(t, "10")}},
	})

	select {
	case <-updates:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot update")
	}

	fs.push(t, types.WSPriceChangeEvent{
		EventType: "price_change", AssetID: "yes-1", Seq: 2, Hash: "bogus",
		PriceChanges: []types.WSPriceChange{
			{AssetID: "yes-1", Price: dec(t, "0.41"), Size: dec(t, "5"), Side: "BUY"},
		},
	})

	select {
	case ob := <-updates:
		if bid, _ := ob.BestBid(); !bid.Equal(dec(t, "0.45")) {
			t.Fatalf("post-resync BestBid = %v, want 0.45 (the REST snapshot)", bid)
		}
		if ob.Stale {
			t.Fatal("post-resync book still marked stale")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for post-resync update")
	}

	if got := m.Stats().Resyncs; got != 1 {
		t.Fatalf("Resyncs = %d, want 1", got)
	}
}

// After a dropped connection the transport reconnects and the manager
// re-sends a subscribe frame covering every registered token.
func TestReconnectResendsAllSubscriptions(t *testing.T) {
	t.Parallel()

	fs := newFakeServer(t)
	defer fs.close()
	m := newTestManager(t, fs)

	if !m.Connect() {
		t.Fatal("Connect() = false")
	}
	fs.waitConnected(t)
	waitFor(t, m.IsConnected)

	if err := m.Subscribe(
		types.MarketState{ConditionID: "c1", TokenYes: "tok-a", TokenNo: "tok-b"},
		types.MarketState{ConditionID: "c2", TokenYes: "tok-c"},
	); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	fs.clearFrames()
	fs.dropConnection()

	select {
	case <-fs.connCh:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for reconnect")
	}

	want := map[string]bool{"tok-a": true, "tok-b": true, "tok-c": true}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, frame := range fs.recordedFrames() {
			var msg types.WSSubscribeMsg
			if err := json.Unmarshal(frame, &msg); err != nil || msg.Type != "market" {
				continue
			}
			got := map[string]bool{}
			for _, id := range msg.AssetIDs {
				got[id] = true
			}
			if len(got) == len(want) {
				for id := range want {
					if !got[id] {
						t.Fatalf("resubscribe frame missing %q: %v", id, msg.AssetIDs)
					}
				}
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("no resubscribe frame covering all tokens observed")
}

// tick_size_change events update per-asset metadata without touching the
// book.
func TestTickSizeChangeUpdatesMeta(t *testing.T) {
	t.Parallel()

	fs := newFakeServer(t)
	defer fs.close()
	m := newTestManager(t, fs)

	if !m.Connect() {
		t.Fatal("Connect() = false")
	}
	fs.waitConnected(t)
	waitFor(t, m.IsConnected)

	fs.push(t, types.WSTickSizeChangeEvent{
		EventType: "tick_size_change", AssetID: "yes-1",
		OldTickSize: "0.01", NewTickSize: "0.001",
	})

	waitFor(t, func() bool {
		ts, ok := m.TickSize("yes-1")
		return ok && ts == types.Tick0001
	})

	if _, ok := m.GetOrderbook("yes-1"); ok {
		t.Fatal("tick_size_change must not create a book")
	}
}

// waitFor polls cond with a short backoff until it is true or the test
// times out.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
