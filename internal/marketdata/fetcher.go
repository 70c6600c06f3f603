// Package marketdata is the thin, rate-limited, read-through REST client
// the orderbook store resyncs from and the subscription manager resolves
// token pairs through.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"polyclob/pkg/types"
)

// Fetcher is a resty-based REST client against the CLOB API,
// rate-limited and retried on 5xx.
type Fetcher struct {
	clob  *resty.Client
	gamma *resty.Client
	rl    *tokenBucket
}

// New builds a Fetcher pointed at clobBaseURL, with the given per-request
// timeout. Every Fetcher method, market lookups included, queries
// clobBaseURL; the client built for gammaBaseURL is not used by any
// method.
func New(clobBaseURL, gammaBaseURL string, timeout time.Duration) *Fetcher {
	newClient := func(base string) *resty.Client {
		return resty.New().
			SetBaseURL(base).
			SetTimeout(timeout).
			SetRetryCount(3).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r.StatusCode() >= 500
			})
	}

	return &Fetcher{
		clob:  newClient(clobBaseURL),
		gamma: newClient(gammaBaseURL),
		rl:    newBookRateLimiter(),
	}
}

func (f *Fetcher) get(ctx context.Context, client *resty.Client, path string, query map[string]string, result interface{}) error {
	if err := f.rl.wait(ctx); err != nil {
		return err
	}

	req := client.R().SetContext(ctx)
	if len(query) > 0 {
		req = req.SetQueryParams(query)
	}
	resp, err := req.Get(path)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("get %s: status %d: %s", path, resp.StatusCode(), resp.String())
	}
	if err := json.Unmarshal(resp.Body(), result); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// FetchOrderbook maps GET /book?token_id=… to the store's snapshot
// format; used by the subscription manager to resync a single asset.
func (f *Fetcher) FetchOrderbook(ctx context.Context, tokenID string) (*types.BookResponse, error) {
	var result types.BookResponse
	if err := f.get(ctx, f.clob, "/book", map[string]string{"token_id": tokenID}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// FetchMarket resolves a condition ID to its token pair, used to populate
// a MarketState at subscribe time.
func (f *Fetcher) FetchMarket(ctx context.Context, conditionID string) (*types.ClobMarket, error) {
	var result types.ClobMarket
	if err := f.get(ctx, f.clob, "/markets/"+conditionID, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

type marketsPage struct {
	Data       []types.ClobMarket `json:"data"`
	NextCursor string             `json:"next_cursor"`
}

// FetchMarkets enumerates markets via cursor-based pagination, looping
// until the cursor is empty or cap markets have been collected (cap <= 0
// means uncapped).
func (f *Fetcher) FetchMarkets(ctx context.Context, cap int) ([]types.ClobMarket, error) {
	var all []types.ClobMarket
	cursor := ""

	for {
		var page marketsPage
		query := map[string]string{}
		if cursor != "" {
			query["next_cursor"] = cursor
		}
		if err := f.get(ctx, f.clob, "/markets", query, &page); err != nil {
			return nil, fmt.Errorf("fetch markets: %w", err)
		}

		all = append(all, page.Data...)
		if cap > 0 && len(all) >= cap {
			return all[:cap], nil
		}
		if page.NextCursor == "" {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

// ———————————————————————————————————————————————————————————————————
// Auxiliary read-through endpoints
// ———————————————————————————————————————————————————————————————————

// FetchMidpoint returns the midpoint price for a token.
func (f *Fetcher) FetchMidpoint(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	var result struct {
		Mid decimal.Decimal `json:"mid"`
	}
	if err := f.get(ctx, f.clob, "/midpoint", map[string]string{"token_id": tokenID}, &result); err != nil {
		return decimal.Zero, err
	}
	return result.Mid, nil
}

// FetchSpread returns the current bid/ask spread for a token.
func (f *Fetcher) FetchSpread(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	var result struct {
		Spread decimal.Decimal `json:"spread"`
	}
	if err := f.get(ctx, f.clob, "/spread", map[string]string{"token_id": tokenID}, &result); err != nil {
		return decimal.Zero, err
	}
	return result.Spread, nil
}

// FetchPrice returns the best price on the given side for a token.
func (f *Fetcher) FetchPrice(ctx context.Context, tokenID string, side types.Side) (decimal.Decimal, error) {
	var result struct {
		Price decimal.Decimal `json:"price"`
	}
	query := map[string]string{"token_id": tokenID, "side": string(side)}
	if err := f.get(ctx, f.clob, "/price", query, &result); err != nil {
		return decimal.Zero, err
	}
	return result.Price, nil
}

// FetchTickSize returns the minimum tick size for a token.
func (f *Fetcher) FetchTickSize(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	var result struct {
		MinimumTickSize decimal.Decimal `json:"minimum_tick_size"`
	}
	if err := f.get(ctx, f.clob, "/tick-size", map[string]string{"token_id": tokenID}, &result); err != nil {
		return decimal.Zero, err
	}
	return result.MinimumTickSize, nil
}

// FetchNegRisk reports whether a token belongs to a neg-risk market.
func (f *Fetcher) FetchNegRisk(ctx context.Context, tokenID string) (bool, error) {
	var result struct {
		NegRisk bool `json:"neg_risk"`
	}
	if err := f.get(ctx, f.clob, "/neg-risk", map[string]string{"token_id": tokenID}, &result); err != nil {
		return false, err
	}
	return result.NegRisk, nil
}

// FetchLastTradePrice returns the most recent trade price and side for a
// token.
func (f *Fetcher) FetchLastTradePrice(ctx context.Context, tokenID string) (decimal.Decimal, string, error) {
	var result struct {
		Price decimal.Decimal `json:"price"`
		Side  string          `json:"side"`
	}
	if err := f.get(ctx, f.clob, "/last-trade-price", map[string]string{"token_id": tokenID}, &result); err != nil {
		return decimal.Zero, "", err
	}
	return result.Price, result.Side, nil
}

// RewardsMarket is one entry of GET /rewards/markets/current.
type RewardsMarket struct {
	ConditionID      string          `json:"condition_id"`
	RewardsMaxSpread decimal.Decimal `json:"rewards_max_spread"`
	RewardsMinSize   decimal.Decimal `json:"rewards_min_size"`
}

// FetchRewardsMarkets returns the markets currently eligible for
// liquidity rewards.
func (f *Fetcher) FetchRewardsMarkets(ctx context.Context) ([]RewardsMarket, error) {
	var result struct {
		Data []RewardsMarket `json:"data"`
	}
	if err := f.get(ctx, f.clob, "/rewards/markets/current", nil, &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// FetchServerTime returns the CLOB server's current Unix timestamp, used
// to detect local clock drift before signing orders with an expiration.
func (f *Fetcher) FetchServerTime(ctx context.Context) (int64, error) {
	var result struct {
		Timestamp int64 `json:"timestamp"`
	}
	if err := f.get(ctx, f.clob, "/time", nil, &result); err != nil {
		return 0, err
	}
	return result.Timestamp, nil
}
