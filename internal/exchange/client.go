// Package exchange is the typed façade over the spot/cross-margin exchange.
//
// The REST client (Client) covers exactly the operations the engine needs:
//   - LoadMarkets:       GET  /api/v3/exchangeInfo (+ margin pair flags)
//   - LoadPrices:        GET  /api/v3/ticker/price      — 60 s cache
//   - FetchTicker:       GET  /api/v3/ticker/bookTicker — top of book
//   - FetchBalance:      GET  /api/v3/account | /sapi/v1/margin/account
//   - CreateMarketOrder: POST /api/v3/order  | /sapi/v1/margin/order
//   - MarginBorrow:      POST /sapi/v1/margin/loan
//   - MarginRepay:       POST /sapi/v1/margin/repay
//
// Every request is rate-limited via per-category TokenBuckets and retried on
// 5xx errors. Private calls are HMAC-signed (auth.go).
//
// Balances are cached per wallet for up to a day. Every mutating call
// invalidates the cache both before and after the HTTP round trip, and the
// next balance read waits out the configured settle delay so the exchange's
// internal ledger has caught up with the fill.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"hubtrader/internal/config"
	"hubtrader/pkg/types"
)

const (
	pricesTTL       = 60 * time.Second
	balanceCacheTTL = 24 * time.Hour
)

// Client is the exchange REST API client.
type Client struct {
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	logger *slog.Logger

	syncDelay time.Duration // settle wait after a mutation before balance reads

	mu           sync.Mutex
	balances     map[types.Wallet]*balanceEntry
	lastMutation time.Time
	prices       map[string]decimal.Decimal
	pricesAt     time.Time
	markets      map[string]types.Market
	marketsAt    time.Time
}

type balanceEntry struct {
	bal types.Balance
	at  time.Time
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.ExchangeConfig, syncDelay time.Duration, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("X-API-KEY", auth.APIKey())

	return &Client{
		http:      httpClient,
		auth:      auth,
		rl:        NewRateLimiter(),
		syncDelay: syncDelay,
		balances:  make(map[types.Wallet]*balanceEntry),
		logger:    logger.With("component", "exchange"),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Markets and prices
// ————————————————————————————————————————————————————————————————————————

type exchangeInfoResp struct {
	Symbols []struct {
		Symbol             string `json:"symbol"`
		BaseAsset          string `json:"baseAsset"`
		QuoteAsset         string `json:"quoteAsset"`
		Status             string `json:"status"`
		BaseAssetPrecision int32  `json:"baseAssetPrecision"`
		IsSpotAllowed      bool   `json:"isSpotTradingAllowed"`
		Filters            []struct {
			FilterType  string `json:"filterType"`
			MinQty      string `json:"minQty"`
			MaxQty      string `json:"maxQty"`
			StepSize    string `json:"stepSize"`
			MinNotional string `json:"minNotional"`
		} `json:"filters"`
	} `json:"symbols"`
}

type marginPair struct {
	Symbol string `json:"symbol"`
}

// LoadMarkets fetches symbol metadata, enriched with the cross-margin flag
// from the margin pairs endpoint. Cached until force or the daily refresh.
func (c *Client) LoadMarkets(ctx context.Context, force bool) (map[string]types.Market, error) {
	c.mu.Lock()
	if !force && c.markets != nil && time.Since(c.marketsAt) < balanceCacheTTL {
		cached := c.markets
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}
	var info exchangeInfoResp
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&info).
		Get("/api/v3/exchangeInfo")
	if err != nil {
		return nil, fmt.Errorf("exchange info: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("exchange info: status %d: %s", resp.StatusCode(), resp.String())
	}

	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}
	var pairs []marginPair
	resp, err = c.http.R().
		SetContext(ctx).
		SetQueryString(c.auth.Sign(url.Values{})).
		SetResult(&pairs).
		Get("/sapi/v1/margin/allPairs")
	if err != nil {
		return nil, fmt.Errorf("margin pairs: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("margin pairs: status %d: %s", resp.StatusCode(), resp.String())
	}
	marginOK := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		marginOK[p.Symbol] = true
	}

	markets := make(map[string]types.Market, len(info.Symbols))
	for _, s := range info.Symbols {
		m := types.Market{
			Symbol:          s.Symbol,
			Base:            s.BaseAsset,
			Quote:           s.QuoteAsset,
			Active:          s.Status == "TRADING",
			Spot:            s.IsSpotAllowed,
			Margin:          marginOK[s.Symbol],
			AmountPrecision: s.BaseAssetPrecision,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				m.MinAmount = mustDec(f.MinQty)
				m.MaxAmount = mustDec(f.MaxQty)
				m.AmountStep = mustDec(f.StepSize)
			case "NOTIONAL", "MIN_NOTIONAL":
				m.MinCost = mustDec(f.MinNotional)
			case "MARKET_LOT_SIZE":
				m.MaxMarketAmount = mustDec(f.MaxQty)
			}
		}
		markets[s.Symbol] = m
	}

	c.mu.Lock()
	c.markets = markets
	c.marketsAt = time.Now()
	c.mu.Unlock()

	c.logger.Info("markets loaded", "count", len(markets))
	return markets, nil
}

type priceTick struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// LoadPrices returns last prices for every symbol, cached for 60 seconds.
func (c *Client) LoadPrices(ctx context.Context) (map[string]decimal.Decimal, error) {
	c.mu.Lock()
	if c.prices != nil && time.Since(c.pricesAt) < pricesTTL {
		cached := c.prices
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}
	var ticks []priceTick
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&ticks).
		Get("/api/v3/ticker/price")
	if err != nil {
		return nil, fmt.Errorf("prices: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("prices: status %d: %s", resp.StatusCode(), resp.String())
	}

	prices := make(map[string]decimal.Decimal, len(ticks))
	for _, t := range ticks {
		prices[t.Symbol] = mustDec(t.Price)
	}

	c.mu.Lock()
	c.prices = prices
	c.pricesAt = time.Now()
	c.mu.Unlock()
	return prices, nil
}

// FetchTicker returns the current top of book for one symbol.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (types.Ticker, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return types.Ticker{}, err
	}
	var raw struct {
		Symbol string `json:"symbol"`
		Bid    string `json:"bidPrice"`
		Ask    string `json:"askPrice"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&raw).
		Get("/api/v3/ticker/bookTicker")
	if err != nil {
		return types.Ticker{}, fmt.Errorf("ticker %s: %w", symbol, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.Ticker{}, fmt.Errorf("ticker %s: status %d: %s", symbol, resp.StatusCode(), resp.String())
	}
	return types.Ticker{Symbol: symbol, Bid: mustDec(raw.Bid), Ask: mustDec(raw.Ask)}, nil
}

// ————————————————————————————————————————————————————————————————————————
// Balances
// ————————————————————————————————————————————————————————————————————————

// FetchBalance returns the wallet balance, served from cache when fresh.
// After a mutating call the read waits out the settle delay first.
func (c *Client) FetchBalance(ctx context.Context, wallet types.Wallet) (types.Balance, error) {
	c.mu.Lock()
	entry := c.balances[wallet]
	if entry != nil && time.Since(entry.at) < balanceCacheTTL {
		bal := entry.bal
		c.mu.Unlock()
		return bal, nil
	}
	wait := c.syncDelay - time.Since(c.lastMutation)
	c.mu.Unlock()

	if wait > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	var bal types.Balance
	var err error
	if wallet == types.WalletMargin {
		bal, err = c.fetchMarginBalance(ctx)
	} else {
		bal, err = c.fetchSpotBalance(ctx)
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.balances[wallet] = &balanceEntry{bal: bal, at: time.Now()}
	c.mu.Unlock()
	return bal, nil
}

// InvalidateBalances drops the balance cache for every wallet.
func (c *Client) InvalidateBalances() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances = make(map[types.Wallet]*balanceEntry)
}

func (c *Client) fetchSpotBalance(ctx context.Context) (types.Balance, error) {
	if err := c.rl.Account.Wait(ctx); err != nil {
		return nil, err
	}
	var raw struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryString(c.auth.Sign(url.Values{})).
		SetResult(&raw).
		Get("/api/v3/account")
	if err != nil {
		return nil, fmt.Errorf("spot balance: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("spot balance: status %d: %s", resp.StatusCode(), resp.String())
	}

	bal := make(types.Balance, len(raw.Balances))
	for _, b := range raw.Balances {
		bal[b.Asset] = types.AssetBalance{Free: mustDec(b.Free), Locked: mustDec(b.Locked)}
	}
	return bal, nil
}

func (c *Client) fetchMarginBalance(ctx context.Context) (types.Balance, error) {
	if err := c.rl.Account.Wait(ctx); err != nil {
		return nil, err
	}
	var raw struct {
		UserAssets []struct {
			Asset    string `json:"asset"`
			Free     string `json:"free"`
			Locked   string `json:"locked"`
			Borrowed string `json:"borrowed"`
			Interest string `json:"interest"`
		} `json:"userAssets"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryString(c.auth.Sign(url.Values{})).
		SetResult(&raw).
		Get("/sapi/v1/margin/account")
	if err != nil {
		return nil, fmt.Errorf("margin balance: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("margin balance: status %d: %s", resp.StatusCode(), resp.String())
	}

	bal := make(types.Balance, len(raw.UserAssets))
	for _, b := range raw.UserAssets {
		bal[b.Asset] = types.AssetBalance{
			Free:     mustDec(b.Free),
			Locked:   mustDec(b.Locked),
			Borrowed: mustDec(b.Borrowed),
			Interest: mustDec(b.Interest),
		}
	}
	return bal, nil
}

// ————————————————————————————————————————————————————————————————————————
// Mutating calls
// ————————————————————————————————————————————————————————————————————————

// CreateMarketOrder places a market order and returns the actual fill.
// Success requires the mapped status "closed"; anything else means nothing
// was done on the book.
func (c *Client) CreateMarketOrder(ctx context.Context, symbol string, side types.Side, amount decimal.Decimal, wallet types.Wallet) (types.OrderResult, error) {
	c.beginMutation()
	defer c.endMutation()

	if err := c.rl.Order.Wait(ctx); err != nil {
		return types.OrderResult{}, err
	}

	path := "/api/v3/order"
	if wallet == types.WalletMargin {
		path = "/sapi/v1/margin/order"
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "MARKET")
	params.Set("quantity", amount.String())

	var raw struct {
		Status       string `json:"status"`
		ExecutedQty  string `json:"executedQty"`
		CumQuoteQty  string `json:"cummulativeQuoteQty"`
		TransactTime int64  `json:"transactTime"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryString(c.auth.Sign(params)).
		SetResult(&raw).
		Post(path)
	if err != nil {
		return types.OrderResult{}, fmt.Errorf("market %s %s: %w", strings.ToLower(string(side)), symbol, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.OrderResult{}, fmt.Errorf("market %s %s: status %d: %s", strings.ToLower(string(side)), symbol, resp.StatusCode(), resp.String())
	}

	qty := mustDec(raw.ExecutedQty)
	cost := mustDec(raw.CumQuoteQty)
	result := types.OrderResult{
		Status:   mapOrderStatus(raw.Status),
		Symbol:   symbol,
		Side:     side,
		Quantity: qty,
		Cost:     cost,
		Time:     time.UnixMilli(raw.TransactTime),
	}
	if qty.IsPositive() {
		result.Price = cost.Div(qty)
	}
	return result, nil
}

// MarginBorrow takes a cross-margin loan. The transaction id is the success
// marker; an empty id means the loan was not granted.
func (c *Client) MarginBorrow(ctx context.Context, asset string, amount decimal.Decimal) (string, error) {
	return c.marginLoanCall(ctx, "/sapi/v1/margin/loan", "borrow", asset, amount)
}

// MarginRepay pays back a cross-margin loan.
func (c *Client) MarginRepay(ctx context.Context, asset string, amount decimal.Decimal) (string, error) {
	return c.marginLoanCall(ctx, "/sapi/v1/margin/repay", "repay", asset, amount)
}

func (c *Client) marginLoanCall(ctx context.Context, path, op, asset string, amount decimal.Decimal) (string, error) {
	c.beginMutation()
	defer c.endMutation()

	if err := c.rl.Order.Wait(ctx); err != nil {
		return "", err
	}
	params := url.Values{}
	params.Set("asset", asset)
	params.Set("amount", amount.String())

	var raw struct {
		TranID int64 `json:"tranId"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryString(c.auth.Sign(params)).
		SetResult(&raw).
		Post(path)
	if err != nil {
		return "", fmt.Errorf("%s %s %s: %w", op, amount, asset, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("%s %s %s: status %d: %s", op, amount, asset, resp.StatusCode(), resp.String())
	}
	if raw.TranID == 0 {
		return "", fmt.Errorf("%s %s %s: no transaction id in response", op, amount, asset)
	}
	return fmt.Sprintf("%d", raw.TranID), nil
}

// beginMutation / endMutation bracket every mutating call: the balance cache
// is wrong on both sides of the mutation, and the settle-delay clock restarts
// when the call finishes.
func (c *Client) beginMutation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances = make(map[types.Wallet]*balanceEntry)
	c.lastMutation = time.Now()
}

func (c *Client) endMutation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances = make(map[types.Wallet]*balanceEntry)
	c.lastMutation = time.Now()
}

func mapOrderStatus(s string) string {
	if s == "FILLED" {
		return types.OrderStatusClosed
	}
	return strings.ToLower(s)
}

// mustDec parses an exchange-provided decimal string, treating malformed or
// empty values as zero. The exchange owns these formats; a parse failure is
// a missing optional field, not an error path worth plumbing.
func mustDec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
