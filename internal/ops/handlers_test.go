package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"hubtrader/pkg/types"
)

// fakeCore scripts the engine surface and records write actions.
type fakeCore struct {
	operational bool
	strategies  []types.Strategy
	trades      []types.TradeOpen
	series      []string
	days        map[string][]types.BalanceDay
	txs         []types.Transaction

	calls   []string
	failIDs map[string]bool
}

func (f *fakeCore) record(call, id string) error {
	f.calls = append(f.calls, call+":"+id)
	if f.failIDs[id] {
		return errors.New(id + " not found")
	}
	return nil
}

func (f *fakeCore) Operational() bool                        { return f.operational }
func (f *fakeCore) StrategiesView() []types.Strategy         { return f.strategies }
func (f *fakeCore) PublicStrategiesView() []types.PublicStrategy {
	return []types.PublicStrategy{{ID: "pub", Name: "Observed"}}
}
func (f *fakeCore) StopStrategy(id string) error  { return f.record("stop-strategy", id) }
func (f *fakeCore) StartStrategy(id string) error { return f.record("start-strategy", id) }
func (f *fakeCore) TradesView() []types.TradeOpen { return f.trades }
func (f *fakeCore) SetTradeHodl(id string, hodl bool) error {
	if hodl {
		return f.record("hodl", id)
	}
	return f.record("release", id)
}
func (f *fakeCore) SetTradeStopped(id string, stopped bool) error {
	if stopped {
		return f.record("stop-trade", id)
	}
	return f.record("start-trade", id)
}
func (f *fakeCore) CloseTrade(_ context.Context, id string) error { return f.record("close", id) }
func (f *fakeCore) DeleteTrade(id string) error                   { return f.record("delete", id) }
func (f *fakeCore) HistorySeries() []string                       { return f.series }
func (f *fakeCore) HistoryEntries(mode types.TradingType, quote string) []types.BalanceDay {
	return f.days[string(mode)+"|"+quote]
}
func (f *fakeCore) ResetPnL(arg string) error { return f.record("reset-pnl", arg) }
func (f *fakeCore) TopUpFeeToken(quote string, w types.Wallet) {
	f.calls = append(f.calls, "topup:"+quote+":"+string(w))
}
func (f *fakeCore) VirtualBalancesView() map[types.Wallet]map[string]decimal.Decimal {
	return map[types.Wallet]map[string]decimal.Decimal{
		types.WalletMargin: {"BTC": decimal.RequireFromString("0.09")},
	}
}
func (f *fakeCore) ResetVirtual(amount decimal.Decimal) {
	f.calls = append(f.calls, "reset-virtual:"+amount.String())
}
func (f *fakeCore) RecentTransactions(_ context.Context, n int) ([]types.Transaction, error) {
	return f.txs, nil
}

func newTestHandlers(core *fakeCore) *Handlers {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	logs := NewLogRing(100)
	logs.Write([]byte("line one\nline two\n"))
	return NewHandlers(core, logs, logger)
}

func get(t *testing.T, h http.HandlerFunc, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()

	h := newTestHandlers(&fakeCore{operational: true})
	rec := get(t, h.HandleHealth, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, true, body["operational"])
}

func TestHandleLog(t *testing.T) {
	t.Parallel()

	h := newTestHandlers(&fakeCore{})
	rec := get(t, h.HandleLog, "/log?db=1")

	var lines []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lines))
	require.Equal(t, []string{"line two"}, lines)
}

func TestHandleStrategies(t *testing.T) {
	t.Parallel()

	core := &fakeCore{
		strategies: []types.Strategy{{ID: "s1", Name: "Alpha"}},
		failIDs:    map[string]bool{"missing": true},
	}
	h := newTestHandlers(core)

	rec := get(t, h.HandleStrategies, "/strategies")
	var list []types.Strategy
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	require.Equal(t, "Alpha", list[0].Name)

	rec = get(t, h.HandleStrategies, "/strategies?stop=s1")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = get(t, h.HandleStrategies, "/strategies?start=s1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"stop-strategy:s1", "start-strategy:s1"}, core.calls)

	rec = get(t, h.HandleStrategies, "/strategies?stop=missing")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = get(t, h.HandleStrategies, "/strategies?public")
	var public []types.PublicStrategy
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &public))
	require.Equal(t, "Observed", public[0].Name)
}

func TestHandleTradesActions(t *testing.T) {
	t.Parallel()

	core := &fakeCore{
		trades:  []types.TradeOpen{{ID: "t1", Symbol: "ETHBTC"}},
		failIDs: map[string]bool{"bad": true},
	}
	h := newTestHandlers(core)

	rec := get(t, h.HandleTrades, "/trades")
	var list []types.TradeOpen
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	for _, target := range []string{
		"/trades?hodl=t1",
		"/trades?release=t1",
		"/trades?stop=t1",
		"/trades?start=t1",
		"/trades?close=t1",
		"/trades?delete=t1",
	} {
		rec = get(t, h.HandleTrades, target)
		require.Equal(t, http.StatusOK, rec.Code, target)
	}
	require.Equal(t, []string{
		"hodl:t1", "release:t1", "stop-trade:t1", "start-trade:t1", "close:t1", "delete:t1",
	}, core.calls)

	rec = get(t, h.HandleTrades, "/trades?close=bad")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlePnL(t *testing.T) {
	t.Parallel()

	core := &fakeCore{
		series: []string{"real|BTC"},
		days: map[string][]types.BalanceDay{
			"real|BTC": {{TotalClosedTrades: 3}},
		},
	}
	h := newTestHandlers(core)

	rec := get(t, h.HandlePnL, "/pnl")
	var out map[string][]types.BalanceDay
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out["real|BTC"], 1)
	require.Equal(t, 3, out["real|BTC"][0].TotalClosedTrades)

	rec = get(t, h.HandlePnL, "/pnl?reset=BTC:real")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, core.calls, "reset-pnl:BTC:real")

	rec = get(t, h.HandlePnL, "/pnl?topup=BTC:spot")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, core.calls, "topup:BTC:spot")

	rec = get(t, h.HandlePnL, "/pnl?topup=nonsense")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleVirtual(t *testing.T) {
	t.Parallel()

	core := &fakeCore{}
	h := newTestHandlers(core)

	rec := get(t, h.HandleVirtual, "/virtual")
	var balances map[string]map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &balances))
	require.Equal(t, "0.09", balances["margin"]["BTC"])

	rec = get(t, h.HandleVirtual, "/virtual?reset=true")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, core.calls, "reset-virtual:0")

	rec = get(t, h.HandleVirtual, "/virtual?reset=0.5")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, core.calls, "reset-virtual:0.5")

	rec = get(t, h.HandleVirtual, "/virtual?reset=junk")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWithPassword(t *testing.T) {
	t.Parallel()

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	guarded := withPassword("secret", next)

	req := httptest.NewRequest(http.MethodGet, "/trades", nil)
	rec := httptest.NewRecorder()
	guarded.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/trades?pw=secret", nil)
	rec = httptest.NewRecorder()
	guarded.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/trades", nil)
	req.Header.Set("X-Password", "secret")
	rec = httptest.NewRecorder()
	guarded.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Health stays open for load balancers.
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rec = httptest.NewRecorder()
	guarded.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Empty password disables the gate entirely.
	open := withPassword("", next)
	req = httptest.NewRequest(http.MethodGet, "/trades", nil)
	rec = httptest.NewRecorder()
	open.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
