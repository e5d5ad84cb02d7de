package ops

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"hubtrader/pkg/types"
)

// Handlers holds the operator route implementations.
type Handlers struct {
	core   Core
	logs   *LogRing
	logger *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(core Core, logs *LogRing, logger *slog.Logger) *Handlers {
	return &Handlers{core: core, logs: logs, logger: logger.With("component", "ops-handlers")}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("response encode failed", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (h *Handlers) writeOK(w http.ResponseWriter) {
	h.writeJSON(w, map[string]string{"status": "ok"})
}

// HandleHealth reports liveness and whether reconciliation has finished.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]any{
		"status":      "ok",
		"operational": h.core.Operational(),
	})
}

// HandleLog serves the newest in-memory log lines; ?db=N limits the count.
func (h *Handlers) HandleLog(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(r.URL.Query().Get("db"))
	h.writeJSON(w, h.logs.Lines(n))
}

// HandleTransactions serves the journal, newest first; ?db=N limits rows.
func (h *Handlers) HandleTransactions(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(r.URL.Query().Get("db"))
	txs, err := h.core.RecentTransactions(r.Context(), n)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, txs)
}

// HandlePnL serves the balance history; ?reset=ASSET:mode drops a series,
// ?topup=ASSET:wallet queues a fee-token buy.
func (h *Handlers) HandlePnL(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if arg := q.Get("reset"); arg != "" {
		if err := h.core.ResetPnL(arg); err != nil {
			h.writeError(w, http.StatusBadRequest, err)
			return
		}
		h.writeOK(w)
		return
	}
	if arg := q.Get("topup"); arg != "" {
		parts := strings.SplitN(arg, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			h.writeError(w, http.StatusBadRequest, fmt.Errorf("want ASSET:wallet, got %q", arg))
			return
		}
		h.core.TopUpFeeToken(strings.ToUpper(parts[0]), types.Wallet(parts[1]))
		h.writeOK(w)
		return
	}

	out := make(map[string][]types.BalanceDay)
	for _, key := range h.core.HistorySeries() {
		mode, quote, ok := splitSeries(key)
		if !ok {
			continue
		}
		out[key] = h.core.HistoryEntries(mode, quote)
	}
	h.writeJSON(w, out)
}

// HandleStrategies lists strategies; ?stop / ?start take an id, ?public
// switches to the observation counters.
func (h *Handlers) HandleStrategies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if id := q.Get("stop"); id != "" {
		if err := h.core.StopStrategy(id); err != nil {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		h.writeOK(w)
		return
	}
	if id := q.Get("start"); id != "" {
		if err := h.core.StartStrategy(id); err != nil {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		h.writeOK(w)
		return
	}
	if q.Has("public") {
		h.writeJSON(w, h.core.PublicStrategiesView())
		return
	}
	h.writeJSON(w, h.core.StrategiesView())
}

// HandleTrades lists open trades and applies the per-trade actions.
func (h *Handlers) HandleTrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	type action struct {
		param string
		run   func(id string) error
	}
	actions := []action{
		{"hodl", func(id string) error { return h.core.SetTradeHodl(id, true) }},
		{"release", func(id string) error { return h.core.SetTradeHodl(id, false) }},
		{"stop", func(id string) error { return h.core.SetTradeStopped(id, true) }},
		{"start", func(id string) error { return h.core.SetTradeStopped(id, false) }},
		{"close", func(id string) error { return h.core.CloseTrade(r.Context(), id) }},
		{"delete", h.core.DeleteTrade},
	}
	for _, a := range actions {
		if id := q.Get(a.param); id != "" {
			if err := a.run(id); err != nil {
				h.writeError(w, http.StatusConflict, err)
				return
			}
			h.writeOK(w)
			return
		}
	}

	h.writeJSON(w, h.core.TradesView())
}

// HandleVirtual serves the virtual ledger; ?reset=true reseeds with the
// configured amount, ?reset=<number> overrides the seed.
func (h *Handlers) HandleVirtual(w http.ResponseWriter, r *http.Request) {
	if arg := r.URL.Query().Get("reset"); arg != "" {
		amount := decimal.Zero
		if arg != "true" {
			var err error
			if amount, err = decimal.NewFromString(arg); err != nil {
				h.writeError(w, http.StatusBadRequest, err)
				return
			}
		}
		h.core.ResetVirtual(amount)
		h.writeOK(w)
		return
	}
	h.writeJSON(w, h.core.VirtualBalancesView())
}

func splitSeries(key string) (types.TradingType, string, bool) {
	parts := strings.SplitN(key, "|", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return types.TradingType(parts[0]), parts[1], true
}
