// Package ops is the operator and diagnostics HTTP surface: read-only views
// of strategies, trades, PnL history, virtual balances and the transaction
// journal, plus the write actions (stop/start, hodl/release, close, delete,
// reset, top-up). Responses are JSON except /graph.html. An optional
// password guards every route.
package ops

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"hubtrader/internal/config"
	"hubtrader/pkg/types"
)

// Core is the engine surface the operator drives.
type Core interface {
	Operational() bool
	StrategiesView() []types.Strategy
	PublicStrategiesView() []types.PublicStrategy
	StopStrategy(id string) error
	StartStrategy(id string) error
	TradesView() []types.TradeOpen
	SetTradeHodl(id string, hodl bool) error
	SetTradeStopped(id string, stopped bool) error
	CloseTrade(ctx context.Context, id string) error
	DeleteTrade(id string) error
	HistorySeries() []string
	HistoryEntries(mode types.TradingType, quote string) []types.BalanceDay
	ResetPnL(arg string) error
	TopUpFeeToken(quote string, w types.Wallet)
	VirtualBalancesView() map[types.Wallet]map[string]decimal.Decimal
	ResetVirtual(amount decimal.Decimal)
	RecentTransactions(ctx context.Context, n int) ([]types.Transaction, error)
}

// Server hosts the operator HTTP surface.
type Server struct {
	cfg      config.OpsConfig
	core     Core
	logs     *LogRing
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the routes.
func NewServer(cfg config.OpsConfig, core Core, logs *LogRing, logger *slog.Logger) *Server {
	handlers := NewHandlers(core, logs, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/log", handlers.HandleLog)
	mux.HandleFunc("/trans", handlers.HandleTransactions)
	mux.HandleFunc("/pnl", handlers.HandlePnL)
	mux.HandleFunc("/strategies", handlers.HandleStrategies)
	mux.HandleFunc("/trades", handlers.HandleTrades)
	mux.HandleFunc("/virtual", handlers.HandleVirtual)
	mux.HandleFunc("/graph.html", handlers.HandleGraph)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      withPassword(cfg.Password, mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		core:     core,
		logs:     logs,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "ops-server"),
	}
}

// Start serves until Stop. Blocks; call in a goroutine.
func (s *Server) Start() error {
	s.logger.Info("ops server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop() error {
	s.logger.Info("stopping ops server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// withPassword gates every route behind the configured password, supplied as
// ?pw= or the X-Password header. Empty config means open access. /health
// stays unguarded for load balancers.
func withPassword(password string, next http.Handler) http.Handler {
	if password == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.URL.Query().Get("pw")
		if got == "" {
			got = r.Header.Get("X-Password")
		}
		if got != password {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
