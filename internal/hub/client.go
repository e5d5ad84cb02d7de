// Package hub maintains the long-lived connection to the signal hub.
//
// One websocket carries everything: the strategy-list payload, the four
// signal kinds (buy, sell, close, stop), and our outbound "traded" acks.
// Frames are JSON envelopes {"event": ..., "data": ...}. The connection
// auto-reconnects with exponential backoff (1s → 30s max) and a read
// deadline so silent server failures are detected within ~2 missed pings.
//
// Two REST calls back the reconciliation path: the user's open trades and a
// single strategy's open trades.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	"hubtrader/internal/config"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	signalBufferSize = 64
)

// envelope is the wire frame in both directions.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Client is the hub connection: socket feed plus the two REST list calls.
type Client struct {
	wsURL  string
	key    string
	http   *resty.Client
	logger *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex

	strategiesCh chan []StrategyInfo
	signalCh     chan SignalEvent
}

// NewClient creates a hub client from config.
func NewClient(cfg config.HubConfig, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.HTTPURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("Authorization", "Bearer "+cfg.Key)

	return &Client{
		wsURL:        cfg.WSURL,
		key:          cfg.Key,
		http:         httpClient,
		logger:       logger.With("component", "hub"),
		strategiesCh: make(chan []StrategyInfo, 4),
		signalCh:     make(chan SignalEvent, signalBufferSize),
	}
}

// Strategies returns the channel of strategy-list payloads.
func (c *Client) Strategies() <-chan []StrategyInfo { return c.strategiesCh }

// Signals returns the channel of signal events, in delivery order.
func (c *Client) Signals() <-chan SignalEvent { return c.signalCh }

// Run connects and maintains the socket with auto-reconnect.
// Blocks until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Warn("hub disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close gracefully closes the socket.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// EmitTraded acknowledges an executed signal back to the hub. An empty
// channel means no ack (rebalance child tasks stay hub-silent).
func (c *Client) EmitTraded(channel string, ack TradedAck) error {
	if channel == ChannelNone {
		return nil
	}
	data, err := json.Marshal(ack)
	if err != nil {
		return fmt.Errorf("marshal ack: %w", err)
	}
	return c.writeJSON(envelope{Event: channel, Data: data})
}

func (c *Client) connectAndRead(ctx context.Context) error {
	header := http.Header{"Authorization": {"Bearer " + c.key}}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	defer func() {
		c.connMu.Lock()
		conn.Close()
		c.conn = nil
		c.connMu.Unlock()
	}()

	c.logger.Info("hub connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go c.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		c.dispatchMessage(msg)
	}
}

func (c *Client) dispatchMessage(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Debug("ignoring non-json hub message", "data", string(data))
		return
	}

	switch env.Event {
	case "strategies":
		var list []StrategyInfo
		if err := json.Unmarshal(env.Data, &list); err != nil {
			c.logger.Error("unmarshal strategy list", "error", err)
			return
		}
		select {
		case c.strategiesCh <- list:
		default:
			// Only the newest list matters; drop the stale one.
			select {
			case <-c.strategiesCh:
			default:
			}
			c.strategiesCh <- list
		}

	case string(KindBuy), string(KindSell), string(KindClose), string(KindStop):
		var evt SignalEvent
		if err := json.Unmarshal(env.Data, &evt); err != nil {
			c.logger.Error("unmarshal signal", "event", env.Event, "error", err)
			return
		}
		evt.Kind = SignalKind(env.Event)
		// Signals must keep hub order; block rather than drop.
		c.signalCh <- evt

	default:
		c.logger.Debug("unknown hub event", "event", env.Event)
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Client) writeJSON(v any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("hub not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *Client) writeMessage(msgType int, data []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("hub not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(msgType, data)
}

// OpenTrades lists the user's open trades as the hub sees them.
func (c *Client) OpenTrades(ctx context.Context) ([]Trade, error) {
	var trades []Trade
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&trades).
		Get("/trades/open")
	if err != nil {
		return nil, fmt.Errorf("hub open trades: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("hub open trades: status %d: %s", resp.StatusCode(), resp.String())
	}
	return trades, nil
}

// StrategyTrades lists one strategy's open trades.
func (c *Client) StrategyTrades(ctx context.Context, strategyID string) ([]Trade, error) {
	var trades []Trade
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", strategyID).
		SetResult(&trades).
		Get("/strategies/{id}/trades")
	if err != nil {
		return nil, fmt.Errorf("hub strategy trades: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("hub strategy trades: status %d: %s", resp.StatusCode(), resp.String())
	}
	return trades, nil
}
