// Package notify fans out operator notifications to registered sinks.
//
// Sinks are invoked in parallel; one slow or failing sink never blocks the
// batch or the trading path. A minimum level filter drops chatter below the
// configured severity.
package notify

import (
	"log/slog"
	"sync"
	"time"
)

// Level orders notification severities.
type Level int

const (
	LevelInfo Level = iota
	LevelSuccess
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a Level. Unknown values mean info.
func ParseLevel(s string) Level {
	switch s {
	case "success":
		return LevelSuccess
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelSuccess:
		return "success"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// Message is one notification. Body is the plain rendering; Rich carries the
// structured trade context (action, symbol, prices, cost, wallet, timing)
// for sinks that can format it.
type Message struct {
	Level   Level
	Subject string
	Body    string
	Rich    *TradeDetail
	Time    time.Time
}

// TradeDetail is the structured payload attached to trade notifications.
type TradeDetail struct {
	Action    string
	Symbol    string
	Wallet    string
	Trading   string
	Quantity  string
	PriceBuy  string
	PriceSell string
	Cost      string
	PnL       string
	Held      time.Duration
}

// Sink delivers one message. Failures are logged, never retried.
type Sink interface {
	Name() string
	Send(msg Message) error
}

// Hub is the level-filtered fan-out point.
type Hub struct {
	minLevel Level
	logger   *slog.Logger

	mu    sync.RWMutex
	sinks []Sink
}

// NewHub creates a notifier hub with the given level floor.
func NewHub(minLevel Level, logger *slog.Logger) *Hub {
	return &Hub{
		minLevel: minLevel,
		logger:   logger.With("component", "notify"),
	}
}

// Register adds a sink.
func (h *Hub) Register(s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks = append(h.sinks, s)
}

// Notify delivers the message to every sink at or above the level floor.
// Returns immediately; delivery runs in parallel goroutines.
func (h *Hub) Notify(msg Message) {
	if msg.Level < h.minLevel {
		return
	}
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}

	h.mu.RLock()
	sinks := append([]Sink(nil), h.sinks...)
	h.mu.RUnlock()

	for _, s := range sinks {
		go func(s Sink) {
			if err := s.Send(msg); err != nil {
				h.logger.Warn("sink delivery failed", "sink", s.Name(), "error", err)
			}
		}(s)
	}
}

// Info is shorthand for an info-level message.
func (h *Hub) Info(subject, body string) {
	h.Notify(Message{Level: LevelInfo, Subject: subject, Body: body})
}

// Success is shorthand for a success-level message.
func (h *Hub) Success(subject, body string, rich *TradeDetail) {
	h.Notify(Message{Level: LevelSuccess, Subject: subject, Body: body, Rich: rich})
}

// Warn is shorthand for a warn-level message.
func (h *Hub) Warn(subject, body string) {
	h.Notify(Message{Level: LevelWarn, Subject: subject, Body: body})
}

// Error is shorthand for an error-level message.
func (h *Hub) Error(subject, body string) {
	h.Notify(Message{Level: LevelError, Subject: subject, Body: body})
}

// LogSink writes notifications to the process log. Always registered so
// notifications are visible even with no external sink configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates the log sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "notify-log")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(msg Message) error {
	switch msg.Level {
	case LevelError:
		s.logger.Error(msg.Subject, "body", msg.Body)
	case LevelWarn:
		s.logger.Warn(msg.Subject, "body", msg.Body)
	default:
		s.logger.Info(msg.Subject, "body", msg.Body)
	}
	return nil
}
