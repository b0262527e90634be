package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KindTokenPurchase indicates tokens were allocated for an accepted payment.
	KindTokenPurchase = "token_purchase"
	// KindTransfer indicates a holder-to-holder token movement.
	KindTransfer = "transfer"
	// KindSaleClosed indicates the sale reached its goal or window end.
	KindSaleClosed = "sale_closed"

	// Channel is the Redis pub/sub channel external indexers subscribe to.
	Channel = "tokensale:events"
)

// Event describes an observable ledger or sale occurrence for external
// indexers.
type Event struct {
	Kind          string    `json:"kind"`
	TransactionID string    `json:"transaction_id,omitempty"`
	From          string    `json:"from,omitempty"`
	To            string    `json:"to,omitempty"`
	Amount        string    `json:"amount,omitempty"`
	Tokens        string    `json:"tokens,omitempty"`
	At            time.Time `json:"at"`
}

// Emitter publishes events to downstream systems. Emission is best-effort
// and never affects the outcome of the operation that produced the event.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

// LoggerEmitter writes events to the structured logger.
type LoggerEmitter struct {
	logger *slog.Logger
}

// NewLoggerEmitter constructs a logging emitter.
func NewLoggerEmitter(logger *slog.Logger) *LoggerEmitter {
	return &LoggerEmitter{logger: logger}
}

// Emit writes the event to the log.
func (e *LoggerEmitter) Emit(_ context.Context, event Event) {
	if e == nil || e.logger == nil {
		return
	}
	e.logger.Info("event",
		"kind", event.Kind,
		"transaction_id", event.TransactionID,
		"from", event.From,
		"to", event.To,
		"amount", event.Amount,
		"tokens", event.Tokens,
	)
}

// RedisEmitter publishes events as JSON on a Redis channel in addition to
// logging them.
type RedisEmitter struct {
	cache  *redis.Client
	logger *slog.Logger
}

// NewRedisEmitter constructs a Redis-publishing emitter.
func NewRedisEmitter(cache *redis.Client, logger *slog.Logger) *RedisEmitter {
	return &RedisEmitter{cache: cache, logger: logger}
}

// Emit publishes the event; publish failures are logged and swallowed.
func (e *RedisEmitter) Emit(ctx context.Context, event Event) {
	if e == nil || e.cache == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		if e.logger != nil {
			e.logger.Warn("encode event", "kind", event.Kind, "error", err)
		}
		return
	}
	if err := e.cache.Publish(ctx, Channel, payload).Err(); err != nil && e.logger != nil {
		e.logger.Warn("publish event", "kind", event.Kind, "error", err)
	}
}
