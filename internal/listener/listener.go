// Package listener feeds order and purchase events from Kafka into the ledger engine.
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirinaja/stockledger/internal/cache"
	"kasirinaja/stockledger/internal/domain"
	"kasirinaja/stockledger/internal/metrics"
	"kasirinaja/stockledger/internal/store"
)

const (
	EventOrderConfirmed   = "OrderConfirmed"
	EventOrderLineRemoved = "OrderLineRemoved"
	EventOrderCancelled   = "OrderCancelled"
	EventPurchaseReceived = "PurchaseReceived"

	defaultActor       = "system"
	defaultMaxAttempts = 3
)

// Reader is the part of *kafka.Reader the listener uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Engine is the slice of the ledger service driven by events.
type Engine interface {
	ReserveAndConsumeBatch(ctx context.Context, req domain.BatchConsumeRequest) ([]domain.LedgerEntry, error)
	Restore(ctx context.Context, req domain.RestoreRequest) ([]domain.LedgerEntry, error)
	RestoreReference(ctx context.Context, ref domain.Reference, actor string, notes string) ([]domain.LedgerEntry, error)
	ReceivePurchase(ctx context.Context, req domain.PurchaseReceiptRequest) ([]domain.ReceiptResult, error)
}

type Envelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

type OrderLine struct {
	UnitID   string `json:"unit_id"`
	Quantity int64  `json:"quantity"`
}

type OrderConfirmedPayload struct {
	OrderID string         `json:"order_id"`
	Channel domain.Channel `json:"channel"`
	Actor   string         `json:"actor"`
	Lines   []OrderLine    `json:"lines"`
}

type OrderLineRemovedPayload struct {
	OrderID  string `json:"order_id"`
	UnitID   string `json:"unit_id"`
	Quantity int64  `json:"quantity"`
	Actor    string `json:"actor"`
}

type OrderCancelledPayload struct {
	OrderID string `json:"order_id"`
	Actor   string `json:"actor"`
	Reason  string `json:"reason"`
}

type PurchaseLine struct {
	ComponentID string          `json:"component_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
}

type PurchaseReceivedPayload struct {
	PurchaseID string         `json:"purchase_id"`
	Actor      string         `json:"actor"`
	Lines      []PurchaseLine `json:"lines"`
}

type Options struct {
	DedupeTTL   time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

type Listener struct {
	reader      Reader
	engine      Engine
	deduper     cache.Deduper
	dedupeTTL   time.Duration
	maxAttempts int
	retryDelay  time.Duration
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// NewReader builds a consumer-group reader. Offsets are committed explicitly after each
// message is handled.
func NewReader(brokers []string, topic string, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	})
}

func New(reader Reader, engine Engine, deduper cache.Deduper, opts Options) *Listener {
	if deduper == nil {
		deduper = cache.NoopDeduper{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	attempts := opts.MaxAttempts
	if attempts < 1 {
		attempts = defaultMaxAttempts
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	ttl := opts.DedupeTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &Listener{
		reader:      reader,
		engine:      engine,
		deduper:     deduper,
		dedupeTTL:   ttl,
		maxAttempts: attempts,
		retryDelay:  delay,
		logger:      logger.Named("listener"),
		metrics:     opts.Metrics,
	}
}

// Start consumes until ctx is cancelled.
func (l *Listener) Start(ctx context.Context) {
	l.logger.Info("starting inventory event listener")
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("stopping inventory event listener")
			return
		default:
		}

		msg, err := l.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Error("failed to read kafka message", zap.Error(err))
			if !sleep(ctx, l.retryDelay) {
				return
			}
			continue
		}

		l.processMessage(ctx, msg)
		if err := l.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			l.logger.Error("failed to commit kafka offset",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}
	}
}

func (l *Listener) processMessage(ctx context.Context, msg kafka.Message) {
	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		err := l.Handle(ctx, msg.Value)
		if err == nil || !retryable(err) {
			return
		}
		l.logger.Warn("event handling failed",
			zap.Int("attempt", attempt),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		if attempt == l.maxAttempts || !sleep(ctx, l.retryDelay) {
			l.logger.Error("giving up on event", zap.Int64("offset", msg.Offset), zap.Error(err))
			return
		}
	}
}

// Handle applies one event. Malformed, duplicate and unknown events are dropped and
// return nil; business rejections are logged and also return nil since replaying them
// cannot succeed. Only transient failures are returned.
func (l *Listener) Handle(ctx context.Context, value []byte) error {
	var env Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		l.logger.Error("failed to unmarshal event", zap.Error(err))
		l.metrics.Event("unknown", "malformed")
		return nil
	}

	handler, ok := l.handlers()[env.EventType]
	if !ok {
		l.metrics.Event(env.EventType, "ignored")
		return nil
	}
	if env.EventID == "" {
		l.logger.Error("event without id", zap.String("event_type", env.EventType))
		l.metrics.Event(env.EventType, "malformed")
		return nil
	}

	claimed, err := l.deduper.Claim(ctx, env.EventID, l.dedupeTTL)
	if err != nil {
		return fmt.Errorf("claim event %s: %w", env.EventID, err)
	}
	if !claimed {
		l.logger.Info("skipping duplicate event", zap.String("event_id", env.EventID), zap.String("event_type", env.EventType))
		l.metrics.Event(env.EventType, "duplicate")
		return nil
	}

	fields := []zap.Field{zap.String("event_id", env.EventID), zap.String("event_type", env.EventType)}
	err = handler(ctx, env)
	switch {
	case err == nil:
		l.logger.Info("processed event", fields...)
		l.metrics.Event(env.EventType, "ok")
		return nil
	case retryable(err):
		if releaseErr := l.deduper.Release(ctx, env.EventID); releaseErr != nil {
			l.logger.Error("failed to release event claim", append(fields, zap.Error(releaseErr))...)
		}
		l.metrics.Event(env.EventType, "retry")
		return err
	default:
		l.logger.Error("event rejected", append(fields, zap.Error(err))...)
		l.metrics.Event(env.EventType, "rejected")
		return nil
	}
}

type handlerFunc func(ctx context.Context, env Envelope) error

func (l *Listener) handlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		EventOrderConfirmed:   l.orderConfirmed,
		EventOrderLineRemoved: l.orderLineRemoved,
		EventOrderCancelled:   l.orderCancelled,
		EventPurchaseReceived: l.purchaseReceived,
	}
}

func (l *Listener) orderConfirmed(ctx context.Context, env Envelope) error {
	var p OrderConfirmedPayload
	if err := decode(env, &p); err != nil {
		return err
	}
	lines := make([]domain.SaleLine, 0, len(p.Lines))
	for _, line := range p.Lines {
		lines = append(lines, domain.SaleLine{UnitID: line.UnitID, Quantity: line.Quantity})
	}
	_, err := l.engine.ReserveAndConsumeBatch(ctx, domain.BatchConsumeRequest{
		Lines:     lines,
		Channel:   p.Channel,
		Reference: domain.Reference{Type: domain.ReferenceSale, ID: p.OrderID},
		Actor:     actorOr(p.Actor),
		Notes:     "order confirmed",
		Once:      true,
	})
	return err
}

func (l *Listener) orderLineRemoved(ctx context.Context, env Envelope) error {
	var p OrderLineRemovedPayload
	if err := decode(env, &p); err != nil {
		return err
	}
	_, err := l.engine.Restore(ctx, domain.RestoreRequest{
		UnitID:    p.UnitID,
		Quantity:  p.Quantity,
		Reference: domain.Reference{Type: domain.ReferenceSale, ID: p.OrderID},
		Actor:     actorOr(p.Actor),
		Notes:     "order line removed",
	})
	return err
}

func (l *Listener) orderCancelled(ctx context.Context, env Envelope) error {
	var p OrderCancelledPayload
	if err := decode(env, &p); err != nil {
		return err
	}
	notes := "order cancelled"
	if p.Reason != "" {
		notes += ": " + p.Reason
	}
	_, err := l.engine.RestoreReference(ctx, domain.Reference{Type: domain.ReferenceSale, ID: p.OrderID}, actorOr(p.Actor), notes)
	return err
}

func (l *Listener) purchaseReceived(ctx context.Context, env Envelope) error {
	var p PurchaseReceivedPayload
	if err := decode(env, &p); err != nil {
		return err
	}
	lines := make([]domain.PurchaseLine, 0, len(p.Lines))
	for _, line := range p.Lines {
		lines = append(lines, domain.PurchaseLine{ComponentID: line.ComponentID, Quantity: line.Quantity, UnitCost: line.UnitCost})
	}
	_, err := l.engine.ReceivePurchase(ctx, domain.PurchaseReceiptRequest{
		Lines:     lines,
		Reference: domain.Reference{Type: domain.ReferencePurchaseReceipt, ID: p.PurchaseID},
		Actor:     actorOr(p.Actor),
		Notes:     "purchase received",
		Once:      true,
	})
	return err
}

func decode(env Envelope, dst interface{}) error {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", store.ErrInvalidTransaction, env.EventType, err)
	}
	return nil
}

func actorOr(actor string) string {
	if actor == "" {
		return defaultActor
	}
	return actor
}

// retryable separates transient failures from rejections the engine will repeat.
func retryable(err error) bool {
	switch {
	case errors.Is(err, store.ErrInsufficientStock),
		errors.Is(err, store.ErrNegativeStock),
		errors.Is(err, store.ErrInvalidTransaction),
		errors.Is(err, store.ErrNotFound):
		return false
	default:
		return true
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
