// Package events provides fire-and-forget structured event emission.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lyonnee/gmx-synthetics/internal/model"
)

// Event names emitted by the lifecycle engine.
const (
	OrderCreated        = "OrderCreated"
	OrderExecuted       = "OrderExecuted"
	OrderCancelled      = "OrderCancelled"
	OrderFrozen         = "OrderFrozen"
	DepositCreated      = "DepositCreated"
	DepositExecuted     = "DepositExecuted"
	DepositCancelled    = "DepositCancelled"
	GlvDepositCreated   = "GlvDepositCreated"
	GlvDepositExecuted  = "GlvDepositExecuted"
	GlvDepositCancelled = "GlvDepositCancelled"
	ExecutionFeePaid    = "ExecutionFeePaid"
)

// Event is one structured lifecycle notification.
type Event struct {
	ID      uuid.UUID         `json:"id"`
	Name    string            `json:"name"`
	Key     model.Key         `json:"key"`
	Account model.Address     `json:"account"`
	Reason  string            `json:"reason,omitempty"`
	Time    time.Time         `json:"time"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// New builds an event envelope with a fresh ID and timestamp.
func New(name string, key model.Key, account model.Address) Event {
	return Event{
		ID:      uuid.New(),
		Name:    name,
		Key:     key,
		Account: account,
		Time:    time.Now().UTC(),
		Fields:  make(map[string]string),
	}
}

// With adds a field and returns the event for chaining.
func (e Event) With(field, value string) Event {
	e.Fields[field] = value
	return e
}

// Sink receives events. Emission never blocks the lifecycle and never
// fails it; sinks swallow their own errors.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// ZapSink logs events through the injected logger.
type ZapSink struct {
	logger *zap.Logger
}

func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger}
}

func (s *ZapSink) Emit(_ context.Context, event Event) {
	s.logger.Info("event",
		zap.String("name", event.Name),
		zap.String("key", event.Key.Hex()),
		zap.String("account", event.Account.Hex()),
		zap.String("reason", event.Reason),
		zap.Any("fields", event.Fields),
	)
}

// MultiSink fans an event out to several sinks.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, event Event) {
	for _, s := range m {
		s.Emit(ctx, event)
	}
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) {}

// CollectSink retains emitted events for test assertions.
type CollectSink struct {
	Events []Event
}

func (c *CollectSink) Emit(_ context.Context, event Event) {
	c.Events = append(c.Events, event)
}

// Named returns the collected events matching name.
func (c *CollectSink) Named(name string) []Event {
	var out []Event
	for _, e := range c.Events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}
