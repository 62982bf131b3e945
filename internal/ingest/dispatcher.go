package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/quarrylabs/leadmail/internal/store"
)

// EventPublisher delivers stored-email events to the message bus the
// classifier/extractor producers consume from.
type EventPublisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Dispatcher drains the outbox to the event bus. Events are appended in
// the same transaction as their email insert, so every stored email is
// eventually announced exactly once (the bus deduplicates on msg id).
type Dispatcher struct {
	store *store.Store
	pub   EventPublisher
	log   *zap.Logger
}

// NewDispatcher creates an outbox dispatcher.
func NewDispatcher(st *store.Store, pub EventPublisher, log *zap.Logger) *Dispatcher {
	return &Dispatcher{store: st, pub: pub, log: log}
}

// Run polls the outbox until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := d.store.DequeueOutbox(ctx, 100)
		if err != nil {
			d.log.Error("failed to dequeue outbox", zap.Error(err))
			d.sleep(ctx, time.Second)
			continue
		}

		if len(messages) == 0 {
			d.sleep(ctx, 500*time.Millisecond)
			continue
		}

		for _, msg := range messages {
			if err := d.pub.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				d.log.Warn("failed to publish event, will retry",
					zap.Int64("outbox_id", msg.ID), zap.Error(err))
				_ = d.store.MarkOutboxRetry(ctx, msg.ID, 10*time.Second)
				continue
			}

			if err := d.store.MarkPublished(ctx, msg.ID); err != nil {
				d.log.Error("failed to mark event published",
					zap.Int64("outbox_id", msg.ID), zap.Error(err))
			}
		}
	}
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(dur):
	}
}
