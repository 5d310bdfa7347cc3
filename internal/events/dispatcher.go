package events

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/store"
)

const (
	dispatchBatch   = 100
	dispatchIdle    = 500 * time.Millisecond
	dispatchBackoff = 10 * time.Second
)

// BrokerPublisher is the broker side of the outbox. Satisfied by the
// JetStream publisher.
type BrokerPublisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Dispatcher drains the transactional event outbox into the broker with
// at-least-once delivery. MsgId dedup on the broker side absorbs replays.
type Dispatcher struct {
	store     *store.Store
	publisher BrokerPublisher
	log       *logrus.Entry
}

// NewDispatcher creates an outbox dispatcher.
func NewDispatcher(st *store.Store, pub BrokerPublisher) *Dispatcher {
	return &Dispatcher{
		store:     st,
		publisher: pub,
		log:       logrus.WithField("pkg", "events"),
	}
}

// Run dispatches outbox events until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := d.store.DequeueOutbox(ctx, dispatchBatch)
		if err != nil {
			d.log.WithError(err).Error("dequeuing outbox")
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}

		if len(messages) == 0 {
			if !sleep(ctx, dispatchIdle) {
				return
			}
			continue
		}

		for _, msg := range messages {
			if err := d.publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				d.log.WithError(err).WithField("outbox_id", msg.ID).Warn("publishing event, will retry")
				_ = d.store.MarkOutboxRetry(ctx, msg.ID, dispatchBackoff)
				continue
			}

			if err := d.store.MarkPublished(ctx, msg.ID); err != nil {
				d.log.WithError(err).WithField("outbox_id", msg.ID).Error("marking event published")
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
