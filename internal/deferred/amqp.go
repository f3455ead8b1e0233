package deferred

import (
	"context"
	"encoding/json"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rotisserie/eris"

	"github.com/sells-group/batch-cli/internal/model"
)

// DefaultQueue is the queue deferrals are published to when none is configured.
const DefaultQueue = "batch.deferred"

// ErrNacked is returned when the broker refuses a published deferral.
var ErrNacked = eris.New("deferred: broker nacked publish")

// Publisher publishes msg to the default exchange under key and reports
// whether the broker acknowledged it.
type Publisher interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) (bool, error)
}

// confirmingChannel is a Publisher over a channel in confirm mode.
type confirmingChannel struct {
	ch *amqp.Channel
}

func (c confirmingChannel) Publish(ctx context.Context, key string, msg amqp.Publishing) (bool, error) {
	dc, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, "", key, false, false, msg)
	if err != nil {
		return false, err
	}
	// nil when the channel is not in confirm mode.
	if dc == nil {
		return true, nil
	}
	return dc.WaitContext(ctx)
}

// AMQPStore publishes each deferral as a persistent message on a durable
// queue and waits for the broker's confirmation. Every message carries a
// unique id, so repeated deferrals for the same label accumulate in the queue.
type AMQPStore struct {
	pub   Publisher
	queue string
	close func() error
}

// NewAMQPStore wraps an existing publisher. The queue must already exist.
func NewAMQPStore(pub Publisher, queue string) *AMQPStore {
	if queue == "" {
		queue = DefaultQueue
	}
	return &AMQPStore{pub: pub, queue: queue}
}

// DialAMQP connects to url, declares the durable deferral queue, and puts
// the channel in confirm mode.
func DialAMQP(url, queue string) (*AMQPStore, error) {
	if queue == "" {
		queue = DefaultQueue
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, eris.Wrap(err, "deferred: connect to rabbitmq")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, eris.Wrap(err, "deferred: open channel")
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, eris.Wrapf(err, "deferred: declare queue %s", queue)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, eris.Wrap(err, "deferred: enable publisher confirms")
	}

	s := NewAMQPStore(confirmingChannel{ch: ch}, queue)
	s.close = func() error {
		_ = ch.Close()
		return conn.Close()
	}
	return s, nil
}

// Persist implements Store.
func (s *AMQPStore) Persist(ctx context.Context, label string, items []model.WorkItem) error {
	rec := NewRecord(ctx, label, items)
	body, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrapf(err, "deferred: encode %s", label)
	}

	acked, err := s.pub.Publish(ctx, s.queue, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    rec.ID,
		Timestamp:    rec.CreatedAt,
		Type:         "deferred_batch",
		Headers:      amqp.Table{"label": label},
		Body:         body,
	})
	if err != nil {
		return eris.Wrapf(err, "deferred: publish %s", label)
	}
	if !acked {
		return eris.Wrapf(ErrNacked, "deferred: publish %s", label)
	}
	return nil
}

// Close releases the connection opened by DialAMQP.
func (s *AMQPStore) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}
