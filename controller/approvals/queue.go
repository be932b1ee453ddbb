package approvals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/workload-advisor/controller/config"
	"github.com/workload-advisor/controller/types"
)

const (
	QueueSourceName = "queue"
	reconnectDelay  = 5 * time.Second
)

// QueueSource consumes approval documents from an AMQP queue
type QueueSource struct {
	cfg     config.AMQPConfig
	handler Handler
	log     logrus.FieldLogger
	dial    func(url string) (*amqp.Connection, error)
}

// NewQueueSource creates a consumer for cfg.Queue
func NewQueueSource(cfg config.AMQPConfig, handler Handler, log logrus.FieldLogger) *QueueSource {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	return &QueueSource{
		cfg:     cfg,
		handler: handler,
		log:     log.WithFields(logrus.Fields{"component": "approval-queue", "queue": cfg.Queue}),
		dial:    amqp.Dial,
	}
}

// Run consumes until ctx is done, reconnecting after connection loss
func (q *QueueSource) Run(ctx context.Context) error {
	for {
		err := q.consumeOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		q.log.WithError(err).Warnf("Approval queue disconnected, reconnecting in %s", reconnectDelay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

func (q *QueueSource) consumeOnce(ctx context.Context) error {
	conn, err := q.dial(q.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(q.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}
	if _, err := ch.QueueDeclare(q.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	deliveries, err := ch.Consume(q.cfg.Queue, q.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	q.log.Info("Consuming approval batches")
	return q.consume(ctx, deliveries)
}

// consume handles deliveries until the channel closes or ctx is done
func (q *QueueSource) consume(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			q.handleDelivery(ctx, d)
		}
	}
}

// handleDelivery acks handled batches, drops malformed ones and requeues
// batches interrupted by shutdown
func (q *QueueSource) handleDelivery(ctx context.Context, d amqp.Delivery) {
	log := q.log.WithField("delivery_tag", d.DeliveryTag)

	batch, err := Parse(d.Body, QueueSourceName)
	if err != nil {
		log.WithError(err).Error("Dropping malformed approval message")
		if err := d.Nack(false, false); err != nil {
			log.WithError(err).Warn("Failed to nack message")
		}
		return
	}

	result, err := q.handler.Approve(ctx, batch)
	if err != nil {
		requeue := ctx.Err() != nil
		log.WithError(err).WithField("requeue", requeue).Error("Approval batch not handled")
		if err := d.Nack(false, requeue); err != nil {
			log.WithError(err).Warn("Failed to nack message")
		}
		return
	}

	if err := d.Ack(false); err != nil {
		log.WithError(err).Warn("Failed to ack message")
	}
	log.WithFields(logrus.Fields{
		"accepted": result.Accepted,
		"rejected": result.Rejected,
	}).Info("Handled queued approval batch")
}

// Publisher is the part of an AMQP channel needed to enqueue a batch
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publish sends batch to queue as a persistent JSON message on the default exchange
func Publish(ctx context.Context, ch Publisher, queue string, batch types.ApprovalBatch) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to encode approval batch: %w", err)
	}
	return ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		AppId:        batch.Source,
		Body:         body,
	})
}
