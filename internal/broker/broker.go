// Package broker owns the durable AMQP leg of the gateway fan-out: a
// fanout exchange feeding a work queue that dead-letters rejected
// deliveries, publish confirms, and a prefetch-bounded consumer pool.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Topology names. Declarations are idempotent; every service declares on
// connect so startup order does not matter.
const (
	SearchExchange = "beckn.search"
	SearchQueue    = "beckn.search.work"
	DeadExchange   = "beckn.search.dlx"
	DeadQueue      = "beckn.search.dead"
)

// Publisher is the seam the gateway publishes fan-out messages through.
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// Broker wraps one AMQP connection with the search topology declared and a
// confirm-mode publish channel.
type Broker struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	mu   sync.Mutex
	log  *zap.Logger
}

// Connect dials the broker, switches the publish channel to confirm mode
// and declares the topology.
func Connect(url string, log *zap.Logger) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable publish confirms: %w", err)
	}
	if err := declare(ch); err != nil {
		conn.Close()
		return nil, err
	}
	return &Broker{conn: conn, ch: ch, log: log}, nil
}

func declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(DeadExchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(DeadQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead queue: %w", err)
	}
	if err := ch.QueueBind(DeadQueue, "", DeadExchange, false, nil); err != nil {
		return fmt.Errorf("bind dead queue: %w", err)
	}

	if err := ch.ExchangeDeclare(SearchExchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare search exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(SearchQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": DeadExchange,
	}); err != nil {
		return fmt.Errorf("declare search queue: %w", err)
	}
	if err := ch.QueueBind(SearchQueue, "", SearchExchange, false, nil); err != nil {
		return fmt.Errorf("bind search queue: %w", err)
	}
	return nil
}

// Publish sends one persistent message and waits for the broker ACK. A
// publish only counts as successful once confirmed.
func (b *Broker) Publish(ctx context.Context, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	conf, err := b.ch.PublishWithDeferredConfirmWithContext(ctx, SearchExchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await publish confirm: %w", err)
	}
	if !acked {
		return errors.New("broker rejected publish")
	}
	return nil
}

// Consume runs `workers` parallel handlers over the work queue until ctx is
// cancelled. A handler error rejects the delivery without requeue, which
// routes it to the dead-letter queue; success acks it.
func (b *Broker) Consume(ctx context.Context, workers int, handler func(ctx context.Context, body []byte) error) error {
	if workers <= 0 {
		workers = 1
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	if err := ch.Qos(workers, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := ch.Consume(SearchQueue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("start consumer: %w", err)
	}

	go func() {
		<-ctx.Done()
		ch.Close()
	}()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				if err := handler(ctx, d.Body); err != nil {
					b.log.Warn("broker: delivery dead-lettered", zap.Error(err))
					if nackErr := d.Nack(false, false); nackErr != nil {
						b.log.Warn("broker: nack failed", zap.Error(nackErr))
					}
					continue
				}
				if ackErr := d.Ack(false); ackErr != nil {
					b.log.Warn("broker: ack failed", zap.Error(ackErr))
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

// Healthy reports whether the connection is still open.
func (b *Broker) Healthy() error {
	if b.conn.IsClosed() {
		return errors.New("broker connection closed")
	}
	return nil
}

// Close shuts the publish channel and connection.
func (b *Broker) Close() {
	b.ch.Close()
	b.conn.Close()
}
