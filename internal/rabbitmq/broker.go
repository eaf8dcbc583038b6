package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker carries fan-out envelopes between relay nodes over a topic exchange.
// Each subscription gets an exclusive auto-delete queue, so a node only sees
// traffic while it is connected; nothing is replayed after an outage.
type Broker struct {
	url      string
	exchange string

	mu   sync.Mutex
	conn *amqp.Connection
	pub  *amqp.Channel
}

// NewBroker prepares a broker. Connections are opened lazily.
func NewBroker(url, exchange string) *Broker {
	return &Broker{url: url, exchange: exchange}
}

func (b *Broker) connection() (*amqp.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn, nil
	}
	if b.url == "" {
		return nil, errors.New("amqp url is empty")
	}
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	b.conn = conn
	b.pub = nil
	return conn, nil
}

// Publish sends payload on the topic routing key.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	conn, err := b.connection()
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pub == nil || b.pub.IsClosed() {
		ch, err := openExchange(conn, b.exchange)
		if err != nil {
			return err
		}
		b.pub = ch
	}
	return b.pub.PublishWithContext(ctx, b.exchange, topic, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        payload,
	})
}

// Subscribe consumes topics until ctx is done or the connection drops.
// It always returns a non-nil error; callers restart it with backoff.
func (b *Broker) Subscribe(ctx context.Context, topics []string, handle func(topic string, payload []byte)) error {
	conn, err := b.connection()
	if err != nil {
		return err
	}
	ch, err := openExchange(conn, b.exchange)
	if err != nil {
		return err
	}
	defer ch.Close()

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	for _, topic := range topics {
		if err := ch.QueueBind(q.Name, topic, b.exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", topic, err)
		}
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	log.Printf("rabbitmq bridge subscribed queue=%s topics=%v", q.Name, topics)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closed:
			if amqpErr == nil {
				return errors.New("amqp channel closed")
			}
			return amqpErr
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("amqp deliveries closed")
			}
			handle(d.RoutingKey, d.Body)
		}
	}
}

// Close releases the shared connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pub != nil {
		_ = b.pub.Close()
		b.pub = nil
	}
	if b.conn != nil {
		err := b.conn.Close()
		b.conn = nil
		return err
	}
	return nil
}
