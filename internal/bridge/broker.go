package bridge

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

// Broker is a publish/subscribe transport between relay nodes.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe blocks delivering messages to handle until ctx is done or the
	// transport fails. It returns the reason it stopped.
	Subscribe(ctx context.Context, topics []string, handle func(topic string, payload []byte)) error
	Close() error
}

// RedisBroker uses Redis PUBLISH/SUBSCRIBE channels named after the topics.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker connects lazily to addr.
func NewRedisBroker(addr string) *RedisBroker {
	return &RedisBroker{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.client.Publish(ctx, topic, payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, topics []string, handle func(topic string, payload []byte)) error {
	sub := b.client.Subscribe(ctx, topics...)
	defer sub.Close()

	// Receive waits for the subscription confirmation so connection errors surface here.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	log.Printf("redis bridge subscribed topics=%v", topics)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis subscription closed")
			}
			handle(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

// NoopBroker disables cross-node fan-out. Subscribe parks until ctx is done.
type NoopBroker struct{}

func (NoopBroker) Publish(context.Context, string, []byte) error { return nil }

func (NoopBroker) Subscribe(ctx context.Context, _ []string, _ func(string, []byte)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (NoopBroker) Close() error { return nil }
