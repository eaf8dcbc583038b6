package rabbitmq

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"relay-service/internal/telemetry"
)

func TestNewPublisherWithoutURLIsNoop(t *testing.T) {
	p := NewPublisher("", "chat.events")

	mode, reason := Describe(p)
	assert.Equal(t, "noop", mode)
	assert.Equal(t, "empty amqp url", reason)
	assert.NoError(t, p.Publish(context.Background(), telemetry.AuditRoutingKey, telemetry.AuditEnvelope{EventType: "audit_log"}))
	assert.NoError(t, p.PublishJSON(context.Background(), "ws_events.relay", map[string]string{"a": "b"}, map[string]string{"x-request-id": "r"}))
	assert.NoError(t, p.Close())
}

func TestBrokerWithoutURLFails(t *testing.T) {
	b := NewBroker("", "relay.fanout")

	assert.Error(t, b.Publish(context.Background(), "messages", []byte(`{}`)))
	assert.Error(t, b.Subscribe(context.Background(), []string{"messages"}, func(string, []byte) {}))
	assert.NoError(t, b.Close())
}
