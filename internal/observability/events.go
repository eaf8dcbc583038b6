package observability

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// WSEventsRoutingKey carries connection lifecycle events of the relay.
const WSEventsRoutingKey = "ws_events.relay"

// Publisher sends JSON events with string headers to the event bus.
type Publisher interface {
	PublishJSON(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error
}

var defaultPublisher Publisher

// SetPublisher installs the process-wide event publisher. Nil disables publishing.
func SetPublisher(publisher Publisher) {
	defaultPublisher = publisher
}

type EventEnvelope struct {
	EventType string      `json:"event_type"`
	EventName string      `json:"event_name"`
	Payload   interface{} `json:"payload"`
}

// PublishEvent sends envelope with the request id and the trace id of ctx as headers.
// Failures are counted and returned; callers treat events as best effort.
func PublishEvent(ctx context.Context, routingKey string, envelope EventEnvelope, requestID string) error {
	if defaultPublisher == nil {
		return nil
	}

	err := defaultPublisher.PublishJSON(ctx, routingKey, envelope, eventHeaders(ctx, requestID))
	if err != nil {
		IncAMQPPublishError()
	}
	return err
}

func eventHeaders(ctx context.Context, requestID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		headers["trace_id"] = sc.TraceID().String()
	}
	return headers
}
