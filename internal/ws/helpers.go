package ws

import (
	"context"
	"time"

	"github.com/google/uuid"

	"relay-service/internal/observability"
)

const metricsKind = "relay"

func newConnID() string {
	return uuid.NewString()
}

// publishLifecycle emits ws_connect, ws_disconnect and ws_error events for a connection.
func publishLifecycle(ctx context.Context, c *Client, event, reason string) {
	info := c.Info()
	duration := int64(0)
	if event != "ws_connect" {
		duration = time.Since(info.ConnectedAt).Milliseconds()
	}
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"kind":        metricsKind,
			"event":       event,
			"conn_id":     info.ConnID,
			"duration_ms": duration,
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"user_id":    c.UserID(),
			"bot_id":     c.BotID(),
			"device_id":  info.DeviceID,
			"ip":         info.IP,
			"user_agent": info.UserAgent,
		},
	}
	_ = observability.PublishEvent(ctx, observability.WSEventsRoutingKey, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload:   payload,
	}, info.RequestID)
	observability.IncWSEvent(metricsKind, event)
}
