package ws

import (
	"time"

	"relay-service/internal/observability"
)

// ConnInfo is fixed at upgrade time and tags every log line and lifecycle event of a connection.
type ConnInfo struct {
	ConnID string
	observability.ClientMeta
	TraceID     string
	ConnectedAt time.Time
}
