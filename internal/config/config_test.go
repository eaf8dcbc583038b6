package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("BROKER_KIND", "")
	t.Setenv("CALL_RING_TIMEOUT", "")

	cfg := Load()

	assert.Equal(t, "8083", cfg.Port)
	assert.Equal(t, "redis", cfg.BrokerKind)
	assert.Equal(t, 45*time.Second, cfg.CallRingTimeout)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.STUNURLs)
	assert.NotEmpty(t, cfg.NodeID)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BROKER_KIND", "AMQP")
	t.Setenv("TURN_URLS", "turn:a:3478, ,turns:b:5349")
	t.Setenv("WS_SEND_BUFFER", "128")
	t.Setenv("TURN_TTL", "5m")
	t.Setenv("NODE_ID", "node-a")
	t.Setenv("DEBUG_ROUTES", "true")

	cfg := Load()

	assert.Equal(t, "amqp", cfg.BrokerKind)
	assert.Equal(t, []string{"turn:a:3478", "turns:b:5349"}, cfg.TURNURLs)
	assert.Equal(t, 128, cfg.WSSendBuffer)
	assert.Equal(t, 5*time.Minute, cfg.TURNTTL)
	assert.Equal(t, "node-a", cfg.NodeID)
	assert.True(t, cfg.DebugRoutes)
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("WS_SEND_BUFFER", "lots")
	t.Setenv("CALL_RING_TIMEOUT", "soon")

	cfg := Load()

	assert.Equal(t, 64, cfg.WSSendBuffer)
	assert.Equal(t, 45*time.Second, cfg.CallRingTimeout)
}
