package bridge

import (
	"context"
	"encoding/json"
	"log"
	"math/rand"
	"time"

	"relay-service/internal/models"
	"relay-service/internal/observability"
	"relay-service/internal/protocol"
	"relay-service/internal/ws"
)

const (
	dedupeTTL     = 2 * time.Minute
	dedupeEntries = 4096

	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
	// healthyRun resets the backoff once a subscription stayed up this long.
	healthyRun = time.Minute
)

// MessageObserver is told about direct messages that reached this node's
// connections of their recipient.
type MessageObserver interface {
	OnDelivered(ctx context.Context, msg models.Message) bool
}

// Bridge delivers broker events into local connections and publishes local
// deliveries for the other nodes. A broker outage narrows delivery to this
// node's connections; nothing is queued for replay.
type Bridge struct {
	broker   Broker
	hub      *ws.Hub
	nodeID   string
	observer MessageObserver
	seen     *seenCache
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) bool
}

func New(broker Broker, hub *ws.Hub, nodeID string) *Bridge {
	return &Bridge{
		broker: broker,
		hub:    hub,
		nodeID: nodeID,
		seen:   newSeenCache(dedupeTTL, dedupeEntries),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Observe registers o for remote direct message deliveries. Call it before Run.
func (b *Bridge) Observe(o MessageObserver) {
	b.observer = o
}

// Run keeps a broker subscription alive until ctx is cancelled, restarting it
// with exponential backoff and jitter.
func (b *Bridge) Run(ctx context.Context) {
	attempt := 0
	for {
		started := b.now()
		err := b.broker.Subscribe(ctx, Topics, b.OnRemoteEvent)
		if ctx.Err() != nil {
			log.Printf("bridge stopped node=%s", b.nodeID)
			return
		}
		if b.now().Sub(started) >= healthyRun {
			attempt = 0
		}
		attempt++
		delay := backoff(attempt, initialBackoff, maxBackoff)
		log.Printf("bridge subscription lost node=%s attempt=%d retry_in=%s: %v", b.nodeID, attempt, delay, err)
		observability.IncBridgeEvent("subscription", "restart")
		if !b.sleep(ctx, delay) {
			return
		}
	}
}

// OnRemoteEvent handles one broker message. Bad payloads are logged and dropped.
func (b *Bridge) OnRemoteEvent(topic string, payload []byte) {
	env, err := ParseEnvelope(topic, payload)
	if err != nil {
		log.Printf("bridge dropped payload topic=%s: %v", topic, err)
		observability.IncBridgeEvent(topic, "invalid")
		return
	}
	if env.Origin != "" && env.Origin == b.nodeID {
		observability.IncBridgeEvent(topic, "own")
		return
	}
	if key := env.dedupeKey(topic); key != "" && b.seen.Seen(key, b.now()) {
		observability.IncBridgeEvent(topic, "duplicate")
		return
	}

	n := b.deliver(env)
	observability.IncBridgeEvent(topic, "delivered")
	if n == 0 {
		log.Printf("bridge event has no local target topic=%s event=%s user_id=%d room=%s", topic, env.Event, env.TargetUserID, env.TargetRoom)
		return
	}
	b.observe(env)
}

// observe hands a delivered direct message to the observer when this envelope
// addressed the recipient. Envelopes syncing the sender's own devices are skipped.
func (b *Bridge) observe(env Envelope) {
	if b.observer == nil || env.TargetUserID <= 0 {
		return
	}
	kind, ok := protocol.KindForEvent(env.Event)
	if !ok || (kind != protocol.KindPrivateMessage && kind != protocol.KindPageMessage) {
		return
	}
	var msg models.Message
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		log.Printf("bridge message decode failed event=%s: %v", env.Event, err)
		return
	}
	if msg.ID <= 0 || msg.RecipientID == nil || *msg.RecipientID != env.TargetUserID {
		return
	}
	b.observer.OnDelivered(context.Background(), msg)
}

func (b *Bridge) deliver(env Envelope) int {
	var users, room, bots []*ws.Client
	if env.TargetUserID > 0 {
		users = b.hub.ConnectionsFor(env.TargetUserID)
	}
	if env.TargetRoom != "" {
		room = b.hub.RoomMembers(env.TargetRoom)
	}
	if env.BotID > 0 {
		bots = b.hub.BotConnections(env.BotID)
	}
	targets := ws.Union(users, room, bots)
	if kind, ok := protocol.KindForEvent(env.Event); ok {
		return b.hub.DeliverKind(targets, kind, env.Payload)
	}
	return b.hub.Deliver(targets, env.Event, env.Payload)
}

// Publish sends a locally delivered event to the other nodes. Failures are
// logged only; local delivery has already happened.
func (b *Bridge) Publish(ctx context.Context, topic string, env Envelope) {
	env.Origin = b.nodeID
	if env.MessageID > 0 {
		// Mark our own message so a loop through another node is not delivered twice.
		b.seen.Seen(env.dedupeKey(topic), b.now())
	}
	body, err := json.Marshal(env)
	if err != nil {
		log.Printf("bridge encode failed topic=%s: %v", topic, err)
		return
	}
	if err := b.broker.Publish(ctx, topic, body); err != nil {
		log.Printf("bridge publish failed topic=%s event=%s: %v", topic, env.Event, err)
		observability.IncBridgeEvent(topic, "publish_error")
		return
	}
	observability.IncBridgeEvent(topic, "published")
}

// backoff returns initial*2^(attempt-1) capped at max, scaled by a [0.5, 1.5) jitter.
func backoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := initial
	for i := 1; i < attempt && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	jitter := 0.5 + rand.Float64() // #nosec G404 -- jitter does not require cryptographic randomness
	return time.Duration(float64(delay) * jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
