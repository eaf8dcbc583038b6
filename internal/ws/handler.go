package ws

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"relay-service/internal/models"
	"relay-service/internal/observability"
	"relay-service/internal/protocol"
)

// Authenticator resolves a session credential presented at handshake time.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (models.Session, error)
}

// Dispatcher handles the life of an upgraded connection.
// Dispatch is called sequentially per connection, in arrival order.
type Dispatcher interface {
	Attach(ctx context.Context, c *Client, session models.Session) error
	Dispatch(ctx context.Context, c *Client, frame protocol.Frame)
	Disconnected(ctx context.Context, c *Client)
}

// Options tune socket behavior.
type Options struct {
	SendBuffer     int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	ReadLimit      int64
	AllowedOrigins []string
}

// Handler upgrades relay connections and runs their pumps.
type Handler struct {
	hub        *Hub
	auth       Authenticator
	dispatcher Dispatcher
	opts       Options
	upgrader   websocket.Upgrader
}

// NewHandler constructs a Handler.
func NewHandler(hub *Hub, auth Authenticator, dispatcher Dispatcher, opts Options) *Handler {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 1 << 20
	}
	h := &Handler{hub: hub, auth: auth, dispatcher: dispatcher, opts: opts}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// Handle upgrades the connection. A token in the Authorization header or the
// token query parameter authenticates before the upgrade; without one the
// client must send join or bot_auth first.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("relay-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	meta := observability.ClientMetaFromRequest(c.Request)
	token := c.GetHeader("Authorization")
	if token == "" {
		token = c.Query("token")
	}

	var session *models.Session
	if token != "" {
		s, err := h.auth.Authenticate(ctx, token)
		if err != nil {
			log.Printf("ws handshake rejected ip=%s: %v", meta.IP, err)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		session = &s
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	info := ConnInfo{
		ConnID:      newConnID(),
		ClientMeta:  meta,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	client := NewClient(info, conn, h.opts.SendBuffer)
	h.hub.Add(client)

	// The request context ends when this handler returns; keep its values only.
	connCtx := context.WithoutCancel(ctx)
	observability.IncWSActive(metricsKind)
	publishLifecycle(connCtx, client, "ws_connect", "")

	go h.writePump(connCtx, client)

	if session != nil {
		if err := h.dispatcher.Attach(connCtx, client, *session); err != nil {
			log.Printf("ws attach failed conn_id=%s user_id=%d: %v", client.ID(), session.UserID, err)
			client.Push(protocol.EncodeError(nil, err))
			client.Close()
		}
	}

	go h.readPump(connCtx, client)
}

func (h *Handler) readPump(ctx context.Context, c *Client) {
	var closeReason string
	defer func() {
		h.dispatcher.Disconnected(ctx, c)
		c.Close()
		observability.DecWSActive(metricsKind)
		publishLifecycle(ctx, c, "ws_disconnect", closeReason)
	}()

	pongWait := 2 * h.opts.PingInterval
	c.conn.SetReadLimit(h.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.Closed() {
				publishLifecycle(ctx, c, "ws_error", closeReason)
			}
			return
		}
		frame, err := protocol.ParseFrame(raw)
		if err != nil {
			c.Push(protocol.EncodeError(nil, err))
			continue
		}
		h.dispatcher.Dispatch(ctx, c, frame)
	}
}

func (h *Handler) writePump(ctx context.Context, c *Client) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			if err := h.write(c, websocket.TextMessage, frame); err != nil {
				log.Printf("websocket write error: %v", err)
				publishLifecycle(ctx, c, "ws_error", err.Error())
				c.Close()
				return
			}
		case <-ticker.C:
			if err := h.write(c, websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			h.flush(c)
			_ = h.write(c, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes frames queued before the client was closed, such as a final error ack.
func (h *Handler) flush(c *Client) {
	for {
		select {
		case frame := <-c.send:
			if err := h.write(c, websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (h *Handler) write(c *Client, messageType int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
	return c.conn.WriteMessage(messageType, data)
}
