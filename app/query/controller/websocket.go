package controller

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"github.com/tvlscope/tvlscope/pkg/redis"
	"github.com/tvlscope/tvlscope/pkg/retry"
	"go.uber.org/zap"
)

const (
	computedEvent = "protocol.computed"
	allProtocols  = "*"
	readTimeout   = 60 * time.Second
	pingInterval  = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// resubscribeBackoff paces Redis reconnects for one websocket client.
var resubscribeBackoff = retry.Config{
	InitialDelay:  time.Second,
	MaxDelay:      30 * time.Second,
	Multiplier:    2.0,
	JitterEnabled: true,
}

// ClientMessage represents messages sent by WebSocket clients.
type ClientMessage struct {
	Action     string `json:"action"`     // "subscribe" or "unsubscribe"
	ProtocolID string `json:"protocolId"` // protocol to follow, or "*" for all
}

// ServerMessage represents messages sent to WebSocket clients.
type ServerMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// ComputedPayload announces a fresh cached result.
type ComputedPayload struct {
	ProtocolID string `json:"protocolId"`
	ComputedAt string `json:"computedAt"`
}

type clientSubscriptions struct {
	mu        sync.RWMutex
	protocols map[string]bool
}

func newClientSubscriptions() *clientSubscriptions {
	return &clientSubscriptions{protocols: make(map[string]bool)}
}

func (cs *clientSubscriptions) subscribe(id string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.protocols[id] = true
}

func (cs *clientSubscriptions) unsubscribe(id string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.protocols, id)
}

// isSubscribed reports whether id is followed. "*" follows every protocol.
func (cs *clientSubscriptions) isSubscribed(id string) bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.protocols[allProtocols] || cs.protocols[id]
}

// computedMessage turns a Redis notification into the client frame.
// ok is false for channels that are not refresh notifications.
func computedMessage(msg *goredis.Message) (ServerMessage, string, bool) {
	id, ok := redis.ProtocolFromChannel(msg.Channel)
	if !ok {
		return ServerMessage{}, "", false
	}
	return ServerMessage{
		Type:    computedEvent,
		Payload: ComputedPayload{ProtocolID: id, ComputedAt: msg.Payload},
	}, id, true
}

// HandleWebSocket upgrades the connection and streams refresh notifications.
//
// Client sends {"action":"subscribe","protocolId":"aave"} or "*" for all,
// and {"action":"unsubscribe",...}. Server sends "protocol.computed",
// "subscribed", "unsubscribed", "info" and "error" frames.
func (c *Controller) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if c.App.RedisClient == nil {
		http.Error(w, "Real-time events not available (Redis disabled)", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.App.Logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			c.App.Logger.Debug("Failed to close WebSocket connection", zap.Error(err))
		}
	}()

	c.App.Logger.Info("WebSocket client connected", zap.String("remote_addr", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	subs := newClientSubscriptions()
	send := make(chan ServerMessage, 256)

	var producers, writer sync.WaitGroup
	guarded := func(wg *sync.WaitGroup, name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					c.App.Logger.Error("Panic in websocket goroutine",
						zap.String("goroutine", name),
						zap.Any("panic", rec),
						zap.String("stack", string(debug.Stack())),
						zap.String("remote_addr", r.RemoteAddr))
					cancel()
				}
			}()
			fn()
		}()
	}

	guarded(&producers, "redis", func() { c.subscribeToRedis(ctx, send, subs) })
	guarded(&producers, "ping", func() { c.sendPings(ctx, conn) })
	guarded(&writer, "writer", func() { c.writeMessages(conn, send) })

	// blocks until the client goes away
	c.readClientMessages(ctx, conn, subs, send)
	cancel()

	// producers stop sending once ctx is done; only then is send safe to close
	producers.Wait()
	close(send)
	writer.Wait()

	c.App.Logger.Info("WebSocket client disconnected", zap.String("remote_addr", r.RemoteAddr))
}

// subscribeToRedis forwards matching notifications to send, resubscribing with
// backoff whenever the subscription drops.
func (c *Controller) subscribeToRedis(ctx context.Context, send chan<- ServerMessage, subs *clientSubscriptions) {
	for attempt := 1; ; attempt++ {
		err := c.attemptRedisSubscription(ctx, send, subs)
		if ctx.Err() != nil {
			return
		}

		delay := retry.Delay(resubscribeBackoff, min(attempt, 10))
		c.App.Logger.Warn("Redis subscription ended, will retry",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay))

		select {
		case send <- ServerMessage{Type: "error", Payload: map[string]interface{}{
			"message":     "Redis connection lost, attempting to reconnect...",
			"retryIn":     delay.Seconds(),
			"recoverable": true,
		}}:
		case <-ctx.Done():
			return
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) attemptRedisSubscription(ctx context.Context, send chan<- ServerMessage, subs *clientSubscriptions) error {
	pubsub := c.App.RedisClient.PSubscribe(ctx, redis.ComputedPattern)
	defer func() { _ = pubsub.Close() }()

	receiveCtx, receiveCancel := context.WithTimeout(ctx, 5*time.Second)
	defer receiveCancel()
	if _, err := pubsub.Receive(receiveCtx); err != nil {
		return fmt.Errorf("confirm redis subscription: %w", err)
	}

	select {
	case send <- ServerMessage{Type: "info", Payload: map[string]string{"message": "Redis connection established"}}:
	case <-ctx.Done():
		return ctx.Err()
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			out, id, ok := computedMessage(msg)
			if !ok || !subs.isSubscribed(id) {
				continue
			}
			select {
			case send <- out:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// sendPings keeps the connection alive; pongs reset the read deadline.
func (c *Controller) sendPings(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				c.App.Logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}

func (c *Controller) writeMessages(conn *websocket.Conn, send <-chan ServerMessage) {
	for msg := range send {
		if err := conn.WriteJSON(msg); err != nil {
			c.App.Logger.Debug("Failed to write WebSocket message", zap.Error(err))
			return
		}
	}
}

// readClientMessages handles subscription requests until the connection closes.
func (c *Controller) readClientMessages(ctx context.Context, conn *websocket.Conn, subs *clientSubscriptions, send chan<- ServerMessage) {
	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	reply := func(msg ServerMessage) bool {
		select {
		case send <- msg:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for ctx.Err() == nil {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.App.Logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return
		}

		var out ServerMessage
		switch {
		case msg.Action != "subscribe" && msg.Action != "unsubscribe":
			out = ServerMessage{Type: "error", Payload: map[string]string{"message": "unknown action: " + msg.Action}}
		case msg.ProtocolID == "":
			out = ServerMessage{Type: "error", Payload: map[string]string{"message": "protocolId is required"}}
		case msg.Action == "subscribe":
			subs.subscribe(msg.ProtocolID)
			out = ServerMessage{Type: "subscribed", Payload: map[string]string{"protocolId": msg.ProtocolID}}
		default:
			subs.unsubscribe(msg.ProtocolID)
			out = ServerMessage{Type: "unsubscribed", Payload: map[string]string{"protocolId": msg.ProtocolID}}
		}
		if !reply(out) {
			return
		}
	}
}
