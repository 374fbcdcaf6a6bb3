package bridge

import (
	"crypto/subtle"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/mkarsa/wa-dispatch-gateway/internal/event"
	"github.com/mkarsa/wa-dispatch-gateway/internal/session"
	"github.com/mkarsa/wa-dispatch-gateway/pkg/auth"
	"github.com/mkarsa/wa-dispatch-gateway/pkg/env"
	"github.com/mkarsa/wa-dispatch-gateway/pkg/log"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultPongWait     = 75 * time.Second
	defaultWriteWait    = 10 * time.Second
	subscriberBuffer    = 64
)

// StateProvider answers the on-demand queries a subscriber can issue over the
// socket. The lifecycle manager satisfies it.
type StateProvider interface {
	List() []session.Summary
	Peek(key string) (*session.Session, error)
}

// command is what a connected subscriber may send upstream.
type command struct {
	Type   string   `json:"type"`
	Events []string `json:"events,omitempty"`
	Key    string   `json:"key,omitempty"`
}

type subscriber struct {
	conn *websocket.Conn
	send chan event.Envelope

	mu     sync.Mutex
	topics map[string]struct{}
	closed bool
}

func (s *subscriber) subscribedTo(topic event.Topic) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, all := s.topics[event.TopicAll]; all {
		return true
	}
	_, ok := s.topics[string(topic)]
	return ok
}

func (s *subscriber) setTopics(topics []string) {
	next := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		next[t] = struct{}{}
	}
	s.mu.Lock()
	s.topics = next
	s.mu.Unlock()
}

// offer queues an envelope without ever blocking the producer. A subscriber
// that cannot drain its buffer loses events, not the whole gateway.
func (s *subscriber) offer(env event.Envelope) bool {
	select {
	case s.send <- env:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// Hub fans realtime events out to authenticated WebSocket subscribers. It is
// the process's event.Sink; producers never know who is listening.
type Hub struct {
	state        StateProvider
	pingInterval time.Duration
	pongWait     time.Duration

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func NewHub(state StateProvider) *Hub {
	return &Hub{
		state:        state,
		pingInterval: env.GetEnvDurationOrDefault("WA_WS_PING_INTERVAL", defaultPingInterval),
		pongWait:     env.GetEnvDurationOrDefault("WA_WS_PONG_WAIT", defaultPongWait),
		subs:         make(map[*subscriber]struct{}),
	}
}

// BindState attaches the lifecycle manager after construction. The hub and
// the manager reference each other (hub answers state queries, manager
// broadcasts through the hub), so one side binds late. Must be called before
// the first connection is served.
func (h *Hub) BindState(state StateProvider) {
	h.state = state
}

// Broadcast implements event.Sink. Delivery is best effort per subscriber.
func (h *Hub) Broadcast(topic event.Topic, data interface{}) {
	envelope := event.Envelope{Type: topic, Data: data, Timestamp: time.Now().UTC()}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.subscribedTo(topic) {
			continue
		}
		if !sub.offer(envelope) {
			log.Evt("bridge", "drop", "topic", string(topic))
		}
	}
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// ShutdownAll closes every subscriber. Called on graceful shutdown.
func (h *Hub) ShutdownAll() {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[*subscriber]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// UpgradeGuard authenticates the pre-shared key and verifies the request is a
// WebSocket upgrade before the connection is hijacked. The key travels either
// in the X-Bridge-Secret header or, for browser clients that cannot set
// headers on WebSocket dials, in the secret query parameter.
func (h *Hub) UpgradeGuard() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		if !Authorized(c) {
			log.Print(c).Warn("Event bridge connection refused, bad pre-shared key")
			return fiber.ErrUnauthorized
		}
		return c.Next()
	}
}

// Authorized checks the bridge pre-shared key on an upgrade request.
func Authorized(c *fiber.Ctx) bool {
	if auth.BridgeSecretKey == "" {
		return false
	}
	presented := c.Get("X-Bridge-Secret")
	if presented == "" {
		presented = c.Query("secret")
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(auth.BridgeSecretKey)) == 1
}

// Handler returns the connection handler to mount behind UpgradeGuard.
func (h *Hub) Handler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		h.serve(conn)
	})
}

func (h *Hub) serve(conn *websocket.Conn) {
	sub := &subscriber{
		conn:   conn,
		send:   make(chan event.Envelope, subscriberBuffer),
		topics: map[string]struct{}{event.TopicAll: {}},
	}

	h.register(sub)
	defer h.unregister(sub)

	log.Evt("bridge", "connect", "remote", conn.RemoteAddr().String())

	done := make(chan struct{})
	go h.writeLoop(sub, done)
	h.readLoop(sub)
	<-done
}

func (h *Hub) register(sub *subscriber) {
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(sub *subscriber) {
	h.mu.Lock()
	_, present := h.subs[sub]
	delete(h.subs, sub)
	h.mu.Unlock()
	if present {
		sub.close()
	}
	log.Evt("bridge", "disconnect", "remote", sub.conn.RemoteAddr().String())
}

// writeLoop drains the subscriber buffer and drives the ping heartbeat. A
// subscriber that misses the pong deadline is dropped by the read side.
func (h *Hub) writeLoop(sub *subscriber, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case envelope, ok := <-sub.send:
			if !ok {
				_ = sub.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(defaultWriteWait))
				return
			}
			_ = sub.conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
			if err := sub.conn.WriteJSON(envelope); err != nil {
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop consumes subscriber commands until the connection dies.
func (h *Hub) readLoop(sub *subscriber) {
	conn := sub.conn
	_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	for {
		var cmd command
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))
		h.handleCommand(sub, cmd)
	}
}

func (h *Hub) handleCommand(sub *subscriber, cmd command) {
	switch cmd.Type {
	case "ping":
		sub.offer(event.Envelope{Type: "pong", Timestamp: time.Now().UTC()})
	case "subscribe":
		sub.setTopics(cmd.Events)
		sub.offer(event.Envelope{
			Type:      "subscribed",
			Data:      cmd.Events,
			Timestamp: time.Now().UTC(),
		})
	case "get_state":
		if cmd.Key != "" {
			sess, err := h.state.Peek(cmd.Key)
			if err != nil {
				sub.offer(errorEnvelope("session not found: " + cmd.Key))
				return
			}
			sub.offer(event.Envelope{Type: "state", Data: sess.Summary(), Timestamp: time.Now().UTC()})
			return
		}
		sub.offer(event.Envelope{Type: "state", Data: h.state.List(), Timestamp: time.Now().UTC()})
	case "get_qr":
		sess, err := h.state.Peek(cmd.Key)
		if err != nil {
			sub.offer(errorEnvelope("session not found: " + cmd.Key))
			return
		}
		qr, ok := sess.QR()
		if !ok {
			sub.offer(errorEnvelope("no active qr challenge for " + cmd.Key))
			return
		}
		sub.offer(event.Envelope{
			Type:      event.TopicQRCode,
			Data:      event.QRCode{Key: cmd.Key, QR: qr},
			Timestamp: time.Now().UTC(),
		})
	default:
		sub.offer(errorEnvelope("unknown command type: " + cmd.Type))
	}
}

func errorEnvelope(message string) event.Envelope {
	return event.Envelope{
		Type:      "error",
		Data:      map[string]string{"message": message},
		Timestamp: time.Now().UTC(),
	}
}
