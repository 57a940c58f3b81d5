package signaling

import (
	"context"
	"fmt"
	"sync"
)

// Hub is an in-process publish/subscribe broker. It routes published
// messages with Route and delivers them synchronously to every handler
// subscribed to the resulting topic. The relay server fronts one Hub for
// all WebSocket clients; tests and single-process setups dial it directly.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[uint64]func(Message)
	conns  map[*hubConn]struct{}
	nextID uint64
}

// Compile-time interface checks.
var (
	_ Transport    = (*Hub)(nil)
	_ Conn         = (*hubConn)(nil)
	_ Subscription = (*hubSubscription)(nil)
)

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		topics: make(map[string]map[uint64]func(Message)),
		conns:  make(map[*hubConn]struct{}),
	}
}

// Dial opens an in-process connection for identity.
func (h *Hub) Dial(ctx context.Context, identity string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if identity == "" {
		return nil, fmt.Errorf("%w: empty identity", ErrHandshake)
	}

	c := &hubConn{hub: h, identity: identity, subs: make(map[uint64]string)}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	return c, nil
}

// Deliver routes msg published to destination and hands it to every
// subscriber of the target topic. Delivering to a topic nobody listens on is
// not an error; the message is dropped, as on a real relay.
func (h *Hub) Deliver(destination string, msg Message) error {
	topic, err := Route(destination, msg)
	if err != nil {
		return err
	}

	h.mu.RLock()
	handlers := make([]func(Message), 0, len(h.topics[topic]))
	for _, fn := range h.topics[topic] {
		handlers = append(handlers, fn)
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		fn(msg)
	}
	return nil
}

// Subscribers returns the number of handlers subscribed to topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Kick terminates every connection opened for identity, reporting err to
// their OnClose callbacks. It returns the number of connections closed.
func (h *Hub) Kick(identity string, err error) int {
	h.mu.RLock()
	var victims []*hubConn
	for c := range h.conns {
		if c.identity == identity {
			victims = append(victims, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range victims {
		c.terminate(err)
	}
	return len(victims)
}

func (h *Hub) subscribe(topic string, fn func(Message)) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[uint64]func(Message))
	}
	h.topics[topic][id] = fn
	return id
}

func (h *Hub) unsubscribe(topic string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.topics[topic], id)
	if len(h.topics[topic]) == 0 {
		delete(h.topics, topic)
	}
}

// hubConn is one Dial'ed connection on a Hub.
type hubConn struct {
	hub      *Hub
	identity string

	mu      sync.Mutex
	subs    map[uint64]string // subscription id → topic
	onClose func(error)
	closed  bool
}

func (c *hubConn) Subscribe(topic string, handler func(Message)) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrNotConnected
	}
	id := c.hub.subscribe(topic, handler)
	c.subs[id] = topic
	return &hubSubscription{conn: c, id: id}, nil
}

func (c *hubConn) Publish(destination string, msg Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrNotConnected
	}
	return c.hub.Deliver(destination, msg)
}

func (c *hubConn) OnClose(fn func(error)) {
	c.mu.Lock()
	if !c.closed {
		c.onClose = fn
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn(nil)
}

func (c *hubConn) Close() error {
	c.terminate(nil)
	return nil
}

// terminate releases all subscriptions and fires OnClose exactly once.
func (c *hubConn) terminate(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = make(map[uint64]string)
	fn := c.onClose
	c.mu.Unlock()

	for id, topic := range subs {
		c.hub.unsubscribe(topic, id)
	}
	c.hub.mu.Lock()
	delete(c.hub.conns, c)
	c.hub.mu.Unlock()

	if fn != nil {
		fn(err)
	}
}

type hubSubscription struct {
	conn *hubConn
	id   uint64
}

func (s *hubSubscription) Unsubscribe() error {
	s.conn.mu.Lock()
	topic, ok := s.conn.subs[s.id]
	delete(s.conn.subs, s.id)
	s.conn.mu.Unlock()
	if ok {
		s.conn.hub.unsubscribe(topic, s.id)
	}
	return nil
}
