package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/peercall/internal/util"
)

// WSTransport dials the relay server over WebSocket.
type WSTransport struct {
	url              string
	codec            Codec
	handshakeTimeout time.Duration
}

// Compile-time interface checks.
var (
	_ Transport = (*WSTransport)(nil)
	_ Conn      = (*wsConn)(nil)
)

// NewWSTransport creates a transport for the relay at url, e.g.
// ws://localhost:8080/ws. A nil codec selects JSON.
func NewWSTransport(url string, codec Codec, handshakeTimeout time.Duration) *WSTransport {
	if codec == nil {
		codec = JSONCodec
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &WSTransport{url: url, codec: codec, handshakeTimeout: handshakeTimeout}
}

// Dial connects to the relay and performs the connect handshake: a connect
// frame carrying identity, answered by connected or error.
func (t *WSTransport) Dial(ctx context.Context, identity string) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, t.handshakeTimeout)
	defer cancel()

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = t.handshakeTimeout
	raw, _, err := dialer.DialContext(ctx, t.url+"?codec="+t.codec.Name(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}

	c := &wsConn{
		raw:      raw,
		codec:    t.codec,
		handlers: make(map[string]map[uint64]func(Message)),
	}

	if err := c.write(frame{Op: opConnect, Identity: identity}); err != nil {
		raw.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	deadline, _ := ctx.Deadline()
	raw.SetReadDeadline(deadline)
	reply, err := c.read()
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	raw.SetReadDeadline(time.Time{})

	switch reply.Op {
	case opConnected:
	case opError:
		raw.Close()
		return nil, fmt.Errorf("%w: %s", ErrHandshake, reply.Error)
	default:
		raw.Close()
		return nil, fmt.Errorf("%w: unexpected %q frame", ErrHandshake, reply.Op)
	}

	go c.readLoop()
	return c, nil
}

// wsConn is a live relay connection. Writes are serialized by writeMu
// (gorilla/websocket allows one concurrent writer).
type wsConn struct {
	raw   *websocket.Conn
	codec Codec

	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[string]map[uint64]func(Message)
	nextID   uint64
	onClose  func(error)
	closed   bool
}

func (c *wsConn) Subscribe(topic string, handler func(Message)) (Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.nextID++
	id := c.nextID
	first := len(c.handlers[topic]) == 0
	if first {
		c.handlers[topic] = make(map[uint64]func(Message))
	}
	c.handlers[topic][id] = handler
	c.mu.Unlock()

	if first {
		if err := c.write(frame{Op: opSubscribe, Topic: topic}); err != nil {
			c.removeHandler(topic, id)
			return nil, err
		}
	}
	return &wsSubscription{conn: c, topic: topic, id: id}, nil
}

func (c *wsConn) Publish(destination string, msg Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrNotConnected
	}
	return c.write(frame{Op: opPublish, Destination: destination, Message: &msg})
}

func (c *wsConn) OnClose(fn func(error)) {
	c.mu.Lock()
	if !c.closed {
		c.onClose = fn
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn(nil)
}

func (c *wsConn) Close() error {
	if !c.markClosed(nil) {
		return nil
	}
	c.writeMu.Lock()
	c.raw.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.raw.Close()
}

// markClosed flips the closed flag once and fires OnClose. It reports
// whether this call performed the transition.
func (c *wsConn) markClosed(err error) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	fn := c.onClose
	c.mu.Unlock()

	if fn != nil {
		fn(err)
	}
	return true
}

func (c *wsConn) readLoop() {
	for {
		f, err := c.read()
		if err != nil {
			if c.markClosed(fmt.Errorf("WS read failed: %w", err)) {
				c.raw.Close()
			}
			return
		}

		switch f.Op {
		case opMessage:
			if f.Message == nil {
				continue
			}
			for _, fn := range c.topicHandlers(f.Topic) {
				fn(*f.Message)
			}
		case opError:
			util.LogWarning("relay rejected a frame: %s", f.Error)
		}
	}
}

func (c *wsConn) topicHandlers(topic string) []func(Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]func(Message), 0, len(c.handlers[topic]))
	for _, fn := range c.handlers[topic] {
		out = append(out, fn)
	}
	return out
}

// removeHandler drops one handler and reports whether the topic has no
// handlers left.
func (c *wsConn) removeHandler(topic string, id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers[topic], id)
	if len(c.handlers[topic]) == 0 {
		delete(c.handlers, topic)
		return true
	}
	return false
}

func (c *wsConn) write(f frame) error {
	data, err := c.codec.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.raw.WriteMessage(c.codec.MessageType(), data)
}

func (c *wsConn) read() (frame, error) {
	var f frame
	_, data, err := c.raw.ReadMessage()
	if err != nil {
		return f, err
	}
	if err := c.codec.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("decoding frame: %w", err)
	}
	return f, nil
}

type wsSubscription struct {
	conn  *wsConn
	topic string
	id    uint64
	once  sync.Once
}

func (s *wsSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		if s.conn.removeHandler(s.topic, s.id) {
			err = s.conn.write(frame{Op: opUnsubscribe, Topic: s.topic})
			if errors.Is(err, websocket.ErrCloseSent) {
				err = nil
			}
		}
	})
	return err
}
