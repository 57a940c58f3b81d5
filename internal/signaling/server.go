package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/1ureka/peercall/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the relay: WebSocket clients connect, subscribe to their own
// topic and publish to the application destinations; a Hub routes each
// message to the addressee's topic.
type Server struct {
	hub     *Hub
	handler http.Handler

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a relay backed by hub. allowedOrigins configures CORS;
// an empty list allows every origin.
func NewServer(hub *Hub, allowedOrigins []string) *Server {
	s := &Server{hub: hub}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	c := cors.Default()
	if len(allowedOrigins) > 0 {
		c = cors.New(cors.Options{AllowedOrigins: allowedOrigins})
	}
	s.handler = c.Handler(mux)
	return s
}

// Handler returns the relay's HTTP handler (WebSocket endpoint at /ws).
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening on addr (":0" picks a random port) and serves in
// the background. Returns the bound address.
func (s *Server) Start(addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to start WS server: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go func() {
		_ = http.Serve(listener, s.handler)
	}()

	return listener.Addr().String(), nil
}

// Run starts the relay on addr and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	bound, err := s.Start(addr)
	if err != nil {
		return err
	}
	util.LogInfo("relay listening on %s", bound)
	<-ctx.Done()
	s.Close()
	return nil
}

// Close shuts down the listener, preventing new connections.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	codec, err := CodecByName(r.URL.Query().Get("codec"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	p := &relayPeer{
		id:    uuid.NewString()[:8],
		raw:   raw,
		codec: codec,
		hub:   s.hub,
		subs:  make(map[string]Subscription),
	}
	p.serve()
}

// relayPeer is the server side of one WebSocket client.
type relayPeer struct {
	id    string
	raw   *websocket.Conn
	codec Codec
	hub   *Hub

	writeMu sync.Mutex

	identity string
	conn     Conn
	subs     map[string]Subscription
}

func (p *relayPeer) serve() {
	defer p.raw.Close()

	if err := p.handshake(); err != nil {
		util.LogWarning("[relay %s] handshake failed: %v", p.id, err)
		p.send(frame{Op: opError, Error: err.Error()})
		return
	}
	defer p.conn.Close()

	// A hub-side kick ends the WebSocket too.
	p.conn.OnClose(func(err error) {
		if err != nil {
			p.raw.Close()
		}
	})

	util.LogInfo("[relay %s] %s connected", p.id, p.identity)
	for {
		f, err := p.read()
		if err != nil {
			util.LogDebug("[relay %s] %s disconnected: %v", p.id, p.identity, err)
			return
		}
		if err := p.dispatch(f); err != nil {
			p.send(frame{Op: opError, Error: err.Error()})
		}
	}
}

func (p *relayPeer) handshake() error {
	p.raw.SetReadDeadline(time.Now().Add(10 * time.Second))
	f, err := p.read()
	if err != nil {
		return err
	}
	p.raw.SetReadDeadline(time.Time{})

	if f.Op != opConnect {
		return fmt.Errorf("%w: expected connect, got %q", ErrHandshake, f.Op)
	}
	conn, err := p.hub.Dial(context.Background(), f.Identity)
	if err != nil {
		return err
	}
	p.identity = f.Identity
	p.conn = conn
	return p.send(frame{Op: opConnected, Identity: f.Identity})
}

func (p *relayPeer) dispatch(f frame) error {
	switch f.Op {
	case opSubscribe:
		// Clients may only listen on their own topic.
		if f.Topic != Topic(p.identity) {
			return fmt.Errorf("%w: %s may not subscribe to %s", ErrForbidden, p.identity, f.Topic)
		}
		if _, ok := p.subs[f.Topic]; ok {
			return nil
		}
		topic := f.Topic
		sub, err := p.conn.Subscribe(topic, func(msg Message) {
			if err := p.send(frame{Op: opMessage, Topic: topic, Message: &msg}); err != nil {
				util.LogDebug("[relay %s] delivery to %s failed: %v", p.id, p.identity, err)
			}
		})
		if err != nil {
			return err
		}
		p.subs[topic] = sub
		return nil

	case opUnsubscribe:
		if sub, ok := p.subs[f.Topic]; ok {
			delete(p.subs, f.Topic)
			return sub.Unsubscribe()
		}
		return nil

	case opPublish:
		if f.Message == nil {
			return fmt.Errorf("%w: publish without message", ErrInvalidMessage)
		}
		if f.Message.From != p.identity {
			return fmt.Errorf("%w: %s may not publish as %q", ErrForbidden, p.identity, f.Message.From)
		}
		if err := p.conn.Publish(f.Destination, *f.Message); err != nil {
			return err
		}
		util.LogDebug("[relay %s] routed %s", p.id, f.Message)
		return nil
	}
	return fmt.Errorf("%w: unsupported op %q", ErrInvalidMessage, f.Op)
}

func (p *relayPeer) send(f frame) error {
	data, err := p.codec.Marshal(f)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.raw.WriteMessage(p.codec.MessageType(), data); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return ErrNotConnected
		}
		return err
	}
	return nil
}

func (p *relayPeer) read() (frame, error) {
	var f frame
	_, data, err := p.raw.ReadMessage()
	if err != nil {
		return f, err
	}
	if err := p.codec.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("decoding frame: %w", err)
	}
	return f, nil
}
