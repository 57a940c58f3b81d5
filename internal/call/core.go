// Package call implements the signaling and recovery core of a two-party
// video call: offer/answer/candidate relay over a publish/subscribe
// transport, deterministic initiator selection, candidate buffering,
// reconnection with exponential backoff and ICE-restart recovery.
//
// Each Core runs one event loop goroutine. Every state change happens on
// that goroutine; blocking work (transport handshake, media capture) runs
// elsewhere and posts its result back. Registered callbacks are invoked on
// the loop and must not call blocking Core methods.
package call

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/clock"
	"github.com/1ureka/peercall/internal/config"
	"github.com/1ureka/peercall/internal/media"
	"github.com/1ureka/peercall/internal/signaling"
	"github.com/1ureka/peercall/internal/util"
)

// Deps are the collaborators of a Core.
type Deps struct {
	Transport signaling.Transport
	Media     media.Acquirer
	Peers     PeerFactory

	// Clock drives reconnect backoff and the deferred offer check.
	// Defaults to clock.Real().
	Clock clock.Clock

	// Jitter returns a random duration in [0, max). Defaults to a uniform
	// random source.
	Jitter func(max time.Duration) time.Duration

	// Stats receives per-call counters. Optional.
	Stats *util.CallStats
}

// Core is one call. Create it with New and release it with Close.
type Core struct {
	cfg  config.CallConfig
	deps Deps
	log  util.Logger

	// ctx is cancelled by Close and bounds background handshakes.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	inbox  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}

	cbMu sync.RWMutex
	cb   callbacks

	// Read-only views refreshed after every loop task.
	viewLocal     atomic.Pointer[media.LocalStream]
	viewRemote    atomic.Pointer[media.RemoteStream]
	viewConnected atomic.Bool
	viewAttempts  atomic.Int64

	sess session
}

type callbacks struct {
	localStream  func(*media.LocalStream)
	remoteStream func(*media.RemoteStream)
	connState    func(webrtc.PeerConnectionState)
	iceState     func(webrtc.ICEConnectionState)
	reconnect    func(attempt int, delay time.Duration)
	failed       func(error)
}

// New creates a Core and starts its event loop.
func New(cfg config.CallConfig, deps Deps) *Core {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Jitter == nil {
		deps.Jitter = randomJitter
	}
	if deps.Stats == nil {
		deps.Stats = &util.CallStats{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Core{
		cfg:    cfg,
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	c.log = util.NewLogger(c.tag)
	go c.run()
	return c
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

// ──────────────────────────────────────────────────────────────────────────────
// Event loop
// ──────────────────────────────────────────────────────────────────────────────

// post queues fn for the loop. The inbox is unbounded so posting never
// blocks, which keeps pion and transport callbacks from stalling. It reports
// false once the Core is closed.
func (c *Core) post(fn func()) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.inbox = append(c.inbox, fn)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// do runs fn on the loop and waits for it to finish.
func (c *Core) do(fn func()) error {
	finished := make(chan struct{})
	if !c.post(func() {
		defer close(finished)
		fn()
		c.syncView()
	}) {
		return ErrClosed
	}

	select {
	case <-finished:
		return nil
	case <-c.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

func (c *Core) run() {
	defer close(c.done)
	for {
		c.mu.Lock()
		batch := c.inbox
		c.inbox = nil
		closed := c.closed
		c.mu.Unlock()

		for _, fn := range batch {
			fn()
			c.syncView()
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-c.wake
	}
}

func (c *Core) syncView() {
	s := &c.sess
	c.viewLocal.Store(s.localStream)
	c.viewRemote.Store(s.remoteStream)
	c.viewConnected.Store(s.signalingConnected)
	c.viewAttempts.Store(int64(s.reconnectAttempts))
}

// Close disconnects, stops all streams and ends the event loop. Further
// calls return ErrClosed; Close itself is idempotent.
func (c *Core) Close() error {
	if err := c.do(func() {
		c.teardownTransport()
		c.teardownStreams()
	}); err != nil {
		return nil
	}

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	<-c.done
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Callbacks and read-only views
// ──────────────────────────────────────────────────────────────────────────────

// OnLocalStream registers the callback fired when local media is attached.
func (c *Core) OnLocalStream(f func(*media.LocalStream)) {
	c.cbMu.Lock()
	c.cb.localStream = f
	c.cbMu.Unlock()
}

// OnRemoteStream registers the callback fired for every remote track that
// arrives, with the aggregated remote stream.
func (c *Core) OnRemoteStream(f func(*media.RemoteStream)) {
	c.cbMu.Lock()
	c.cb.remoteStream = f
	c.cbMu.Unlock()
}

// OnConnectionStateChange registers the peer connection state callback.
func (c *Core) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	c.cbMu.Lock()
	c.cb.connState = f
	c.cbMu.Unlock()
}

// OnICEConnectionStateChange registers the ICE connection state callback.
func (c *Core) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	c.cbMu.Lock()
	c.cb.iceState = f
	c.cbMu.Unlock()
}

// OnReconnectScheduled registers a callback fired whenever a signaling
// reconnect is scheduled.
func (c *Core) OnReconnectScheduled(f func(attempt int, delay time.Duration)) {
	c.cbMu.Lock()
	c.cb.reconnect = f
	c.cbMu.Unlock()
}

// OnCallFailed registers a callback fired when recovery gives up: the
// reconnect cap (ErrReconnectExhausted) or the ICE restart cap
// (ErrICERestartExhausted) was reached.
func (c *Core) OnCallFailed(f func(error)) {
	c.cbMu.Lock()
	c.cb.failed = f
	c.cbMu.Unlock()
}

func (c *Core) callbacks() callbacks {
	c.cbMu.RLock()
	defer c.cbMu.RUnlock()
	return c.cb
}

// LocalStream returns the attached local stream, or nil.
func (c *Core) LocalStream() *media.LocalStream { return c.viewLocal.Load() }

// RemoteStream returns the remote stream once a track has arrived, or nil.
func (c *Core) RemoteStream() *media.RemoteStream { return c.viewRemote.Load() }

// SignalingConnected reports whether the transport handshake succeeded and
// the connection has not been lost since.
func (c *Core) SignalingConnected() bool { return c.viewConnected.Load() }

// ReconnectAttempts returns the number of reconnects scheduled since the
// last successful connect.
func (c *Core) ReconnectAttempts() int { return int(c.viewAttempts.Load()) }

// Stats returns the call counters.
func (c *Core) Stats() *util.CallStats { return c.deps.Stats }

func (c *Core) tag() string {
	s := &c.sess
	return "[" + s.localIdentity + "→" + s.remoteIdentity + " " + s.sessionID + "]"
}
