package call

import (
	"context"
	"errors"
	"time"

	"github.com/1ureka/peercall/internal/signaling"
)

// Connect joins the signaling channel as localIdentity and announces
// presence to remoteIdentity with a JOIN.
//
// When a live connection for the same localIdentity exists it is reused:
// the session id and remote identity are updated in place and JOIN is sent
// again. A different localIdentity needs a new handshake, since the relay
// binds a connection to the identity it was opened with. Either way the
// negotiation state is reset for the new session.
//
// A nil error means the handshake succeeded. A *TransportError means it
// failed and a reconnect has already been scheduled.
func (c *Core) Connect(ctx context.Context, localIdentity, sessionID, remoteIdentity string) error {
	if localIdentity == "" || remoteIdentity == "" {
		return &PreconditionError{Op: "connect", Err: errors.New("local and remote identity are required")}
	}

	var (
		reused bool
		epoch  uint64
	)
	if err := c.do(func() {
		s := &c.sess
		if s.conn != nil && s.signalingConnected && s.localIdentity == localIdentity {
			reused = true
			c.reuseConnection(sessionID, remoteIdentity)
			return
		}

		c.dropConnection()
		stopTimer(&s.reconnectTimer)
		s.epoch++
		s.localIdentity = localIdentity
		s.sessionID = sessionID
		s.remoteIdentity = remoteIdentity
		s.resetNegotiation()
		s.reconnectAttempts = 0
		s.dialing = true
		epoch = s.epoch
	}); err != nil {
		return err
	}
	if reused {
		return nil
	}
	return c.dial(ctx, epoch, localIdentity)
}

// reuseConnection redefines the session on the live connection.
func (c *Core) reuseConnection(sessionID, remoteIdentity string) {
	s := &c.sess
	s.sessionID = sessionID
	s.remoteIdentity = remoteIdentity
	s.resetNegotiation()

	c.log.Info("reusing signaling connection")
	c.publish(s.message(signaling.TypeJoin))
}

// dial performs the handshake on the caller's goroutine and completes it on
// the loop.
func (c *Core) dial(ctx context.Context, epoch uint64, identity string) error {
	conn, dialErr := c.deps.Transport.Dial(ctx, identity)

	var result error
	if err := c.do(func() { result = c.dialed(epoch, conn, dialErr) }); err != nil {
		if conn != nil {
			conn.Close()
		}
		return err
	}
	return result
}

// dialed completes a handshake started for epoch. A failure schedules the
// next reconnect.
func (c *Core) dialed(epoch uint64, conn signaling.Conn, err error) error {
	s := &c.sess
	if epoch != s.epoch {
		if conn != nil {
			conn.Close()
		}
		return &TransportError{Op: "connect", Err: errSuperseded}
	}
	s.dialing = false

	if err == nil {
		err = c.attach(conn)
	}
	if err != nil {
		s.signalingConnected = false
		c.log.Warning("signaling handshake failed: %v", err)
		c.scheduleReconnect()
		return &TransportError{Op: "connect", Err: err}
	}
	return nil
}

// attach subscribes to the local topic on a fresh connection and announces
// presence.
func (c *Core) attach(conn signaling.Conn) error {
	s := &c.sess
	sub, err := conn.Subscribe(signaling.Topic(s.localIdentity), c.inboundHandler(s.epoch))
	if err != nil {
		conn.Close()
		return err
	}

	s.conn = conn
	s.sub = sub
	s.signalingConnected = true
	s.reconnectAttempts = 0
	stopTimer(&s.reconnectTimer)

	conn.OnClose(func(err error) {
		c.post(func() { c.transportClosed(conn, err) })
	})

	c.log.Success("signaling connected")
	c.publish(s.message(signaling.TypeJoin))

	// An offer created while signaling was down never left this side.
	if s.neg.phase == phaseAwaitingAnswer && s.neg.lastOffer != nil {
		c.log.Debug("republishing offer created while disconnected")
		if c.publish(*s.neg.lastOffer) {
			c.deps.Stats.AddOffer()
		}
	}
	return nil
}

func (c *Core) inboundHandler(epoch uint64) func(signaling.Message) {
	return func(msg signaling.Message) {
		c.post(func() {
			if c.sess.epoch != epoch {
				return
			}
			c.handleSignal(msg)
		})
	}
}

// transportClosed handles the loss of conn. Closes initiated by the core
// itself clear s.conn first and are ignored here.
func (c *Core) transportClosed(conn signaling.Conn, err error) {
	s := &c.sess
	if s.conn != conn {
		return
	}
	s.conn = nil
	s.sub = nil
	s.signalingConnected = false
	c.log.Warning("signaling connection lost: %v", err)
	c.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer:
// delay = base * 2^attempts + jitter, until MaxReconnectAttempts.
func (c *Core) scheduleReconnect() {
	s := &c.sess
	if !s.hasIdentity() || s.reconnectTimer != nil || s.dialing {
		return
	}
	if s.reconnectAttempts >= c.cfg.MaxReconnectAttempts {
		c.log.Error("giving up after %d reconnect attempts", s.reconnectAttempts)
		c.emitFailed(&TransportError{Op: "reconnect", Err: ErrReconnectExhausted})
		return
	}

	delay := backoffDelay(c.cfg.ReconnectBaseDelay, s.reconnectAttempts) + c.deps.Jitter(c.cfg.ReconnectMaxJitter)
	s.reconnectAttempts++
	c.deps.Stats.AddReconnect()

	epoch := s.epoch
	s.reconnectTimer = c.deps.Clock.AfterFunc(delay, func() {
		c.post(func() { c.reconnect(epoch) })
	})

	c.log.Warning("reconnecting in %s (attempt %d/%d)",
		delay, s.reconnectAttempts, c.cfg.MaxReconnectAttempts)
	c.emitReconnectScheduled(s.reconnectAttempts, delay)
}

// maxReconnectDelay bounds the exponential part of the backoff.
const maxReconnectDelay = time.Hour

// backoffDelay returns base * 2^attempts, saturating at maxReconnectDelay.
func backoffDelay(base time.Duration, attempts int) time.Duration {
	d := min(base, maxReconnectDelay)
	for range attempts {
		if d >= maxReconnectDelay/2 {
			return maxReconnectDelay
		}
		d *= 2
	}
	return d
}

// reconnect fires from the backoff timer and dials in the background.
func (c *Core) reconnect(epoch uint64) {
	s := &c.sess
	if epoch != s.epoch {
		return
	}
	s.reconnectTimer = nil
	if s.signalingConnected || s.dialing {
		return
	}

	s.dialing = true
	identity := s.localIdentity
	go func() {
		conn, err := c.deps.Transport.Dial(c.ctx, identity)
		if !c.post(func() { c.dialed(epoch, conn, err) }) && conn != nil {
			conn.Close()
		}
	}()
}

// Disconnect sends LEAVE if the transport is live, closes it, cancels all
// timers and resets the reconnect counter and negotiation state. Safe to
// call repeatedly.
func (c *Core) Disconnect() {
	_ = c.do(c.teardownTransport)
}

func (c *Core) teardownTransport() {
	s := &c.sess
	if s.conn != nil && s.signalingConnected {
		c.publish(s.message(signaling.TypeLeave))
		c.log.Info("left session")
	}
	c.dropConnection()
	stopTimer(&s.reconnectTimer)
	stopTimer(&s.offerCheckTimer)
	s.reconnectAttempts = 0
	s.dialing = false
	s.resetNegotiation()
	s.epoch++
	s.teardowns++
}

// dropConnection releases the subscription and closes the connection
// without announcing anything.
func (c *Core) dropConnection() {
	s := &c.sess
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	conn := s.conn
	s.conn = nil
	s.sub = nil
	s.signalingConnected = false
	if conn != nil {
		conn.Close()
	}
}

// EnsureConnected recreates whatever is missing: the signaling connection
// when a session is known, and the peer connection when local media exists.
func (c *Core) EnsureConnected(ctx context.Context) error {
	var (
		pcErr    error
		needDial bool
		epoch    uint64
		identity string
	)
	if err := c.do(func() {
		s := &c.sess
		if s.localStream != nil && s.pc == nil {
			pcErr = c.ensurePeerConnection()
		}
		if s.hasIdentity() && !s.signalingConnected && !s.dialing {
			stopTimer(&s.reconnectTimer)
			s.reconnectAttempts = 0
			s.dialing = true
			needDial = true
			epoch = s.epoch
			identity = s.localIdentity
		}
	}); err != nil {
		return err
	}

	var dialErr error
	if needDial {
		dialErr = c.dial(ctx, epoch, identity)
	}
	return errors.Join(pcErr, dialErr)
}

// publish sends msg to the peer. Failures are logged; the negotiation
// recovers through JOIN republishing or ICE restart.
func (c *Core) publish(msg signaling.Message) bool {
	s := &c.sess
	if s.conn == nil || !s.signalingConnected {
		c.log.Debug("dropping %s: signaling not connected", msg.Type)
		return false
	}
	if err := s.conn.Publish(signaling.DestinationSignal, msg); err != nil {
		c.log.Warning("publishing %s failed: %v", msg.Type, err)
		return false
	}
	return true
}

func (c *Core) emitReconnectScheduled(attempt int, delay time.Duration) {
	if f := c.callbacks().reconnect; f != nil {
		f(attempt, delay)
	}
}

func (c *Core) emitFailed(err error) {
	if f := c.callbacks().failed; f != nil {
		f(err)
	}
}
