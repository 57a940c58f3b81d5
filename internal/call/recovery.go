package call

import (
	"errors"
	"io"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/util"
)

func (c *Core) connectionStateChanged(state webrtc.PeerConnectionState) {
	c.log.Info("peer connection %s", state)
	if f := c.callbacks().connState; f != nil {
		f(state)
	}

	switch state {
	case webrtc.PeerConnectionStateConnected:
		c.sess.neg.restarts = 0
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		c.restartICE("peer connection " + state.String())
	}
}

func (c *Core) iceStateChanged(state webrtc.ICEConnectionState) {
	c.log.Debug("ICE connection %s", state)
	if f := c.callbacks().iceState; f != nil {
		f(state)
	}

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		c.sess.neg.restarts = 0
	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateDisconnected:
		c.restartICE("ICE " + state.String())
	}
}

// restartICE sends an offer with fresh ICE credentials over the existing
// peer connection, recreating it first if it is gone. Only one restart is
// outstanding at a time; after MaxICERestarts without reaching connected
// the call is reported ended.
func (c *Core) restartICE(reason string) {
	s := &c.sess
	if !s.hasIdentity() {
		return
	}
	if s.neg.phase == phaseAwaitingAnswer {
		c.log.Debug("%s: restart skipped, offer outstanding", reason)
		return
	}
	switch {
	case s.neg.restarts > c.cfg.MaxICERestarts:
		return
	case s.neg.restarts == c.cfg.MaxICERestarts:
		s.neg.restarts++
		c.log.Error("media path lost after %d ICE restarts", c.cfg.MaxICERestarts)
		c.emitFailed(ErrICERestartExhausted)
		return
	}

	if err := c.ensurePeerConnection(); err != nil {
		c.negotiationFailed(err)
		return
	}

	s.neg.restarts++
	c.deps.Stats.AddICERestart()
	c.log.Warning("%s: ICE restart %d/%d", reason, s.neg.restarts, c.cfg.MaxICERestarts)
	c.sendOffer(true, reason)
}

// StopStreams stops local and remote tracks, closes the peer connection and
// clears all three references. The signaling connection is left alone.
func (c *Core) StopStreams() {
	_ = c.do(c.teardownStreams)
}

func (c *Core) teardownStreams() {
	s := &c.sess
	s.teardowns++
	stopTimer(&s.offerCheckTimer)

	if s.localStream != nil {
		s.localStream.Stop()
	}
	if s.remoteStream != nil {
		s.remoteStream.Stop()
	}
	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			c.log.Debug("closing peer connection: %v", err)
		}
	}
	s.localStream = nil
	s.remoteStream = nil
	s.pc = nil

	// Negotiation state belongs to the closed peer connection.
	s.resetNegotiation()
}

// drainRTCP reads RTCP for a sender until it closes. Reading is required
// for interceptors such as NACK to run.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			if !errors.Is(err, io.EOF) {
				util.LogDebug("RTCP read stopped: %v", err)
			}
			return
		}
	}
}
