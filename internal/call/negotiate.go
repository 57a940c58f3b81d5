package call

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/media"
	"github.com/1ureka/peercall/internal/signaling"
	"github.com/1ureka/peercall/internal/util"
)

// AcquireLocalMedia captures local audio and video, creates the peer
// connection if needed, attaches the tracks and fires the local stream
// callback. A deferred check then sends the initial offer if this side is
// the initiator and nothing has arrived from the peer yet.
//
// Capture failures are returned as *MediaAcquisitionError and never retried.
// When a stream is already attached it is returned unchanged. If the
// session is torn down while capture is in progress, the stream is stopped
// and ErrSessionEnded is returned.
func (c *Core) AcquireLocalMedia(ctx context.Context) (*media.LocalStream, error) {
	var (
		existing  *media.LocalStream
		teardowns uint64
	)
	if err := c.do(func() {
		existing = c.sess.localStream
		teardowns = c.sess.teardowns
	}); err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	if c.deps.Media == nil {
		return nil, &MediaAcquisitionError{Err: media.ErrNoDevice}
	}
	stream, err := c.deps.Media.Acquire(ctx)
	if err != nil {
		return nil, &MediaAcquisitionError{Err: err}
	}

	var attachErr error
	if err := c.do(func() {
		if c.sess.teardowns != teardowns {
			c.log.Info("session ended during capture, releasing media")
			attachErr = &PreconditionError{Op: "acquire local media", Err: ErrSessionEnded}
			return
		}
		attachErr = c.attachLocalStream(stream)
	}); err != nil {
		stream.Stop()
		return nil, err
	}
	if attachErr != nil {
		stream.Stop()
		return nil, attachErr
	}
	return stream, nil
}

func (c *Core) attachLocalStream(stream *media.LocalStream) error {
	s := &c.sess
	if s.localStream != nil {
		// Lost a race with a concurrent acquisition.
		return &PreconditionError{Op: "acquire local media", Err: errStreamAttached}
	}

	hadPC := s.pc != nil
	s.localStream = stream
	if hadPC {
		c.addTracks(stream)
	} else if err := c.ensurePeerConnection(); err != nil {
		s.localStream = nil
		return err
	}

	c.log.Info("local media attached (%d tracks)", len(stream.Tracks()))
	if f := c.callbacks().localStream; f != nil {
		f(stream)
	}

	// Media added after answering the peer's offer needs its own offer.
	if hadPC && s.neg.answered && s.pc.SignalingState() == webrtc.SignalingStateStable {
		c.sendOffer(false, "local media added")
		return nil
	}

	stopTimer(&s.offerCheckTimer)
	epoch := s.epoch
	s.offerCheckTimer = c.deps.Clock.AfterFunc(c.cfg.OfferCheckDelay, func() {
		c.post(func() {
			if c.sess.epoch != epoch {
				return
			}
			c.sess.offerCheckTimer = nil
			c.maybeOffer("deferred check")
		})
	})
	return nil
}

// ensurePeerConnection creates the peer connection if it does not exist and
// attaches the local tracks to it.
func (c *Core) ensurePeerConnection() error {
	s := &c.sess
	if s.pc != nil {
		return nil
	}
	pc, err := c.deps.Peers.NewPeerConnection()
	if err != nil {
		return &NegotiationError{Op: "create peer connection", Err: err}
	}
	s.pc = pc
	c.wirePeerConnection(pc)
	if s.localStream != nil {
		c.addTracks(s.localStream)
	}
	c.log.Debug("peer connection created")
	return nil
}

func (c *Core) addTracks(stream *media.LocalStream) {
	s := &c.sess
	for _, track := range stream.Tracks() {
		sender, err := s.pc.AddTrack(track)
		if err != nil {
			c.log.Warning("adding %s track failed: %v", track.Kind(), err)
			continue
		}
		if sender != nil {
			go drainRTCP(sender)
		}
	}
}

// wirePeerConnection routes pion callbacks onto the loop. Events from a
// peer connection that has since been replaced are dropped.
func (c *Core) wirePeerConnection(pc PeerConnection) {
	current := func() bool { return c.sess.pc == pc }

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		c.post(func() {
			if current() {
				c.sendCandidate(init)
			}
		})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.post(func() {
			if current() {
				c.remoteTrack(track, receiver)
			}
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.post(func() {
			if current() {
				c.connectionStateChanged(state)
			}
		})
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		c.post(func() {
			if current() {
				c.iceStateChanged(state)
			}
		})
	})

	pc.OnNegotiationNeeded(func() {
		c.post(func() {
			if current() {
				c.maybeOffer("negotiation needed")
			}
		})
	})
}

func (c *Core) sendCandidate(init webrtc.ICECandidateInit) {
	msg := c.sess.message(signaling.TypeCandidate)
	msg.Candidate = init.Candidate
	msg.SDPMid = init.SDPMid
	msg.SDPMLineIndex = init.SDPMLineIndex
	if c.publish(msg) {
		c.deps.Stats.AddCandidateSent()
	}
}

func (c *Core) remoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	s := &c.sess
	if s.remoteStream == nil {
		s.remoteStream = media.NewRemoteStream(track.StreamID())
	}
	n := s.remoteStream.Add(track, receiver)
	c.log.Success("remote %s track arrived (%d total)", track.Kind(), n)
	if f := c.callbacks().remoteStream; f != nil {
		f(s.remoteStream)
	}
}

// StartCall is the explicit initiator path. With isInitiator set it sends
// an offer; otherwise it waits for the peer's. It fails with ErrNotReady
// before local media and the peer connection exist.
func (c *Core) StartCall(isInitiator bool) error {
	var result error
	if err := c.do(func() {
		s := &c.sess
		if s.localStream == nil || s.pc == nil {
			result = &PreconditionError{Op: "start call", Err: ErrNotReady}
			return
		}
		if !isInitiator {
			c.log.Info("waiting for the peer's offer")
			return
		}
		if s.neg.offerSent || s.neg.answered {
			c.log.Debug("start call: negotiation already under way (%s)", s.neg.phase)
			return
		}
		stopTimer(&s.offerCheckTimer)
		result = c.sendOffer(false, "start call")
	}); err != nil {
		return err
	}
	return result
}

// maybeOffer is the automatic initiator path. It offers only when all hold:
// a peer connection and local media exist, signaling is stable, no remote
// description is set, this side wins the tie-break, and no offer was sent.
func (c *Core) maybeOffer(reason string) {
	s := &c.sess
	var skip string
	switch {
	case s.pc == nil:
		skip = "no peer connection"
	case s.localStream == nil:
		skip = "no local media"
	case s.pc.SignalingState() != webrtc.SignalingStateStable:
		skip = "signaling not stable"
	case s.pc.RemoteDescription() != nil:
		skip = "remote description already set"
	case !s.isInitiator():
		skip = "peer is the initiator"
	case !s.neg.canAutoOffer():
		skip = "offer already sent"
	}
	if skip != "" {
		c.log.Debug("%s: not offering, %s", reason, skip)
		return
	}
	c.sendOffer(false, reason)
}

// sendOffer creates an offer, applies it locally and publishes it.
func (c *Core) sendOffer(iceRestart bool, reason string) error {
	s := &c.sess
	offer, err := s.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return c.negotiationFailed(&NegotiationError{Op: "create offer", Err: err})
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return c.negotiationFailed(&NegotiationError{Op: "set local offer", Err: err})
	}

	msg := s.message(signaling.TypeOffer)
	msg.SDP = offer.SDP
	msg.ICERestart = iceRestart
	s.neg.offered(msg)
	if c.publish(msg) {
		c.deps.Stats.AddOffer()
	}
	c.log.Info("offer sent (%s, sdp %s)", reason, util.Fingerprint(offer.SDP))
	return nil
}

// handleSignal applies one inbound message. Negotiation errors are logged
// and counted; they never end the session.
func (c *Core) handleSignal(msg signaling.Message) {
	s := &c.sess
	if err := msg.Validate(); err != nil {
		c.negotiationFailed(err)
		return
	}
	if msg.To != s.localIdentity || msg.From != s.remoteIdentity || msg.SessionID != s.sessionID {
		c.log.Debug("ignoring %s", msg)
		return
	}

	var err error
	switch msg.Type {
	case signaling.TypeJoin:
		c.peerJoined()
	case signaling.TypeLeave:
		c.log.Info("%s left the session", msg.From)
	case signaling.TypeOffer:
		err = c.handleOffer(msg)
	case signaling.TypeAnswer:
		err = c.handleAnswer(msg)
	case signaling.TypeCandidate:
		err = c.handleCandidate(msg)
	}
	if err != nil {
		c.negotiationFailed(err)
	}
}

func (c *Core) negotiationFailed(err error) error {
	c.deps.Stats.AddSignalingError()
	c.log.Warning("%v", err)
	return err
}

// peerJoined republishes an outstanding offer, which may have been sent
// before the peer subscribed, or offers if this side is now able to.
func (c *Core) peerJoined() {
	s := &c.sess
	c.log.Info("%s joined the session", s.remoteIdentity)
	if s.neg.phase == phaseAwaitingAnswer && s.neg.lastOffer != nil {
		c.log.Debug("republishing outstanding offer")
		c.publish(*s.neg.lastOffer)
		return
	}
	c.maybeOffer("peer joined")
}

func (c *Core) handleOffer(msg signaling.Message) error {
	s := &c.sess
	if !s.neg.acceptsOffer(msg.ICERestart) {
		c.log.Debug("duplicate offer ignored")
		return nil
	}
	if err := c.ensurePeerConnection(); err != nil {
		return err
	}
	pc := s.pc

	// Offer glare: the polite side (later identity) rolls back its own
	// offer, the other side keeps it and waits for the answer.
	if pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if !s.isPolite() {
			c.log.Info("offer glare, keeping local offer")
			return nil
		}
		if err := pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return &NegotiationError{Op: "roll back local offer", Err: err}
		}
		s.neg.rolledBack()
		c.log.Info("offer glare, rolled back local offer")
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP}); err != nil {
		return &NegotiationError{Op: "apply offer", Err: err}
	}
	c.drainCandidates()

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return &NegotiationError{Op: "create answer", Err: err}
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return &NegotiationError{Op: "set local answer", Err: err}
	}
	s.neg.offerAnswered(msg.ICERestart)

	reply := s.message(signaling.TypeAnswer)
	reply.SDP = answer.SDP
	if c.publish(reply) {
		c.deps.Stats.AddAnswer()
	}
	c.log.Info("answered offer (restart=%t, sdp %s)", msg.ICERestart, util.Fingerprint(answer.SDP))
	return nil
}

func (c *Core) handleAnswer(msg signaling.Message) error {
	s := &c.sess
	if s.pc == nil || !s.neg.acceptsAnswer() {
		c.log.Debug("unexpected answer ignored (%s)", s.neg.phase)
		return nil
	}
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}); err != nil {
		return &NegotiationError{Op: "apply answer", Err: err}
	}
	s.neg.answerApplied()
	c.drainCandidates()
	c.log.Info("answer applied (sdp %s)", util.Fingerprint(msg.SDP))
	return nil
}

func (c *Core) handleCandidate(msg signaling.Message) error {
	s := &c.sess
	init := webrtc.ICECandidateInit{
		Candidate:     msg.Candidate,
		SDPMid:        msg.SDPMid,
		SDPMLineIndex: msg.SDPMLineIndex,
	}
	if s.pc == nil || s.pc.RemoteDescription() == nil {
		s.neg.candidates.push(init)
		c.log.Debug("candidate buffered (%d pending)", s.neg.candidates.len())
		return nil
	}
	if err := s.pc.AddICECandidate(init); err != nil {
		return &NegotiationError{Op: "add candidate", Err: err}
	}
	c.deps.Stats.AddCandidateRecv()
	return nil
}

// drainCandidates replays the buffered candidates once, in arrival order.
// A rejected candidate does not stop the rest.
func (c *Core) drainCandidates() {
	s := &c.sess
	pending := s.neg.candidates.drain()
	for _, cand := range pending {
		if err := s.pc.AddICECandidate(cand); err != nil {
			c.negotiationFailed(&NegotiationError{Op: "add buffered candidate", Err: err})
			continue
		}
		c.deps.Stats.AddCandidateRecv()
	}
	if len(pending) > 0 {
		c.log.Debug("replayed %d buffered candidates", len(pending))
	}
}
