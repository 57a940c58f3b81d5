package call

import (
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/clock"
	"github.com/1ureka/peercall/internal/media"
	"github.com/1ureka/peercall/internal/signaling"
)

// phase is the offer/answer progress of one peer connection.
//
//	Idle ──offer sent──▶ AwaitingAnswer ──answer applied──▶ Stable
//	Idle ──remote offer answered──────────────────────────▶ Stable
//
// An ICE restart or renegotiation moves Stable back to AwaitingAnswer.
type phase int

const (
	phaseIdle phase = iota
	phaseAwaitingAnswer
	phaseStable
)

func (p phase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseAwaitingAnswer:
		return "awaiting-answer"
	case phaseStable:
		return "stable"
	}
	return "unknown"
}

// candidateQueue buffers remote candidates that arrive before any remote
// description. It is drained exactly once.
type candidateQueue struct {
	items   []webrtc.ICECandidateInit
	drained bool
}

func (q *candidateQueue) push(c webrtc.ICECandidateInit) {
	q.items = append(q.items, c)
}

// drain returns the buffered candidates in arrival order on the first call
// and nil afterwards.
func (q *candidateQueue) drain() []webrtc.ICECandidateInit {
	if q.drained {
		return nil
	}
	q.drained = true
	items := q.items
	q.items = nil
	return items
}

func (q *candidateQueue) len() int { return len(q.items) }

// negotiation is the per-session offer/answer state. Every guard on inbound
// and outbound SDP goes through its methods.
type negotiation struct {
	phase phase

	// offerSent is set once this side has sent its initial offer.
	offerSent bool
	// answered is set once a remote (non-restart) offer has been applied.
	answered bool

	candidates candidateQueue

	// lastOffer is republished when the peer announces itself while an
	// answer is outstanding.
	lastOffer *signaling.Message

	// restarts counts ICE restarts since the media path last connected.
	restarts int
}

// canAutoOffer reports whether the automatic initiator path may offer.
func (n *negotiation) canAutoOffer() bool {
	return n.phase == phaseIdle && !n.offerSent && !n.answered
}

func (n *negotiation) offered(msg signaling.Message) {
	n.phase = phaseAwaitingAnswer
	n.offerSent = true
	n.lastOffer = &msg
}

// acceptsOffer reports whether an inbound offer should be applied. Restart
// offers are always considered; a second initial offer is a duplicate.
func (n *negotiation) acceptsOffer(iceRestart bool) bool {
	return iceRestart || !n.answered
}

func (n *negotiation) offerAnswered(iceRestart bool) {
	if !iceRestart {
		n.answered = true
	}
	n.phase = phaseStable
	n.lastOffer = nil
}

// acceptsAnswer reports whether an inbound answer matches an outstanding
// local offer.
func (n *negotiation) acceptsAnswer() bool {
	return n.phase == phaseAwaitingAnswer
}

func (n *negotiation) answerApplied() {
	n.phase = phaseStable
	n.lastOffer = nil
}

// rolledBack undoes an outstanding local offer after glare.
func (n *negotiation) rolledBack() {
	n.phase = phaseIdle
	n.lastOffer = nil
}

// session is the mutable state of one call. It is owned by the loop
// goroutine of its Core.
type session struct {
	localIdentity  string
	remoteIdentity string
	sessionID      string

	// epoch increments whenever the session is torn down or redefined.
	// Continuations of blocking work compare it before touching state.
	epoch uint64

	// teardowns counts Disconnect and StopStreams. Media captured across a
	// teardown is discarded instead of attached.
	teardowns uint64

	conn               signaling.Conn
	sub                signaling.Subscription
	signalingConnected bool
	dialing            bool

	pc           PeerConnection
	localStream  *media.LocalStream
	remoteStream *media.RemoteStream

	neg negotiation

	reconnectAttempts int
	reconnectTimer    clock.Timer
	offerCheckTimer   clock.Timer
}

// hasIdentity reports whether a (local, session, remote) triple is known.
func (s *session) hasIdentity() bool {
	return s.localIdentity != "" && s.remoteIdentity != ""
}

// isInitiator applies the lexicographic tie-break.
func (s *session) isInitiator() bool {
	return s.localIdentity < s.remoteIdentity
}

// isPolite reports whether this side yields on offer glare.
func (s *session) isPolite() bool {
	return !s.isInitiator()
}

func (s *session) resetNegotiation() {
	s.neg = negotiation{}
}

func (s *session) message(t signaling.MessageType) signaling.Message {
	return signaling.Message{
		Type:      t,
		From:      s.localIdentity,
		To:        s.remoteIdentity,
		SessionID: s.sessionID,
	}
}

func stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
