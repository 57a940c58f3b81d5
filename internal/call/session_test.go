package call

import (
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/signaling"
)

func TestCandidateQueueDrainsOnce(t *testing.T) {
	var q candidateQueue
	q.push(webrtc.ICECandidateInit{Candidate: "a"})
	q.push(webrtc.ICECandidateInit{Candidate: "b"})

	got := q.drain()
	if len(got) != 2 || got[0].Candidate != "a" || got[1].Candidate != "b" {
		t.Fatalf("drain = %v", got)
	}
	if again := q.drain(); again != nil {
		t.Errorf("second drain = %v, want nil", again)
	}
}

func TestNegotiationTransitions(t *testing.T) {
	tests := []struct {
		name  string
		steps func(n *negotiation)
		phase phase
		auto  bool
		offer bool // accepts a non-restart offer
		ans   bool
	}{
		{"fresh", func(*negotiation) {}, phaseIdle, true, true, false},
		{"offer sent", func(n *negotiation) {
			n.offered(signaling.Message{Type: signaling.TypeOffer})
		}, phaseAwaitingAnswer, false, true, true},
		{"answer applied", func(n *negotiation) {
			n.offered(signaling.Message{Type: signaling.TypeOffer})
			n.answerApplied()
		}, phaseStable, false, true, false},
		{"remote offer answered", func(n *negotiation) {
			n.offerAnswered(false)
		}, phaseStable, false, false, false},
		{"rolled back", func(n *negotiation) {
			n.offered(signaling.Message{Type: signaling.TypeOffer})
			n.rolledBack()
		}, phaseIdle, false, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var n negotiation
			tt.steps(&n)
			if n.phase != tt.phase {
				t.Errorf("phase = %s, want %s", n.phase, tt.phase)
			}
			if got := n.canAutoOffer(); got != tt.auto {
				t.Errorf("canAutoOffer = %v, want %v", got, tt.auto)
			}
			if got := n.acceptsOffer(false); got != tt.offer {
				t.Errorf("acceptsOffer = %v, want %v", got, tt.offer)
			}
			if !n.acceptsOffer(true) {
				t.Error("restart offers must always be considered")
			}
			if got := n.acceptsAnswer(); got != tt.ans {
				t.Errorf("acceptsAnswer = %v, want %v", got, tt.ans)
			}
		})
	}
}

func TestRestartAnswerKeepsAnsweredFlag(t *testing.T) {
	var n negotiation
	n.offerAnswered(true)
	if n.answered {
		t.Error("restart offer marked the initial offer as answered")
	}
}

func TestInitiatorTieBreak(t *testing.T) {
	s := session{localIdentity: "alice", remoteIdentity: "bob"}
	if !s.isInitiator() || s.isPolite() {
		t.Error("alice should initiate against bob")
	}
	s = session{localIdentity: "bob", remoteIdentity: "alice"}
	if s.isInitiator() || !s.isPolite() {
		t.Error("bob should wait for alice")
	}
}
