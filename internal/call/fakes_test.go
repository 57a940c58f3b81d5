package call

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/clock"
	"github.com/1ureka/peercall/internal/config"
	"github.com/1ureka/peercall/internal/media"
	"github.com/1ureka/peercall/internal/signaling"
	"github.com/1ureka/peercall/internal/util"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

const testJitter = 10 * time.Millisecond

func testConfig() config.CallConfig {
	return config.CallConfig{
		ICEServers:           config.DefaultSTUNServers,
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxJitter:   50 * time.Millisecond,
		MaxReconnectAttempts: 5,
		OfferCheckDelay:      time.Second,
		MaxICERestarts:       2,
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Fake peer connection
// ──────────────────────────────────────────────────────────────────────────────

// fakePeer emulates the signaling state machine of a PeerConnection. SDP
// blobs carry the number of local tracks ("tracks=N"); applying a remote
// description fires OnTrack for every track not seen before.
type fakePeer struct {
	name string

	mu               sync.Mutex
	state            webrtc.SignalingState
	remote           *webrtc.SessionDescription
	localTracks      int
	remoteTracksSeen int
	generated        int
	remoteSets       []webrtc.SessionDescription
	candidates       []string
	closed           bool

	onTrack    func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onICE      func(*webrtc.ICECandidate)
	onConn     func(webrtc.PeerConnectionState)
	onICEState func(webrtc.ICEConnectionState)
	onNeg      func()
}

var _ PeerConnection = (*fakePeer)(nil)

func newFakePeer(name string) *fakePeer {
	return &fakePeer{name: name, state: webrtc.SignalingStateStable}
}

func (p *fakePeer) sdp(kind string, restart bool) string {
	p.generated++
	return fmt.Sprintf("fake %s %s#%d tracks=%d restart=%t", p.name, kind, p.generated, p.localTracks, restart)
}

func (p *fakePeer) CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("cannot offer in have-remote-offer")
	}
	restart := opts != nil && opts.ICERestart
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.sdp("offer", restart)}, nil
}

func (p *fakePeer) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer to answer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.sdp("answer", false)}, nil
}

func (p *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case desc.Type == webrtc.SDPTypeRollback && p.state == webrtc.SignalingStateHaveLocalOffer:
		p.state = webrtc.SignalingStateStable
	case desc.Type == webrtc.SDPTypeOffer && p.state == webrtc.SignalingStateStable:
		p.state = webrtc.SignalingStateHaveLocalOffer
	case desc.Type == webrtc.SDPTypeAnswer && p.state == webrtc.SignalingStateHaveRemoteOffer:
		p.state = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("invalid local %s in %s", desc.Type, p.state)
	}
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	if strings.Contains(desc.SDP, "malformed") {
		p.mu.Unlock()
		return errors.New("malformed SDP")
	}
	switch {
	case desc.Type == webrtc.SDPTypeOffer &&
		(p.state == webrtc.SignalingStateStable || p.state == webrtc.SignalingStateHaveRemoteOffer):
		p.state = webrtc.SignalingStateHaveRemoteOffer
	case desc.Type == webrtc.SDPTypeAnswer && p.state == webrtc.SignalingStateHaveLocalOffer:
		p.state = webrtc.SignalingStateStable
	default:
		p.mu.Unlock()
		return fmt.Errorf("invalid remote %s in %s", desc.Type, p.state)
	}
	p.remote = &desc
	p.remoteSets = append(p.remoteSets, desc)

	tracks := 0
	for _, field := range strings.Fields(desc.SDP) {
		if v, ok := strings.CutPrefix(field, "tracks="); ok {
			tracks, _ = strconv.Atoi(v)
		}
	}
	newTracks := tracks - p.remoteTracksSeen
	if newTracks > 0 {
		p.remoteTracksSeen = tracks
	}
	onTrack := p.onTrack
	p.mu.Unlock()

	for i := 0; i < newTracks && onTrack != nil; i++ {
		onTrack(&webrtc.TrackRemote{}, nil)
	}
	return nil
}

func (p *fakePeer) RemoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *fakePeer) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("remote description not set")
	}
	if c.Candidate == "bad" {
		return errors.New("invalid candidate")
	}
	p.candidates = append(p.candidates, c.Candidate)
	return nil
}

func (p *fakePeer) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localTracks++
	return nil, nil
}

func (p *fakePeer) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.mu.Lock()
	p.onTrack = f
	p.mu.Unlock()
}

func (p *fakePeer) OnICECandidate(f func(*webrtc.ICECandidate)) {
	p.mu.Lock()
	p.onICE = f
	p.mu.Unlock()
}

func (p *fakePeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onConn = f
	p.mu.Unlock()
}

func (p *fakePeer) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	p.mu.Lock()
	p.onICEState = f
	p.mu.Unlock()
}

func (p *fakePeer) OnNegotiationNeeded(f func()) {
	p.mu.Lock()
	p.onNeg = f
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Test controls.

func (p *fakePeer) setConnectionState(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	f := p.onConn
	p.mu.Unlock()
	f(state)
}

func (p *fakePeer) setICEState(state webrtc.ICEConnectionState) {
	p.mu.Lock()
	f := p.onICEState
	p.mu.Unlock()
	f(state)
}

func (p *fakePeer) negotiationNeeded() {
	p.mu.Lock()
	f := p.onNeg
	p.mu.Unlock()
	f()
}

func (p *fakePeer) gatherCandidate(c *webrtc.ICECandidate) {
	p.mu.Lock()
	f := p.onICE
	p.mu.Unlock()
	f(c)
}

func (p *fakePeer) appliedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.candidates...)
}

func (p *fakePeer) remoteSetCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.remoteSets)
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// fakeFactory records every peer connection it creates.
type fakeFactory struct {
	name string

	mu    sync.Mutex
	peers []*fakePeer
	err   error
}

func (f *fakeFactory) NewPeerConnection() (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := newFakePeer(f.name)
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *fakeFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

// ──────────────────────────────────────────────────────────────────────────────
// Fake media and transport
// ──────────────────────────────────────────────────────────────────────────────

// fakeAcquirer returns two static tracks. When gate is set, Acquire blocks
// until it is closed, counting the callers waiting in entered.
type fakeAcquirer struct {
	err     error
	gate    chan struct{}
	entered atomic.Int32
	stops   atomic.Int32
}

func (a *fakeAcquirer) Acquire(ctx context.Context) (*media.LocalStream, error) {
	if a.gate != nil {
		a.entered.Add(1)
		select {
		case <-a.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if a.err != nil {
		return nil, a.err
	}
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "local")
	if err != nil {
		return nil, err
	}
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "local")
	if err != nil {
		return nil, err
	}
	return media.NewLocalStream([]webrtc.TrackLocal{video, audio}, func() { a.stops.Add(1) }), nil
}

// flakyTransport fails the first `failures` handshakes, then dials the hub.
type flakyTransport struct {
	hub *signaling.Hub

	mu       sync.Mutex
	failures int
	dials    int
}

func (t *flakyTransport) Dial(ctx context.Context, identity string) (signaling.Conn, error) {
	t.mu.Lock()
	t.dials++
	fail := t.failures > 0
	if fail {
		t.failures--
	}
	t.mu.Unlock()
	if fail {
		return nil, errors.New("handshake refused")
	}
	return t.hub.Dial(ctx, identity)
}

func (t *flakyTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

// ──────────────────────────────────────────────────────────────────────────────
// Harness
// ──────────────────────────────────────────────────────────────────────────────

type testCore struct {
	*Core
	peers    *fakeFactory
	acquirer *fakeAcquirer
}

func newTestCore(t *testing.T, name string, transport signaling.Transport, clk clock.Clock) *testCore {
	t.Helper()
	peers := &fakeFactory{name: name}
	acq := &fakeAcquirer{}
	c := New(testConfig(), Deps{
		Transport: transport,
		Media:     acq,
		Peers:     peers,
		Clock:     clk,
		Jitter:    func(time.Duration) time.Duration { return testJitter },
		Stats:     &util.CallStats{},
	})
	t.Cleanup(func() { c.Close() })
	return &testCore{Core: c, peers: peers, acquirer: acq}
}

// flush waits until the loop has processed everything posted so far.
func flush(t *testing.T, c *testCore) {
	t.Helper()
	if err := c.do(func() {}); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

// negPhase reads the negotiation phase on the loop.
func negPhase(t *testing.T, c *testCore) phase {
	t.Helper()
	var p phase
	if err := c.do(func() { p = c.sess.neg.phase }); err != nil {
		t.Fatal(err)
	}
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// spy records every message delivered to one identity's topic.
type spy struct {
	mu   sync.Mutex
	msgs []signaling.Message
}

func newSpy(t *testing.T, hub *signaling.Hub, identity string) *spy {
	t.Helper()
	conn, err := hub.Dial(context.Background(), "spy-"+identity)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	s := &spy{}
	if _, err := conn.Subscribe(signaling.Topic(identity), func(m signaling.Message) {
		s.mu.Lock()
		s.msgs = append(s.msgs, m)
		s.mu.Unlock()
	}); err != nil {
		t.Fatal(err)
	}
	return s
}

func (s *spy) count(t signaling.MessageType, from string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.msgs {
		if m.Type == t && m.From == from {
			n++
		}
	}
	return n
}

func (s *spy) last(t signaling.MessageType) (signaling.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.msgs) - 1; i >= 0; i-- {
		if s.msgs[i].Type == t {
			return s.msgs[i], true
		}
	}
	return signaling.Message{}, false
}

// remotePeer is a raw hub connection impersonating the other party.
type remotePeer struct {
	t    *testing.T
	conn signaling.Conn
	from string
	to   string
	sess string
}

func newRemotePeer(t *testing.T, hub *signaling.Hub, from, to, sessionID string) *remotePeer {
	t.Helper()
	conn, err := hub.Dial(context.Background(), from)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return &remotePeer{t: t, conn: conn, from: from, to: to, sess: sessionID}
}

func (r *remotePeer) send(m signaling.Message) {
	r.t.Helper()
	m.From, m.To, m.SessionID = r.from, r.to, r.sess
	if err := r.conn.Publish(signaling.DestinationSignal, m); err != nil {
		r.t.Fatalf("publish %s: %v", m.Type, err)
	}
}

func (r *remotePeer) offer(sdp string) {
	r.send(signaling.Message{Type: signaling.TypeOffer, SDP: sdp})
}

func (r *remotePeer) candidate(c string) {
	idx := uint16(0)
	r.send(signaling.Message{Type: signaling.TypeCandidate, Candidate: c, SDPMLineIndex: &idx})
}
