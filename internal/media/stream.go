// Package media holds the local and remote stream handles exchanged between
// the call core and its media collaborators.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// ErrNoDevice is returned by acquirers when the platform has no usable
// camera or microphone, or capture was denied.
var ErrNoDevice = errors.New("media: no capture device available")

// Acquirer obtains a local audio/video stream.
type Acquirer interface {
	Acquire(ctx context.Context) (*LocalStream, error)
}

// CodecRegistrar is implemented by acquirers whose encoders need specific
// codecs registered on the MediaEngine before a PeerConnection is created.
type CodecRegistrar interface {
	RegisterCodecs(m *webrtc.MediaEngine) error
}

// LocalStream is a set of local tracks that are stopped together.
type LocalStream struct {
	id     string
	tracks []webrtc.TrackLocal

	once sync.Once
	stop func()
}

// NewLocalStream wraps tracks into a stream. stop, if non-nil, runs once on
// the first Stop call and should release the capture devices.
func NewLocalStream(tracks []webrtc.TrackLocal, stop func()) *LocalStream {
	id := uuid.NewString()
	if len(tracks) > 0 && tracks[0].StreamID() != "" {
		id = tracks[0].StreamID()
	}
	return &LocalStream{id: id, tracks: tracks, stop: stop}
}

// ID returns the stream id shared by the tracks.
func (s *LocalStream) ID() string { return s.id }

// Tracks returns a copy of the stream's tracks.
func (s *LocalStream) Tracks() []webrtc.TrackLocal {
	return append([]webrtc.TrackLocal(nil), s.tracks...)
}

// Stop releases the stream. Safe to call multiple times.
func (s *LocalStream) Stop() {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}

// RemoteStream aggregates the tracks received from the peer. It is filled
// in as tracks arrive and never synthesized locally.
type RemoteStream struct {
	id string

	mu        sync.Mutex
	tracks    []*webrtc.TrackRemote
	receivers []*webrtc.RTPReceiver
	stopped   bool
}

// NewRemoteStream creates an empty remote stream.
func NewRemoteStream(id string) *RemoteStream {
	if id == "" {
		id = uuid.NewString()
	}
	return &RemoteStream{id: id}
}

// ID returns the stream id.
func (s *RemoteStream) ID() string { return s.id }

// Add records a newly arrived track and returns the track count. receiver
// may be nil.
func (s *RemoteStream) Add(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, track)
	s.receivers = append(s.receivers, receiver)
	return len(s.tracks)
}

// Tracks returns a copy of the received tracks.
func (s *RemoteStream) Tracks() []*webrtc.TrackRemote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*webrtc.TrackRemote(nil), s.tracks...)
}

// Len returns the number of received tracks.
func (s *RemoteStream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracks)
}

// Stop stops every receiver. Safe to call multiple times.
func (s *RemoteStream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	receivers := s.receivers
	s.mu.Unlock()

	for _, r := range receivers {
		if r != nil {
			_ = r.Stop()
		}
	}
}
