package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is a single 20 ms Opus frame encoding silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const silenceInterval = 20 * time.Millisecond

// Synthetic produces a VP8 video track and an Opus audio track without
// touching any capture device. The audio track carries silence so the
// remote side observes media flowing; the video track stays idle.
type Synthetic struct {
	// Silence enables the background writer on the audio track.
	Silence bool
}

var _ Acquirer = (*Synthetic)(nil)

// Acquire creates a fresh pair of tracks sharing one stream id.
func (s *Synthetic) Acquire(ctx context.Context) (*LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	streamID := "synthetic-" + uuid.NewString()[:8]
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
	if err != nil {
		return nil, fmt.Errorf("creating video track: %w", err)
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("creating audio track: %w", err)
	}

	stop := func() {}
	if s.Silence {
		done := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			writeSilence(audio, done)
		}()
		stop = func() {
			close(done)
			wg.Wait()
		}
	}

	return NewLocalStream([]webrtc.TrackLocal{video, audio}, stop), nil
}

// writeSilence pushes Opus silence frames until done is closed. Writes to an
// unbound track are dropped by pion, so this runs safely before negotiation.
func writeSilence(track *webrtc.TrackLocalStaticSample, done <-chan struct{}) {
	ticker := time.NewTicker(silenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = track.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: silenceInterval})
		case <-done:
			return
		}
	}
}
