//go:build linux

package device

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/media"
	"github.com/1ureka/peercall/internal/util"
)

// Acquirer captures VP8 video and Opus audio from local devices.
type Acquirer struct {
	opts     Options
	selector *mediadevices.CodecSelector
}

// New builds the VP8/Opus encoders used for capture.
func New(opts Options) (*Acquirer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("VP8 encoder: %w", err)
	}
	if opts.VideoBitRate > 0 {
		vpxParams.BitRate = opts.VideoBitRate
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("Opus encoder: %w", err)
	}

	return &Acquirer{
		opts: opts,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// RegisterCodecs registers exactly the codecs the encoders produce.
func (a *Acquirer) RegisterCodecs(m *webrtc.MediaEngine) error {
	a.selector.Populate(m)
	return nil
}

// Acquire opens camera and microphone. GetUserMedia fails as a unit when
// either device is missing, so video-only and audio-only are tried next.
func (a *Acquirer) Acquire(ctx context.Context) (*media.LocalStream, error) {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, media.ErrNoDevice
	}
	for _, d := range devices {
		util.LogDebug("media device: kind=%v label=%q", d.Kind, d.Label)
	}

	attempts := []struct {
		video, audio bool
		label        string
	}{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	}

	var lastErr error
	for _, at := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		constraints := mediadevices.MediaStreamConstraints{Codec: a.selector}
		if at.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only; some MJPEG nodes emit frames the VP8 encoder rejects.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				if a.opts.MaxWidth > 0 {
					c.Width = prop.IntRanged{Max: a.opts.MaxWidth}
				}
				if a.opts.MaxHeight > 0 {
					c.Height = prop.IntRanged{Max: a.opts.MaxHeight}
				}
			}
		}
		if at.audio {
			constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			util.LogWarning("GetUserMedia (%s) failed: %v", at.label, err)
			lastErr = err
			continue
		}

		captured := stream.GetTracks()
		tracks := make([]webrtc.TrackLocal, 0, len(captured))
		for _, tr := range captured {
			tr.OnEnded(func(err error) {
				if err != nil {
					util.LogWarning("local %s track ended: %v", tr.Kind(), err)
				}
			})
			tracks = append(tracks, tr)
		}

		util.LogInfo("local media captured (%s), %d tracks", at.label, len(tracks))
		return media.NewLocalStream(tracks, func() {
			for _, tr := range captured {
				tr.Close()
			}
		}), nil
	}

	return nil, fmt.Errorf("%w: %v", media.ErrNoDevice, lastErr)
}
