// Package device captures camera and microphone tracks through
// pion/mediadevices. Capture is only available on linux; other platforms
// get an acquirer that always reports media.ErrNoDevice.
package device

import "github.com/1ureka/peercall/internal/media"

// Compile-time interface checks.
var (
	_ media.Acquirer       = (*Acquirer)(nil)
	_ media.CodecRegistrar = (*Acquirer)(nil)
)

// Options tunes capture.
type Options struct {
	// MaxWidth and MaxHeight cap the captured resolution.
	MaxWidth  int
	MaxHeight int
	// VideoBitRate is the VP8 target bit rate in bits per second.
	VideoBitRate int
}

// DefaultOptions caps video at 640x480 and 1.5 Mbps.
func DefaultOptions() Options {
	return Options{MaxWidth: 640, MaxHeight: 480, VideoBitRate: 1_500_000}
}
