//go:build !linux

package device

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/media"
)

// Acquirer reports media.ErrNoDevice; capture drivers are linux only.
type Acquirer struct{}

// New returns an acquirer that never captures.
func New(Options) (*Acquirer, error) { return &Acquirer{}, nil }

// RegisterCodecs registers pion's default codecs.
func (a *Acquirer) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

// Acquire always fails.
func (a *Acquirer) Acquire(context.Context) (*media.LocalStream, error) {
	return nil, media.ErrNoDevice
}
