package call

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned by StartCall before local media and a peer
	// connection exist.
	ErrNotReady = errors.New("call: local media or peer connection not ready")

	// ErrReconnectExhausted is reported once the reconnect attempt cap is
	// reached. Recovery stops until the caller connects again.
	ErrReconnectExhausted = errors.New("call: reconnect attempts exhausted")

	// ErrICERestartExhausted is reported when media-path recovery gave up.
	ErrICERestartExhausted = errors.New("call: ICE restart attempts exhausted")

	// ErrSessionEnded is returned by AcquireLocalMedia when the session was
	// torn down while capture was in progress. The captured stream is
	// stopped.
	ErrSessionEnded = errors.New("call: session ended during media acquisition")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("call: core closed")

	// errSuperseded marks a dial whose session was torn down or replaced
	// while the handshake was in flight.
	errSuperseded = errors.New("session superseded during handshake")

	errStreamAttached = errors.New("a local stream is already attached")
)

// TransportError reports a signaling transport failure: a failed handshake
// or a lost connection. Recovery is automatic up to the reconnect cap.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("signaling %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// MediaAcquisitionError reports that local capture was denied or no device
// exists. It is never retried by the core.
type MediaAcquisitionError struct {
	Err error
}

func (e *MediaAcquisitionError) Error() string {
	return fmt.Sprintf("camera/microphone unavailable: %v", e.Err)
}

func (e *MediaAcquisitionError) Unwrap() error { return e.Err }

// NegotiationError wraps a peer connection failure while handling one
// signal. It is logged and never ends the session.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s: %v", e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// PreconditionError reports caller misuse, such as starting a call before
// media is ready.
type PreconditionError struct {
	Op  string
	Err error
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PreconditionError) Unwrap() error { return e.Err }
