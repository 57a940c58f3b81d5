package signaling

import (
	"context"
	"errors"
)

// Well-known topic and destination names. Every identity listens on its own
// topic; all outgoing messages go to the application destination and the
// relay forwards them to the addressee's topic.
const (
	TopicPrefix       = "/topic/signal/"
	DestinationSignal = "/app/signal"
	DestinationJoin   = "/app/join"
	DestinationLeave  = "/app/leave"
)

var (
	ErrNotConnected       = errors.New("signaling: not connected")
	ErrInvalidMessage     = errors.New("signaling: invalid message")
	ErrUnknownDestination = errors.New("signaling: unknown destination")
	ErrHandshake          = errors.New("signaling: handshake failed")
	ErrForbidden          = errors.New("signaling: forbidden")
)

// Topic returns the topic an identity receives its messages on.
func Topic(identity string) string {
	return TopicPrefix + identity
}

// Transport opens signaling connections. Dial performs the connect
// handshake for identity and returns once the relay has accepted it.
type Transport interface {
	Dial(ctx context.Context, identity string) (Conn, error)
}

// Conn is one live signaling connection.
type Conn interface {
	// Subscribe registers handler for messages published to topic.
	Subscribe(topic string, handler func(Message)) (Subscription, error)

	// Publish sends msg to an application destination.
	Publish(destination string, msg Message) error

	// OnClose registers a callback invoked once when the connection ends.
	// err is nil when the connection was closed locally via Close.
	OnClose(fn func(err error))

	// Close ends the connection. Safe to call multiple times.
	Close() error
}

// Subscription is a registered topic handler.
type Subscription interface {
	Unsubscribe() error
}

// Route resolves the topic a message published to destination is delivered
// to. All three application destinations route by addressee.
func Route(destination string, msg Message) (string, error) {
	switch destination {
	case DestinationSignal, DestinationJoin, DestinationLeave:
	default:
		return "", ErrUnknownDestination
	}
	if err := msg.Validate(); err != nil {
		return "", err
	}
	return Topic(msg.To), nil
}
