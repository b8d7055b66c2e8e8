package interfaces

import "chart-feed/src/models"

// -----------------------------------------------------------------------------
// Stream transport and registry contracts.
//
// The registry is an explicitly constructed, injectable instance (never a
// package-level global) so tests can swap in a fake transport.
// -----------------------------------------------------------------------------

// StreamCallback receives decoded messages for a subscribed topic, in
// transport delivery order.
type StreamCallback func(msg models.MStreamMessage)

// -----------------------------------------------------------------------------

type IStreamRegistry interface {

	// Connect opens the shared transport if not already open/opening.
	// Idempotent while Connecting or Connected. A failed dial schedules
	// a reconnect and still returns nil; callers observe the outcome
	// via Status.
	Connect() error

	// -----------------------------------------------------------------------------

	// SubscribeToTopic registers a callback under the topic's key and
	// returns an opaque handle for unsubscribe. The first callback for
	// a key sends the subscribe message upstream.
	SubscribeToTopic(topic models.MTopic, cb StreamCallback) (int, error)

	// -----------------------------------------------------------------------------

	// UnsubscribeFromTopic removes the registration behind the handle.
	// Removing the last callback for a key sends the unsubscribe
	// message and forgets the topic's context.
	UnsubscribeFromTopic(handle int)

	// -----------------------------------------------------------------------------

	// Disconnect cancels timers, closes the transport and clears all
	// tracked subscriptions.
	Disconnect()

	// -----------------------------------------------------------------------------

	// Status returns the connection state ("disconnected", "connecting",
	// "connected").
	Status() string
}

// -----------------------------------------------------------------------------

// IStreamConn is a minimal view of one open transport connection.
type IStreamConn interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v interface{}) error
	Close() error
}

// -----------------------------------------------------------------------------

// IStreamDialer opens transport connections. Production wraps a
// websocket dialer; tests inject a fake.
type IStreamDialer interface {
	Dial(url string) (IStreamConn, error)
}
