package mqttbridge

import "errors"

var (
	// ErrUnknownTopic is returned for messages on a topic the bridge does
	// not handle.
	ErrUnknownTopic = errors.New("mqttbridge: unknown topic")
	// ErrBadPayload is returned when a command payload cannot be parsed.
	ErrBadPayload = errors.New("mqttbridge: bad payload")
	// ErrNotConnected is returned when publishing while the broker is
	// unreachable.
	ErrNotConnected = errors.New("mqttbridge: broker not connected")
	// ErrTimeout is returned when the broker does not confirm an operation
	// in time.
	ErrTimeout = errors.New("mqttbridge: operation timed out")
	// ErrStopped is returned for commands that arrive once Run is shutting down.
	ErrStopped = errors.New("mqttbridge: bridge stopped")
)
