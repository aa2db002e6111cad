package console

import (
	"errors"
	"fmt"
	"time"

	"github.com/guseggert/espz/transport"
)

// ConnectionError reports a link that could not be opened, or was lost while a request was in flight.
type ConnectionError = transport.ConnectionError

var (
	// ErrClosed settles requests that were still queued when the client was closed.
	ErrClosed = errors.New("console client closed")
	// ErrConnectionLost is wrapped in a ConnectionError when the link drops during an exchange.
	ErrConnectionLost = errors.New("connection lost")
	// ErrUndefined is returned by Call.Decode when the remote value was undefined.
	ErrUndefined = errors.New("remote value is undefined")
)

// ProtocolError is a reply marker whose payload could not be decoded.
type ProtocolError struct {
	ID      uint64
	Payload string
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("failed to parse response to request %d: %s\n  %s", e.ID, e.Err, e.Payload)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// RemoteError is an exception raised by the expression on the device.
type RemoteError struct {
	ID      uint64
	Message string
	Stack   string
}

func (e *RemoteError) Error() string { return e.Message }

// TimeoutError is returned when no reply arrived within the request's timeout.
// The remote evaluation is not interrupted.
type TimeoutError struct {
	ID      uint64
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %d timed out after %s", e.ID, e.Timeout)
}
