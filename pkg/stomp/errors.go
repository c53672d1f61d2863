package stomp

import (
	"errors"
	"fmt"

	"github.com/go-stomp/stomp/v3/frame"
)

var (
	// ErrClosed is returned when writing to a connection that has terminated.
	ErrClosed = errors.New("stomp: connection closed")
	// ErrUnauthorized is returned when the websocket upgrade is rejected with 401 or 403.
	ErrUnauthorized = errors.New("stomp: handshake unauthorized")
	// ErrHeartbeatTimeout is reported when the peer stays silent past the negotiated interval.
	ErrHeartbeatTimeout = errors.New("stomp: heart-beat timeout")
	// ErrProtocol is reported when the peer sends a frame out of place.
	ErrProtocol = errors.New("stomp: protocol error")
)

// ServerError is an ERROR frame received from the broker.
// The broker closes the connection after sending it.
type ServerError struct {
	Message string
	Body    string
}

func newServerError(f *frame.Frame) *ServerError {
	return &ServerError{Message: f.Header.Get(frame.Message), Body: string(f.Body)}
}

func (e *ServerError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("stomp: server error: %s", e.Message)
	}
	return fmt.Sprintf("stomp: server error: %s: %s", e.Message, e.Body)
}
