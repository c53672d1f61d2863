package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures by how the caller is expected to react.
type ErrorKind int

const (
	// KindTransient is a retryable, non-fatal failure such as a failed page fetch.
	// It is surfaced as a passive indicator.
	KindTransient ErrorKind = iota
	// KindTransport is a non-graceful loss of the messaging connection.
	// The channel reconnects on its own.
	KindTransport
	// KindAuth is terminal for the channel. The caller decides where to send the user.
	KindAuth
	// KindShutdown is a planned server restart. It is handled as a reconnect.
	KindShutdown
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindTransport:
		return "transport"
	case KindAuth:
		return "auth"
	case KindShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

var (
	// ErrUnauthenticated is returned when the backend rejects the bearer token.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrNoToken is returned when the token store holds no token.
	ErrNoToken = errors.New("no access token")
	// ErrTokenExpired is returned when the stored token is past its expiry.
	ErrTokenExpired = errors.New("access token expired")
	// ErrNotConnected is returned by publish when the channel is not connected.
	ErrNotConnected = errors.New("channel not connected")
	// ErrChannelBusy is returned when connecting a channel that is active for another room.
	ErrChannelBusy = errors.New("channel is active for another room")
	// ErrEmptyMessage is returned when sending an empty or whitespace-only message.
	ErrEmptyMessage = errors.New("empty message")
	// ErrBlocked is returned when sending to a private room whose counterpart is blocked.
	ErrBlocked = errors.New("counterpart is blocked")
	// ErrNoMoreHistory is returned when paging past the last page.
	ErrNoMoreHistory = errors.New("no more history")
	// ErrFetchInFlight is returned when a history fetch is already outstanding.
	ErrFetchInFlight = errors.New("history fetch in flight")
	// ErrSessionClosed is returned by operations on a session without an open room.
	ErrSessionClosed = errors.New("session closed")
	// ErrInvalidRoom is returned when the room id is not usable.
	ErrInvalidRoom = errors.New("invalid room")
)

// Error carries the taxonomy kind of a failure next to the operation that failed.
type Error struct {
	Kind ErrorKind
	Op   string
	// Message is the human readable reason returned by the backend, if any.
	Message string
	Err     error
}

func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err. Errors outside the taxonomy are transient,
// except the authentication sentinels.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrUnauthenticated) || errors.Is(err, ErrNoToken) || errors.Is(err, ErrTokenExpired) {
		return KindAuth
	}
	return KindTransient
}

// IsAuth reports whether err must be handled by sending the user to sign in.
func IsAuth(err error) bool {
	return err != nil && KindOf(err) == KindAuth
}
