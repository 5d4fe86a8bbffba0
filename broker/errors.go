package broker

import "errors"

// Sentinel errors mirroring the taxonomy in mq/errors.go, so both halves of
// the engine report the same kinds of failure.
var (
	// ErrProtocolViolation is returned when a connection sends a packet that
	// is not legal in its current state (e.g. a second CONNECT).
	ErrProtocolViolation = errors.New("broker: protocol violation")

	// ErrUnsupportedVersion is returned when a CONNECT's protocol level does
	// not match the broker's configured level.
	ErrUnsupportedVersion = errors.New("broker: unsupported protocol version")

	// ErrIdentifierRejected is returned when a CONNECT has an empty client
	// identifier and clean_session is false.
	ErrIdentifierRejected = errors.New("broker: identifier rejected")

	// ErrNotAuthorized is returned when anonymous connections are disallowed
	// and no username was supplied.
	ErrNotAuthorized = errors.New("broker: not authorized")

	// ErrBadCredentials is returned when a username/password pair does not
	// match the configured credential table.
	ErrBadCredentials = errors.New("broker: bad username or password")

	// ErrMalformedPacket is returned by the codec layer for any packet that
	// cannot be parsed per the wire format.
	ErrMalformedPacket = errors.New("broker: malformed packet")

	// ErrServerClosed is returned by Serve/ListenAndServe after Close.
	ErrServerClosed = errors.New("broker: server closed")

	// ErrKeepAliveTimeout is used internally to mark a connection closed for
	// exceeding 1.5x its negotiated keep-alive interval.
	ErrKeepAliveTimeout = errors.New("broker: keep-alive timeout")
)
