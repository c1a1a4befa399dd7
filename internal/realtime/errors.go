package realtime

import "errors"

var (
	// ErrInvalidKey is returned for a malformed ChannelKey.
	ErrInvalidKey = errors.New("realtime: invalid channel key")

	// ErrNilHandler is returned when Subscribe is given no callback.
	ErrNilHandler = errors.New("realtime: nil change handler")

	// ErrRegistryClosed is returned by Subscribe after Registry.Close.
	ErrRegistryClosed = errors.New("realtime: registry closed")

	// ErrConnectionOpen wraps a failed or timed out channel open.
	ErrConnectionOpen = errors.New("realtime: connection open failed")

	// ErrUnexpectedDisconnect wraps the loss of a live channel.
	ErrUnexpectedDisconnect = errors.New("realtime: unexpected disconnect")

	// ErrCallbackFailure wraps a panic recovered from a subscriber callback.
	ErrCallbackFailure = errors.New("realtime: subscriber callback failed")

	// ErrAttemptsExhausted marks a handle that stopped retrying. A new
	// subscriber for the same key starts a fresh cycle.
	ErrAttemptsExhausted = errors.New("realtime: reconnection attempts exhausted")

	// ErrTokenExpired is returned by the websocket provider when the
	// configured access token is past its exp claim.
	ErrTokenExpired = errors.New("realtime: access token expired")
)
