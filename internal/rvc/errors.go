package rvc

import "errors"

var (
	// ErrUnknownPGN is returned when no database entry matches a PGN or mnemonic.
	ErrUnknownPGN = errors.New("rvc: unknown pgn")

	// ErrUnknownSignal is returned when a message has no signal by that name.
	ErrUnknownSignal = errors.New("rvc: unknown signal")

	// ErrNotAvailable marks a numeric signal holding the "not available" pattern.
	ErrNotAvailable = errors.New("rvc: data not available")

	// ErrInvalidValue is returned when a display value cannot be encoded.
	ErrInvalidValue = errors.New("rvc: invalid value")

	// ErrRequestTimeout is returned when a request receives no matching response.
	ErrRequestTimeout = errors.New("rvc: request timeout")

	// ErrClosed is returned by operations on a closed connection or network.
	ErrClosed = errors.New("rvc: closed")
)
