// Package xerrors defines the error taxonomy shared across the leech
// client's components. Transient, per-peer and per-tracker errors are
// plain sentinels so callers can classify with errors.Is; fatal startup
// errors carry enough context to explain themselves directly.
package xerrors

import "errors"

var (
	// ErrMalformedInput means a codec or frame parse failed on truncated
	// or structurally invalid input.
	ErrMalformedInput = errors.New("malformed input")

	// ErrTrackerUnreachable means the tracker HTTP request itself failed
	// or returned a non-200 status.
	ErrTrackerUnreachable = errors.New("tracker unreachable")

	// ErrTrackerFailure means the tracker replied with a "failure reason".
	ErrTrackerFailure = errors.New("tracker reported failure")

	// ErrProtocolMismatch means a peer's handshake or framing violated
	// the wire protocol invariants.
	ErrProtocolMismatch = errors.New("peer protocol mismatch")

	// ErrPeerTransport means a peer socket was refused, reset, or timed
	// out.
	ErrPeerTransport = errors.New("peer transport error")

	// ErrUnsupported means the metainfo or tracker reply used a form
	// this client does not implement (multi-file torrents, dictionary
	// peer lists). Fatal at startup.
	ErrUnsupported = errors.New("unsupported")

	// ErrCancelled means shutdown was requested; a normal termination,
	// not a failure.
	ErrCancelled = errors.New("cancelled")
)
