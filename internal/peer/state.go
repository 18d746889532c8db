// Package peer drives one peer connection through the handshake and the
// choke/interested/request state machine described in spec §4.4.3, and
// pulls/pushes blocks through a shared piece.Manager.
package peer

// flags is a small fixed-layout replacement for the ad-hoc "state
// multiset" idea: a bitmask where each tag is a single bit, so adding an
// already-set tag is naturally idempotent.
type flags uint8

const (
	choked flags = 1 << iota
	interested
	pendingRequest
	stopped
)

func (f flags) has(bit flags) bool { return f&bit != 0 }
func (f *flags) add(bit flags)     { *f |= bit }
func (f *flags) remove(bit flags)  { *f &^= bit }
