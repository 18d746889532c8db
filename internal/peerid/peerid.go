// Package peerid generates the local client's 20-byte peer identity.
package peerid

import (
	"crypto/rand"
	"fmt"
)

// clientPrefix identifies this implementation in the Azureus-style
// convention: a dash, a two-letter client code, a four-digit version,
// a dash.
const clientPrefix = "-PC0001-"

// ID is a 20-byte peer identity.
type ID [20]byte

// Bytes returns the raw 20 bytes of id.
func (id ID) Bytes() []byte { return id[:] }

// New generates a fresh peer id: clientPrefix followed by 12 random
// decimal digits, one per process per spec.
func New() (ID, error) {
	var id ID
	copy(id[:], clientPrefix)

	var digits [12]byte
	if _, err := rand.Read(digits[:]); err != nil {
		return ID{}, fmt.Errorf("generate peer id: %w", err)
	}
	for i, b := range digits {
		id[len(clientPrefix)+i] = '0' + b%10
	}
	return id, nil
}
