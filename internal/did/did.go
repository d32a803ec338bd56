// Package did implements an opaque 128-bit download identifier: stable
// across restarts, rendered as canonical UUID text, accepting a legacy
// 16-hex compact form on input.
package did

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// ErrInvalid is returned by Parse when the input is neither a canonical
// UUID string nor a 16-hex compact id. Callers that need the engine's
// InvalidInput error kind wrap this themselves (model.InvalidInput), since
// package model depends on ID, not the other way around.
var ErrInvalid = fmt.Errorf("not a valid download id")

// ID is a 128-bit opaque download identifier.
type ID [16]byte

// New generates a fresh random ID.
func New() ID {
	return ID(uuid.New())
}

// String renders the canonical UUID text form.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// Compact renders the legacy 16-hex form (no dashes).
func (id ID) Compact() string {
	return hex.EncodeToString(id[:])
}

// Parse accepts either canonical UUID text or the legacy 16-hex compact
// form and returns the decoded ID.
func Parse(s string) (ID, error) {
	if u, err := uuid.Parse(s); err == nil {
		return ID(u), nil
	}
	if len(s) == 32 {
		b, err := hex.DecodeString(s)
		if err == nil && len(b) == 16 {
			var id ID
			copy(id[:], b)
			return id, nil
		}
	}
	return ID{}, fmt.Errorf("%w: %q", ErrInvalid, s)
}
