// Package runid mints a per-invocation correlation id. cmd/ppmboot mints
// one per command invocation and attaches it to its own logger, so the log
// lines of one programming run can be told apart; metrics do not carry it.
package runid

import "github.com/google/uuid"

// ID is an opaque per-run correlation identifier.
type ID string

// New mints a fresh correlation id.
func New() ID {
	return ID(uuid.NewString())
}

func (id ID) String() string { return string(id) }
