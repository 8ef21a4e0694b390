package gvnet

import (
	"errors"
	"fmt"
)

// ErrNotClient is returned from client-only operations on a server session.
var ErrNotClient = errors.New("operation requires a client session")

// UnknownRoleError is the panic value for a [SessionConfig] with an invalid role.
type UnknownRoleError struct {
	Role Role
}

func (e UnknownRoleError) Error() string {
	return fmt.Sprintf("unknown session role %d", uint8(e.Role))
}
