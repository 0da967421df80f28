package inventory

import "errors"

// ErrNotFound is returned when no registration exists for an identity.
var ErrNotFound = errors.New("inventory: registration not found")
