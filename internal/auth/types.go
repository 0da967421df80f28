package auth

import "errors"

// Role is an authorisation tier.
type Role string

const (
	// RoleViewer can observe devices but not change them.
	RoleViewer Role = "viewer"

	// RoleOperator can drive printers: commands, pause, cancel.
	RoleOperator Role = "operator"

	// RoleAdmin can also manage the device inventory.
	RoleAdmin Role = "admin"
)

// ValidRoles lists every role in ascending order of privilege.
var ValidRoles = []Role{RoleViewer, RoleOperator, RoleAdmin}

// IsValidRole reports whether r is a known role.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// Sentinel errors for auth operations.
var (
	ErrTokenInvalid  = errors.New("invalid token")
	ErrTokenMissing  = errors.New("missing bearer token")
	ErrForbidden     = errors.New("insufficient permissions")
	ErrInvalidRole   = errors.New("invalid role")
	ErrSecretMissing = errors.New("signing secret is empty")
)
