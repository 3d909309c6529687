// Package policy builds the closed, role-keyed X.509 extension profiles the
// CA issues under. Profiles are assembled only from enumerated constants and
// validated SAN values so no caller text ever reaches a signing engine's
// directive file.
package policy

import (
	"errors"
	"fmt"
)

// Role selects the extension profile of an issued certificate.
type Role string

const (
	// RoleClient issues device certificates with clientAuth usage.
	RoleClient Role = "client"
	// RoleServer issues service endpoint certificates with serverAuth usage and SANs.
	RoleServer Role = "server"
)

var (
	// ErrInvalidRole indicates a role outside the two supported profiles
	ErrInvalidRole = errors.New("invalid certificate role")
	// ErrInvalidSANEntry indicates a subject alternative name failed validation
	ErrInvalidSANEntry = errors.New("invalid SAN entry")
)

// ParseRole converts s to a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
	return r, nil
}

// Valid reports whether r is one of the supported roles.
func (r Role) Valid() bool {
	return r == RoleClient || r == RoleServer
}

func (r Role) String() string {
	return string(r)
}
