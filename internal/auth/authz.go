package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/wolfeidau/csrsign/internal/policy"
)

var (
	// ErrUnauthenticated indicates no principal is attached to the request
	ErrUnauthenticated = errors.New("not authenticated")
	// ErrPermissionDenied indicates the principal lacks the required permission
	ErrPermissionDenied = errors.New("permission denied")
)

// Permission represents an authorized action
type Permission string

const (
	PermIssueClient Permission = "certs:issue:client"
	PermIssueServer Permission = "certs:issue:server"
)

// RolePermissions maps token roles to allowed permissions
var RolePermissions = map[string][]Permission{
	"admin": {
		PermIssueClient,
		PermIssueServer,
	},
	"device": {
		PermIssueClient,
	},
	"service": {
		PermIssueServer,
	},
}

// PermissionFor returns the permission needed to request a certificate for role.
func PermissionFor(role policy.Role) Permission {
	if role == policy.RoleServer {
		return PermIssueServer
	}
	return PermIssueClient
}

// HasPermission checks if any of roles grants perm
func HasPermission(roles []string, perm Permission) bool {
	for _, role := range roles {
		if slices.Contains(RolePermissions[role], perm) {
			return true
		}
	}
	return false
}

// RequirePermission checks authorization and returns an error if not authorized
func RequirePermission(ctx context.Context, perm Permission) error {
	principal := PrincipalFromContext(ctx)
	if principal == nil {
		return ErrUnauthenticated
	}

	if !HasPermission(principal.Roles, perm) {
		return fmt.Errorf("%w: %s requires %s", ErrPermissionDenied, principal.Subject, perm)
	}

	return nil
}
