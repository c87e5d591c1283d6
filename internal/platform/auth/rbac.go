package auth

import (
	"context"
	"fmt"
	"strings"
)

const (
	RoleAdmin        = "admin"
	RolePhysician    = "physician"
	RoleNurse        = "nurse"
	RoleReceptionist = "receptionist"
	RoleBilling      = "billing"
	RoleAuditor      = "auditor"
)

// adminOnly permissions are granted to the admin role and nobody else,
// regardless of what the matrix says.
var adminOnly = map[string]bool{
	"keys:rotate":     true,
	"retention:sweep": true,
	"users:manage":    true,
	"roles:manage":    true,
	"audit:purge":     true,
}

// IsAdminOnly reports whether permission is restricted to the admin role.
func IsAdminOnly(permission string) bool {
	return adminOnly[permission]
}

// Matrix resolves the permission grants of a role. Grants take the form
// "resource:action", "resource:*" or "*".
type Matrix interface {
	Grants(ctx context.Context, role string) ([]string, error)
}

// StaticMatrix is an in-memory role to grants table.
type StaticMatrix map[string][]string

func (m StaticMatrix) Grants(_ context.Context, role string) ([]string, error) {
	return m[role], nil
}

// DefaultMatrix returns the built-in role matrix.
func DefaultMatrix() StaticMatrix {
	return StaticMatrix{
		RoleAdmin: {"*"},
		RolePhysician: {
			"patients:*", "clinical_notes:*", "encounters:*", "medications:*",
			"lab_results:*", "appointments:*", "consents:read", "consents:create",
			"crypto:encrypt", "crypto:decrypt", "disclosures:create", "disclosures:read",
		},
		RoleNurse: {
			"patients:read", "patients:update", "clinical_notes:read", "clinical_notes:create",
			"encounters:read", "encounters:update", "medications:read", "lab_results:read",
			"appointments:*", "crypto:decrypt",
		},
		RoleReceptionist: {
			"patients:read", "patients:create", "patients:update",
			"appointments:*", "consents:read", "consents:create",
		},
		RoleBilling: {
			"billing:*", "patients:read", "encounters:read", "crypto:decrypt",
		},
		RoleAuditor: {
			"audit:read", "audit:export", "anomaly:read", "retention:read", "keys:read",
			"disclosures:read",
		},
	}
}

// ParsePermission splits a "resource:action" permission.
func ParsePermission(permission string) (resource, action string, err error) {
	resource, action, ok := strings.Cut(permission, ":")
	if !ok || resource == "" || action == "" || strings.ContainsAny(permission, " \t*") || strings.Contains(action, ":") {
		return "", "", fmt.Errorf("malformed permission %q", permission)
	}
	return resource, action, nil
}

// matchPermission checks whether a single grant covers resource:action.
func matchPermission(granted, resource, action string) bool {
	if granted == "*" {
		return true
	}
	gRes, gAct, ok := strings.Cut(granted, ":")
	if !ok || gRes != resource {
		return false
	}
	return gAct == "*" || gAct == action
}
