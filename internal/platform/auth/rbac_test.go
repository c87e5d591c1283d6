package auth

import (
	"context"
	"testing"
)

func TestParsePermission(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"patients:read", false},
		{"keys:rotate", false},
		{"patients", true},
		{":read", true},
		{"patients:", true},
		{"patients:*", true},
		{"a:b:c", true},
		{"patients: read", true},
		{"", true},
	}
	for _, tt := range tests {
		_, _, err := ParsePermission(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePermission(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
	}
}

func TestMatchPermission(t *testing.T) {
	tests := []struct {
		granted, resource, action string
		want                      bool
	}{
		{"*", "patients", "delete", true},
		{"patients:*", "patients", "delete", true},
		{"patients:read", "patients", "read", true},
		{"patients:read", "patients", "update", false},
		{"patients:*", "billing", "read", false},
		{"patients", "patients", "read", false},
	}
	for _, tt := range tests {
		if got := matchPermission(tt.granted, tt.resource, tt.action); got != tt.want {
			t.Errorf("matchPermission(%q, %s:%s) = %v, want %v", tt.granted, tt.resource, tt.action, got, tt.want)
		}
	}
}

func TestDefaultMatrix_Roles(t *testing.T) {
	m := DefaultMatrix()
	for _, role := range []string{RoleAdmin, RolePhysician, RoleNurse, RoleReceptionist, RoleBilling, RoleAuditor} {
		grants, err := m.Grants(context.Background(), role)
		if err != nil || len(grants) == 0 {
			t.Errorf("role %s has no grants (err %v)", role, err)
		}
		for _, g := range grants {
			if g != "*" && IsAdminOnly(g) {
				t.Errorf("role %s lists admin-only grant %s", role, g)
			}
		}
	}
	if grants, _ := m.Grants(context.Background(), "janitor"); len(grants) != 0 {
		t.Errorf("unknown role should have no grants, got %v", grants)
	}
}
