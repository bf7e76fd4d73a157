package auth

import (
	"slices"
	"strconv"
)

// RoleID is the stable numeric identity of a role.
type RoleID int64

const (
	RoleClinician     RoleID = 1
	RoleTrainee       RoleID = 2
	RoleAdministrator RoleID = 3
)

// DefaultRoles is the built-in catalog seeded by EnsureDefaults.
var DefaultRoles = []Role{
	{ID: RoleClinician, Name: "clinician"},
	{ID: RoleTrainee, Name: "trainee"},
	{ID: RoleAdministrator, Name: "administrator"},
}

// Known reports whether id is part of the closed enumeration.
func (id RoleID) Known() bool {
	return id == RoleClinician || id == RoleTrainee || id == RoleAdministrator
}

func (id RoleID) String() string {
	for _, r := range DefaultRoles {
		if r.ID == id {
			return r.Name
		}
	}
	return "role(" + strconv.FormatInt(int64(id), 10) + ")"
}

// Policy is a fixed set of roles allowed through. The zero Policy admits any
// authenticated principal.
type Policy struct {
	name  string
	roles []RoleID
}

// NewPolicy builds a named policy over roles.
func NewPolicy(name string, roles ...RoleID) Policy {
	return Policy{name: name, roles: slices.Clone(roles)}
}

func (p Policy) Name() string { return p.name }

// Allows reports whether role passes the policy.
func (p Policy) Allows(role RoleID) bool {
	if len(p.roles) == 0 {
		return true
	}
	return slices.Contains(p.roles, role)
}

var (
	PolicyAdminOnly          = NewPolicy("admin-only", RoleAdministrator)
	PolicyClinicianOrAdmin   = NewPolicy("clinician-or-admin", RoleClinician, RoleAdministrator)
	PolicyClinicianOrTrainee = NewPolicy("clinician-or-trainee", RoleClinician, RoleTrainee)
	PolicyClinicianOnly      = NewPolicy("clinician-only", RoleClinician)
	PolicyClinicalStaff      = NewPolicy("clinician-trainee-or-admin", RoleClinician, RoleTrainee, RoleAdministrator)
	PolicyAnyAuthenticated   = NewPolicy("any-authenticated")
)

// Authorize decides whether principal may pass policy.
func Authorize(principal *Principal, policy Policy) error {
	if principal == nil || principal.CredentialID == 0 || principal.RoleID == 0 {
		return ErrUnauthenticated
	}
	if !policy.Allows(principal.RoleID) {
		return ErrForbidden
	}
	return nil
}
