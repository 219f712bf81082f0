// Package types provides the data model shared by the impersonator packages.
package types

import (
	"database/sql"
	"net/mail"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is the platform role of a user.
type Role string

// Platform roles.
const (
	RoleSuperAdmin  Role = "super_admin"
	RoleAdmin       Role = "admin"
	RoleTenantAdmin Role = "tenant_admin"
	RoleConsultant  Role = "consultant"
	RoleUser        Role = "user"
)

// IsAdmin reports whether the role grants administrative access.
func (r Role) IsAdmin() bool {
	switch r {
	case RoleSuperAdmin, RoleAdmin, RoleTenantAdmin:
		return true
	default:
		return false
	}
}

// User represents a platform user. Every user except a super admin belongs to a tenant.
type User struct {
	ID                 uuid.UUID      `db:"id" json:"id"`
	Email              string         `db:"email" json:"email"`
	Name               string         `db:"name" json:"name"`
	DisplayName        string         `db:"display_name" json:"display_name"`
	Role               Role           `db:"role" json:"role"`
	Permissions        StringArray    `db:"permissions" json:"permissions"`
	TenantID           NullUUID       `db:"tenant_id" json:"tenant_id"`
	LastLogin          *time.Time     `db:"last_login" json:"last_login,omitempty"`
	ProviderIdentifier sql.NullString `db:"provider_identifier" json:"-"`

	CreatedAt  time.Time    `db:"created_at" json:"created_at"`
	ModifiedAt time.Time    `db:"modified_at" json:"modified_at"`
	DeletedAt  sql.NullTime `db:"deleted_at" json:"deleted_at,omitempty"`
}

// Tenant is an isolated customer organisation.
type Tenant struct {
	ID        uuid.UUID    `db:"id" json:"id"`
	Name      string       `db:"name" json:"name"`
	Slug      string       `db:"slug" json:"slug"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
	DeletedAt sql.NullTime `db:"deleted_at" json:"deleted_at,omitempty"`
}

// SessionResponse represents the response from the session check API.
type SessionResponse struct {
	Authenticated bool                  `json:"authenticated"`
	User          *User                 `json:"user,omitempty"`
	Reason        string                `json:"reason,omitempty"`
	Impersonation *ImpersonationSession `json:"impersonation,omitempty"`
}

// FromClaim updates a User from OIDC claims.
// All fields will be updated, except for the ID, role and tenant.
func (u *User) FromClaim(claims *OIDCClaims) {
	u.Name = claims.Username

	if claims.EmailVerified {
		if _, err := mail.ParseAddress(claims.Email); err == nil {
			u.Email = strings.ToLower(claims.Email)
		}
	}

	u.ProviderIdentifier = sql.NullString{String: claims.Identifier(), Valid: true}
	u.DisplayName = claims.Name
}

// IsActive returns true if the user is not soft-deleted.
func (u *User) IsActive() bool {
	return !u.DeletedAt.Valid
}

// IsSuperAdmin reports whether the user may impersonate others.
func (u *User) IsSuperAdmin() bool {
	return u.Role == RoleSuperAdmin
}

// HasPermission reports whether the user carries the given permission.
func (u *User) HasPermission(p string) bool {
	return slices.Contains(u.Permissions, p)
}

// IsActive returns true if the tenant is not soft-deleted.
func (t *Tenant) IsActive() bool {
	return !t.DeletedAt.Valid
}
