package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juanfont/impersonator/database"
	"github.com/juanfont/impersonator/types"
	"github.com/rs/zerolog/log"
)

const userColumns = `id, email, name, display_name, role, permissions, tenant_id,
	last_login, provider_identifier, created_at, modified_at, deleted_at`

// UserStore handles users and tenants.
type UserStore struct {
	db *database.Database

	mu          sync.RWMutex
	superAdmins map[string]bool
}

// SetSuperAdminEmails sets the addresses promoted to super admin on login.
func (s *UserStore) SetSuperAdminEmails(emails []string) {
	m := make(map[string]bool, len(emails))
	for _, e := range emails {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			m[e] = true
		}
	}
	s.mu.Lock()
	s.superAdmins = m
	s.mu.Unlock()
}

func (s *UserStore) isSuperAdminEmail(email string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.superAdmins[strings.ToLower(email)]
}

// CreateTenant inserts a tenant.
func (s *UserStore) CreateTenant(ctx context.Context, t *types.Tenant) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.DB().NamedExecContext(ctx, `
		INSERT INTO tenants (id, name, slug, created_at, deleted_at)
		VALUES (:id, :name, :slug, :created_at, :deleted_at)`, t)
	if err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}
	return nil
}

// GetTenantByID retrieves a tenant, including soft-deleted ones.
func (s *UserStore) GetTenantByID(ctx context.Context, id uuid.UUID) (*types.Tenant, error) {
	var t types.Tenant
	err := s.db.DB().GetContext(ctx, &t,
		`SELECT id, name, slug, created_at, deleted_at FROM tenants WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err, "tenant")
	}
	return &t, nil
}

// DeleteTenant soft-deletes a tenant.
func (s *UserStore) DeleteTenant(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.DB().ExecContext(ctx,
		`UPDATE tenants SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("delete tenant: %w", err)
	}
	return nil
}

// CreateUser inserts a user.
func (s *UserStore) CreateUser(ctx context.Context, u *types.User) error {
	now := time.Now().UTC()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.Role == "" {
		u.Role = types.RoleUser
	}
	if u.Permissions == nil {
		u.Permissions = types.StringArray{}
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.ModifiedAt = now
	u.Email = strings.ToLower(u.Email)

	_, err := s.db.DB().NamedExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (:id, :email, :name, :display_name, :role, :permissions, :tenant_id,
			:last_login, :provider_identifier, :created_at, :modified_at, :deleted_at)`, u)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("insert user %s: %w", u.Email, ErrConflict)
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUserByID retrieves a user, including soft-deleted ones.
func (s *UserStore) GetUserByID(ctx context.Context, id uuid.UUID) (*types.User, error) {
	var u types.User
	if err := s.db.DB().GetContext(ctx, &u, `SELECT `+userColumns+` FROM users WHERE id = ?`, id); err != nil {
		return nil, notFound(err, "user")
	}
	return &u, nil
}

// GetUserByEmail retrieves a user by email address.
func (s *UserStore) GetUserByEmail(ctx context.Context, email string) (*types.User, error) {
	var u types.User
	err := s.db.DB().GetContext(ctx, &u, `SELECT `+userColumns+` FROM users WHERE email = ?`,
		strings.ToLower(email))
	if err != nil {
		return nil, notFound(err, "user")
	}
	return &u, nil
}

func (s *UserStore) getUserByProviderIdentifier(ctx context.Context, ident string) (*types.User, error) {
	var u types.User
	err := s.db.DB().GetContext(ctx, &u,
		`SELECT `+userColumns+` FROM users WHERE provider_identifier = ?`, ident)
	if err != nil {
		return nil, notFound(err, "user")
	}
	return &u, nil
}

// UpdateUser writes the mutable user fields.
func (s *UserStore) UpdateUser(ctx context.Context, u *types.User) error {
	u.ModifiedAt = time.Now().UTC()
	res, err := s.db.DB().NamedExecContext(ctx, `
		UPDATE users SET email = :email, name = :name, display_name = :display_name,
			role = :role, permissions = :permissions, tenant_id = :tenant_id,
			provider_identifier = :provider_identifier, modified_at = :modified_at,
			deleted_at = :deleted_at
		WHERE id = :id`, u)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %s: %w", u.ID, types.ErrNotFound)
	}
	return nil
}

// DeleteUser soft-deletes a user.
func (s *UserStore) DeleteUser(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.DB().ExecContext(ctx,
		`UPDATE users SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

// CreateOrUpdateUserFromClaim finds the user behind an OIDC login, creating it on
// first login. Users whose email is listed as a super admin are promoted.
func (s *UserStore) CreateOrUpdateUserFromClaim(ctx context.Context, claims *types.OIDCClaims) (*types.User, error) {
	user, err := s.getUserByProviderIdentifier(ctx, claims.Identifier())
	if errors.Is(err, types.ErrNotFound) && claims.Email != "" {
		user, err = s.GetUserByEmail(ctx, claims.Email)
	}

	switch {
	case errors.Is(err, types.ErrNotFound):
		user = &types.User{}
		user.FromClaim(claims)
		if user.Email == "" {
			return nil, types.NewHTTPError(http.StatusBadRequest, "a verified email address is required", nil)
		}
		s.promote(user)
		if err := s.CreateUser(ctx, user); err != nil {
			return nil, err
		}
		log.Info().Str("user_id", user.ID.String()).Str("email", user.Email).Str("role", string(user.Role)).
			Msg("Created user from OIDC login")
		return user, nil
	case err != nil:
		return nil, err
	}

	if !user.IsActive() {
		return nil, types.NewHTTPError(http.StatusForbidden, "user is disabled", nil)
	}
	user.FromClaim(claims)
	s.promote(user)
	if err := s.UpdateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *UserStore) promote(u *types.User) {
	if u.Role != types.RoleSuperAdmin && s.isSuperAdminEmail(u.Email) {
		u.Role = types.RoleSuperAdmin
	}
}

// UpdateLastLogin records a successful login.
func (s *UserStore) UpdateLastLogin(ctx context.Context, userID uuid.UUID) error {
	_, err := s.db.DB().ExecContext(ctx, `UPDATE users SET last_login = ? WHERE id = ?`,
		time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return nil
}

// ListTenantUsers lists the active users of a tenant.
func (s *UserStore) ListTenantUsers(ctx context.Context, tenantID uuid.UUID) ([]types.User, error) {
	users := []types.User{}
	err := s.db.DB().SelectContext(ctx, &users, `SELECT `+userColumns+` FROM users
		WHERE tenant_id = ? AND deleted_at IS NULL ORDER BY email`, tenantID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}
