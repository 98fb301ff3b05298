// Package identity resolves wallet identities and their role sets.
//
// Roles:
//   - USER is granted on first successful login.
//   - ADMIN / SUPER_ADMIN may be granted at login via configured allow-lists;
//     the very first address ever to qualify for ADMIN wins it unconditionally.
//   - ARBITRATOR is granted only through an explicit administrative action.
//
// Signature verification happens in the external identity provider; this
// package only maps an already-authenticated address to its roles.
package identity

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/peervault/peervault/internal/apperr"
	"github.com/peervault/peervault/internal/ethutil"
)

var (
	ErrInvalidRole = errors.New("invalid role")
)

// Role is a platform role attached to a wallet address.
type Role string

const (
	RoleUser       Role = "USER"
	RoleArbitrator Role = "ARBITRATOR"
	RoleAdmin      Role = "ADMIN"
	RoleSuperAdmin Role = "SUPER_ADMIN"
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleUser, RoleArbitrator, RoleAdmin, RoleSuperAdmin:
		return Role(s), nil
	}
	return "", apperr.Newf(apperr.BadRequest, "invalid role %q", s)
}

// Identity is the resolved caller of a guarded operation: a canonical
// lower-case address plus every role granted to it. It is passed explicitly
// to every guarded function; there is no ambient request context.
type Identity struct {
	Address string `json:"address"`
	Roles   []Role `json:"roles"`
}

// Has reports whether the identity holds the given role.
func (i Identity) Has(role Role) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAny reports whether the identity holds at least one of the given roles.
func (i Identity) HasAny(roles ...Role) bool {
	for _, r := range roles {
		if i.Has(r) {
			return true
		}
	}
	return false
}

// IsPrivileged reports whether the identity may access escrows it is not a
// party to.
func (i Identity) IsPrivileged() bool {
	return i.HasAny(RoleAdmin, RoleArbitrator, RoleSuperAdmin)
}

// Grant records one (address, role) pair with creator attribution.
type Grant struct {
	Address   string    `json:"address"`
	Role      Role      `json:"role"`
	GrantedBy string    `json:"grantedBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists role grants. Grant is an idempotent upsert on
// (address, role).
type Store interface {
	Grant(ctx context.Context, g *Grant) error
	Revoke(ctx context.Context, address string, role Role) error
	RolesFor(ctx context.Context, address string) ([]Role, error)
	// GrantFirstAdmin grants ADMIN only if no ADMIN grant exists yet, inside
	// one transaction; the unique key breaks concurrent first-login ties.
	// Returns true if the grant was created.
	GrantFirstAdmin(ctx context.Context, g *Grant) (bool, error)
}

// AuditSink records privileged role mutations. Failures are the sink's
// problem; it never returns an error to the caller.
type AuditSink interface {
	Log(ctx context.Context, actor, action, target string, metadata map[string]any)
}

// Service resolves identities and applies the login role bootstrap.
type Service struct {
	store      Store
	audit      AuditSink
	admins     map[string]bool // allow-list, canonical addresses
	superAdmin map[string]bool
	logger     *slog.Logger
}

// NewService creates an identity service. The allow-lists are evaluated at
// login time; entries that fail address normalization are dropped with a
// warning rather than aborting startup.
func NewService(store Store, audit AuditSink, adminAllow, superAllow []string, logger *slog.Logger) *Service {
	s := &Service{
		store:      store,
		audit:      audit,
		admins:     normalizeSet(adminAllow, logger),
		superAdmin: normalizeSet(superAllow, logger),
		logger:     logger,
	}
	return s
}

func normalizeSet(addrs []string, logger *slog.Logger) map[string]bool {
	set := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		norm, err := ethutil.NormalizeAddress(a)
		if err != nil {
			logger.Warn("dropping malformed allow-list entry", "address", a)
			continue
		}
		set[norm] = true
	}
	return set
}

// Resolve returns the identity for a normalized address.
func (s *Service) Resolve(ctx context.Context, address string) (Identity, error) {
	addr, err := ethutil.NormalizeAddress(address)
	if err != nil {
		return Identity{}, err
	}
	roles, err := s.store.RolesFor(ctx, addr)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Address: addr, Roles: roles}, nil
}

// Bootstrap runs the one-per-login role seeding for an authenticated address.
// Every grant is an idempotent upsert; failures are logged and swallowed so
// the login's primary success path is never blocked.
func (s *Service) Bootstrap(ctx context.Context, address string) Identity {
	addr, err := ethutil.NormalizeAddress(address)
	if err != nil {
		// Callers normalize before authenticating; reaching here means the
		// token subject is garbage, which still must not panic the login.
		s.logger.Warn("role bootstrap skipped for malformed address", "address", address)
		return Identity{Address: address, Roles: []Role{RoleUser}}
	}

	now := time.Now().UTC()
	if err := s.store.Grant(ctx, &Grant{Address: addr, Role: RoleUser, GrantedBy: addr, CreatedAt: now}); err != nil {
		s.logger.Warn("user role grant failed", "address", addr, "error", err)
	}

	if s.admins[addr] {
		if err := s.store.Grant(ctx, &Grant{Address: addr, Role: RoleAdmin, GrantedBy: "allowlist", CreatedAt: now}); err != nil {
			s.logger.Warn("admin allow-list grant failed", "address", addr, "error", err)
		}
	} else {
		created, err := s.store.GrantFirstAdmin(ctx, &Grant{Address: addr, Role: RoleAdmin, GrantedBy: "bootstrap", CreatedAt: now})
		if err != nil {
			s.logger.Warn("first-admin bootstrap check failed", "address", addr, "error", err)
		} else if created {
			s.logger.Info("first admin bootstrapped", "address", addr)
		}
	}

	if s.superAdmin[addr] {
		if err := s.store.Grant(ctx, &Grant{Address: addr, Role: RoleSuperAdmin, GrantedBy: "allowlist", CreatedAt: now}); err != nil {
			s.logger.Warn("super-admin allow-list grant failed", "address", addr, "error", err)
		}
	}

	roles, err := s.store.RolesFor(ctx, addr)
	if err != nil {
		s.logger.Warn("role resolution failed after bootstrap", "address", addr, "error", err)
		roles = []Role{RoleUser}
	}
	return Identity{Address: addr, Roles: roles}
}

// GrantArbitrator grants ARBITRATOR to target. Only ADMIN or SUPER_ADMIN may
// do this, and the mutation is audited after it commits.
func (s *Service) GrantArbitrator(ctx context.Context, target string, actor Identity) (*Grant, error) {
	if !actor.HasAny(RoleAdmin, RoleSuperAdmin) {
		return nil, apperr.Newf(apperr.Forbidden, "granting ARBITRATOR requires ADMIN")
	}
	addr, err := ethutil.NormalizeAddress(target)
	if err != nil {
		return nil, err
	}
	g := &Grant{Address: addr, Role: RoleArbitrator, GrantedBy: actor.Address, CreatedAt: time.Now().UTC()}
	if err := s.store.Grant(ctx, g); err != nil {
		return nil, err
	}
	if s.audit != nil {
		s.audit.Log(ctx, actor.Address, "role.grant_arbitrator", addr, map[string]any{"role": RoleArbitrator})
	}
	return g, nil
}

// RevokeRole removes a grant. SUPER_ADMIN only; revoking USER is rejected.
func (s *Service) RevokeRole(ctx context.Context, target string, role Role, actor Identity) error {
	if !actor.Has(RoleSuperAdmin) {
		return apperr.Newf(apperr.Forbidden, "revoking roles requires SUPER_ADMIN")
	}
	if role == RoleUser {
		return apperr.Newf(apperr.BadRequest, "USER grants cannot be revoked")
	}
	addr, err := ethutil.NormalizeAddress(target)
	if err != nil {
		return err
	}
	if err := s.store.Revoke(ctx, addr, role); err != nil {
		return err
	}
	if s.audit != nil {
		s.audit.Log(ctx, actor.Address, "role.revoke", addr, map[string]any{"role": role})
	}
	return nil
}
