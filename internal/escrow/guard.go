package escrow

import (
	"github.com/peervault/peervault/internal/apperr"
	"github.com/peervault/peervault/internal/ethutil"
	"github.com/peervault/peervault/internal/identity"
)

// Identity is the resolved caller passed explicitly to every guarded
// operation.
type Identity = identity.Identity

// CanView reports whether caller may read the escrow: a participant, or a
// holder of ADMIN, ARBITRATOR, or SUPER_ADMIN.
func CanView(e *Escrow, caller Identity) bool {
	return e.IsParticipant(caller.Address) || caller.IsPrivileged()
}

// CanAct reports whether caller may perform a mutation on the escrow under
// the given required roles. With no required roles the predicate matches
// CanView; with required roles the caller must hold one of them or be a
// participant with ADMIN/SUPER_ADMIN override semantics handled by the
// specific Require helpers.
func CanAct(e *Escrow, caller Identity, required ...identity.Role) bool {
	if len(required) == 0 {
		return CanView(e, caller)
	}
	return caller.HasAny(required...)
}

// RequireView returns Forbidden unless caller may read the escrow.
func RequireView(e *Escrow, caller Identity) error {
	if !CanView(e, caller) {
		return apperr.Newf(apperr.Forbidden, "not a party to this escrow")
	}
	return nil
}

// RequireSeller gates seller-only actions: the caller must be the escrow's
// seller, or hold ADMIN/SUPER_ADMIN.
func RequireSeller(e *Escrow, caller Identity) error {
	if ethutil.SameAddress(caller.Address, e.Seller) {
		return nil
	}
	if caller.HasAny(identity.RoleAdmin, identity.RoleSuperAdmin) {
		return nil
	}
	return apperr.Newf(apperr.Forbidden, "seller-only action")
}

// RequireParticipantOrPrivileged gates dispute opening: a participant, or a
// holder of ADMIN/ARBITRATOR/SUPER_ADMIN.
func RequireParticipantOrPrivileged(e *Escrow, caller Identity) error {
	if e.IsParticipant(caller.Address) || caller.IsPrivileged() {
		return nil
	}
	return apperr.Newf(apperr.Forbidden, "not a party to this escrow")
}

// RequireArbitrator gates dispute resolution: ARBITRATOR strictly. ADMIN may
// recommend but never resolve.
func RequireArbitrator(caller Identity) error {
	if caller.Has(identity.RoleArbitrator) {
		return nil
	}
	return apperr.Newf(apperr.Forbidden, "resolution requires ARBITRATOR")
}
