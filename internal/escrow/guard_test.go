package escrow

import (
	"testing"

	"github.com/peervault/peervault/internal/apperr"
	"github.com/peervault/peervault/internal/identity"
)

func guardEscrow() *Escrow {
	return &Escrow{
		Seller: sellerAddr,
		Buyer:  buyerAddr,
		State:  StateFunded,
	}
}

func ident(addr string, roles ...identity.Role) Identity {
	return Identity{Address: addr, Roles: append([]identity.Role{identity.RoleUser}, roles...)}
}

func TestCanViewParticipants(t *testing.T) {
	e := guardEscrow()
	if !CanView(e, ident(sellerAddr)) {
		t.Error("seller should view")
	}
	if !CanView(e, ident(buyerAddr)) {
		t.Error("buyer should view")
	}
	// Casing must not matter.
	if !CanView(e, ident("0x2222222222222222222222222222222222222222")) {
		t.Error("case variant buyer should view")
	}
}

func TestCanViewPrivileged(t *testing.T) {
	e := guardEscrow()
	stranger := "0x9999999999999999999999999999999999999999"
	for _, r := range []identity.Role{identity.RoleAdmin, identity.RoleArbitrator, identity.RoleSuperAdmin} {
		if !CanView(e, ident(stranger, r)) {
			t.Errorf("%s should view", r)
		}
	}
}

// Access control boundary: a stranger with no roles is rejected everywhere.
func TestStrangerForbiddenEverywhere(t *testing.T) {
	e := guardEscrow()
	stranger := ident("0x9999999999999999999999999999999999999999")

	if CanView(e, stranger) {
		t.Fatal("stranger should not view")
	}
	if err := RequireView(e, stranger); !apperr.Is(err, apperr.Forbidden) {
		t.Fatalf("expected Forbidden, got %v", err)
	}
	if err := RequireSeller(e, stranger); !apperr.Is(err, apperr.Forbidden) {
		t.Fatalf("expected Forbidden, got %v", err)
	}
	if err := RequireParticipantOrPrivileged(e, stranger); !apperr.Is(err, apperr.Forbidden) {
		t.Fatalf("expected Forbidden, got %v", err)
	}
	if err := RequireArbitrator(stranger); !apperr.Is(err, apperr.Forbidden) {
		t.Fatalf("expected Forbidden, got %v", err)
	}
}

func TestRequireSeller(t *testing.T) {
	e := guardEscrow()
	if err := RequireSeller(e, ident(sellerAddr)); err != nil {
		t.Errorf("seller: %v", err)
	}
	if err := RequireSeller(e, ident(buyerAddr)); !apperr.Is(err, apperr.Forbidden) {
		t.Errorf("buyer must not pass seller gate: %v", err)
	}
	admin := ident("0x9999999999999999999999999999999999999999", identity.RoleAdmin)
	if err := RequireSeller(e, admin); err != nil {
		t.Errorf("admin override: %v", err)
	}
	arb := ident("0x9999999999999999999999999999999999999999", identity.RoleArbitrator)
	if err := RequireSeller(e, arb); !apperr.Is(err, apperr.Forbidden) {
		t.Errorf("arbitrator must not pass seller gate: %v", err)
	}
}

func TestRequireArbitratorStrict(t *testing.T) {
	// ADMIN may recommend but never resolve.
	admin := ident("0x9999999999999999999999999999999999999999", identity.RoleAdmin)
	if err := RequireArbitrator(admin); !apperr.Is(err, apperr.Forbidden) {
		t.Fatalf("admin must not resolve: %v", err)
	}
	arb := ident("0x9999999999999999999999999999999999999999", identity.RoleArbitrator)
	if err := RequireArbitrator(arb); err != nil {
		t.Fatalf("arbitrator: %v", err)
	}
}

func TestCounterparty(t *testing.T) {
	e := guardEscrow()
	if got := e.Counterparty(sellerAddr); got != buyerAddr {
		t.Errorf("expected buyer, got %q", got)
	}
	if got := e.Counterparty(buyerAddr); got != sellerAddr {
		t.Errorf("expected seller, got %q", got)
	}
	if got := e.Counterparty("0x9999999999999999999999999999999999999999"); got != "" {
		t.Errorf("stranger has no counterparty, got %q", got)
	}

	// No buyer yet: seller has no counterparty.
	e.Buyer = ""
	if got := e.Counterparty(sellerAddr); got != "" {
		t.Errorf("expected none before take, got %q", got)
	}
}

func TestDisputeEligible(t *testing.T) {
	eligible := map[State]bool{
		StateFunded:           true,
		StatePaymentConfirmed: true,
	}
	for _, s := range []State{StateCreated, StateTaken, StateFunded,
		StatePaymentConfirmed, StateDisputed, StateResolved, StateCancelled} {
		if DisputeEligible(s) != eligible[s] {
			t.Errorf("%s: eligibility mismatch", s)
		}
	}
}
