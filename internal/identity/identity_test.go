package identity

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/peervault/peervault/internal/apperr"
)

const (
	addrAlice = "0x1111111111111111111111111111111111111111"
	addrBob   = "0x2222222222222222222222222222222222222222"
	addrCarol = "0x3333333333333333333333333333333333333333"
)

type auditRecord struct {
	actor, action, target string
}

type mockAudit struct {
	mu      sync.Mutex
	records []auditRecord
}

func (m *mockAudit) Log(ctx context.Context, actor, action, target string, metadata map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, auditRecord{actor, action, target})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestService(adminAllow, superAllow []string) (*Service, *mockAudit) {
	audit := &mockAudit{}
	return NewService(NewMemoryStore(), audit, adminAllow, superAllow, testLogger()), audit
}

func TestIdentityHas(t *testing.T) {
	id := Identity{Address: addrAlice, Roles: []Role{RoleUser, RoleAdmin}}
	if !id.Has(RoleAdmin) || id.Has(RoleArbitrator) {
		t.Fatal("Has misreported roles")
	}
	if !id.IsPrivileged() {
		t.Fatal("admin should be privileged")
	}
	if (Identity{Address: addrBob, Roles: []Role{RoleUser}}).IsPrivileged() {
		t.Fatal("plain user should not be privileged")
	}
}

func TestBootstrapFirstAdminWins(t *testing.T) {
	svc, _ := newTestService(nil, nil)
	ctx := context.Background()

	first := svc.Bootstrap(ctx, addrAlice)
	if !first.Has(RoleAdmin) {
		t.Fatal("first login should win ADMIN")
	}
	second := svc.Bootstrap(ctx, addrBob)
	if second.Has(RoleAdmin) {
		t.Fatal("second login must not win ADMIN")
	}
	if !second.Has(RoleUser) {
		t.Fatal("every login gets USER")
	}
}

func TestBootstrapIdempotent(t *testing.T) {
	svc, _ := newTestService(nil, nil)
	ctx := context.Background()

	a := svc.Bootstrap(ctx, addrAlice)
	b := svc.Bootstrap(ctx, addrAlice)
	if len(a.Roles) != len(b.Roles) {
		t.Fatalf("repeated bootstrap changed roles: %v vs %v", a.Roles, b.Roles)
	}
}

func TestBootstrapAllowlists(t *testing.T) {
	svc, _ := newTestService([]string{addrBob}, []string{addrCarol})
	ctx := context.Background()

	// Alice wins first-admin, Bob is allow-listed admin anyway.
	svc.Bootstrap(ctx, addrAlice)
	bob := svc.Bootstrap(ctx, addrBob)
	if !bob.Has(RoleAdmin) {
		t.Fatal("allow-listed address should get ADMIN even after first-admin is taken")
	}

	carol := svc.Bootstrap(ctx, addrCarol)
	if !carol.Has(RoleSuperAdmin) {
		t.Fatal("super allow-listed address should get SUPER_ADMIN")
	}
	if bob.Has(RoleSuperAdmin) {
		t.Fatal("admin allow-list must not imply SUPER_ADMIN")
	}
}

func TestBootstrapCaseInsensitiveAllowlist(t *testing.T) {
	upper := "0x2222222222222222222222222222222222222222"
	svc, _ := newTestService([]string{"0x2222222222222222222222222222222222222222"}, nil)
	id := svc.Bootstrap(context.Background(), upper)
	if !id.Has(RoleAdmin) {
		t.Fatal("allow-list match must ignore casing")
	}
}

func TestGrantArbitrator(t *testing.T) {
	svc, audit := newTestService(nil, nil)
	ctx := context.Background()
	admin := svc.Bootstrap(ctx, addrAlice) // wins ADMIN

	g, err := svc.GrantArbitrator(ctx, addrBob, admin)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Role != RoleArbitrator || g.GrantedBy != admin.Address {
		t.Fatalf("bad grant: %+v", g)
	}

	id, err := svc.Resolve(ctx, addrBob)
	if err != nil || !id.Has(RoleArbitrator) {
		t.Fatalf("arbitrator role not resolvable: %v %v", id, err)
	}

	if len(audit.records) != 1 || audit.records[0].action != "role.grant_arbitrator" {
		t.Fatalf("expected one audit record, got %+v", audit.records)
	}
}

func TestGrantArbitratorForbiddenForUsers(t *testing.T) {
	svc, _ := newTestService(nil, nil)
	ctx := context.Background()
	svc.Bootstrap(ctx, addrAlice) // takes ADMIN
	user := svc.Bootstrap(ctx, addrBob)

	_, err := svc.GrantArbitrator(ctx, addrCarol, user)
	if !apperr.Is(err, apperr.Forbidden) {
		t.Fatalf("expected Forbidden, got %v", err)
	}
}

func TestRevokeRole(t *testing.T) {
	svc, _ := newTestService(nil, []string{addrAlice})
	ctx := context.Background()
	super := svc.Bootstrap(ctx, addrAlice)

	if _, err := svc.GrantArbitrator(ctx, addrBob, super); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := svc.RevokeRole(ctx, addrBob, RoleArbitrator, super); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	id, _ := svc.Resolve(ctx, addrBob)
	if id.Has(RoleArbitrator) {
		t.Fatal("role should be revoked")
	}

	if err := svc.RevokeRole(ctx, addrBob, RoleUser, super); !apperr.Is(err, apperr.BadRequest) {
		t.Fatalf("revoking USER should be BadRequest, got %v", err)
	}

	admin := Identity{Address: addrCarol, Roles: []Role{RoleAdmin}}
	if err := svc.RevokeRole(ctx, addrBob, RoleArbitrator, admin); !apperr.Is(err, apperr.Forbidden) {
		t.Fatalf("plain ADMIN must not revoke, got %v", err)
	}
}

func TestConcurrentFirstAdminSingleWinner(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, nil, nil, nil, testLogger())
	ctx := context.Background()

	addrs := []string{addrAlice, addrBob, addrCarol}
	var wg sync.WaitGroup
	for _, a := range addrs {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			svc.Bootstrap(ctx, addr)
		}(a)
	}
	wg.Wait()

	admins := 0
	for _, a := range addrs {
		roles, _ := store.RolesFor(ctx, a)
		for _, r := range roles {
			if r == RoleAdmin {
				admins++
			}
		}
	}
	if admins != 1 {
		t.Fatalf("expected exactly one ADMIN, got %d", admins)
	}
}
