package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"beneficios.org/internal/auth"
)

func seeded() *Store {
	s := New()
	s.AddUser(User{ID: "u-1", Email: "Ana@Example.org", Roles: []auth.Role{auth.RoleUnitTechnician}, Units: []string{"unit-a"}, PrimaryUnit: "unit-a", Active: true})
	return s
}

func TestUpsertRefreshesActiveGrant(t *testing.T) {
	ctx := context.Background()
	s := seeded()
	now := time.Now().UTC()
	later := now.Add(time.Hour)

	first, err := s.UpsertGrant(ctx, auth.UserGrant{ID: "g-1", UserID: "u-1", PermissionName: "relatorio.gerar", ScopeType: auth.ScopeUnit, ScopeID: "unit-a", CreatedAt: now})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	second, err := s.UpsertGrant(ctx, auth.UserGrant{ID: "g-2", UserID: "u-1", PermissionName: "relatorio.gerar", ScopeType: auth.ScopeUnit, ScopeID: "unit-a", ValidUntil: &later, CreatedAt: now})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected refresh of %s, got new grant %s", first.ID, second.ID)
	}
	if second.ValidUntil == nil || !second.ValidUntil.Equal(later) {
		t.Fatalf("valid_until not refreshed: %v", second.ValidUntil)
	}
	grants, _ := s.UserGrants(ctx, "u-1")
	if len(grants) != 1 {
		t.Fatalf("expected single active grant, got %d", len(grants))
	}
}

func TestUpsertUnknownUser(t *testing.T) {
	_, err := New().UpsertGrant(context.Background(), auth.UserGrant{ID: "g", UserID: "ghost", PermissionName: "relatorio.gerar", ScopeType: auth.ScopeGlobal})
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRevokeTwiceIsNotFound(t *testing.T) {
	ctx := context.Background()
	s := seeded()
	key := auth.GrantKey{UserID: "u-1", Permission: "relatorio.gerar", ScopeType: auth.ScopeGlobal}
	if _, err := s.UpsertGrant(ctx, auth.UserGrant{ID: "g-1", UserID: "u-1", PermissionName: key.Permission, ScopeType: key.ScopeType}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	revoked, err := s.RevokeGrant(ctx, key, "admin", time.Now())
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked.RevokedAt == nil || revoked.RevokedBy != "admin" {
		t.Fatalf("revocation not recorded: %+v", revoked)
	}
	if _, err := s.RevokeGrant(ctx, key, "admin", time.Now()); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second revoke, got %v", err)
	}
	grants, _ := s.UserGrants(ctx, "u-1")
	if len(grants) != 0 {
		t.Fatalf("revoked grant still listed: %v", grants)
	}
}

func TestInvalidateUserHonoursCutoff(t *testing.T) {
	ctx := context.Background()
	s := seeded()
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	for _, tok := range []auth.RefreshToken{
		{ID: "r-old", UserID: "u-1", CreatedAt: base.Add(-time.Minute), ExpiresAt: base.Add(time.Hour)},
		{ID: "r-same", UserID: "u-1", CreatedAt: base, ExpiresAt: base.Add(time.Hour)},
		{ID: "r-new", UserID: "u-1", CreatedAt: base.Add(time.Millisecond), ExpiresAt: base.Add(time.Hour)},
		{ID: "r-other", UserID: "u-2", CreatedAt: base.Add(-time.Minute), ExpiresAt: base.Add(time.Hour)},
	} {
		if err := s.CreateRefreshToken(ctx, tok); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	res, err := s.InvalidateUser(ctx, auth.InvalidationRequest{UserID: "u-1", Reason: "test", Kind: auth.TokenAll, Cutoff: base, RetainUntil: base.Add(15 * time.Minute)})
	if err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if res.RefreshRevoked != 2 || !res.AccessCutoff {
		t.Fatalf("unexpected result: %+v", res)
	}
	for id, want := range map[string]bool{"r-old": true, "r-same": true, "r-new": false, "r-other": false} {
		tok, _ := s.FindRefreshToken(ctx, id)
		if tok.Revoked != want {
			t.Fatalf("%s revoked=%v, want %v", id, tok.Revoked, want)
		}
		listed, _ := s.IsBlacklisted(ctx, id)
		if listed != want {
			t.Fatalf("%s blacklisted=%v, want %v", id, listed, want)
		}
	}
	cut, ok, _ := s.AccessCutoff(ctx, "u-1")
	if !ok || !cut.Equal(base) {
		t.Fatalf("unexpected cutoff %v %v", cut, ok)
	}
}

func TestInvalidateRefreshOnlyLeavesAccessAlone(t *testing.T) {
	ctx := context.Background()
	s := seeded()
	now := time.Now().UTC()
	res, err := s.InvalidateUser(ctx, auth.InvalidationRequest{UserID: "u-1", Kind: auth.TokenRefresh, Cutoff: now, RetainUntil: now.Add(time.Minute)})
	if err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if res.AccessCutoff {
		t.Fatal("refresh-only invalidation must not set an access cutoff")
	}
	if _, ok, _ := s.AccessCutoff(ctx, "u-1"); ok {
		t.Fatal("unexpected cutoff")
	}
}

func TestDeleteExpiredKeepsLiveRows(t *testing.T) {
	ctx := context.Background()
	s := seeded()
	now := time.Now().UTC()
	_, _ = s.AddBlacklistEntry(ctx, auth.BlacklistEntry{JTI: "dead", UserID: "u-1", TokenType: auth.TokenAccess, ExpiresAt: now.Add(-time.Second)})
	_, _ = s.AddBlacklistEntry(ctx, auth.BlacklistEntry{JTI: "live", UserID: "u-1", TokenType: auth.TokenAccess, ExpiresAt: now.Add(time.Hour)})
	_ = s.CreateRefreshToken(ctx, auth.RefreshToken{ID: "r-dead", UserID: "u-1", ExpiresAt: now.Add(-time.Second)})
	_, _ = s.InvalidateUser(ctx, auth.InvalidationRequest{UserID: "u-1", Kind: auth.TokenAccess, Cutoff: now.Add(-time.Hour), RetainUntil: now.Add(-time.Minute)})

	stats, _ := s.BlacklistStats(ctx, now)
	if stats.Total != 2 || stats.PendingCleanup != 1 || stats.Access != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	res, err := s.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if res.Blacklist != 1 || res.RefreshTokens != 1 || res.Cutoffs != 1 {
		t.Fatalf("unexpected cleanup result: %+v", res)
	}
	if ok, _ := s.IsBlacklisted(ctx, "live"); !ok {
		t.Fatal("live entry removed")
	}
}

func TestAddBlacklistEntryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()
	entry := auth.BlacklistEntry{JTI: "j", UserID: "u", TokenType: auth.TokenAccess, ExpiresAt: time.Now().Add(time.Hour)}
	added, _ := s.AddBlacklistEntry(ctx, entry)
	again, _ := s.AddBlacklistEntry(ctx, entry)
	if !added || again {
		t.Fatalf("expected added then no-op, got %v %v", added, again)
	}
}

func TestCredentialsByEmailIsCaseInsensitive(t *testing.T) {
	creds, err := seeded().CredentialsByEmail(context.Background(), " ana@example.ORG ")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if creds.UserID != "u-1" || !creds.Active {
		t.Fatalf("unexpected credentials: %+v", creds)
	}
}
