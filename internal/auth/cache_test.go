package auth

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type stubGrantStore struct {
	stubGrants
}

func (s *stubGrantStore) UpsertGrant(_ context.Context, grant UserGrant) (UserGrant, error) {
	s.grants = append(s.grants, grant)
	return grant, nil
}

func (s *stubGrantStore) RevokeGrant(_ context.Context, key GrantKey, revokedBy string, at time.Time) (UserGrant, error) {
	for i, g := range s.grants {
		if g.RevokedAt == nil && g.Key() == key {
			s.grants[i].RevokedAt = &at
			s.grants[i].RevokedBy = revokedBy
			return s.grants[i], nil
		}
	}
	return UserGrant{}, ErrNotFound
}

func (s *stubGrantStore) UnitGrants(context.Context, string) ([]UserGrant, error) {
	return nil, nil
}

func TestCachedGrantStoreServesFromCache(t *testing.T) {
	backing := &stubGrantStore{}
	backing.grants = []UserGrant{{ID: "g1", UserID: "u1", PermissionName: PermReportView, ScopeType: ScopeGlobal}}
	cache := NewCachedGrantStore(backing, 16, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		grants, err := cache.UserGrants(ctx, "u1")
		if err != nil {
			t.Fatalf("UserGrants: %v", err)
		}
		if len(grants) != 1 {
			t.Fatalf("expected 1 grant, got %d", len(grants))
		}
	}
	if backing.calls != 1 {
		t.Fatalf("backing store called %d times, want 1", backing.calls)
	}
}

func TestCachedGrantStoreWritesInvalidate(t *testing.T) {
	backing := &stubGrantStore{}
	cache := NewCachedGrantStore(backing, 16, time.Minute)
	ctx := context.Background()

	if grants, _ := cache.UserGrants(ctx, "u1"); len(grants) != 0 {
		t.Fatalf("expected no grants, got %v", grants)
	}
	if _, err := cache.UpsertGrant(ctx, UserGrant{ID: "g1", UserID: "u1", PermissionName: PermReportView, ScopeType: ScopeGlobal}); err != nil {
		t.Fatalf("UpsertGrant: %v", err)
	}
	grants, _ := cache.UserGrants(ctx, "u1")
	if len(grants) != 1 {
		t.Fatalf("grant not visible after upsert: %v", grants)
	}

	key := GrantKey{UserID: "u1", Permission: PermReportView, ScopeType: ScopeGlobal}
	if _, err := cache.RevokeGrant(ctx, key, "admin", time.Now()); err != nil {
		t.Fatalf("RevokeGrant: %v", err)
	}
	grants, _ = cache.UserGrants(ctx, "u1")
	if len(grants) != 1 || grants[0].RevokedAt == nil {
		t.Fatalf("revocation not visible after revoke: %+v", grants)
	}
	if backing.calls != 3 {
		t.Fatalf("backing store called %d times, want 3", backing.calls)
	}
}

func TestCachedGrantStoreReturnsCopies(t *testing.T) {
	backing := &stubGrantStore{}
	backing.grants = []UserGrant{{ID: "g1", UserID: "u1", PermissionName: PermReportView, ScopeType: ScopeGlobal}}
	cache := NewCachedGrantStore(backing, 16, time.Minute)
	ctx := context.Background()

	first, _ := cache.UserGrants(ctx, "u1")
	first[0].PermissionName = "mutated"
	second, _ := cache.UserGrants(ctx, "u1")
	if second[0].PermissionName != PermReportView {
		t.Fatalf("cached entry was mutated through a returned slice")
	}
}

func TestCachedGrantStoreInvalidateAndPurge(t *testing.T) {
	backing := &stubGrantStore{}
	cache := NewCachedGrantStore(backing, 0, 0)
	ctx := context.Background()

	_, _ = cache.UserGrants(ctx, "u1")
	cache.Invalidate("u1")
	_, _ = cache.UserGrants(ctx, "u1")
	cache.Purge()
	_, _ = cache.UserGrants(ctx, "u1")
	if backing.calls != 3 {
		t.Fatalf("backing store called %d times, want 3", backing.calls)
	}
}

// racingGrantStore runs during while a read is in flight.
type racingGrantStore struct {
	stubGrantStore
	during func()
}

func (s *racingGrantStore) UserGrants(ctx context.Context, userID string) ([]UserGrant, error) {
	grants, err := s.stubGrantStore.UserGrants(ctx, userID)
	if s.during != nil {
		s.during()
	}
	return grants, err
}

func TestCachedGrantStoreSkipsReadThatRacedWrite(t *testing.T) {
	backing := &racingGrantStore{}
	cache := NewCachedGrantStore(backing, 16, time.Minute)
	ctx := context.Background()

	backing.during = func() {
		backing.during = nil
		if _, err := cache.UpsertGrant(ctx, UserGrant{ID: "g1", UserID: "u1", PermissionName: PermReportView, ScopeType: ScopeGlobal}); err != nil {
			t.Fatalf("UpsertGrant: %v", err)
		}
	}
	stale, err := cache.UserGrants(ctx, "u1")
	if err != nil {
		t.Fatalf("UserGrants: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("expected the pre-write snapshot, got %v", stale)
	}

	fresh, err := cache.UserGrants(ctx, "u1")
	if err != nil {
		t.Fatalf("UserGrants: %v", err)
	}
	if len(fresh) != 1 {
		t.Fatalf("stale snapshot was cached: %v", fresh)
	}
	if backing.calls != 2 {
		t.Fatalf("backing store called %d times, want 2", backing.calls)
	}
}

func TestCachedGrantStoreConcurrentWritesInvalidate(t *testing.T) {
	backing := &stubGrantStore{}
	cache := NewCachedGrantStore(&lockedGrantStore{inner: backing}, 16, time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = cache.UserGrants(ctx, "u1")
		}()
		go func(n int) {
			defer wg.Done()
			_, _ = cache.UpsertGrant(ctx, UserGrant{ID: fmt.Sprintf("g%d", n), UserID: "u1", PermissionName: PermReportView, ScopeType: ScopeGlobal})
		}(i)
	}
	wg.Wait()

	grants, err := cache.UserGrants(ctx, "u1")
	if err != nil {
		t.Fatalf("UserGrants: %v", err)
	}
	if len(grants) != 8 {
		t.Fatalf("expected every write to be visible, got %d grants", len(grants))
	}
}

// lockedGrantStore serialises access to a stub that is not safe for concurrent use.
type lockedGrantStore struct {
	mu    sync.Mutex
	inner GrantStore
}

func (s *lockedGrantStore) UserGrants(ctx context.Context, userID string) ([]UserGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	grants, err := s.inner.UserGrants(ctx, userID)
	return cloneGrants(grants), err
}

func (s *lockedGrantStore) UnitGrants(ctx context.Context, unitID string) ([]UserGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.UnitGrants(ctx, unitID)
}

func (s *lockedGrantStore) UpsertGrant(ctx context.Context, grant UserGrant) (UserGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.UpsertGrant(ctx, grant)
}

func (s *lockedGrantStore) RevokeGrant(ctx context.Context, key GrantKey, revokedBy string, at time.Time) (UserGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.RevokeGrant(ctx, key, revokedBy, at)
}
