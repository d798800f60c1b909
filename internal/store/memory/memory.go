// Package memory is an in-process implementation of the authorization stores.
// It backs the service and transport tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"beneficios.org/internal/auth"
)

// User is a directory record.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Roles        []auth.Role
	Units        []string
	PrimaryUnit  string
	Active       bool
}

// Store implements auth.GrantStore, auth.RevocationStore, auth.CatalogStore and auth.Directory.
type Store struct {
	mu        sync.RWMutex
	users     map[string]User
	emails    map[string]string
	grants    []auth.UserGrant
	blacklist map[string]auth.BlacklistEntry
	refresh   map[string]auth.RefreshToken
	cutoffs   map[string]cutoff
	perms     []auth.Permission
	mappings  []auth.RolePermission
}

type cutoff struct {
	at          time.Time
	retainUntil time.Time
}

var (
	_ auth.GrantStore      = (*Store)(nil)
	_ auth.RevocationStore = (*Store)(nil)
	_ auth.CatalogStore    = (*Store)(nil)
	_ auth.Directory       = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		users:     make(map[string]User),
		emails:    make(map[string]string),
		blacklist: make(map[string]auth.BlacklistEntry),
		refresh:   make(map[string]auth.RefreshToken),
		cutoffs:   make(map[string]cutoff),
	}
}

// AddUser inserts or replaces a directory record.
func (s *Store) AddUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.users[u.ID]; ok {
		delete(s.emails, strings.ToLower(old.Email))
	}
	s.users[u.ID] = u
	if u.Email != "" {
		s.emails[strings.ToLower(u.Email)] = u.ID
	}
}

// SetActive toggles a user's active flag.
func (s *Store) SetActive(userID string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		u.Active = active
		s.users[userID] = u
	}
}

// Principal implements auth.Directory.
func (s *Store) Principal(_ context.Context, userID string) (auth.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return auth.Principal{}, auth.ErrNotFound
	}
	return auth.Principal{
		UserID:      u.ID,
		Email:       u.Email,
		Roles:       append([]auth.Role(nil), u.Roles...),
		Units:       append([]string(nil), u.Units...),
		PrimaryUnit: u.PrimaryUnit,
		Active:      u.Active,
	}, nil
}

// CredentialsByEmail implements auth.Directory.
func (s *Store) CredentialsByEmail(_ context.Context, email string) (auth.Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.emails[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return auth.Credentials{}, auth.ErrNotFound
	}
	u := s.users[id]
	return auth.Credentials{UserID: u.ID, PasswordHash: u.PasswordHash, Active: u.Active}, nil
}

// SyncCatalog implements auth.CatalogStore.
func (s *Store) SyncCatalog(_ context.Context, perms []auth.Permission, mappings []auth.RolePermission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perms = append([]auth.Permission(nil), perms...)
	s.mappings = append([]auth.RolePermission(nil), mappings...)
	return nil
}

// Catalog returns what the last SyncCatalog stored.
func (s *Store) Catalog() ([]auth.Permission, []auth.RolePermission) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]auth.Permission(nil), s.perms...), append([]auth.RolePermission(nil), s.mappings...)
}

// UserGrants implements auth.GrantReader.
func (s *Store) UserGrants(_ context.Context, userID string) ([]auth.UserGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auth.UserGrant
	for _, g := range s.grants {
		if g.UserID == userID && g.RevokedAt == nil {
			out = append(out, g)
		}
	}
	return out, nil
}

// UnitGrants implements auth.GrantStore.
func (s *Store) UnitGrants(_ context.Context, unitID string) ([]auth.UserGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auth.UserGrant
	for _, g := range s.grants {
		if g.ScopeType == auth.ScopeUnit && g.ScopeID == unitID && g.RevokedAt == nil {
			out = append(out, g)
		}
	}
	return out, nil
}

// UpsertGrant implements auth.GrantStore. The existing non-revoked grant with the same
// key is refreshed in place.
func (s *Store) UpsertGrant(_ context.Context, grant auth.UserGrant) (auth.UserGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[grant.UserID]; !ok {
		return auth.UserGrant{}, auth.ErrNotFound
	}
	key := grant.Key()
	for i, g := range s.grants {
		if g.RevokedAt == nil && g.Key() == key {
			g.ValidUntil = grant.ValidUntil
			g.GrantedBy = grant.GrantedBy
			s.grants[i] = g
			return g, nil
		}
	}
	s.grants = append(s.grants, grant)
	return grant, nil
}

// RevokeGrant implements auth.GrantStore.
func (s *Store) RevokeGrant(_ context.Context, key auth.GrantKey, revokedBy string, at time.Time) (auth.UserGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, g := range s.grants {
		if g.RevokedAt == nil && g.Key() == key {
			revokedAt := at
			g.RevokedAt = &revokedAt
			g.RevokedBy = revokedBy
			s.grants[i] = g
			return g, nil
		}
	}
	return auth.UserGrant{}, auth.ErrNotFound
}

// CreateRefreshToken implements auth.RefreshTokenStore.
func (s *Store) CreateRefreshToken(_ context.Context, token auth.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.refresh[token.ID]; ok {
		return auth.ErrConflict
	}
	s.refresh[token.ID] = token
	return nil
}

// FindRefreshToken implements auth.RefreshTokenStore.
func (s *Store) FindRefreshToken(_ context.Context, id string) (auth.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.refresh[id]
	if !ok {
		return auth.RefreshToken{}, auth.ErrNotFound
	}
	return t, nil
}

// RevokeRefreshToken implements auth.RefreshTokenStore.
func (s *Store) RevokeRefreshToken(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.refresh[id]
	if !ok {
		return false, auth.ErrNotFound
	}
	if t.Revoked {
		return false, nil
	}
	t.Revoked = true
	s.refresh[id] = t
	return true, nil
}

// AddBlacklistEntry implements auth.RevocationStore.
func (s *Store) AddBlacklistEntry(_ context.Context, entry auth.BlacklistEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blacklist[entry.JTI]; ok {
		return false, nil
	}
	s.blacklist[entry.JTI] = entry
	return true, nil
}

// IsBlacklisted implements auth.RevocationStore.
func (s *Store) IsBlacklisted(_ context.Context, jti string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blacklist[jti]
	return ok, nil
}

// GetBlacklistEntry implements auth.RevocationStore.
func (s *Store) GetBlacklistEntry(_ context.Context, jti string) (auth.BlacklistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.blacklist[jti]
	if !ok {
		return auth.BlacklistEntry{}, auth.ErrNotFound
	}
	return e, nil
}

// RemoveBlacklistEntry implements auth.RevocationStore.
func (s *Store) RemoveBlacklistEntry(_ context.Context, jti string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blacklist[jti]; !ok {
		return auth.ErrNotFound
	}
	delete(s.blacklist, jti)
	return nil
}

// ListBlacklist implements auth.RevocationStore. Entries are newest first.
func (s *Store) ListBlacklist(_ context.Context, filter auth.BlacklistFilter) ([]auth.BlacklistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.BlacklistEntry, 0, len(s.blacklist))
	for _, e := range s.blacklist {
		if filter.UserID != "" && e.UserID != filter.UserID {
			continue
		}
		if filter.TokenType != auth.TokenAll && e.TokenType != filter.TokenType {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].JTI > out[j].JTI
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// BlacklistStats implements auth.RevocationStore.
func (s *Store) BlacklistStats(_ context.Context, now time.Time) (auth.BlacklistStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats auth.BlacklistStats
	for _, e := range s.blacklist {
		stats.Total++
		switch e.TokenType {
		case auth.TokenAccess:
			stats.Access++
		case auth.TokenRefresh:
			stats.Refresh++
		}
		if !e.ExpiresAt.After(now) {
			stats.PendingCleanup++
		}
	}
	return stats, nil
}

// InvalidateUser implements auth.RevocationStore. The whole operation runs under
// one lock, which is the in-memory equivalent of a transaction.
func (s *Store) InvalidateUser(_ context.Context, req auth.InvalidationRequest) (auth.InvalidationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := auth.InvalidationResult{UserID: req.UserID, Cutoff: req.Cutoff}
	if req.Kind == auth.TokenAll || req.Kind == auth.TokenRefresh {
		ids := make([]string, 0)
		for id, t := range s.refresh {
			if t.UserID != req.UserID || t.Revoked || t.CreatedAt.After(req.Cutoff) {
				continue
			}
			t.Revoked = true
			s.refresh[id] = t
			ids = append(ids, id)
			if _, ok := s.blacklist[id]; !ok {
				s.blacklist[id] = auth.BlacklistEntry{
					JTI:       id,
					UserID:    req.UserID,
					TokenType: auth.TokenRefresh,
					ExpiresAt: t.ExpiresAt,
					Reason:    req.Reason,
					CreatedAt: req.Cutoff,
				}
			}
		}
		sort.Strings(ids)
		res.RefreshRevoked = len(ids)
		res.RevokedTokenIDs = ids
	}
	if req.Kind == auth.TokenAll || req.Kind == auth.TokenAccess {
		current, ok := s.cutoffs[req.UserID]
		if !ok || req.Cutoff.After(current.at) {
			current.at = req.Cutoff
		}
		if req.RetainUntil.After(current.retainUntil) {
			current.retainUntil = req.RetainUntil
		}
		s.cutoffs[req.UserID] = current
		res.AccessCutoff = true
	}
	return res, nil
}

// AccessCutoff implements auth.RevocationStore.
func (s *Store) AccessCutoff(_ context.Context, userID string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cutoffs[userID]
	if !ok {
		return time.Time{}, false, nil
	}
	return c.at, true, nil
}

// DeleteExpired implements auth.RevocationStore.
func (s *Store) DeleteExpired(_ context.Context, now time.Time) (auth.CleanupResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res auth.CleanupResult
	for jti, e := range s.blacklist {
		if !e.ExpiresAt.After(now) {
			delete(s.blacklist, jti)
			res.Blacklist++
		}
	}
	for id, t := range s.refresh {
		if !t.ExpiresAt.After(now) {
			delete(s.refresh, id)
			res.RefreshTokens++
		}
	}
	for userID, c := range s.cutoffs {
		if !c.retainUntil.After(now) {
			delete(s.cutoffs, userID)
			res.Cutoffs++
		}
	}
	return res, nil
}
