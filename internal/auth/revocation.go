package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"beneficios.org/internal/obs"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// RevocationService is the token blacklist together with bulk per-user invalidation.
type RevocationService struct {
	store           RevocationStore
	cache           BlacklistCache
	audit           AuditSink
	now             func() time.Time
	cutoffRetention time.Duration
	log             logrus.FieldLogger
}

// RevocationOption configures RevocationService.
type RevocationOption func(*RevocationService)

// WithBlacklistCache puts a positive cache in front of blacklist lookups.
func WithBlacklistCache(cache BlacklistCache) RevocationOption {
	return func(s *RevocationService) { s.cache = cache }
}

// WithRevocationAudit sets the audit sink.
func WithRevocationAudit(sink AuditSink) RevocationOption {
	return func(s *RevocationService) {
		if sink != nil {
			s.audit = sink
		}
	}
}

// WithRevocationClock overrides the time source.
func WithRevocationClock(fn func() time.Time) RevocationOption {
	return func(s *RevocationService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithCutoffRetention sets how long an access-token cutoff is kept. It must be at
// least the access-token lifetime.
func WithCutoffRetention(d time.Duration) RevocationOption {
	return func(s *RevocationService) {
		if d > 0 {
			s.cutoffRetention = d
		}
	}
}

// WithRevocationLogger sets the logger.
func WithRevocationLogger(log logrus.FieldLogger) RevocationOption {
	return func(s *RevocationService) {
		if log != nil {
			s.log = log
		}
	}
}

// NewRevocationService wraps store.
func NewRevocationService(store RevocationStore, opts ...RevocationOption) *RevocationService {
	s := &RevocationService{
		store:           store,
		audit:           discardAudit{},
		now:             time.Now,
		cutoffRetention: defaultAccessTTL,
		log:             obs.Logger().WithField("component", "revocation"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add blacklists entry. Re-adding a jti is a no-op that reports added=false and
// produces no audit event.
func (s *RevocationService) Add(ctx context.Context, actorID string, entry BlacklistEntry) (bool, error) {
	return s.add(ctx, actorID, entry, true)
}

func (s *RevocationService) add(ctx context.Context, actorID string, entry BlacklistEntry, audit bool) (bool, error) {
	entry.JTI = strings.TrimSpace(entry.JTI)
	entry.UserID = strings.TrimSpace(entry.UserID)
	if entry.JTI == "" {
		return false, fmt.Errorf("%w: jti is required", ErrInvalidInput)
	}
	if entry.UserID == "" {
		return false, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if entry.TokenType != TokenAccess && entry.TokenType != TokenRefresh {
		return false, fmt.Errorf("%w: token_type must be access or refresh", ErrInvalidInput)
	}
	if entry.ExpiresAt.IsZero() {
		return false, fmt.Errorf("%w: expires_at is required", ErrInvalidInput)
	}
	now := s.now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	added, err := s.store.AddBlacklistEntry(ctx, entry)
	if err != nil {
		return false, fmt.Errorf("blacklist %s: %w", entry.JTI, err)
	}
	s.markCached(ctx, entry.JTI, entry.ExpiresAt.Sub(now))
	if !added {
		return false, nil
	}
	obs.RecordBlacklistAdd(string(entry.TokenType))
	if audit {
		s.record(ctx, AuditEvent{
			Action:       "token.blacklist.add",
			ActorID:      actorID,
			SubjectID:    entry.UserID,
			ResourceType: "token",
			ResourceID:   entry.JTI,
			Details: map[string]any{
				"token_type": entry.TokenType,
				"reason":     entry.Reason,
				"expires_at": entry.ExpiresAt.UTC().Format(time.RFC3339),
			},
			OccurredAt: now,
		})
	}
	return true, nil
}

// IsBlacklisted reports whether jti was revoked. A cache failure falls back to the store.
func (s *RevocationService) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	if jti == "" {
		return false, nil
	}
	if s.cache != nil {
		hit, err := s.cache.Contains(ctx, jti)
		if err != nil {
			s.log.WithError(err).Warn("blacklist cache lookup failed, using store")
		} else if hit {
			return true, nil
		}
	}
	return s.store.IsBlacklisted(ctx, jti)
}

// IssuedBeforeCutoff reports whether claims predate the user's invalidation cutoff.
// The issue instant has millisecond precision, so a token minted in the same
// millisecond as the cutoff but after it is also rejected.
func (s *RevocationService) IssuedBeforeCutoff(ctx context.Context, claims *Claims) (bool, error) {
	cutoff, ok, err := s.store.AccessCutoff(ctx, claims.Subject)
	if err != nil || !ok {
		return false, err
	}
	return claims.IssuedAtPrecise().Before(cutoff), nil
}

// InvalidateUser revokes every refresh token the user holds right now and, unless
// kind is TokenRefresh, rejects access tokens issued before this call. Tokens issued
// after the call are not affected.
func (s *RevocationService) InvalidateUser(ctx context.Context, actorID, userID, reason string, kind TokenKind) (InvalidationResult, error) {
	res, err := s.invalidate(ctx, userID, reason, kind)
	if err != nil {
		return InvalidationResult{}, err
	}
	s.record(ctx, AuditEvent{
		Action:       "token.invalidate_user",
		ActorID:      actorID,
		SubjectID:    userID,
		ResourceType: "user",
		ResourceID:   userID,
		Details: map[string]any{
			"reason":          reason,
			"token_type":      kindLabel(kind),
			"refresh_revoked": res.RefreshRevoked,
			"access_cutoff":   res.AccessCutoff,
		},
		OccurredAt: res.Cutoff,
	})
	return res, nil
}

func (s *RevocationService) invalidate(ctx context.Context, userID, reason string, kind TokenKind) (InvalidationResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return InvalidationResult{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(reason) == "" {
		reason = "invalidated"
	}
	cutoff := s.now().UTC()
	res, err := s.store.InvalidateUser(ctx, InvalidationRequest{
		UserID:      userID,
		Reason:      reason,
		Kind:        kind,
		Cutoff:      cutoff,
		RetainUntil: cutoff.Add(s.cutoffRetention),
	})
	if err != nil {
		return InvalidationResult{}, fmt.Errorf("invalidate user %s: %w", userID, err)
	}
	for range res.RevokedTokenIDs {
		obs.RecordBlacklistAdd(string(TokenRefresh))
	}
	s.log.WithFields(logrus.Fields{
		"user_id":         userID,
		"reason":          reason,
		"refresh_revoked": res.RefreshRevoked,
		"access_cutoff":   res.AccessCutoff,
	}).Info("user tokens invalidated")
	return res, nil
}

// Remove deletes a blacklist entry ahead of its expiry. ErrNotFound when absent.
func (s *RevocationService) Remove(ctx context.Context, actorID, jti string) error {
	jti = strings.TrimSpace(jti)
	if jti == "" {
		return fmt.Errorf("%w: jti is required", ErrInvalidInput)
	}
	entry, err := s.store.GetBlacklistEntry(ctx, jti)
	if err != nil {
		return err
	}
	if err := s.store.RemoveBlacklistEntry(ctx, jti); err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.Forget(ctx, jti); err != nil {
			s.log.WithError(err).WithField("jti", jti).Warn("blacklist cache eviction failed")
		}
	}
	s.record(ctx, AuditEvent{
		Action:       "token.blacklist.remove",
		ActorID:      actorID,
		SubjectID:    entry.UserID,
		ResourceType: "token",
		ResourceID:   jti,
		Details:      map[string]any{"token_type": entry.TokenType, "reason": entry.Reason},
		OccurredAt:   s.now().UTC(),
	})
	return nil
}

// Get returns a single blacklist entry.
func (s *RevocationService) Get(ctx context.Context, jti string) (BlacklistEntry, error) {
	if strings.TrimSpace(jti) == "" {
		return BlacklistEntry{}, fmt.Errorf("%w: jti is required", ErrInvalidInput)
	}
	return s.store.GetBlacklistEntry(ctx, jti)
}

// List returns blacklist entries, newest first.
func (s *RevocationService) List(ctx context.Context, filter BlacklistFilter) ([]BlacklistEntry, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	return s.store.ListBlacklist(ctx, filter)
}

// Stats summarises the blacklist.
func (s *RevocationService) Stats(ctx context.Context) (BlacklistStats, error) {
	return s.store.BlacklistStats(ctx, s.now().UTC())
}

// CleanupExpired removes rows whose expiry has passed. It never touches live entries.
// Rows outlive their expiry by clockSkew, the leeway Parse still grants a token.
func (s *RevocationService) CleanupExpired(ctx context.Context) (CleanupResult, error) {
	now := s.now().UTC()
	res, err := s.store.DeleteExpired(ctx, now.Add(-clockSkew))
	if err != nil {
		obs.RecordCleanupFailure()
		return CleanupResult{}, fmt.Errorf("cleanup expired tokens: %w", err)
	}
	obs.RecordCleanup("blacklist", res.Blacklist)
	obs.RecordCleanup("refresh_token", res.RefreshTokens)
	obs.RecordCleanup("cutoff", res.Cutoffs)
	if res.Total() > 0 {
		s.record(ctx, AuditEvent{
			Action:       "token.cleanup",
			ResourceType: "token",
			Details: map[string]any{
				"blacklist":      res.Blacklist,
				"refresh_tokens": res.RefreshTokens,
				"cutoffs":        res.Cutoffs,
			},
			OccurredAt: now,
		})
	}
	return res, nil
}

func (s *RevocationService) markCached(ctx context.Context, jti string, ttl time.Duration) {
	if s.cache == nil || ttl <= 0 {
		return
	}
	if err := s.cache.Mark(ctx, jti, ttl); err != nil {
		s.log.WithError(err).WithField("jti", jti).Warn("blacklist cache write failed")
	}
}

func (s *RevocationService) record(ctx context.Context, event AuditEvent) {
	if err := s.audit.Record(ctx, event); err != nil {
		s.log.WithError(err).WithField("action", event.Action).Error("audit record failed")
	}
}

func kindLabel(kind TokenKind) string {
	if kind == TokenAll {
		return "all"
	}
	return string(kind)
}

// isNotFound is shared by callers that treat a missing row as a credential failure.
func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
