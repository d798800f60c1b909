package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"beneficios.org/internal/ids"
	"beneficios.org/internal/obs"
)

const defaultRefreshTTL = 24 * time.Hour * 14

// SessionManager issues, rotates and ends sessions.
//
// Refresh token lifecycle: Active -> Revoked (logout, logout-all, admin
// invalidation, rotation) or Active -> Expired. Both end states are terminal.
type SessionManager struct {
	directory  Directory
	issuer     *TokenIssuer
	revocation *RevocationService
	audit      AuditSink
	now        func() time.Time
	refreshTTL time.Duration
	log        logrus.FieldLogger
}

// SessionOption configures SessionManager.
type SessionOption func(*SessionManager)

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) SessionOption {
	return func(s *SessionManager) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithSessionClock overrides the time source.
func WithSessionClock(fn func() time.Time) SessionOption {
	return func(s *SessionManager) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithSessionAudit sets the audit sink.
func WithSessionAudit(sink AuditSink) SessionOption {
	return func(s *SessionManager) {
		if sink != nil {
			s.audit = sink
		}
	}
}

// NewSessionManager wires the directory, token issuer and revocation service.
func NewSessionManager(directory Directory, issuer *TokenIssuer, revocation *RevocationService, opts ...SessionOption) (*SessionManager, error) {
	if directory == nil || issuer == nil || revocation == nil {
		return nil, errors.New("auth: session manager requires directory, issuer and revocation service")
	}
	s := &SessionManager{
		directory:  directory,
		issuer:     issuer,
		revocation: revocation,
		audit:      discardAudit{},
		now:        time.Now,
		refreshTTL: defaultRefreshTTL,
		log:        obs.Logger().WithField("component", "sessions"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Login verifies credentials and issues a fresh token pair.
func (s *SessionManager) Login(ctx context.Context, email, password string, client ClientInfo) (TokenPair, Principal, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return TokenPair{}, Principal{}, ErrInvalidCredential
	}
	creds, err := s.directory.CredentialsByEmail(ctx, email)
	if err != nil {
		if isNotFound(err) {
			return TokenPair{}, Principal{}, ErrInvalidCredential
		}
		return TokenPair{}, Principal{}, err
	}
	if !creds.Active {
		return TokenPair{}, Principal{}, ErrInvalidCredential
	}
	if err := VerifyPassword(creds.PasswordHash, password); err != nil {
		return TokenPair{}, Principal{}, ErrInvalidCredential
	}
	principal, err := s.activePrincipal(ctx, creds.UserID)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	pair, err := s.mintTokens(ctx, principal, client)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	return pair, principal, nil
}

// Refresh rotates a refresh token. Presenting an already revoked token is treated
// as replay and ends every session of its owner.
func (s *SessionManager) Refresh(ctx context.Context, raw string, client ClientInfo) (TokenPair, Principal, error) {
	tokenID, secret, err := splitRefreshToken(raw)
	if err != nil {
		return TokenPair{}, Principal{}, ErrInvalidCredential
	}
	store := s.revocation.store
	record, err := store.FindRefreshToken(ctx, tokenID)
	if err != nil {
		if isNotFound(err) {
			return TokenPair{}, Principal{}, ErrInvalidCredential
		}
		return TokenPair{}, Principal{}, err
	}
	if !secureCompareHash(record.TokenHash, secret) {
		return TokenPair{}, Principal{}, ErrInvalidCredential
	}

	now := s.now()
	switch record.State(now) {
	case RefreshRevoked:
		s.handleReplay(ctx, record)
		return TokenPair{}, Principal{}, ErrInvalidCredential
	case RefreshExpired:
		return TokenPair{}, Principal{}, ErrInvalidCredential
	}

	principal, err := s.activePrincipal(ctx, record.UserID)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}

	// Rotate refresh token: revoke old, issue new pair
	flipped, err := store.RevokeRefreshToken(ctx, record.ID)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	if !flipped {
		// A concurrent rotation won the race.
		return TokenPair{}, Principal{}, ErrInvalidCredential
	}
	if _, err := s.revocation.add(ctx, record.UserID, BlacklistEntry{
		JTI:       record.ID,
		UserID:    record.UserID,
		TokenType: TokenRefresh,
		ExpiresAt: record.ExpiresAt,
		Reason:    "rotation",
	}, false); err != nil {
		return TokenPair{}, Principal{}, err
	}
	pair, err := s.mintTokens(ctx, principal, client)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	return pair, principal, nil
}

// Logout blacklists the current access token until its expiry and, when refreshRaw
// is given, revokes that refresh token too. Logging out twice is not an error. A
// refresh token that is not the caller's fails the call before anything is revoked.
func (s *SessionManager) Logout(ctx context.Context, claims *Claims, refreshRaw string) error {
	if claims == nil {
		return ErrInvalidCredential
	}
	var refresh *RefreshToken
	if strings.TrimSpace(refreshRaw) != "" {
		record, err := s.ownedRefreshToken(ctx, claims.Subject, refreshRaw)
		if err != nil {
			return err
		}
		refresh = record
	}
	if _, err := s.revocation.add(ctx, claims.Subject, BlacklistEntry{
		JTI:       claims.ID,
		UserID:    claims.Subject,
		TokenType: TokenAccess,
		ExpiresAt: claims.ExpiresAtTime(),
		Reason:    "logout",
	}, false); err != nil {
		return err
	}

	refreshRevoked := false
	if refresh != nil {
		revoked, err := s.revokeRefresh(ctx, *refresh, "logout")
		if err != nil {
			return err
		}
		refreshRevoked = revoked
	}

	s.record(ctx, AuditEvent{
		Action:       "session.logout",
		ActorID:      claims.Subject,
		SubjectID:    claims.Subject,
		ResourceType: "token",
		ResourceID:   claims.ID,
		Details:      map[string]any{"refresh_revoked": refreshRevoked},
		OccurredAt:   s.now().UTC(),
	})
	return nil
}

// LogoutAll invalidates every session of the caller and emits one audit event.
func (s *SessionManager) LogoutAll(ctx context.Context, claims *Claims) (InvalidationResult, error) {
	if claims == nil {
		return InvalidationResult{}, ErrInvalidCredential
	}
	res, err := s.revocation.invalidate(ctx, claims.Subject, "logout_all", TokenAll)
	if err != nil {
		return InvalidationResult{}, err
	}
	s.record(ctx, AuditEvent{
		Action:       "session.logout_all",
		ActorID:      claims.Subject,
		SubjectID:    claims.Subject,
		ResourceType: "user",
		ResourceID:   claims.Subject,
		Details:      map[string]any{"refresh_revoked": res.RefreshRevoked},
		OccurredAt:   res.Cutoff,
	})
	return res, nil
}

// Authenticate validates an access token and loads its principal. It runs before
// any permission check. Store errors are returned as-is; every credential problem
// is ErrInvalidCredential.
func (s *SessionManager) Authenticate(ctx context.Context, raw string) (Principal, *Claims, error) {
	claims, err := s.issuer.Parse(raw)
	if err != nil {
		obs.RecordTokenRejection("invalid")
		return Principal{}, nil, ErrInvalidCredential
	}
	blacklisted, err := s.revocation.IsBlacklisted(ctx, claims.ID)
	if err != nil {
		return Principal{}, nil, fmt.Errorf("blacklist lookup: %w", err)
	}
	if blacklisted {
		obs.RecordTokenRejection("blacklisted")
		return Principal{}, nil, ErrInvalidCredential
	}
	stale, err := s.revocation.IssuedBeforeCutoff(ctx, claims)
	if err != nil {
		return Principal{}, nil, fmt.Errorf("cutoff lookup: %w", err)
	}
	if stale {
		obs.RecordTokenRejection("cutoff")
		return Principal{}, nil, ErrInvalidCredential
	}
	principal, err := s.activePrincipal(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrInvalidCredential) {
			obs.RecordTokenRejection("inactive_principal")
		}
		return Principal{}, nil, err
	}
	return principal, claims, nil
}

func (s *SessionManager) activePrincipal(ctx context.Context, userID string) (Principal, error) {
	p, err := s.directory.Principal(ctx, userID)
	if err != nil {
		if isNotFound(err) {
			return Principal{}, ErrInvalidCredential
		}
		return Principal{}, err
	}
	if !p.Active {
		return Principal{}, ErrInvalidCredential
	}
	return p, nil
}

// ownedRefreshToken looks up raw for userID. An unknown token yields nil so a
// stale cookie does not fail logout.
func (s *SessionManager) ownedRefreshToken(ctx context.Context, userID, raw string) (*RefreshToken, error) {
	tokenID, secret, err := splitRefreshToken(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed refresh token", ErrInvalidInput)
	}
	record, err := s.revocation.store.FindRefreshToken(ctx, tokenID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if record.UserID != userID || !secureCompareHash(record.TokenHash, secret) {
		return nil, fmt.Errorf("%w: refresh token does not belong to the caller", ErrInvalidInput)
	}
	return &record, nil
}

func (s *SessionManager) revokeRefresh(ctx context.Context, record RefreshToken, reason string) (bool, error) {
	flipped, err := s.revocation.store.RevokeRefreshToken(ctx, record.ID)
	if err != nil {
		return false, err
	}
	if _, err := s.revocation.add(ctx, record.UserID, BlacklistEntry{
		JTI:       record.ID,
		UserID:    record.UserID,
		TokenType: TokenRefresh,
		ExpiresAt: record.ExpiresAt,
		Reason:    reason,
	}, false); err != nil {
		return false, err
	}
	return flipped, nil
}

func (s *SessionManager) handleReplay(ctx context.Context, record RefreshToken) {
	res, err := s.revocation.invalidate(ctx, record.UserID, "refresh_replay", TokenAll)
	if err != nil {
		s.log.WithError(err).WithField("user_id", record.UserID).Error("replay invalidation failed")
		return
	}
	s.log.WithFields(logrus.Fields{
		"user_id":  record.UserID,
		"token_id": record.ID,
	}).Warn("revoked refresh token presented, all sessions invalidated")
	s.record(ctx, AuditEvent{
		Action:       "session.refresh_replay",
		SubjectID:    record.UserID,
		ResourceType: "refresh_token",
		ResourceID:   record.ID,
		Details:      map[string]any{"refresh_revoked": res.RefreshRevoked},
		OccurredAt:   res.Cutoff,
	})
}

func (s *SessionManager) mintTokens(ctx context.Context, principal Principal, client ClientInfo) (TokenPair, error) {
	now := s.now().UTC()
	accessToken, claims, err := s.issuer.Issue(principal)
	if err != nil {
		return TokenPair{}, err
	}
	refreshTokenString, refreshRec, err := s.generateRefreshToken(principal.UserID, now, client)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.revocation.store.CreateRefreshToken(ctx, refreshRec); err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshTokenString,
		TokenType:        "Bearer",
		AccessExpiresAt:  claims.ExpiresAtTime(),
		RefreshExpiresAt: refreshRec.ExpiresAt,
	}, nil
}

func (s *SessionManager) generateRefreshToken(userID string, now time.Time, client ClientInfo) (string, RefreshToken, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", RefreshToken{}, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	tokenID := ids.NewAt(now)
	rec := RefreshToken{
		ID:        tokenID,
		UserID:    userID,
		TokenHash: hashSecret(secret),
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
	}
	return tokenID + "." + secret, rec, nil
}

func (s *SessionManager) record(ctx context.Context, event AuditEvent) {
	if err := s.audit.Record(ctx, event); err != nil {
		s.log.WithError(err).WithField("action", event.Action).Error("audit record failed")
	}
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func secureCompareHash(expectedHash, secret string) bool {
	actual := hashSecret(secret)
	if len(expectedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}
