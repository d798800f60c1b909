package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"beneficios.org/internal/ids"
)

const (
	defaultIssuer    = "beneficios-authz"
	defaultAccessTTL = 15 * time.Minute
	clockSkew        = 5 * time.Second
)

// Claims represents JWT claims used across the service.
type Claims struct {
	Roles     []string  `json:"roles,omitempty"`
	TokenType TokenKind `json:"token_type"`
	jwt.RegisteredClaims
}

// IssuedAtPrecise returns the issue instant with millisecond precision taken
// from the jti, falling back to the second-precision iat claim.
func (c *Claims) IssuedAtPrecise() time.Time {
	if t, ok := ids.Time(c.ID); ok {
		return t
	}
	if c.IssuedAt != nil {
		return c.IssuedAt.Time
	}
	return time.Time{}
}

// ExpiresAtTime returns the exp claim or the zero time.
func (c *Claims) ExpiresAtTime() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// TokenIssuer signs and verifies access tokens with either HS256 or RS256.
type TokenIssuer struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	keyID     string
	issuer    string
	accessTTL time.Duration
	now       func() time.Time
}

// IssuerOption configures TokenIssuer.
type IssuerOption func(*TokenIssuer) error

// WithHMACSecret enables HS256 signing and verification.
func WithHMACSecret(secret string) IssuerOption {
	return func(t *TokenIssuer) error {
		if strings.TrimSpace(secret) == "" {
			return nil
		}
		t.method = jwt.SigningMethodHS256
		t.signKey = []byte(secret)
		t.verifyKey = []byte(secret)
		return nil
	}
}

// WithRS256Keys configures RSA keys used for signing and verifying JWTs.
func WithRS256Keys(privatePEM, publicPEM string) IssuerOption {
	return func(t *TokenIssuer) error {
		privatePEM = strings.TrimSpace(privatePEM)
		publicPEM = strings.TrimSpace(publicPEM)
		if privatePEM == "" || publicPEM == "" {
			return errors.New("auth: both private and public keys are required")
		}
		priv, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privatePEM))
		if err != nil {
			return fmt.Errorf("auth: parse private key: %w", err)
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicPEM))
		if err != nil {
			return fmt.Errorf("auth: parse public key: %w", err)
		}
		t.method = jwt.SigningMethodRS256
		t.signKey = priv
		t.verifyKey = pub
		return nil
	}
}

// WithKeyID sets the key identifier embedded into JWT headers.
func WithKeyID(kid string) IssuerOption {
	return func(t *TokenIssuer) error {
		t.keyID = strings.TrimSpace(kid)
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) IssuerOption {
	return func(t *TokenIssuer) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			t.issuer = issuer
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) IssuerOption {
	return func(t *TokenIssuer) error {
		if ttl > 0 {
			t.accessTTL = ttl
		}
		return nil
	}
}

// WithIssuerClock overrides the time source (useful for tests).
func WithIssuerClock(fn func() time.Time) IssuerOption {
	return func(t *TokenIssuer) error {
		if fn != nil {
			t.now = fn
		}
		return nil
	}
}

// NewTokenIssuer requires one of WithHMACSecret or WithRS256Keys.
func NewTokenIssuer(opts ...IssuerOption) (*TokenIssuer, error) {
	t := &TokenIssuer{
		issuer:    defaultIssuer,
		accessTTL: defaultAccessTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	if t.method == nil {
		return nil, ErrNotConfigured
	}
	return t, nil
}

// AccessTTL returns the configured access-token lifetime.
func (t *TokenIssuer) AccessTTL() time.Duration { return t.accessTTL }

// Issue signs an access token for p. The jti encodes the issue instant.
func (t *TokenIssuer) Issue(p Principal) (string, *Claims, error) {
	if strings.TrimSpace(p.UserID) == "" {
		return "", nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	now := t.now().UTC()
	roles := make([]string, 0, len(p.Roles))
	for _, r := range p.Roles {
		roles = append(roles, string(r))
	}
	claims := &Claims{
		Roles:     roles,
		TokenType: TokenAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.accessTTL)),
			ID:        ids.NewAt(now),
		},
	}
	token := jwt.NewWithClaims(t.method, claims)
	if t.keyID != "" {
		token.Header["kid"] = t.keyID
	}
	signed, err := token.SignedString(t.signKey)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

// Parse verifies signature and registered claims. Every failure is ErrInvalidCredential.
func (t *TokenIssuer) Parse(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidCredential
	}
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (any, error) {
		return t.verifyKey, nil
	},
		jwt.WithValidMethods([]string{t.method.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, ErrInvalidCredential
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidCredential
	}
	if err := validateClaims(claims); err != nil {
		return nil, ErrInvalidCredential
	}
	return claims, nil
}

func validateClaims(claims *Claims) error {
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if strings.TrimSpace(claims.ID) == "" {
		return errors.New("jti missing")
	}
	if claims.TokenType != TokenAccess {
		return fmt.Errorf("unexpected token type %q", claims.TokenType)
	}
	if claims.IssuedAt == nil {
		return errors.New("iat missing")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}
