package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/txn2/bi-session-platform/pkg/clock"
	"github.com/txn2/bi-session-platform/pkg/contextstore"
)

// DefaultTokenTTL is the lifetime of issued tokens when Config.TokenTTL is zero.
const DefaultTokenTTL = time.Hour

// ErrNoToken is returned by Authenticate when the context carries no token.
var ErrNoToken = errors.New("no token found in context")

// Config configures token validation and issuing.
type Config struct {
	// Issuer is the expected and issued iss claim.
	Issuer string

	// SigningKey is the HMAC key used to sign and verify tokens.
	SigningKey []byte

	TokenTTL time.Duration

	// Leeway tolerates clock skew when validating exp and nbf.
	Leeway time.Duration

	// Extractor maps claims onto contexts. Nil uses DefaultClaimsExtractor.
	Extractor *ClaimsExtractor

	// OnIssue, when set, receives every token minted by Issuer.Refresh.
	OnIssue func(sessionID, token string, expiry time.Time)

	Clock clock.Clock
}

func (c *Config) validate() error {
	if c.Issuer == "" {
		return errors.New("auth issuer is required")
	}
	if len(c.SigningKey) == 0 {
		return errors.New("auth signing key is required")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.TokenTTL == 0 {
		c.TokenTTL = DefaultTokenTTL
	}
	if c.Extractor == nil {
		c.Extractor = DefaultClaimsExtractor()
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
}

// Authenticator validates HMAC-signed JWT access tokens.
type Authenticator struct {
	cfg Config
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(cfg Config) (*Authenticator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &Authenticator{cfg: cfg}, nil
}

// Authenticate validates the token stored in ctx by WithToken.
func (a *Authenticator) Authenticate(ctx context.Context) (*contextstore.UserContext, error) {
	token := GetToken(ctx)
	if token == "" {
		return nil, ErrNoToken
	}
	return a.ParseToken(token)
}

// ParseToken validates tokenString and returns the user context it
// describes, with TokenExpiry taken from the exp claim.
func (a *Authenticator) ParseToken(tokenString string) (*contextstore.UserContext, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.cfg.SigningKey, nil
	},
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.cfg.Leeway),
		jwt.WithTimeFunc(a.cfg.Clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	uc, err := a.cfg.Extractor.Extract(claims)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, errors.New("invalid token: missing exp claim")
	}
	uc.TokenExpiry = exp.UTC()
	now := a.cfg.Clock.Now()
	uc.LastActivity = now
	uc.CreatedAt = now
	uc.UpdatedAt = now
	return uc, nil
}

// Issuer mints HMAC-signed tokens for user contexts. It serves as the
// refresher of the token refresh service.
type Issuer struct {
	cfg Config
}

// NewIssuer creates an Issuer.
func NewIssuer(cfg Config) (*Issuer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &Issuer{cfg: cfg}, nil
}

// Issue signs a token for uc valid for TokenTTL.
func (i *Issuer) Issue(uc *contextstore.UserContext) (string, time.Time, error) {
	now := i.cfg.Clock.Now().UTC()
	expiry := now.Add(i.cfg.TokenTTL).Truncate(time.Second)

	claims := jwt.MapClaims{
		"iss":         i.cfg.Issuer,
		"sub":         uc.UserID,
		"sid":         uc.SessionID,
		"iat":         now.Unix(),
		"exp":         expiry.Unix(),
		"role":        uc.RoleID,
		"departments": uc.DepartmentScope,
		"permissions": PermissionsClaim(uc.Permissions),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.cfg.SigningKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return signed, expiry, nil
}

// Refresh issues a new token for uc and returns its expiry.
func (i *Issuer) Refresh(ctx context.Context, uc *contextstore.UserContext) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	if uc.IsAnonymous {
		return time.Time{}, errors.New("anonymous contexts have no token to refresh")
	}
	token, expiry, err := i.Issue(uc)
	if err != nil {
		return time.Time{}, err
	}
	if i.cfg.OnIssue != nil {
		i.cfg.OnIssue(uc.SessionID, token, expiry)
	}
	return expiry, nil
}
