// Package auth issues the bearer tokens clients exchange their account
// credentials for at /auth/token.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultTokenTTL = 30 * time.Minute
	DefaultIssuer   = "timetracker-auth"
	DefaultAudience = "timetracker-api"
	// ReplicationScope grants access to the document API.
	ReplicationScope = "replicate"
)

var (
	// ErrInvalidToken wraps every validation failure.
	ErrInvalidToken = errors.New("auth: invalid token")

	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubject       = errors.New("subject must be provided")
)

// SessionClaims are the claims of a replication session token.
type SessionClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// TokenIssuerConfig configures the bearer token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer signs and validates HS256 session tokens.
type TokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	clock    func() time.Time
}

// NewTokenIssuer fills unset fields with the package defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	issuer := &TokenIssuer{
		secret:   cfg.SigningSecret,
		issuer:   orDefault(cfg.Issuer, DefaultIssuer),
		audience: orDefault(cfg.Audience, DefaultAudience),
		ttl:      cfg.TokenTTL,
		clock:    cfg.Clock,
	}
	if issuer.ttl <= 0 {
		issuer.ttl = defaultTokenTTL
	}
	if issuer.clock == nil {
		issuer.clock = time.Now
	}
	return issuer, nil
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// IssueToken signs a session token for the account and returns it with its
// lifetime in seconds.
func (i *TokenIssuer) IssueToken(_ context.Context, account string) (string, int64, error) {
	if strings.TrimSpace(account) == "" {
		return "", 0, errMissingSubject
	}
	issuedAt := i.clock().UTC()
	claims := SessionClaims{
		Scope: ReplicationScope,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   account,
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", 0, fmt.Errorf("sign session token: %w", err)
	}
	return signed, int64(i.ttl / time.Second), nil
}

// ValidateToken checks signature, issuer, audience, expiry and scope and
// returns the account the token was issued to. Failures wrap ErrInvalidToken
// and the underlying jwt error.
func (i *TokenIssuer) ValidateToken(raw string) (string, error) {
	var claims SessionClaims
	_, err := jwt.ParseWithClaims(raw, &claims, i.signingKey,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(i.audience),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Scope != ReplicationScope {
		return "", fmt.Errorf("%w: scope %q", ErrInvalidToken, claims.Scope)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, errMissingSubject)
	}
	return claims.Subject, nil
}

func (i *TokenIssuer) signingKey(*jwt.Token) (any, error) {
	return i.secret, nil
}
