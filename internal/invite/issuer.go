package invite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/directory"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultTTL      = 7 * 24 * time.Hour
	defaultIssuer   = "makerspace-visit"
	defaultAudience = "makerspace-registration"
	purposeRegister = "register"
)

var (
	ErrMissingSigningSecret = errors.New("invite: signing secret required")
	ErrInvalidToken         = errors.New("invite: invalid token")
	ErrExpiredToken         = errors.New("invite: token expired")
)

// Claims is the payload of a registration invite.
type Claims struct {
	Purpose string `json:"purpose"`
	jwt.RegisteredClaims
}

// Invite is a minted registration token bound to one username.
type Invite struct {
	Token     string
	Username  directory.Username
	ExpiresAt time.Time
}

// Grant is what a verified token entitles its holder to register.
type Grant struct {
	Username directory.Username
	TokenID  string
	IssuedAt time.Time
}

// IssuerConfig configures invite signing.
type IssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TTL           time.Duration
	Clock         func() time.Time
	IDProvider    func() (string, error)
}

// Issuer mints and verifies stateless HS256 invite tokens.
type Issuer struct {
	signingSecret []byte
	issuer        string
	audience      string
	ttl           time.Duration
	clock         func() time.Time
	newID         func() (string, error)
}

// NewIssuer validates the configuration and applies defaults.
func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultAudience
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.IDProvider
	if newID == nil {
		newID = func() (string, error) {
			value, err := uuid.NewRandom()
			if err != nil {
				return "", err
			}
			return value.String(), nil
		}
	}
	return &Issuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		ttl:           ttl,
		clock:         clock,
		newID:         newID,
	}, nil
}

// TTL returns the lifetime of minted invites.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue mints an invite for username valid for the configured TTL.
func (i *Issuer) Issue(_ context.Context, username directory.Username) (Invite, error) {
	if username == "" {
		return Invite{}, fmt.Errorf("invite: username required")
	}
	tokenID, err := i.newID()
	if err != nil {
		return Invite{}, fmt.Errorf("invite: token id: %w", err)
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl)
	claims := Claims{
		Purpose: purposeRegister,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   username.String(),
			Issuer:    i.issuer,
			Audience:  []string{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.signingSecret)
	if err != nil {
		return Invite{}, err
	}
	return Invite{Token: signed, Username: username, ExpiresAt: expiresAt}, nil
}

// Verify checks the signature, expiry and purpose of a token and returns the username it binds.
func (i *Issuer) Verify(tokenString string) (Grant, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Grant{}, fmt.Errorf("%w: empty", ErrInvalidToken)
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			return i.signingSecret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Grant{}, ErrExpiredToken
		}
		return Grant{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid || claims.Purpose != purposeRegister {
		return Grant{}, ErrInvalidToken
	}

	username, err := directory.NewUsername(claims.Subject)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	grant := Grant{Username: username, TokenID: claims.ID}
	if claims.IssuedAt != nil {
		grant.IssuedAt = claims.IssuedAt.Time.UTC()
	}
	return grant, nil
}
