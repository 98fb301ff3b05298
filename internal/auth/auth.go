// Package auth resolves bearer tokens into wallet identities.
//
// The wallet-signature challenge/response happens in an external identity
// provider; what arrives here is the short-lived HS256 token it mints, with
// the wallet address as the subject. This package validates the token,
// normalizes the address, and attaches the resolved Identity to the request.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/peervault/peervault/internal/ethutil"
	"github.com/peervault/peervault/internal/identity"
)

var (
	ErrNoToken      = errors.New("bearer token required")
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Manager validates identity-provider tokens and resolves role sets.
type Manager struct {
	secret     []byte
	identities *identity.Service
}

// NewManager creates an auth manager. secret is the HS256 key shared with the
// identity provider.
func NewManager(secret []byte, identities *identity.Service) *Manager {
	return &Manager{secret: secret, identities: identities}
}

// Subject validates a raw bearer token and returns the canonical wallet
// address it was minted for.
func (m *Manager) Subject(raw string) (string, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return "", ErrNoToken
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrInvalidToken
	}
	addr, err := ethutil.NormalizeAddress(sub)
	if err != nil {
		return "", ErrInvalidToken
	}
	return addr, nil
}

// ResolveIdentity validates a token and loads the subject's roles.
func (m *Manager) ResolveIdentity(ctx context.Context, raw string) (identity.Identity, error) {
	addr, err := m.Subject(raw)
	if err != nil {
		return identity.Identity{}, err
	}
	return m.identities.Resolve(ctx, addr)
}

// Login validates a token and runs the role bootstrap for its subject.
// Bootstrap failures never fail the login.
func (m *Manager) Login(ctx context.Context, raw string) (identity.Identity, error) {
	addr, err := m.Subject(raw)
	if err != nil {
		return identity.Identity{}, err
	}
	return m.identities.Bootstrap(ctx, addr), nil
}

// MintToken creates a token the way the identity provider does. Test and
// local-development helper; production tokens come from the provider.
func (m *Manager) MintToken(address string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   address,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	return token.SignedString(m.secret)
}
