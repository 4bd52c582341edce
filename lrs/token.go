// Copyright 2026 LXD360
// SPDX-License-Identifier: Apache-2.0

package lrs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims represents the bearer token claims the record store expects:
// the tenant in the standard 'sub' claim and the device in 'did'.
type TokenClaims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// DeviceTokenSource mints HS256 bearer tokens for one tenant/device pair.
// Tokens are cached and re-minted shortly before expiry, so Token is cheap
// to call on every request.
type DeviceTokenSource struct {
	Secret   []byte
	TenantID string
	DeviceID string
	TTL      time.Duration

	mu      sync.Mutex
	current string
	expires time.Time
}

// NewDeviceTokenSource creates a token source with a one-hour TTL.
func NewDeviceTokenSource(secret []byte, tenantID, deviceID string) *DeviceTokenSource {
	return &DeviceTokenSource{
		Secret:   secret,
		TenantID: tenantID,
		DeviceID: deviceID,
		TTL:      time.Hour,
	}
}

// Token returns a valid signed token, minting a fresh one when the cached
// token is within a minute of expiry.
func (s *DeviceTokenSource) Token(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != "" && time.Until(s.expires) > time.Minute {
		return s.current, nil
	}

	now := time.Now()
	claims := &TokenClaims{
		DeviceID: s.DeviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.TTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "go-xapisync",
			Subject:   s.TenantID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign device token: %w", err)
	}

	s.current = signed
	s.expires = now.Add(s.TTL)
	return signed, nil
}

// ParseToken validates a token string and returns its claims. Exposed for
// tests and for servers that terminate this protocol.
func ParseToken(secret []byte, tokenString string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.DeviceID == "" {
		return nil, fmt.Errorf("missing did (device ID) in token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("missing sub (tenant ID) in token")
	}
	return claims, nil
}
