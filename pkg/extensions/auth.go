// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
)

// ErrUnauthorized is returned when authentication fails.
var ErrUnauthorized = errors.New("unauthorized")

// LocalUserID identifies the caller when authentication is disabled.
const LocalUserID = "local-user"

// AuthInfo contains identity information returned after successful
// authentication.
type AuthInfo struct {
	// UserID is the unique identifier for the authenticated caller. Never
	// empty.
	UserID string

	// Roles contains the caller's role memberships.
	Roles []string
}

// HasRole checks if the caller has a specific role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates tokens and returns the caller's identity.
type AuthProvider interface {
	// Validate checks token and returns the caller's identity. An empty
	// token means the request carried none.
	//
	// Returns an error wrapping ErrUnauthorized for a missing or invalid
	// token.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider accepts every request as the local user with admin
// privileges.
type NopAuthProvider struct{}

// Validate implements AuthProvider.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{UserID: LocalUserID, Roles: []string{"admin"}}, nil
}

// TokenAuthProvider accepts one shared token.
type TokenAuthProvider struct {
	token []byte
}

// NewTokenAuthProvider creates a provider accepting token. An empty token
// rejects every request.
func NewTokenAuthProvider(token string) *TokenAuthProvider {
	return &TokenAuthProvider{token: []byte(token)}
}

// Validate implements AuthProvider. The comparison takes constant time.
func (p *TokenAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("missing token: %w", ErrUnauthorized)
	}
	if len(p.token) == 0 || subtle.ConstantTimeCompare([]byte(token), p.token) != 1 {
		return nil, fmt.Errorf("invalid token: %w", ErrUnauthorized)
	}
	return &AuthInfo{UserID: "token-user", Roles: []string{"admin"}}, nil
}

var (
	_ AuthProvider = (*NopAuthProvider)(nil)
	_ AuthProvider = (*TokenAuthProvider)(nil)
)
