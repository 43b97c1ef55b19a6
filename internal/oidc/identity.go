// Package oidc validates access tokens against the identity provider and
// produces the strongly typed identity record the rest of the broker
// consumes. Claims are interpreted here, at the trust boundary, and nowhere
// else.
package oidc

import (
	"errors"
	"slices"
	"time"
)

// Identity is the validated view of one access token.
type Identity struct {
	Subject   string
	ClientID  string
	Groups    []string
	ExpiresAt time.Time
}

// HasGroup reports whether the identity carries the given group claim.
func (id Identity) HasGroup(group string) bool {
	return slices.Contains(id.Groups, group)
}

// Expired reports whether the identity's token has expired at the given time.
func (id Identity) Expired(now time.Time) bool {
	return !id.ExpiresAt.After(now)
}

var (
	// ErrExpiredToken is returned for access tokens past their expiry.
	ErrExpiredToken = errors.New("oidc: access token expired")
	// ErrInvalidIssuer is returned when issuer or audience claims do not
	// match the configured identity provider.
	ErrInvalidIssuer = errors.New("oidc: issuer or audience mismatch")
	// ErrRefreshDenied is returned when the identity provider refuses to
	// exchange a refresh token.
	ErrRefreshDenied = errors.New("oidc: refresh denied")
	// ErrInvalidToken is returned for tokens that cannot be parsed or that
	// the identity provider rejects.
	ErrInvalidToken = errors.New("oidc: invalid token")
)
