// Package broker exchanges validated identities for PostgreSQL role
// sessions and answers policy checks for roles it has vended. The HTTP
// surface serves middleware deployments; the wire gate consumes the same
// service directly.
package broker

import (
	"errors"
	"time"
)

// ErrUnknownRole marks a role the broker has not vended, or whose session
// has lapsed. A fresh token exchange is required.
var ErrUnknownRole = errors.New("unknown role")

// RoleSession records one vended role and the identity facts frozen at
// exchange time. The superuser flag does not track later group changes; it
// is fixed until the next exchange.
type RoleSession struct {
	Role      string    `json:"role"`
	Subject   string    `json:"subject"`
	ClientID  string    `json:"client_id"`
	Groups    []string  `json:"groups"`
	Superuser bool      `json:"superuser"`
	CreatedAt time.Time `json:"created_at"`
}
