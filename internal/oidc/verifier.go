package oidc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// Verifier turns access tokens into validated Identity records.
//
// Local checks cover expiry, issuer and audience; the userinfo round-trip is
// the signature check, since the identity provider rejects tampered tokens.
// Validated identities are cached until token expiry so the gate does not pay
// an IdP round-trip per statement.
type Verifier struct {
	idp           *Client
	issuer        string
	audience      string
	usernameClaim string
	cache         *identityCache
	group         singleflight.Group
	now           func() time.Time
}

// VerifierConfig carries trust boundary configuration.
type VerifierConfig struct {
	Issuer        string
	Audience      string
	UsernameClaim string
}

// NewVerifier constructs a Verifier backed by the given identity provider
// client.
func NewVerifier(idp *Client, cfg VerifierConfig) *Verifier {
	usernameClaim := cfg.UsernameClaim
	if usernameClaim == "" {
		usernameClaim = "preferred_username"
	}
	return &Verifier{
		idp:           idp,
		issuer:        cfg.Issuer,
		audience:      cfg.Audience,
		usernameClaim: usernameClaim,
		cache:         newIdentityCache(),
		now:           time.Now,
	}
}

// Verify validates an access token and returns its identity record.
func (v *Verifier) Verify(ctx context.Context, accessToken string) (Identity, error) {
	if id, ok := v.cache.get(accessToken, v.now()); ok {
		return id, nil
	}

	res, err, _ := v.group.Do(cacheKey(accessToken), func() (any, error) {
		return v.verify(ctx, accessToken)
	})
	if err != nil {
		return Identity{}, err
	}
	return res.(Identity), nil
}

// VerifyOrRefresh validates the access token, transparently refreshing it
// when expired. It returns the identity together with the access token it
// belongs to, which differs from the input after a refresh.
func (v *Verifier) VerifyOrRefresh(ctx context.Context, accessToken, refreshToken string) (Identity, string, error) {
	id, err := v.Verify(ctx, accessToken)
	if err == nil {
		return id, accessToken, nil
	}
	if !errors.Is(err, ErrExpiredToken) || refreshToken == "" {
		return Identity{}, "", err
	}

	refreshed, err := v.idp.Refresh(ctx, refreshToken)
	if err != nil {
		return Identity{}, "", err
	}
	id, err = v.Verify(ctx, refreshed)
	if err != nil {
		return Identity{}, "", err
	}
	return id, refreshed, nil
}

func (v *Verifier) verify(ctx context.Context, accessToken string) (Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return Identity{}, fmt.Errorf("%w: missing expiry claim", ErrInvalidToken)
	}
	if !exp.Time.After(v.now()) {
		return Identity{}, ErrExpiredToken
	}

	if v.issuer != "" {
		iss, err := claims.GetIssuer()
		if err != nil || iss != v.issuer {
			return Identity{}, ErrInvalidIssuer
		}
	}
	if v.audience != "" {
		aud, err := claims.GetAudience()
		if err != nil || !containsAudience(aud, v.audience) {
			return Identity{}, ErrInvalidIssuer
		}
	}

	clientID, _ := claims["azp"].(string)
	if clientID == "" {
		if aud, err := claims.GetAudience(); err == nil && len(aud) > 0 {
			clientID = aud[0]
		}
	}

	info, err := v.idp.UserInfo(ctx, accessToken)
	if err != nil {
		return Identity{}, err
	}

	subject := stringClaim(info, v.usernameClaim)
	if subject == "" {
		subject = stringClaim(info, "sub")
	}
	if subject == "" {
		return Identity{}, fmt.Errorf("%w: userinfo lacks %q claim", ErrInvalidToken, v.usernameClaim)
	}

	id := Identity{
		Subject:   subject,
		ClientID:  clientID,
		Groups:    stringSliceClaim(info, "groups"),
		ExpiresAt: exp.Time,
	}
	v.cache.put(accessToken, id)
	return id, nil
}

func containsAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}

func stringClaim(claims map[string]any, name string) string {
	value, _ := claims[name].(string)
	return value
}

func stringSliceClaim(claims map[string]any, name string) []string {
	raw, ok := claims[name].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
