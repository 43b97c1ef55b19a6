package oidc_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgveil/pgveil/internal/oidc"
	_ "github.com/pgveil/pgveil/testing"
)

const issuer = "https://idp.example.com/realms/test"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func validClaims(expiry time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss": issuer,
		"aud": "pg-access",
		"azp": "pg-access",
		"sub": "internal-uuid",
		"exp": expiry.Unix(),
	}
}

type idpFixture struct {
	userInfoCalls atomic.Int64
	refreshCalls  atomic.Int64

	userInfoStatus int
	refreshStatus  int
	refreshedToken string
	lastRefreshed  atomic.Value
}

func (f *idpFixture) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		f.userInfoCalls.Add(1)
		if f.userInfoStatus != 0 {
			w.WriteHeader(f.userInfoStatus)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"sub":                "internal-uuid",
			"preferred_username": "michael",
			"groups":             []string{"finance", "engineering"},
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		f.refreshCalls.Add(1)
		require.NoError(t, r.ParseForm())
		f.lastRefreshed.Store(r.PostFormValue("client_id"))
		if f.refreshStatus != 0 {
			w.WriteHeader(f.refreshStatus)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": f.refreshedToken})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newVerifier(t *testing.T, fixture *idpFixture) *oidc.Verifier {
	t.Helper()
	server := fixture.server(t)
	idp := oidc.NewClient(server.Client(), oidc.ClientConfig{
		ClientID:    "pg-access",
		TokenURL:    server.URL + "/token",
		UserInfoURL: server.URL + "/userinfo",
		Timeout:     time.Second,
	})
	return oidc.NewVerifier(idp, oidc.VerifierConfig{
		Issuer:   issuer,
		Audience: "pg-access",
	})
}

func TestVerifyValidToken(t *testing.T) {
	fixture := &idpFixture{}
	verifier := newVerifier(t, fixture)
	token := signToken(t, validClaims(time.Now().Add(time.Hour)))

	id, err := verifier.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "michael", id.Subject)
	assert.Equal(t, "pg-access", id.ClientID)
	assert.Equal(t, []string{"finance", "engineering"}, id.Groups)
	assert.True(t, id.HasGroup("finance"))
	assert.False(t, id.HasGroup("pgadmin"))
}

func TestVerifyCachesUntilExpiry(t *testing.T) {
	fixture := &idpFixture{}
	verifier := newVerifier(t, fixture)
	token := signToken(t, validClaims(time.Now().Add(time.Hour)))

	_, err := verifier.Verify(context.Background(), token)
	require.NoError(t, err)
	_, err = verifier.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, int64(1), fixture.userInfoCalls.Load())
}

func TestVerifyExpiredToken(t *testing.T) {
	fixture := &idpFixture{}
	verifier := newVerifier(t, fixture)
	token := signToken(t, validClaims(time.Now().Add(-time.Minute)))

	_, err := verifier.Verify(context.Background(), token)
	require.ErrorIs(t, err, oidc.ErrExpiredToken)
	assert.Zero(t, fixture.userInfoCalls.Load())
}

func TestVerifyWrongIssuer(t *testing.T) {
	fixture := &idpFixture{}
	verifier := newVerifier(t, fixture)
	claims := validClaims(time.Now().Add(time.Hour))
	claims["iss"] = "https://evil.example.com"
	token := signToken(t, claims)

	_, err := verifier.Verify(context.Background(), token)
	require.ErrorIs(t, err, oidc.ErrInvalidIssuer)
}

func TestVerifyUserInfoRejection(t *testing.T) {
	fixture := &idpFixture{userInfoStatus: http.StatusUnauthorized}
	verifier := newVerifier(t, fixture)
	token := signToken(t, validClaims(time.Now().Add(time.Hour)))

	_, err := verifier.Verify(context.Background(), token)
	require.ErrorIs(t, err, oidc.ErrInvalidToken)
}

func TestVerifyOrRefreshReplacesExpiredToken(t *testing.T) {
	fixture := &idpFixture{}
	fixture.refreshedToken = signToken(t, validClaims(time.Now().Add(time.Hour)))
	verifier := newVerifier(t, fixture)
	expired := signToken(t, validClaims(time.Now().Add(-time.Minute)))

	id, effective, err := verifier.VerifyOrRefresh(context.Background(), expired, "refresh-token")
	require.NoError(t, err)
	assert.Equal(t, "michael", id.Subject)
	assert.Equal(t, fixture.refreshedToken, effective)
	assert.Equal(t, int64(1), fixture.refreshCalls.Load())
	assert.Equal(t, "pg-access", fixture.lastRefreshed.Load())
}

func TestVerifyOrRefreshDenied(t *testing.T) {
	fixture := &idpFixture{refreshStatus: http.StatusBadRequest}
	verifier := newVerifier(t, fixture)
	expired := signToken(t, validClaims(time.Now().Add(-time.Minute)))

	_, _, err := verifier.VerifyOrRefresh(context.Background(), expired, "refresh-token")
	require.ErrorIs(t, err, oidc.ErrRefreshDenied)
}

func TestVerifyOrRefreshWithoutRefreshToken(t *testing.T) {
	fixture := &idpFixture{}
	verifier := newVerifier(t, fixture)
	expired := signToken(t, validClaims(time.Now().Add(-time.Minute)))

	_, _, err := verifier.VerifyOrRefresh(context.Background(), expired, "")
	require.ErrorIs(t, err, oidc.ErrExpiredToken)
	assert.Zero(t, fixture.refreshCalls.Load())
}

func TestWithClientRebindsCredentials(t *testing.T) {
	fixture := &idpFixture{}
	fixture.refreshedToken = signToken(t, validClaims(time.Now().Add(time.Hour)))
	server := fixture.server(t)
	idp := oidc.NewClient(server.Client(), oidc.ClientConfig{
		ClientID:    "pg-access",
		TokenURL:    server.URL + "/token",
		UserInfoURL: server.URL + "/userinfo",
		Timeout:     time.Second,
	})

	_, err := idp.WithClient("reporting", "other-secret").Refresh(context.Background(), "refresh-token")
	require.NoError(t, err)
	assert.Equal(t, "reporting", fixture.lastRefreshed.Load())
}
