package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// Client talks to the identity provider's token and userinfo endpoints.
type Client struct {
	httpClient   *http.Client
	clientID     string
	clientSecret string
	tokenURL     string
	userInfoURL  string
	timeout      time.Duration
	retries      int
}

// ClientConfig carries the identity provider endpoints and credentials.
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	UserInfoURL  string
	Timeout      time.Duration
	Retries      int
}

// NewClient constructs an identity provider client. A nil httpClient falls
// back to a default client bounded by the configured timeout.
func NewClient(httpClient *http.Client, cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		httpClient:   httpClient,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		tokenURL:     cfg.TokenURL,
		userInfoURL:  cfg.UserInfoURL,
		timeout:      timeout,
		retries:      cfg.Retries,
	}
}

// WithClient returns a copy of the client bound to different OIDC client
// credentials. Endpoints and transport are shared.
func (c *Client) WithClient(clientID, clientSecret string) *Client {
	clone := *c
	clone.clientID = clientID
	clone.clientSecret = clientSecret
	return &clone
}

// Refresh exchanges a refresh token for a new access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (string, error) {
	data := url.Values{}
	data.Set("client_id", c.clientID)
	if c.clientSecret != "" {
		data.Set("client_secret", c.clientSecret)
	}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)

	var accessToken string
	err := c.do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(data.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode >= http.StatusInternalServerError:
			return retry.RetryableError(fmt.Errorf("token endpoint status %d", resp.StatusCode))
		default:
			// 4xx means the refresh token itself was rejected.
			return fmt.Errorf("%w: token endpoint status %d", ErrRefreshDenied, resp.StatusCode)
		}

		var tokenResponse struct {
			AccessToken string `json:"access_token"`
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, &tokenResponse); err != nil {
			return err
		}
		if tokenResponse.AccessToken == "" {
			return fmt.Errorf("%w: empty access token in response", ErrRefreshDenied)
		}
		accessToken = tokenResponse.AccessToken
		return nil
	})
	if err != nil {
		return "", err
	}
	return accessToken, nil
}

// UserInfo fetches the userinfo claims for a bearer token. A rejection by the
// identity provider means the token is not (or no longer) trustworthy.
func (c *Client) UserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	if accessToken == "" {
		return nil, fmt.Errorf("%w: empty access token", ErrInvalidToken)
	}

	var claims map[string]any
	err := c.do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userInfoURL, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode >= http.StatusInternalServerError:
			return retry.RetryableError(fmt.Errorf("userinfo status %d", resp.StatusCode))
		default:
			return fmt.Errorf("%w: userinfo status %d", ErrInvalidToken, resp.StatusCode)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &claims)
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// do runs fn with a bounded per-attempt timeout and bounded retries. The
// identity provider sits on every authentication path, so calls must never
// hang and must not be retried indefinitely.
func (c *Client) do(ctx context.Context, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(uint64(c.retries), retry.NewExponential(200*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return fn(attemptCtx)
	})
}
