package s3i

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultIdPURL is the token endpoint of the S3I identity provider.
const DefaultIdPURL = "https://idp.s3i.vswf.dev/auth/realms/KWH/protocol/openid-connect/token"

// expirySkew renews tokens slightly before they actually expire.
const expirySkew = 10 * time.Second

// Token is an access token with its refresh token.
type Token struct {
	Scheme           string
	Access           string
	ExpiresAt        time.Time
	Refresh          string
	RefreshExpiresAt time.Time
}

// Header returns the Authorization header value.
func (t *Token) Header() string {
	scheme := t.Scheme
	if scheme == "" {
		scheme = "Bearer"
	}
	return scheme + " " + t.Access
}

func (t *Token) valid(now time.Time) bool {
	return t != nil && t.Access != "" && now.Add(expirySkew).Before(t.ExpiresAt)
}

func (t *Token) refreshable(now time.Time) bool {
	return t != nil && t.Refresh != "" && now.Add(expirySkew).Before(t.RefreshExpiresAt)
}

// TokenSource hands out a currently valid token.
type TokenSource interface {
	Token(ctx context.Context) (*Token, error)
}

// Credentials identify a thing at the identity provider.
// Username and Password switch to the password grant.
type Credentials struct {
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
}

// Authenticator obtains and refreshes tokens from the S3I identity provider.
type Authenticator struct {
	creds  Credentials
	idpURL string
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	token *Token
}

// NewAuthenticator creates an Authenticator. An empty idpURL selects DefaultIdPURL.
func NewAuthenticator(creds Credentials, idpURL string, client *http.Client, logger *slog.Logger) *Authenticator {
	if idpURL == "" {
		idpURL = DefaultIdPURL
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{creds: creds, idpURL: idpURL, client: client, logger: logger, now: time.Now}
}

// Token returns the cached token, refreshes it, or requests a new one.
func (a *Authenticator) Token(ctx context.Context) (*Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	switch {
	case a.token.valid(now):
		return a.token, nil
	case a.token.refreshable(now):
		a.logger.Debug("s3i: access token expired, refreshing")
		tok, err := a.request(ctx, url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {a.token.Refresh},
			"client_id":     {a.creds.ClientID},
			"client_secret": {a.creds.ClientSecret},
		})
		if err == nil {
			a.token = tok
			return tok, nil
		}
		a.logger.Warn("s3i: token refresh failed, requesting new token", slog.String("error", err.Error()))
	}

	tok, err := a.request(ctx, a.grant())
	if err != nil {
		a.token = nil
		return nil, err
	}
	a.token = tok
	a.logger.Debug("s3i: token obtained", slog.Time("expires_at", tok.ExpiresAt))
	return tok, nil
}

func (a *Authenticator) grant() url.Values {
	v := url.Values{
		"client_id":     {a.creds.ClientID},
		"client_secret": {a.creds.ClientSecret},
	}
	if a.creds.Username != "" && a.creds.Password != "" {
		v.Set("grant_type", "password")
		v.Set("username", a.creds.Username)
		v.Set("password", a.creds.Password)
	} else {
		v.Set("grant_type", "client_credentials")
	}
	return v
}

type tokenResponse struct {
	TokenType        string `json:"token_type"`
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshToken     string `json:"refresh_token"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
	Error            string `json:"error"`
}

func (a *Authenticator) request(ctx context.Context, form url.Values) (*Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.idpURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("s3i: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &Error{Op: "token request", Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{Op: "read token response", StatusCode: resp.StatusCode, Err: err}
	}

	var tr tokenResponse
	_ = json.Unmarshal(body, &tr)
	if resp.StatusCode >= http.StatusBadRequest {
		cause := ErrAuthentication
		if tr.Error == "invalid_client" {
			cause = ErrInvalidCredentials
		}
		return nil, &Error{Op: "token request", StatusCode: resp.StatusCode, Body: string(body), Err: cause}
	}
	if tr.AccessToken == "" {
		return nil, &Error{Op: "token request", StatusCode: resp.StatusCode, Body: "no access_token in response", Err: ErrAuthentication}
	}

	now := a.now()
	tok := &Token{
		Scheme:  tr.TokenType,
		Access:  tr.AccessToken,
		Refresh: tr.RefreshToken,
	}
	if tr.ExpiresIn > 0 {
		tok.ExpiresAt = now.Add(time.Duration(tr.ExpiresIn) * time.Second)
	} else {
		tok.ExpiresAt = jwtExpiry(tr.AccessToken, now)
	}
	if tr.RefreshExpiresIn > 0 {
		tok.RefreshExpiresAt = now.Add(time.Duration(tr.RefreshExpiresIn) * time.Second)
	}
	return tok, nil
}

// jwtExpiry reads the exp claim of an access token without verifying it;
// the token is only forwarded to the broker, which does the verification.
// Tokens without a readable exp are treated as valid for one minute.
func jwtExpiry(access string, now time.Time) time.Time {
	tok, _, err := jwt.NewParser().ParseUnverified(access, jwt.MapClaims{})
	if err == nil {
		if exp, err := tok.Claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return now.Add(time.Minute)
}
