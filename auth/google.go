package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

const (
	// GoogleTokenURL is the OAuth 2.0 token endpoint for service accounts.
	GoogleTokenURL = "https://oauth2.googleapis.com/token"

	// GoogleStorageScope grants read/write access to Cloud Storage.
	GoogleStorageScope = "https://www.googleapis.com/auth/devstorage.read_write"

	// JWTBearerGrantType is the grant used to trade an assertion for a token.
	JWTBearerGrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	assertionLifetime = time.Hour
)

// ServiceAccount is the subset of a Google service-account key file we use.
type ServiceAccount struct {
	Type         string `json:"type"`
	ProjectID    string `json:"project_id"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	ClientEmail  string `json:"client_email"`
	TokenURI     string `json:"token_uri"`
}

// ParseServiceAccount decodes a service-account JSON key.
func ParseServiceAccount(data []byte) (*ServiceAccount, error) {
	var sa ServiceAccount
	if err := json.Unmarshal(data, &sa); err != nil {
		return nil, fmt.Errorf("%w: google: service account json: %v", ErrInvalidCredentials, err)
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" {
		return nil, fmt.Errorf("%w: google: client_email and private_key are required", ErrInvalidCredentials)
	}
	return &sa, nil
}

// GoogleJWTSource trades self-signed JWT assertions for access tokens. It
// does not cache; NewGoogleTokenSource wraps it in a reusing source.
type GoogleJWTSource struct {
	email    string
	keyID    string
	scope    string
	tokenURL string
	key      *rsa.PrivateKey
	client   *http.Client
	now      func() time.Time
}

// GoogleOption configures a GoogleJWTSource.
type GoogleOption func(*GoogleJWTSource)

// WithTokenURL overrides the token endpoint, which is also the JWT audience.
func WithTokenURL(u string) GoogleOption {
	return func(s *GoogleJWTSource) { s.tokenURL = u }
}

// WithGoogleHTTPClient sets the client used for the token exchange.
func WithGoogleHTTPClient(c *http.Client) GoogleOption {
	return func(s *GoogleJWTSource) { s.client = c }
}

// WithGoogleClock sets the clock used for iat/exp claims.
func WithGoogleClock(now func() time.Time) GoogleOption {
	return func(s *GoogleJWTSource) { s.now = now }
}

// NewGoogleJWTSource parses the private key. A key that can't be parsed is
// reported here, not on first use.
func NewGoogleJWTSource(sa *ServiceAccount, scope string, opts ...GoogleOption) (*GoogleJWTSource, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(sa.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("%w: google: private key: %v", ErrInvalidCredentials, err)
	}
	if scope == "" {
		scope = GoogleStorageScope
	}
	tokenURL := sa.TokenURI
	if tokenURL == "" {
		tokenURL = GoogleTokenURL
	}

	s := &GoogleJWTSource{
		email:    sa.ClientEmail,
		keyID:    sa.PrivateKeyID,
		scope:    scope,
		tokenURL: tokenURL,
		key:      key,
		client:   http.DefaultClient,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewGoogleTokenSource returns a caching source over a GoogleJWTSource.
func NewGoogleTokenSource(sa *ServiceAccount, scope string, opts ...GoogleOption) (oauth2.TokenSource, error) {
	src, err := NewGoogleJWTSource(sa, scope, opts...)
	if err != nil {
		return nil, err
	}
	return oauth2.ReuseTokenSourceWithExpiry(nil, src, RefreshAhead), nil
}

// Assertion builds and signs the JWT sent to the token endpoint.
func (s *GoogleJWTSource) Assertion() (string, error) {
	now := s.now()
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":   s.email,
		"scope": s.scope,
		"aud":   s.tokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(assertionLifetime).Unix(),
	})
	if s.keyID != "" {
		t.Header["kid"] = s.keyID
	}
	return t.SignedString(s.key)
}

// Token implements oauth2.TokenSource.
func (s *GoogleJWTSource) Token() (*oauth2.Token, error) {
	assertion, err := s.Assertion()
	if err != nil {
		return nil, fmt.Errorf("google: sign assertion: %w", err)
	}

	form := url.Values{
		"grant_type": {JWTBearerGrantType},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	issued := s.now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("google: token exchange: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("google: token exchange: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rerr := &oauth2.RetrieveError{Response: resp, Body: body}
		var payload struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		if json.Unmarshal(body, &payload) == nil {
			rerr.ErrorCode = payload.Error
			rerr.ErrorDescription = payload.ErrorDescription
		}
		return nil, rerr
	}

	var tr struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("google: token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("google: token response has no access_token")
	}

	tok := &oauth2.Token{AccessToken: tr.AccessToken, TokenType: tr.TokenType}
	if tr.ExpiresIn > 0 {
		tok.Expiry = issued.Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tok, nil
}

// NewGoogleBearer signs requests with tokens from a service account.
func NewGoogleBearer(sa *ServiceAccount, opts ...GoogleOption) (*Bearer, error) {
	src, err := NewGoogleTokenSource(sa, GoogleStorageScope, opts...)
	if err != nil {
		return nil, err
	}
	return NewBearer(src, nil), nil
}
