package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// RefreshAhead is how long before expiry a cached token is replaced.
const RefreshAhead = time.Minute

// Bearer attaches "Authorization: Bearer <token>" from a token source, plus
// any fixed headers the service requires.
type Bearer struct {
	source  oauth2.TokenSource
	headers map[string]string
}

// NewBearer returns a bearer signer. headers are added when the request
// doesn't already carry them.
func NewBearer(source oauth2.TokenSource, headers map[string]string) *Bearer {
	return &Bearer{source: source, headers: headers}
}

// NewStaticBearer signs with a fixed token, such as a personal access token.
func NewStaticBearer(token string) (*Bearer, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: bearer: token is required", ErrInvalidCredentials)
	}
	return NewBearer(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}), nil), nil
}

// Sign implements Signer.
func (b *Bearer) Sign(ctx context.Context, req *http.Request) error {
	tok, err := b.source.Token()
	if err != nil {
		return fmt.Errorf("bearer: obtain token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	for k, v := range b.headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	return nil
}

// ============================================================================
// Azure service principal
// ============================================================================

const (
	// AzureAuthorityHost is the public cloud identity provider.
	AzureAuthorityHost = "https://login.microsoftonline.com"

	// AzureStorageScope requests a token for Azure Storage.
	AzureStorageScope = "https://storage.azure.com/.default"
)

// AzureClientCredentials exchanges a service principal's secret for storage
// tokens.
type AzureClientCredentials struct {
	TenantID      string
	ClientID      string
	ClientSecret  string
	AuthorityHost string
	Scope         string
}

// TokenURL is the v2 token endpoint for the tenant.
func (c AzureClientCredentials) TokenURL() string {
	host := c.AuthorityHost
	if host == "" {
		host = AzureAuthorityHost
	}
	return strings.TrimRight(host, "/") + "/" + c.TenantID + "/oauth2/v2.0/token"
}

// TokenSource validates the credentials and returns a caching token source.
// ctx is used for every token request and must outlive the source; an
// *http.Client stored under oauth2.HTTPClient is honoured.
func (c AzureClientCredentials) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	if c.TenantID == "" || c.ClientID == "" || c.ClientSecret == "" {
		return nil, fmt.Errorf("%w: azure: tenant id, client id and client secret are required", ErrInvalidCredentials)
	}
	scope := c.Scope
	if scope == "" {
		scope = AzureStorageScope
	}

	cfg := &clientcredentials.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     c.TokenURL(),
		Scopes:       []string{scope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	fetch := tokenFunc(func() (*oauth2.Token, error) {
		return cfg.Token(ctx)
	})
	return oauth2.ReuseTokenSourceWithExpiry(nil, fetch, RefreshAhead), nil
}

// NewAzureBearer signs storage requests for a service principal. Besides the
// token it stamps x-ms-date and x-ms-version.
func NewAzureBearer(ctx context.Context, c AzureClientCredentials) (Signer, error) {
	src, err := c.TokenSource(ctx)
	if err != nil {
		return nil, err
	}
	b := NewBearer(src, map[string]string{"x-ms-version": DefaultAzureVersion})
	return SignerFunc(func(ctx context.Context, req *http.Request) error {
		req.Header.Set("x-ms-date", time.Now().UTC().Format(http.TimeFormat))
		return b.Sign(ctx, req)
	}), nil
}

type tokenFunc func() (*oauth2.Token, error)

func (f tokenFunc) Token() (*oauth2.Token, error) { return f() }
