package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
)

// ErrInvalidCredentials is returned when a key, secret or private key cannot
// be used. It is a configuration error and never comes from the network.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Signer mutates an outgoing request so the remote service accepts it.
type Signer interface {
	Sign(ctx context.Context, req *http.Request) error
}

// SignerFunc adapts a function to Signer.
type SignerFunc func(ctx context.Context, req *http.Request) error

// Sign calls f.
func (f SignerFunc) Sign(ctx context.Context, req *http.Request) error {
	return f(ctx, req)
}

// Transport signs every request before handing it to Base.
type Transport struct {
	Signer Signer
	Base   http.RoundTripper
}

// RoundTrip implements http.RoundTripper. The caller's request is left
// untouched; a clone is signed and sent.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	signed := req.Clone(req.Context())
	if err := t.Signer.Sign(req.Context(), signed); err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, err
	}
	return t.base().RoundTrip(signed)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// NewClient returns an *http.Client whose requests are signed by s.
func NewClient(s Signer, base http.RoundTripper) *http.Client {
	return &http.Client{Transport: &Transport{Signer: s, Base: base}}
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func hexSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
