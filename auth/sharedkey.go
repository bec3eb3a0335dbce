package auth

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultAzureVersion is sent as x-ms-version when the request has none.
const DefaultAzureVersion = "2023-11-03"

// SharedKey signs Azure Storage requests with the account key.
type SharedKey struct {
	account string
	key     []byte
	version string
	now     func() time.Time
}

// SharedKeyOption configures a SharedKey signer.
type SharedKeyOption func(*SharedKey)

// WithAzureVersion overrides the storage service version header.
func WithAzureVersion(version string) SharedKeyOption {
	return func(s *SharedKey) { s.version = version }
}

// WithSharedKeyClock sets the clock used for x-ms-date.
func WithSharedKeyClock(now func() time.Time) SharedKeyOption {
	return func(s *SharedKey) { s.now = now }
}

// NewSharedKey decodes the base64 account key.
func NewSharedKey(account, accountKey string, opts ...SharedKeyOption) (*SharedKey, error) {
	if account == "" {
		return nil, fmt.Errorf("%w: shared key: account name is required", ErrInvalidCredentials)
	}
	key, err := base64.StdEncoding.DecodeString(accountKey)
	if err != nil {
		return nil, fmt.Errorf("%w: shared key: account key is not base64: %v", ErrInvalidCredentials, err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: shared key: account key is empty", ErrInvalidCredentials)
	}

	s := &SharedKey{
		account: account,
		key:     key,
		version: DefaultAzureVersion,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Account returns the storage account name.
func (s *SharedKey) Account() string { return s.account }

// Sign implements Signer.
func (s *SharedKey) Sign(ctx context.Context, req *http.Request) error {
	req.Header.Set("x-ms-date", s.now().UTC().Format(http.TimeFormat))
	if req.Header.Get("x-ms-version") == "" {
		req.Header.Set("x-ms-version", s.version)
	}

	signature := base64.StdEncoding.EncodeToString(hmacSHA256(s.key, []byte(s.stringToSign(req))))
	req.Header.Set("Authorization", "SharedKey "+s.account+":"+signature)
	return nil
}

func (s *SharedKey) stringToSign(req *http.Request) string {
	h := req.Header

	contentLength := h.Get("Content-Length")
	if contentLength == "" && req.ContentLength > 0 {
		contentLength = strconv.FormatInt(req.ContentLength, 10)
	}
	if contentLength == "0" {
		contentLength = ""
	}

	return strings.Join([]string{
		req.Method,
		h.Get("Content-Encoding"),
		h.Get("Content-Language"),
		contentLength,
		h.Get("Content-MD5"),
		h.Get("Content-Type"),
		"", // x-ms-date is always set, so Date stays empty
		h.Get("If-Modified-Since"),
		h.Get("If-Match"),
		h.Get("If-None-Match"),
		h.Get("If-Unmodified-Since"),
		h.Get("Range"),
		canonicalizedHeaders(h),
		s.canonicalizedResource(req.URL),
	}, "\n")
}

func canonicalizedHeaders(h http.Header) string {
	values := make(map[string]string)
	for name, vs := range h {
		lower := strings.ToLower(strings.TrimSpace(name))
		if strings.HasPrefix(lower, "x-ms-") {
			values[lower] = strings.Join(vs, ",")
		}
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, len(names))
	for i, name := range names {
		lines[i] = name + ":" + values[name]
	}
	return strings.Join(lines, "\n")
}

func (s *SharedKey) canonicalizedResource(u *url.URL) string {
	var b strings.Builder
	b.WriteString("/")
	b.WriteString(s.account)
	if u.Path != "" {
		b.WriteString(u.EscapedPath())
	} else {
		b.WriteString("/")
	}

	query, _ := url.ParseQuery(u.RawQuery)
	names := make([]string, 0, len(query))
	for name := range query {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		vs := query[name]
		sort.Strings(vs)
		b.WriteString("\n")
		b.WriteString(strings.ToLower(name))
		b.WriteString(":")
		b.WriteString(strings.Join(vs, ","))
	}
	return b.String()
}
