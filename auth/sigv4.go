package auth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

const (
	sigV4Algorithm = "AWS4-HMAC-SHA256"
	amzDateFormat  = "20060102T150405Z"
	amzShortDate   = "20060102"

	// EmptyPayloadHash is hex(SHA-256("")).
	EmptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	// UnsignedPayload opts the body out of the signature.
	UnsignedPayload = "UNSIGNED-PAYLOAD"

	headerAmzDate          = "X-Amz-Date"
	headerAmzContentSHA256 = "X-Amz-Content-Sha256"
	headerAmzSecurityToken = "X-Amz-Security-Token"
)

// Credentials is an AWS access key pair.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// SigV4 signs requests with AWS Signature Version 4.
type SigV4 struct {
	creds   Credentials
	region  string
	service string
	now     func() time.Time
}

// SigV4Option configures a SigV4 signer.
type SigV4Option func(*SigV4)

// WithService overrides the signing service name, "s3" by default.
func WithService(service string) SigV4Option {
	return func(s *SigV4) { s.service = service }
}

// WithSigningClock sets the clock used for the request timestamp.
func WithSigningClock(now func() time.Time) SigV4Option {
	return func(s *SigV4) { s.now = now }
}

// NewSigV4 validates the key pair and returns a signer for region.
func NewSigV4(creds Credentials, region string, opts ...SigV4Option) (*SigV4, error) {
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return nil, fmt.Errorf("%w: sigv4: access key id and secret are required", ErrInvalidCredentials)
	}
	if region == "" {
		return nil, fmt.Errorf("%w: sigv4: region is required", ErrInvalidCredentials)
	}
	s := &SigV4{
		creds:   creds,
		region:  region,
		service: "s3",
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sign implements Signer. The payload hash is taken from an existing
// X-Amz-Content-Sha256 header, otherwise computed from the body.
func (s *SigV4) Sign(ctx context.Context, req *http.Request) error {
	hash, err := payloadHash(req)
	if err != nil {
		return fmt.Errorf("sigv4: hash payload: %w", err)
	}
	return s.sign(req, s.creds, hash, s.service, s.region, s.now())
}

// SignHTTP lets the S3 client use this signer in place of its own. The
// client resolves credentials and the payload hash, we build the signature.
func (s *SigV4) SignHTTP(ctx context.Context, credentials aws.Credentials, r *http.Request, payloadHash string, service string, region string, signingTime time.Time, optFns ...func(*v4.SignerOptions)) error {
	creds := Credentials{
		AccessKeyID:     credentials.AccessKeyID,
		SecretAccessKey: credentials.SecretAccessKey,
		SessionToken:    credentials.SessionToken,
	}
	if creds.AccessKeyID == "" {
		creds = s.creds
	}
	if region == "" {
		region = s.region
	}
	return s.sign(r, creds, payloadHash, service, region, signingTime)
}

func (s *SigV4) sign(req *http.Request, creds Credentials, payloadHash, service, region string, t time.Time) error {
	t = t.UTC()
	amzDate := t.Format(amzDateFormat)
	date := t.Format(amzShortDate)

	req.Header.Set(headerAmzDate, amzDate)
	if req.Header.Get(headerAmzContentSHA256) == "" {
		req.Header.Set(headerAmzContentSHA256, payloadHash)
	}
	if creds.SessionToken != "" {
		req.Header.Set(headerAmzSecurityToken, creds.SessionToken)
	}

	canonical, signedHeaders := canonicalRequest(req, payloadHash)
	scope := strings.Join([]string{date, region, service, "aws4_request"}, "/")
	stringToSign := strings.Join([]string{sigV4Algorithm, amzDate, scope, hexSHA256([]byte(canonical))}, "\n")

	key := deriveSigningKey(creds.SecretAccessKey, date, region, service)
	signature := fmt.Sprintf("%x", hmacSHA256(key, []byte(stringToSign)))

	req.Header.Set("Authorization", fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		sigV4Algorithm, creds.AccessKeyID, scope, signedHeaders, signature))
	return nil
}

func deriveSigningKey(secret, date, region, service string) []byte {
	k := hmacSHA256([]byte("AWS4"+secret), []byte(date))
	k = hmacSHA256(k, []byte(region))
	k = hmacSHA256(k, []byte(service))
	return hmacSHA256(k, []byte("aws4_request"))
}

// canonicalRequest returns the canonical request string and the signed
// header list.
func canonicalRequest(req *http.Request, payloadHash string) (string, string) {
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}

	values := map[string]string{"host": host}
	for name, vs := range req.Header {
		lower := strings.ToLower(name)
		if !signedHeader(lower) {
			continue
		}
		trimmed := make([]string, len(vs))
		for i, v := range vs {
			trimmed[i] = strings.Join(strings.Fields(v), " ")
		}
		values[lower] = strings.Join(trimmed, ",")
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	var headers strings.Builder
	for _, name := range names {
		headers.WriteString(name)
		headers.WriteByte(':')
		headers.WriteString(values[name])
		headers.WriteByte('\n')
	}
	signed := strings.Join(names, ";")

	canonical := strings.Join([]string{
		req.Method,
		canonicalURI(req.URL),
		canonicalQuery(req.URL),
		headers.String(),
		signed,
		payloadHash,
	}, "\n")
	return canonical, signed
}

func signedHeader(lower string) bool {
	switch lower {
	case "content-type", "date", "range":
		return true
	}
	return strings.HasPrefix(lower, "x-amz-")
}

func canonicalURI(u *url.URL) string {
	if u.Path == "" {
		return "/"
	}
	return uriEncode(u.Path, false)
}

func canonicalQuery(u *url.URL) string {
	if u.RawQuery == "" {
		return ""
	}
	query, _ := url.ParseQuery(u.RawQuery)

	type pair struct{ key, value string }
	pairs := make([]pair, 0, len(query))
	for key, vs := range query {
		ek := uriEncode(key, true)
		for _, v := range vs {
			pairs = append(pairs, pair{ek, uriEncode(v, true)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].key != pairs[j].key {
			return pairs[i].key < pairs[j].key
		}
		return pairs[i].value < pairs[j].value
	})

	encoded := make([]string, len(pairs))
	for i, p := range pairs {
		encoded[i] = p.key + "=" + p.value
	}
	return strings.Join(encoded, "&")
}

// uriEncode percent-encodes everything outside the unreserved set, with
// upper-case hex digits.
func uriEncode(s string, encodeSlash bool) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9',
			c == '-', c == '_', c == '.', c == '~':
			b.WriteByte(c)
		case c == '/' && !encodeSlash:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func payloadHash(req *http.Request) (string, error) {
	if h := req.Header.Get(headerAmzContentSHA256); h != "" {
		return h, nil
	}
	if req.Body == nil || req.Body == http.NoBody {
		return EmptyPayloadHash, nil
	}
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return "", err
		}
		defer body.Close()
		data, err := io.ReadAll(body)
		if err != nil {
			return "", err
		}
		return hexSHA256(data), nil
	}

	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return "", err
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return hexSHA256(data), nil
}
