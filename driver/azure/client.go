package azure

import (
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/gobeaver/storagekit/auth"
)

// signingPolicy signs every attempt with an auth.Signer. It runs per retry,
// so each resend gets a fresh x-ms-date.
type signingPolicy struct {
	signer auth.Signer
}

func (p signingPolicy) Do(req *policy.Request) (*http.Response, error) {
	raw := req.Raw()
	if err := p.signer.Sign(raw.Context(), raw); err != nil {
		return nil, err
	}
	return req.Next()
}

// NewClient returns an azblob client for serviceURL whose requests are signed
// by signer instead of an SDK credential. retries of zero or less disables
// the SDK retry policy.
func NewClient(serviceURL string, signer auth.Signer, httpClient *http.Client, retries int) (*azblob.Client, error) {
	maxRetries := int32(retries) //nolint:gosec // small configured value
	if retries <= 0 {
		maxRetries = -1
	}
	opts := &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			PerRetryPolicies: []policy.Policy{signingPolicy{signer: signer}},
			Retry:            policy.RetryOptions{MaxRetries: maxRetries},
		},
	}
	if httpClient != nil {
		opts.Transport = httpClient
	}
	return azblob.NewClientWithNoCredential(serviceURL, opts)
}
