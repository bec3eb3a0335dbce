package gcs

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/gobeaver/storagekit"
	"github.com/gobeaver/storagekit/auth"
)

// Connection string:
//
//	google.storage://bucket=b;cred=<base64 service account json>[;endpoint=http://fake-gcs:4443/storage/v1/][;prefix=some/root]
//	google.storage://bucket=b;credFile=/etc/gcs/key.json
func init() {
	storagekit.Register("google.storage", createGCSStorage)
}

func createGCSStorage(ctx context.Context, cs *storagekit.ConnectionString, o *storagekit.OpenOptions) (storagekit.Storage, error) {
	bucket, err := cs.Required("bucket")
	if err != nil {
		return nil, err
	}
	sa, err := serviceAccount(cs)
	if err != nil {
		return nil, err
	}

	client, err := createGCSClient(ctx, cs, sa, o)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	opts := []AdapterOption{
		WithServiceAccount(sa),
		WithLogger(o.Logger),
	}
	if prefix, ok := cs.Get("prefix"); ok {
		opts = append(opts, WithPrefix(prefix))
	}
	return New(client, bucket, opts...), nil
}

func serviceAccount(cs *storagekit.ConnectionString) (*auth.ServiceAccount, error) {
	var raw []byte
	if cred, ok := cs.Base64("cred"); ok {
		b, err := base64.StdEncoding.DecodeString(cred)
		if err != nil {
			return nil, fmt.Errorf("%w: cred is not base64: %v", storagekit.ErrInvalidConnectionString, err)
		}
		raw = b
	} else if file, ok := cs.Get("credFile"); ok {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("%w: credFile: %v", storagekit.ErrInvalidConnectionString, err)
		}
		raw = b
	} else {
		return nil, fmt.Errorf("%w: cred or credFile is required", storagekit.ErrInvalidConnectionString)
	}
	return auth.ParseServiceAccount(raw)
}

// createGCSClient builds a client whose requests carry a bearer token minted
// from the service account.
func createGCSClient(ctx context.Context, cs *storagekit.ConnectionString, sa *auth.ServiceAccount, o *storagekit.OpenOptions) (*storage.Client, error) {
	bearer, err := auth.NewGoogleBearer(sa, auth.WithGoogleHTTPClient(o.HTTPClient))
	if err != nil {
		return nil, err
	}

	base := o.HTTPClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	httpClient := auth.NewClient(bearer, &observedTransport{base: base, metrics: o.Metrics})

	clientOpts := []option.ClientOption{
		option.WithHTTPClient(httpClient),
		storage.WithJSONReads(),
	}
	if endpoint, ok := cs.Get("endpoint"); ok {
		clientOpts = append(clientOpts, option.WithEndpoint(endpoint))
	}
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, err
	}
	client.SetRetry(storage.WithMaxAttempts(o.HTTPRetries + 1))
	return client, nil
}

// observedTransport counts responses in the request metrics.
type observedTransport struct {
	base    http.RoundTripper
	metrics *storagekit.Metrics
}

func (t *observedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err == nil {
		t.metrics.ObserveRequest("google.storage", req.Method, resp.StatusCode)
	}
	return resp, err
}
