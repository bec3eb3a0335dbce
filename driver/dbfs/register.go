package dbfs

import (
	"context"

	"github.com/gobeaver/storagekit"
	"github.com/gobeaver/storagekit/auth"
	"github.com/gobeaver/storagekit/internal/httpx"
)

// Connection string: databricks://host=https://adb-123.azuredatabricks.net;token=dapi...
func init() {
	storagekit.Register("databricks", func(_ context.Context, cs *storagekit.ConnectionString, o *storagekit.OpenOptions) (storagekit.Storage, error) {
		host, err := cs.Required("host")
		if err != nil {
			return nil, err
		}
		token, err := cs.Required("token")
		if err != nil {
			return nil, err
		}
		bearer, err := auth.NewStaticBearer(token)
		if err != nil {
			return nil, err
		}

		policy := httpx.DefaultRetryPolicy
		policy.MaxRetries = o.HTTPRetries
		client, err := httpx.NewClient(host,
			httpx.WithHTTPClient(o.HTTPClient),
			httpx.WithSigner(bearer),
			httpx.WithRetryPolicy(policy),
			httpx.WithLogger(o.Logger),
			httpx.WithMetrics(o.Metrics, "databricks"),
		)
		if err != nil {
			return nil, err
		}
		return New(client, WithLogger(o.Logger)), nil
	})
}
