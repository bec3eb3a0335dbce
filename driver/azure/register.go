package azure

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"golang.org/x/oauth2"

	"github.com/gobeaver/storagekit"
	"github.com/gobeaver/storagekit/auth"
)

// Connection strings:
//
//	az://account=acct;container=files;key=<base64 account key>
//	az://account=acct;container=files;tenantId=..;clientId=..;clientSecret=..
//
// Optional: endpoint (defaults to https://<account>.blob.core.windows.net/),
// prefix, authorityHost and createContainer=true.
func init() {
	storagekit.Register("az", createAzureStorage)
}

func createAzureStorage(ctx context.Context, cs *storagekit.ConnectionString, o *storagekit.OpenOptions) (storagekit.Storage, error) {
	account, err := cs.Required("account")
	if err != nil {
		return nil, err
	}
	containerName, err := cs.Required("container")
	if err != nil {
		return nil, err
	}
	createContainer, err := cs.Bool("createContainer", false)
	if err != nil {
		return nil, err
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", account)
	if endpoint, ok := cs.Get("endpoint"); ok && endpoint != "" {
		serviceURL = strings.TrimRight(endpoint, "/") + "/"
	}

	var signer auth.Signer
	var options []AdapterOption
	if key, ok := cs.Base64("key"); ok {
		sharedKey, err := auth.NewSharedKey(account, key)
		if err != nil {
			return nil, err
		}
		cred, err := azblob.NewSharedKeyCredential(account, key)
		if err != nil {
			return nil, fmt.Errorf("failed to create azure credential: %w", err)
		}
		signer = sharedKey
		options = append(options, WithSharedKeyCredential(cred))
	} else {
		creds := auth.AzureClientCredentials{}
		creds.TenantID, _ = cs.Get("tenantId")
		creds.ClientID, _ = cs.Get("clientId")
		creds.ClientSecret, _ = cs.Get("clientSecret")
		creds.AuthorityHost, _ = cs.Get("authorityHost")

		// The token source outlives this call, so it must not inherit its
		// cancellation.
		tokenCtx := context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, o.HTTPClient)
		signer, err = auth.NewAzureBearer(tokenCtx, creds)
		if err != nil {
			return nil, err
		}
	}

	client, err := NewClient(serviceURL, signer, o.HTTPClient, o.HTTPRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure client: %w", err)
	}

	options = append(options, WithLogger(o.Logger))
	if prefix, ok := cs.Get("prefix"); ok {
		options = append(options, WithPrefix(prefix))
	}
	adapter := New(client, containerName, options...)
	if createContainer {
		if err := adapter.EnsureContainer(ctx); err != nil {
			return nil, err
		}
	}
	return adapter, nil
}
