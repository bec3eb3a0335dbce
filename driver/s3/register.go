package s3

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/gobeaver/storagekit"
	"github.com/gobeaver/storagekit/auth"
)

// Connection string:
//
//	s3://bucket=b;region=eu-west-1;keyId=AKIA...;key=secret[;sessionToken=..][;endpoint=http://minio:9000][;pathStyle=true][;partSize=8388608][;prefix=some/root]
//
// Without keyId and key the credentials come from the default AWS chain
// (environment, shared config, instance role).
func init() {
	storagekit.Register("s3", createS3Storage)
}

func createS3Storage(ctx context.Context, cs *storagekit.ConnectionString, o *storagekit.OpenOptions) (storagekit.Storage, error) {
	bucket, err := cs.Required("bucket")
	if err != nil {
		return nil, err
	}
	partSize, err := cs.Int64("partSize", DefaultPartSize)
	if err != nil {
		return nil, err
	}
	if partSize < MinPartSize {
		return nil, fmt.Errorf("%w: partSize must be at least %d", storagekit.ErrInvalidConnectionString, MinPartSize)
	}

	client, err := createS3Client(ctx, cs, o)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	opts := []AdapterOption{
		WithPartSize(int(partSize)),
		WithLogger(o.Logger),
	}
	if prefix, ok := cs.Get("prefix"); ok {
		opts = append(opts, WithPrefix(prefix))
	}
	return New(client, bucket, opts...), nil
}

// createS3Client builds a client whose requests are signed by auth.SigV4.
func createS3Client(ctx context.Context, cs *storagekit.ConnectionString, o *storagekit.OpenOptions) (*s3.Client, error) {
	region, err := cs.Required("region")
	if err != nil {
		return nil, err
	}
	pathStyle, err := cs.Bool("pathStyle", false)
	if err != nil {
		return nil, err
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithHTTPClient(o.HTTPClient),
		awsconfig.WithRetryMaxAttempts(o.HTTPRetries + 1),
	}
	keyID, _ := cs.Get("keyId")
	secret, _ := cs.Get("key")
	if keyID != "" || secret != "" {
		token, _ := cs.Get("sessionToken")
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(keyID, secret, token),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}
	signer, err := auth.NewSigV4(auth.Credentials{
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretAccessKey,
		SessionToken:    creds.SessionToken,
	}, region)
	if err != nil {
		return nil, err
	}

	endpoint, _ := cs.Get("endpoint")
	return s3.NewFromConfig(awsCfg, func(so *s3.Options) {
		if endpoint != "" {
			so.BaseEndpoint = aws.String(endpoint)
		}
		so.UsePathStyle = pathStyle
		so.HTTPSignerV4 = signer
		so.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		so.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	}), nil
}
