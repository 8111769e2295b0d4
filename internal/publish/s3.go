package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// s3PartSize is the multipart part size used for large artifacts.
const s3PartSize = 16 << 20

// S3API is the subset of the S3 client the store uses: the calls the
// transfer manager needs plus HeadBucket for health checks. Mockable in
// tests.
type S3API interface {
	manager.UploadAPIClient
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Store publishes to Amazon S3 or an S3-compatible endpoint. Large
// artifacts are sent as multipart uploads by the transfer manager.
type S3Store struct {
	// Bucket is checked by HealthCheck.
	Bucket string
	// Region is the AWS region of the bucket.
	Region   string
	client   S3API
	uploader *manager.Uploader
}

// S3Options holds the connection settings for NewS3Store.
type S3Options struct {
	Bucket          string
	Region          string
	EndpointURL     string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Store builds an S3 client from the default credential chain, with
// optional static credentials, custom endpoint and path-style addressing,
// and verifies that the bucket is reachable.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))

	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if opts.EndpointURL != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.EndpointURL)
		})
	}
	if opts.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	store := NewS3StoreWithClient(opts.Bucket, opts.Region, s3.NewFromConfig(cfg, s3Opts...))
	if err := store.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access S3 bucket %q: %w", opts.Bucket, err)
	}

	slog.Info("S3 publish backend initialized", "bucket", opts.Bucket, "region", opts.Region, "endpoint", opts.EndpointURL)
	return store, nil
}

// NewS3StoreWithClient creates an S3Store around a pre-configured client.
// Used by tests with mock clients.
func NewS3StoreWithClient(bucket, region string, client S3API) *S3Store {
	return &S3Store{
		Bucket: bucket,
		Region: region,
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = s3PartSize
		}),
	}
}

// Put streams r to bucket/key.
func (s *S3Store) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String(contentType),
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return describeS3Error(err)
	}
	return nil
}

// HealthCheck verifies that the default bucket is accessible.
func (s *S3Store) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.Bucket),
	})
	if err != nil {
		return describeS3Error(err)
	}
	return nil
}

// describeS3Error prefixes the S3 error code so logs show e.g. AccessDenied
// or NoSuchBucket up front. The original error stays in the chain.
func describeS3Error(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("s3 %s: %w", apiErr.ErrorCode(), err)
	}
	return fmt.Errorf("s3: %w", err)
}

// Ensure S3Store implements BlobStore at compile time.
var _ BlobStore = (*S3Store)(nil)
