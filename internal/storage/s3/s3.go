// Package s3 implements the object store on an S3-compatible bucket
// (AWS, MinIO, Ceph RGW) with aws-sdk-go-v2.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/fruitsalade/bucketfs/internal/logging"
	"github.com/fruitsalade/bucketfs/internal/models"
	"github.com/fruitsalade/bucketfs/internal/retry"
	"github.com/fruitsalade/bucketfs/internal/storage"
)

// Config holds S3 connection settings.
type Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"-"`
	SecretKey string `yaml:"-"`
	Region    string `yaml:"region"`
	PathStyle bool   `yaml:"path_style"`
}

// Store implements storage.ObjectStore using S3.
type Store struct {
	client *s3.Client
	bucket string
	retry  retry.Policy
}

// New creates a Store and checks that the bucket is reachable.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		// Retries are done by internal/retry.
		o.RetryMaxAttempts = 1
	})

	store := &Store{
		client: client,
		bucket: cfg.Bucket,
		retry:  retry.DefaultPolicy(),
	}

	if err := store.checkBucket(ctx); err != nil {
		return nil, err
	}

	logging.Info("connected to bucket",
		logging.String("bucket", cfg.Bucket),
		logging.String("endpoint", cfg.Endpoint),
		logging.String("region", cfg.Region))
	return store, nil
}

func (s *Store) checkBucket(ctx context.Context) error {
	err := retry.Do(ctx, s.retry, "head_bucket", func() error {
		_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
			Bucket: aws.String(s.bucket),
		})
		return classify(err)
	})
	if err != nil {
		return fmt.Errorf("bucket %s is not accessible: %w", s.bucket, err)
	}
	return nil
}

// List returns the common prefixes and objects directly under prefix,
// following continuation tokens until the listing is complete.
func (s *Store) List(ctx context.Context, prefix, delimiter string) (*storage.Listing, error) {
	listing, err := retry.Value(ctx, s.retry, "list", func() (*storage.Listing, error) {
		listing := &storage.Listing{}
		input := &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(prefix),
		}
		if delimiter != "" {
			input.Delimiter = aws.String(delimiter)
		}

		paginator := s3.NewListObjectsV2Paginator(s.client, input)
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return nil, classify(err)
			}
			for _, cp := range page.CommonPrefixes {
				listing.CommonPrefixes = append(listing.CommonPrefixes, aws.ToString(cp.Prefix))
			}
			for _, obj := range page.Contents {
				listing.Entries = append(listing.Entries, storage.Entry{
					Key:          aws.ToString(obj.Key),
					Size:         aws.ToInt64(obj.Size),
					LastModified: aws.ToTime(obj.LastModified),
				})
			}
		}
		return listing, nil
	})
	if err != nil {
		return nil, models.NewObjectStoreError("list", prefix, err)
	}
	return listing, nil
}

// Get streams the object into dst. Only the request itself is retried;
// once bytes reach dst a failure is returned as is.
func (s *Store) Get(ctx context.Context, key string, dst io.Writer) (int64, error) {
	out, err := retry.Value(ctx, s.retry, "get", func() (*s3.GetObjectOutput, error) {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		return out, classify(err)
	})
	if err != nil {
		if isNotFound(err) {
			return 0, models.NewObjectStoreError("get", key, fmt.Errorf("%w: %v", storage.ErrNoSuchKey, err))
		}
		return 0, models.NewObjectStoreError("get", key, err)
	}
	defer out.Body.Close()

	n, err := io.Copy(dst, out.Body)
	if err != nil {
		return n, models.NewObjectStoreError("get", key, fmt.Errorf("read body: %w", err))
	}
	return n, nil
}

// Put uploads body. Retries are attempted only when body can be rewound.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	seeker, rewindable := body.(io.Seeker)
	policy := s.retry
	if !rewindable {
		policy = policy.Once()
	}

	attempt := 0
	err := retry.Do(ctx, policy, "put", func() error {
		attempt++
		if attempt > 1 {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("rewind body: %w", err)
			}
		}
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			Body:          body,
			ContentLength: aws.Int64(size),
		})
		return classify(err)
	})
	if err != nil {
		return models.NewObjectStoreError("put", key, err)
	}
	return nil
}

// Delete removes key. S3 reports success for missing keys.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := retry.Do(ctx, s.retry, "delete", func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		return classify(err)
	})
	if err != nil {
		return models.NewObjectStoreError("delete", key, err)
	}
	return nil
}

// Type returns "s3".
func (s *Store) Type() string { return "s3" }

var retryableCodes = map[string]bool{
	"SlowDown":            true,
	"Throttling":          true,
	"ThrottlingException": true,
	"RequestTimeout":      true,
	"InternalError":       true,
	"ServiceUnavailable":  true,
}

// classify marks throttling and server-side failures as retryable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && retryableCodes[apiErr.ErrorCode()] {
		return retry.Transient(err)
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() >= 500 {
		return retry.Transient(err)
	}
	return err
}

// isNotFound reports whether err means the key does not exist. HEAD style
// responses carry no body, so "NotFound" is checked next to NoSuchKey.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
