package objectstore

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/cenkalti/backoff/v4"
)

// S3Config configures an S3Store.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // optional: non-empty for MinIO/S3-compatible endpoints
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	VerifySSL       bool
	MaxRetryElapsed time.Duration
}

// S3Store implements Store against an S3-compatible backend via the AWS SDK.
type S3Store struct {
	client S3Client
	bucket string
	maxTry time.Duration
	logger *slog.Logger
}

var _ Store = (*S3Store)(nil)

// NewS3Store builds an S3Store using credentials.NewStaticCredentialsProvider
// when AccessKeyID/SecretAccessKey are set, falling back to the default
// provider chain otherwise (IAM role, env vars, shared config).
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("objectstore: failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	maxTry := cfg.MaxRetryElapsed
	if maxTry <= 0 {
		maxTry = 30 * time.Second
	}

	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		maxTry: maxTry,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}, nil
}

func loadAWSConfig(ctx context.Context, cfg S3Config) (aws.Config, error) {
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	if !cfg.VerifySSL {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for local/self-signed endpoints
		loadOpts = append(loadOpts, config.WithHTTPClient(&http.Client{Transport: transport}))
	}

	return config.LoadDefaultConfig(ctx, loadOpts...)
}

// withRetry wraps an S3 call with exponential backoff, retrying only
// transient errors — never NotFound or PreconditionFailed, which are
// meaningful outcomes the orchestrator branches on.
func (s *S3Store) withRetry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxElapsedTime(backoff.NewExponentialBackOff(), s.maxTry), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}

		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrPreconditionFailed) {
			return backoff.Permanent(err)
		}

		return err
	}, b)
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	var body []byte

	err := s.withRetry(ctx, func() error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return classifyError(err)
		}
		defer func() { _ = out.Body.Close() }()

		b, err := io.ReadAll(out.Body)
		if err != nil {
			return fmt.Errorf("%w: reading object body: %v", ErrStorage, err)
		}

		body = b

		return nil
	})

	return body, err
}

func (s *S3Store) Put(ctx context.Context, key string, body []byte, contentType string, ifMatch string) (string, error) {
	var etag string

	err := s.withRetry(ctx, func() error {
		input := &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String(contentType),
		}

		switch ifMatch {
		case "":
			// unconditional overwrite
		case IfAbsent:
			input.IfNoneMatch = aws.String("*")
		default:
			input.IfMatch = aws.String(ifMatch)
		}

		out, err := s.client.PutObject(ctx, input)
		if err != nil {
			return classifyError(err)
		}

		if out.ETag != nil {
			etag = *out.ETag
		}

		return nil
	})

	return etag, err
}

func (s *S3Store) Head(ctx context.Context, key string) (ObjectMeta, error) {
	var meta ObjectMeta

	err := s.withRetry(ctx, func() error {
		out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return classifyError(err)
		}

		if out.ETag != nil {
			meta.ETag = *out.ETag
		}

		if out.ContentLength != nil {
			meta.Size = *out.ContentLength
		}

		return nil
	})

	return meta, err
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	var continuationToken *string

	for {
		var out *s3.ListObjectsV2Output

		err := s.withRetry(ctx, func() error {
			o, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            aws.String(s.bucket),
				Prefix:            aws.String(prefix),
				ContinuationToken: continuationToken,
			})
			if err != nil {
				return classifyError(err)
			}

			out = o

			return nil
		})
		if err != nil {
			return nil, err
		}

		for _, obj := range out.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}

		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}

		continuationToken = out.NextContinuationToken
	}

	sort.Strings(keys)

	return keys, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	return s.withRetry(ctx, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			// Deleting an absent key is not an error.
			if errors.Is(classifyError(err), ErrNotFound) {
				return nil
			}

			return classifyError(err)
		}

		return nil
	})
}

// classifyError maps an AWS SDK error into one of our sentinel error kinds.
func classifyError(err error) error {
	var nf *types.NoSuchKey
	if errors.As(err, &nf) {
		return ErrNotFound
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case 404:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case 412:
			return fmt.Errorf("%w: %v", ErrPreconditionFailed, err)
		}
	}

	return fmt.Errorf("%w: %v", ErrStorage, err)
}
