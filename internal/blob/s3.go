// Package blob reads bulk-upload objects from S3-compatible storage.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"horse.fit/pulse/internal/config"
	"horse.fit/pulse/internal/failure"
)

const defaultMaxBytes = 10 * 1024 * 1024

var ErrTooLarge = errors.New("object exceeds size limit")

// Getter fetches a whole object.
type Getter interface {
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
}

type S3Client struct {
	client        *s3.Client
	defaultBucket string
	maxBytes      int64
}

// NewS3Client builds a client from the S3_* settings. A custom endpoint
// switches to path-style addressing for R2/MinIO.
func NewS3Client(ctx context.Context, cfg *config.Config) (*S3Client, error) {
	if strings.TrimSpace(cfg.S3AccessKeyID) == "" || strings.TrimSpace(cfg.S3SecretAccessKey) == "" {
		return nil, fmt.Errorf("S3 configuration incomplete")
	}

	region := strings.TrimSpace(cfg.S3Region)
	if region == "" {
		region = "auto"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.S3AccessKeyID,
			cfg.S3SecretAccessKey,
			"",
		)),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.S3Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	maxBytes := cfg.UploadMaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &S3Client{client: client, defaultBucket: strings.TrimSpace(cfg.S3Bucket), maxBytes: maxBytes}, nil
}

// GetObject reads bucket/key fully. An empty bucket uses S3_BUCKET. Missing
// objects and oversize bodies are permanent failures.
func (c *S3Client) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	if strings.TrimSpace(bucket) == "" {
		bucket = c.defaultBucket
	}
	if bucket == "" {
		return nil, failure.Permanentf("get object %s: bucket is required", key)
	}
	if strings.TrimSpace(key) == "" {
		return nil, failure.Permanentf("get object: key is required")
	}

	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify(fmt.Errorf("get object s3://%s/%s: %w", bucket, key, err))
	}
	defer out.Body.Close()

	if out.ContentLength != nil && *out.ContentLength > c.maxBytes {
		return nil, failure.Permanent(fmt.Errorf("s3://%s/%s: %w (%d > %d)", bucket, key, ErrTooLarge, *out.ContentLength, c.maxBytes))
	}
	body, err := io.ReadAll(io.LimitReader(out.Body, c.maxBytes+1))
	if err != nil {
		return nil, failure.FromNetwork(fmt.Errorf("read object s3://%s/%s: %w", bucket, key, err))
	}
	if int64(len(body)) > c.maxBytes {
		return nil, failure.Permanent(fmt.Errorf("s3://%s/%s: %w", bucket, key, ErrTooLarge))
	}
	return body, nil
}

func classify(err error) error {
	var noKey *types.NoSuchKey
	var noBucket *types.NoSuchBucket
	if errors.As(err, &noKey) || errors.As(err, &noBucket) {
		return failure.Permanent(err)
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		if classified := failure.FromStatus(respErr.HTTPStatusCode(), "object"); classified != nil {
			if failure.IsPermanent(classified) {
				return failure.Permanent(err)
			}
			return failure.Transient(err)
		}
	}
	return failure.FromNetwork(err)
}
