// Package s3archive delivers artifacts by uploading them to an S3 bucket.
// Uploads are conditional on the key not existing yet, so a resent artifact
// comes back as a duplicate instead of a second copy.
package s3archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/phillus33/shotrelay/internal/delivery"
)

// PutObjectAPI is the part of *s3.Client the archive needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config holds configuration for the S3 archive.
type Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string
	// Prefixes maps destinations to key prefixes within the bucket.
	Prefixes map[delivery.Destination]string
	// Region is the AWS region (optional, uses default chain if empty).
	Region string
	// Endpoint is a custom endpoint for S3-compatible providers.
	Endpoint string
	// UsePathStyle forces path-style addressing.
	UsePathStyle bool
}

type Client struct {
	api      PutObjectAPI
	bucket   string
	prefixes map[delivery.Destination]string
}

// NewFromConfig builds an S3 client from the AWS default credential chain.
func NewFromConfig(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("S3 bucket is required")
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return New(s3.NewFromConfig(awsConfig, s3Opts...), cfg.Bucket, cfg.Prefixes), nil
}

func New(api PutObjectAPI, bucket string, prefixes map[delivery.Destination]string) *Client {
	return &Client{api: api, bucket: bucket, prefixes: prefixes}
}

// Key returns the object key for a under dest.
func (c *Client) Key(dest delivery.Destination, a delivery.Artifact) (string, bool) {
	prefix, ok := c.prefixes[dest]
	if !ok {
		return "", false
	}
	return path.Join(prefix, a.Name), true
}

func (c *Client) Send(ctx context.Context, dest delivery.Destination, a delivery.Artifact, payload []byte) delivery.Outcome {
	key, ok := c.Key(dest, a)
	if !ok {
		return delivery.PermanentFailure(fmt.Errorf("s3archive: no prefix configured for destination %q", dest))
	}

	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
		ContentType:   aws.String(http.DetectContentType(payload)),
		IfNoneMatch:   aws.String("*"),
		Metadata: map[string]string{
			"sequence": a.ID,
		},
	})
	if err != nil {
		return Classify(fmt.Errorf("s3archive: put %s: %w", key, err))
	}
	return delivery.Delivered()
}

var permanentCodes = map[string]bool{
	"AccessDenied":          true,
	"NoSuchBucket":          true,
	"InvalidBucketName":     true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"EntityTooLarge":        true,
	"InvalidArgument":       true,
}

// Classify maps upload errors onto outcomes. A failed If-None-Match
// precondition means the object already exists and is a duplicate. Known
// client-side error codes are permanent; throttling, server errors and
// everything else are transient.
func Classify(err error) delivery.Outcome {
	if err == nil {
		return delivery.Delivered()
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "PreconditionFailed" {
			return delivery.Duplicate()
		}
		if permanentCodes[code] {
			return delivery.PermanentFailure(err)
		}
	}

	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) {
		switch code := status.HTTPStatusCode(); {
		case code == http.StatusPreconditionFailed:
			return delivery.Duplicate()
		case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
			return delivery.TransientFailure(err)
		case code >= 400 && code < 500:
			return delivery.PermanentFailure(err)
		}
	}
	return delivery.OutcomeFromError(err)
}

var _ delivery.Client = (*Client)(nil)
