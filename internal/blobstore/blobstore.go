// Package blobstore issues presigned S3 upload URLs for evidence
// attachments. The server never proxies file bytes: clients upload directly
// to object storage and commit the resulting URI to the coordination ledger.
package blobstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Store issues upload URLs and maps keys to stable object URIs.
type Store interface {
	// PresignPut returns a time-limited URL authorizing a single PUT of key.
	PresignPut(ctx context.Context, key, contentType string) (url string, expiresAt time.Time, err error)
	// ObjectURI returns the stable URI recorded in the ledger for key.
	ObjectURI(key string) string
}

// Config configures the S3-backed store. Endpoint is optional and enables
// path-style addressing for S3-compatible stores (MinIO).
type Config struct {
	Bucket     string
	Region     string
	Endpoint   string
	AccessKey  string
	SecretKey  string
	PresignTTL time.Duration
}

// S3Store is the S3-backed Store.
type S3Store struct {
	presign *s3.PresignClient
	bucket  string
	ttl     time.Duration
}

var _ Store = (*S3Store)(nil)

// NewS3Store creates an S3-backed store.
func NewS3Store(ctx context.Context, cfg Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("blobstore: bucket is required")
	}
	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("blobstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		ttl:     ttl,
	}, nil
}

func (s *S3Store) PresignPut(ctx context.Context, key, contentType string) (string, time.Time, error) {
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("blobstore: presign put: %w", err)
	}
	return req.URL, time.Now().Add(s.ttl), nil
}

func (s *S3Store) ObjectURI(key string) string {
	return "s3://" + s.bucket + "/" + strings.TrimPrefix(key, "/")
}

// StubStore is an in-memory Store for tests and RPC-less development.
type StubStore struct {
	TTL time.Duration
}

var _ Store = (*StubStore)(nil)

func (s *StubStore) PresignPut(ctx context.Context, key, contentType string) (string, time.Time, error) {
	ttl := s.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return "https://blob.invalid/upload/" + key, time.Now().Add(ttl), nil
}

func (s *StubStore) ObjectURI(key string) string {
	return "stub://evidence/" + strings.TrimPrefix(key, "/")
}
