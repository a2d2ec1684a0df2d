// Package blob stores file transfer payloads and report exports in
// S3-compatible object storage.
package blob

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	breezeconfig "github.com/breeze-rmm/breeze/internal/config"
	"github.com/breeze-rmm/breeze/internal/httperr"
	"github.com/rs/zerolog/log"
)

// Store wraps the S3 client with the bucket and key layout used by the
// control plane. Keys are namespaced by organization so tenant data never
// shares a prefix.
type Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// New builds a Store from configuration. A custom endpoint with path-style
// addressing supports MinIO and other S3-compatible backends.
func New(ctx context.Context, cfg *breezeconfig.Config) (*Store, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET is not configured")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3ForcePathStyle
	})

	log.Info().Str("bucket", cfg.S3Bucket).Str("region", cfg.S3Region).Msg("Blob store ready")
	return &Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.S3Bucket,
	}, nil
}

// Key builds the canonical object key {orgID}/{kind}/{yyyymm}/{id}.
func Key(orgID, kind, id string, at time.Time) string {
	return fmt.Sprintf("%s/%s/%s/%s", orgID, kind, at.UTC().Format("200601"), id)
}

// Put uploads an object.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, contentType string, size int64) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if size > 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return httperr.External("blob upload failed", err)
	}
	return nil
}

// Get streams an object. The caller owns the returned ReadCloser.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, httperr.External("blob download failed", err)
	}
	return out.Body, nil
}

// Delete removes an object. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return httperr.External("blob delete failed", err)
	}
	return nil
}

// PresignDownload returns a time-limited GET URL so large payloads stream
// directly from storage instead of through the API.
func (s *Store) PresignDownload(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", httperr.External("presign download failed", err)
	}
	return req.URL, nil
}

// PresignUpload returns a time-limited PUT URL for agent-side uploads.
func (s *Store) PresignUpload(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", httperr.External("presign upload failed", err)
	}
	return req.URL, nil
}
