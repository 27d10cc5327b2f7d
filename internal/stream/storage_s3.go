package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/synctv-org/synctv/internal/synctverr"
)

// S3Config holds the segment bucket settings.
type S3Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	KeyPrefix       string // optional object prefix, e.g. "hls/"
}

// S3HlsStorage stores segments in S3; used when replicas should serve each
// other's segments or a CDN fronts the bucket.
type S3HlsStorage struct {
	client *s3.Client
	cfg    S3Config
	logger *zap.Logger
}

// NewS3HlsStorage creates the backend and verifies configuration.
func NewS3HlsStorage(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3HlsStorage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 hls storage: bucket required")
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	} else {
		logger.Warn("s3 hls storage using default credential chain")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3HlsStorage{
		client: s3.NewFromConfig(awsCfg),
		cfg:    cfg,
		logger: logger.With(zap.String("component", "s3_hls_storage")),
	}, nil
}

func (s *S3HlsStorage) objectKey(key string) string { return s.cfg.KeyPrefix + key }

// Write implements HlsStorage.
func (s *S3HlsStorage) Write(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("video/mp2t"),
	})
	if err != nil {
		return fmt.Errorf("put segment %s: %w", key, err)
	}
	return nil
}

// Read implements HlsStorage.
func (s *S3HlsStorage) Read(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, synctverr.ErrNotFound
		}
		return nil, fmt.Errorf("get segment %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Exists implements HlsStorage.
func (s *S3HlsStorage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("head segment %s: %w", key, err)
	}
	return true, nil
}

// Delete removes one segment object.
func (s *S3HlsStorage) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	return err
}

// Cleanup implements HlsStorage by listing the prefix and deleting objects
// older than maxAge.
func (s *S3HlsStorage) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	deleted := 0
	var continuation *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.cfg.Bucket),
			Prefix:            aws.String(s.cfg.KeyPrefix),
			ContinuationToken: continuation,
		})
		if err != nil {
			return deleted, fmt.Errorf("list segments: %w", err)
		}
		for _, obj := range out.Contents {
			if obj.LastModified == nil || obj.LastModified.After(cutoff) {
				continue
			}
			if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.cfg.Bucket),
				Key:    obj.Key,
			}); err != nil {
				s.logger.Warn("delete expired segment failed", zap.String("key", aws.ToString(obj.Key)), zap.Error(err))
				continue
			}
			deleted++
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		continuation = out.NextContinuationToken
	}
	return deleted, nil
}
