package objstore

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sethvargo/go-retry"

	"redline/api/internal/config"
)

// MinioStore keeps blobs in a MinIO (or any S3-compatible) bucket. Reads and
// writes retry with exponential backoff since the object store is a separate
// network hop from the API.
type MinioStore struct {
	client *minio.Client
	bucket string
}

func NewMinioStore(cfg config.Config) (*MinioStore, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinioStore{client: client, bucket: cfg.MinioBucket}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *MinioStore) backoff() retry.Backoff {
	return retry.WithMaxRetries(3, retry.NewExponential(100*time.Millisecond))
}

func (s *MinioStore) Put(ctx context.Context, content string) (string, error) {
	ref := Ref(content)
	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		_, err := s.client.PutObject(ctx, s.bucket, ref,
			strings.NewReader(content), int64(len(content)),
			minio.PutObjectOptions{ContentType: "text/plain; charset=utf-8"})
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("put blob %s: %w", ref, err)
	}
	return ref, nil
}

func (s *MinioStore) Get(ctx context.Context, ref string) (string, error) {
	var content string
	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		obj, err := s.client.GetObject(ctx, s.bucket, ref, minio.GetObjectOptions{})
		if err != nil {
			return retry.RetryableError(err)
		}
		defer obj.Close()

		data, err := io.ReadAll(obj)
		if err != nil {
			resp := minio.ToErrorResponse(err)
			if resp.Code == "NoSuchKey" {
				return ErrNotFound
			}
			return retry.RetryableError(err)
		}
		content = string(data)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("get blob %s: %w", ref, err)
	}
	return content, nil
}
