package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// ObjectStoreConfig configures the S3-compatible attachment store.
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseTLS    bool
	Logger    *zap.Logger
}

// ObjectStore persists attachment payloads in a MinIO bucket. Metadata rows
// stay in the relational store; only the bytes live here.
type ObjectStore struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

// NewObjectStore connects to the object storage endpoint and ensures the
// attachment bucket exists.
func NewObjectStore(ctx context.Context, cfg ObjectStoreConfig) (*ObjectStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("storage: endpoint required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage: bucket required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: connect failed: %w", err)
	}

	store := &ObjectStore{client: client, bucket: cfg.Bucket, logger: logger}
	if err := store.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *ObjectStore) ensureBucket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("storage: bucket check failed: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("storage: bucket create failed: %w", err)
	}
	s.logger.Info("created attachment bucket", zap.String("bucket", s.bucket))
	return nil
}

// Put uploads an attachment payload under the given key.
func (s *ObjectStore) Put(ctx context.Context, key, contentType string, payload []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("storage: put %s failed: %w", key, err)
	}
	return nil
}

// Get downloads the attachment payload stored under the key.
func (s *ObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("storage: get %s failed: %w", key, err)
	}
	defer object.Close()

	payload, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s failed: %w", key, err)
	}
	return payload, nil
}

// Remove deletes the attachment payload stored under the key.
func (s *ObjectStore) Remove(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("storage: remove %s failed: %w", key, err)
	}
	return nil
}
