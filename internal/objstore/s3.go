package objstore

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/vvaswani/sugar/pkg/logx"
)

type s3Store struct {
	client *minio.Client
	bucket string
	log    logx.Logger
}

func openS3(cfg Config, log logx.Logger) (Store, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("s3 endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}

	s := &s3Store{client: client, bucket: cfg.Bucket, log: log}

	// Create the bucket on first use; harmless when it already exists.
	ctx := context.Background()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err == nil && !exists {
		if mkErr := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); mkErr != nil {
			log.Warn("bucket create failed", logx.String("bucket", cfg.Bucket), logx.Err(mkErr))
		}
	}
	return s, nil
}

func (s *s3Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return err
	}
	s.log.Debug("object stored", logx.String("key", key), logx.Int("bytes", len(data)))
	return nil
}

func (s *s3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	// GetObject is lazy; Stat forces the request so a missing key surfaces
	// here instead of on first read.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return obj, nil
}

func (s *s3Store) Close() error { return nil }
