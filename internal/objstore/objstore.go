// Package objstore stores rendered report documents. Two drivers: a local
// directory for small deployments and tests, and any S3-compatible endpoint
// for everything else.
package objstore

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/vvaswani/sugar/pkg/logx"
)

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = errors.New("object not found")

// Store is the minimal object-storage API the report pipeline needs.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Close() error
}

// Config configures object storage.
//
// Driver values:
//   - "fs": directory-backed store (default)
//   - "s3": S3-compatible endpoint via minio-go
type Config struct {
	Driver string
	Path   string // fs: root directory

	Endpoint  string // s3
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "fs", "file":
		return openFS(cfg, log)
	case "s3", "minio":
		return openS3(cfg, log)
	default:
		return nil, errors.New("unknown objstore driver: " + cfg.Driver)
	}
}
