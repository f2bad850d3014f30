package archive

import (
	"context"
	"fmt"
)

// Backend names a cold storage implementation.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// Config selects and configures a backend.
type Config struct {
	Backend  Backend
	Dir      string
	Bucket   string
	Region   string
	Endpoint string
}

// New builds the configured ColdStore.
func New(ctx context.Context, cfg Config) (ColdStore, error) {
	switch cfg.Backend {
	case "", BackendFS:
		return NewFileStore(cfg.Dir)
	case BackendS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive bucket is required for S3 storage")
		}
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3StoreConfig{Bucket: cfg.Bucket, Region: region, Endpoint: cfg.Endpoint})
	case BackendGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive bucket is required for GCS storage")
		}
		return newGCSStore(ctx, cfg.Bucket)
	default:
		return nil, fmt.Errorf("unsupported archive backend: %s", cfg.Backend)
	}
}
