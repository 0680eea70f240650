// Package blob selects the report archive backend from configuration.
package blob

import (
	"context"
	"fmt"

	"fluencecore/internal/blob/core"
	"fluencecore/internal/config"
	"fluencecore/internal/infra/blob/fs"
	"fluencecore/internal/infra/blob/memory"
	"fluencecore/internal/infra/blob/s3"
)

// Open returns the blob store named by cfg.Driver (fs when empty).
func Open(ctx context.Context, cfg config.Blob) (core.Store, error) {
	switch core.Driver(cfg.Driver) {
	case core.DriverFilesystem, "":
		store, err := fs.New(cfg.FSRoot)
		if err != nil {
			return nil, err
		}
		return store, nil
	case core.DriverMemory:
		return memory.New(), nil
	case core.DriverS3:
		store, err := s3.New(ctx, s3.Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", cfg.Driver)
	}
}
