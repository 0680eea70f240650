// Package beam selects the beam-charge feed backend from configuration.
package beam

import (
	"context"
	"fmt"
	"time"

	"fluencecore/internal/config"
	"fluencecore/internal/infra/beam/memfeed"
	"fluencecore/internal/infra/beam/sqlfeed"
	"fluencecore/pkg/domain"
)

// Source is a feed that owns a connection.
type Source interface {
	domain.BeamChargeSource
	Close() error
}

// Open returns the feed named by cfg.Driver.
func Open(ctx context.Context, cfg config.Feed, loc *time.Location) (Source, error) {
	switch cfg.Driver {
	case "memory":
		return memfeed.New(), nil
	case "sqlite", "postgres":
		feed, err := sqlfeed.Open(ctx, cfg.Driver, cfg.DSN, cfg.Table, loc)
		if err != nil {
			return nil, err
		}
		return feed, nil
	default:
		return nil, fmt.Errorf("unknown feed driver %s", cfg.Driver)
	}
}
