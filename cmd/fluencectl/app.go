package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"fluencecore/internal/blob"
	"fluencecore/internal/config"
	"fluencecore/internal/core"
	"fluencecore/internal/infra/beam"
)

// app holds everything a command needs, opened from configuration.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	svc      *core.Service
	feed     beam.Source
	registry *prometheus.Registry
	closers  []io.Closer
}

func openApp(ctx context.Context, cfg config.Config, stderr io.Writer) (a *app, err error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	a = &app{
		cfg:      cfg,
		logger:   slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: level})),
		registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := core.NewPrometheusMetricsRecorder(a.registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	store, err := core.OpenPersistentStore(ctx, cfg.Storage, core.NewDefaultRulesEngine())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if c, ok := store.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	a.feed, err = beam.Open(ctx, cfg.Feed, loc)
	if err != nil {
		return nil, fmt.Errorf("open beam feed: %w", err)
	}
	a.closers = append(a.closers, a.feed)

	blobs, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		return nil, fmt.Errorf("open report store: %w", err)
	}

	a.svc = core.NewService(store,
		core.WithLogger(a.logger),
		core.WithMetricsRecorder(metrics),
		core.WithBeamSource(a.feed),
		core.WithBlobStore(blobs),
		core.WithFacilityLocation(loc),
		core.WithChannelResolver(cfg.ChannelFor),
	)
	a.logger.Debug("fluencectl ready",
		"storage", cfg.Storage.Driver,
		"feed", cfg.Feed.Driver,
		"blob", blobs.Driver(),
		"facility_tz", loc.String(),
	)
	return a, nil
}

// Close releases the store and feed connections.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
