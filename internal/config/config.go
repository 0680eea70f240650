// Package config loads fluencecore runtime configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
	_ "time/tzdata" // facility zone must resolve on hosts without zoneinfo

	"github.com/caarlos0/env/v11"
)

// Storage selects the persistent store backend.
type Storage struct {
	Driver      string `env:"FLUENCE_STORAGE_DRIVER" envDefault:"sqlite"`
	SQLitePath  string `env:"FLUENCE_SQLITE_PATH" envDefault:"fluencecore.db"`
	PostgresDSN string `env:"FLUENCE_POSTGRES_DSN"`
}

// Feed selects the beam-charge time-series backend.
type Feed struct {
	Driver string `env:"FLUENCE_FEED_DRIVER" envDefault:"sqlite"`
	DSN    string `env:"FLUENCE_FEED_DSN" envDefault:"beamfeed.db"`
	Table  string `env:"FLUENCE_FEED_TABLE" envDefault:"beam_pulses"`
}

// Beam describes the facility clock and pulse channel routing.
type Beam struct {
	FacilityTZ string `env:"FLUENCE_FACILITY_TZ" envDefault:"Europe/Zurich"`
	Channel    string `env:"FLUENCE_BEAM_CHANNEL" envDefault:"SEC1"`
	// TableChannels overrides Channel per beam table, e.g. "T1:SEC1,T2:SEC3".
	TableChannels map[string]string `env:"FLUENCE_TABLE_CHANNELS"`
}

// Blob selects where exported reports are archived.
type Blob struct {
	Driver      string `env:"FLUENCE_BLOB_DRIVER" envDefault:"fs"`
	FSRoot      string `env:"FLUENCE_BLOB_FS_ROOT" envDefault:"./reports"`
	S3Bucket    string `env:"FLUENCE_BLOB_S3_BUCKET"`
	S3Region    string `env:"FLUENCE_BLOB_S3_REGION" envDefault:"us-east-1"`
	S3Endpoint  string `env:"FLUENCE_BLOB_S3_ENDPOINT"`
	S3PathStyle bool   `env:"FLUENCE_BLOB_S3_PATH_STYLE" envDefault:"false"`
}

// Config aggregates every environment-driven setting.
type Config struct {
	Storage     Storage
	Feed        Feed
	Beam        Beam
	Blob        Blob
	LogLevel    string `env:"FLUENCE_LOG_LEVEL" envDefault:"info"`
	MetricsAddr string `env:"FLUENCE_METRICS_ADDR"`
}

// ParseEnv loads configuration from environment variables into target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks driver names and the facility zone.
func (c Config) Validate() error {
	if err := oneOf("FLUENCE_STORAGE_DRIVER", c.Storage.Driver, "memory", "sqlite", "postgres"); err != nil {
		return err
	}
	if err := oneOf("FLUENCE_FEED_DRIVER", c.Feed.Driver, "memory", "sqlite", "postgres"); err != nil {
		return err
	}
	if err := oneOf("FLUENCE_BLOB_DRIVER", c.Blob.Driver, "fs", "s3", "memory"); err != nil {
		return err
	}
	if c.Blob.Driver == "s3" && c.Blob.S3Bucket == "" {
		return fmt.Errorf("FLUENCE_BLOB_S3_BUCKET required for s3 driver")
	}
	if c.Storage.Driver == "postgres" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("FLUENCE_POSTGRES_DSN required for postgres driver")
	}
	if strings.TrimSpace(c.Beam.Channel) == "" {
		return fmt.Errorf("FLUENCE_BEAM_CHANNEL must not be empty")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// Location resolves the facility time zone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Beam.FacilityTZ)
	if err != nil {
		return nil, fmt.Errorf("FLUENCE_FACILITY_TZ: %w", err)
	}
	return loc, nil
}

// ChannelFor returns the pulse channel for a beam table.
func (c Config) ChannelFor(table string) string {
	if ch, ok := c.Beam.TableChannels[table]; ok && ch != "" {
		return ch
	}
	return c.Beam.Channel
}

// SlogLevel maps FLUENCE_LOG_LEVEL onto a slog level.
func (c Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("FLUENCE_LOG_LEVEL: %w", err)
	}
	return lvl, nil
}

func oneOf(name, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s: unknown driver %q (want one of %s)", name, value, strings.Join(allowed, "|"))
}
