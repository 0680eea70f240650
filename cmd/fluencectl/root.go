package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"fluencecore/internal/config"
	"fluencecore/internal/core"
)

type cli struct {
	stdout io.Writer
	stderr io.Writer
	app    *app
}

func newCLI(stdout, stderr io.Writer) *cli {
	return &cli{stdout: stdout, stderr: stderr}
}

// close releases the app if a command opened one. Cobra skips the post-run
// hooks when a command fails, so run calls this unconditionally.
func (c *cli) close() error {
	if c.app == nil {
		return nil
	}
	err := c.app.Close()
	c.app = nil
	return err
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fluencectl",
		Short: "Maintain irradiation records and their accumulated fluence.",
		Long: `fluencectl recomputes beam charge and estimated fluence for ` +
			`irradiation records, toggles records in and out of the beam and ` +
			`archives per-sample dose reports. Settings come from FLUENCE_* ` +
			`environment variables.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			c.app, err = openApp(cmd.Context(), cfg, c.stderr)
			return err
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return c.close()
		},
	}
	root.SetOut(c.stdout)
	root.SetErr(c.stderr)
	root.AddCommand(
		c.refreshCmd(),
		c.recomputeCmd(),
		c.toggleCmd(),
		c.reportCmd(),
		c.pulseCmd(),
		c.serveMetricsCmd(),
	)
	return root
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printBatch prints whatever succeeded before reporting a partial failure.
func (c *cli) printBatch(v any, err error) error {
	var batch *core.BatchError
	if err != nil && !errors.As(err, &batch) {
		return err
	}
	if perr := c.printJSON(v); perr != nil {
		return perr
	}
	return err
}

func (c *cli) refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Recompute every irradiation currently in the beam.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			derived, err := c.app.svc.RefreshOngoing(cmd.Context())
			return c.printBatch(derived, err)
		},
	}
}

func (c *cli) recomputeCmd() *cobra.Command {
	var extended bool
	cmd := &cobra.Command{
		Use:   "recompute ID...",
		Short: "Recompute the derived values of the given irradiations.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			derived, err := c.app.svc.RecomputeState(cmd.Context(), args, extended)
			return c.printBatch(derived, err)
		},
	}
	cmd.Flags().BoolVar(&extended, "extended", false, "also refresh first/last pulse timestamps")
	return cmd
}

func (c *cli) toggleCmd() *cobra.Command {
	var enter, exit bool
	cmd := &cobra.Command{
		Use:   "toggle (--enter | --exit) ID...",
		Short: "Move irradiations into or out of the beam.",
		Long: "Entering a record that already left the beam starts a linked " +
			"continuation record. Records already in the requested state are skipped.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			touched, err := c.app.svc.ToggleBeam(cmd.Context(), args, enter)
			return c.printBatch(touched, err)
		},
	}
	cmd.Flags().BoolVar(&enter, "enter", false, "put the records into the beam")
	cmd.Flags().BoolVar(&exit, "exit", false, "take the records out of the beam")
	cmd.MarkFlagsMutuallyExclusive("enter", "exit")
	cmd.MarkFlagsOneRequired("enter", "exit")
	return cmd
}

func (c *cli) reportCmd() *cobra.Command {
	var archive bool
	cmd := &cobra.Command{
		Use:   "report SAMPLE_ID",
		Short: "Print a sample's dose readings and archive them as a report.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := struct {
				SampleID string `json:"sample_id"`
				Readings any    `json:"readings"`
				Key      string `json:"archived_key,omitempty"`
			}{SampleID: args[0]}
			readings, err := c.app.svc.AggregateSampleFluence(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out.Readings = readings
			if archive {
				info, err := c.app.svc.ExportSampleReport(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out.Key = info.Key
			}
			return c.printJSON(out)
		},
	}
	cmd.Flags().BoolVar(&archive, "archive", true, "store the report in the configured blob store")
	return cmd
}

type pulseRecorder interface {
	Record(ctx context.Context, channel string, at time.Time, value float64) error
}

func (c *cli) pulseCmd() *cobra.Command {
	var (
		channel string
		at      string
		value   float64
	)
	cmd := &cobra.Command{
		Use:   "pulse",
		Short: "Append a beam-charge pulse to a SQL feed.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rec, ok := c.app.feed.(pulseRecorder)
			if !ok {
				return fmt.Errorf("feed driver %s does not accept pulses", c.app.cfg.Feed.Driver)
			}
			ts := time.Now()
			if at != "" {
				var err error
				if ts, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("--at: %w", err)
				}
			}
			if channel == "" {
				channel = c.app.cfg.Beam.Channel
			}
			return rec.Record(cmd.Context(), channel, ts, value)
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "pulse channel (default FLUENCE_BEAM_CHANNEL)")
	cmd.Flags().StringVar(&at, "at", "", "pulse time, RFC 3339 (default now)")
	cmd.Flags().Float64Var(&value, "value", 0, "beam charge")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func (c *cli) serveMetricsCmd() *cobra.Command {
	var (
		addr    string
		refresh time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Serve /metrics and optionally refresh ongoing irradiations periodically.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = c.app.cfg.MetricsAddr
			}
			if addr == "" {
				addr = ":9464"
			}
			return c.serveMetrics(cmd.Context(), addr, refresh)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default FLUENCE_METRICS_ADDR or :9464)")
	cmd.Flags().DurationVar(&refresh, "refresh-interval", 0, "run refresh on this interval; 0 disables")
	return cmd
}

func (c *cli) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.app.registry, promhttp.HandlerOpts{}))
	return mux
}

func (c *cli) serveMetrics(ctx context.Context, addr string, refresh time.Duration) error {
	srv := &http.Server{Addr: addr, Handler: c.metricsHandler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		c.app.logger.Info("serving metrics", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	var tick <-chan time.Time
	if refresh > 0 {
		ticker := time.NewTicker(refresh)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-tick:
			if _, err := c.app.svc.RefreshOngoing(ctx); err != nil {
				c.app.logger.Error("periodic refresh failed", "error", err)
			}
		}
	}
}
