// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Thermoquad/echostat/pkg/logging"
	"github.com/Thermoquad/echostat/pkg/meter"
	"github.com/Thermoquad/echostat/pkg/metrics"
	"github.com/Thermoquad/echostat/pkg/sinks"
	"github.com/spf13/cobra"
)

var (
	runStatsInterval int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll the meter on a schedule and publish every value",
	Long: `Run the polling daemon.

The meter is read once at startup and then every poll.interval_ms. Each
successful reading is published to the enabled channels (log, Prometheus
gauges, Modbus registers) and appended to the CBOR archive if configured.

Immediate reads (poll.trigger: true):
  kill -USR1 <pid>
  curl -X POST http://<http.listen>/read

A request arriving while another is still queued is rejected as busy.
Prometheus metrics are served on GET /metrics when http.listen is set.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().IntVar(&runStatsInterval, "stats-interval", 300, "Statistics log interval (seconds, 0 disables)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logging.For("run")

	conn, err := OpenConnection(cfg.Transport)
	if err != nil {
		return err
	}
	defer conn.Close()

	out := outputs{log: true, collector: metrics.Default()}
	if cfg.Modbus.Endpoint != "" {
		client, err := sinks.NewModbusClient(sinks.ModbusConfig{
			Endpoint: cfg.Modbus.Endpoint,
			UnitID:   cfg.Modbus.UnitID,
			Timeout:  cfg.Modbus.Timeout(),
		})
		if err != nil {
			return err
		}
		defer client.Close()
		out.modbus = client
	}

	registry, err := buildRegistry(cfg, out)
	if err != nil {
		return err
	}
	reader, err := newReader(conn, registry, cfg)
	if err != nil {
		return err
	}

	stats := meter.NewStatistics()
	reader.AddObserver(stats)
	reader.AddObserver(out.collector)

	if cfg.Archive.Path != "" {
		archive, err := sinks.OpenArchive(cfg.Archive.Path)
		if err != nil {
			return err
		}
		defer archive.Close()
		reader.AddObserver(archive)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Poll.Trigger {
		go watchTriggerSignal(ctx, reader)
	}

	if cfg.HTTP.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           newHTTPHandler(reader, cfg.Poll.Trigger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info().Str("listen", cfg.HTTP.Listen).Msg("http server started")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("http server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if runStatsInterval > 0 {
		go func() {
			ticker := time.NewTicker(time.Duration(runStatsInterval) * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					log.Info().Msg("\n" + stats.String())
				}
			}
		}()
	}

	log.Info().
		Str("connection", conn.String()).
		Dur("interval", cfg.Poll.Interval()).
		Strs("channels", channelNames(registry)).
		Msg("echostat running")

	err = reader.Run(ctx, meter.NewTickerScheduler(cfg.Poll.Interval()))
	if errors.Is(err, context.Canceled) {
		log.Info().Msg("shutting down")
		return nil
	}
	return err
}

func channelNames(r *meter.Registry) []string {
	var names []string
	for _, kind := range r.Channels() {
		names = append(names, kind.String())
	}
	return names
}
