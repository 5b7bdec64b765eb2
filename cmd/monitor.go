// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Thermoquad/echostat/pkg/logging"
	"github.com/Thermoquad/echostat/pkg/meter"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

var (
	monitorLogFile string
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Poll the meter and display live values in a terminal UI",
	Long: `Interactive monitor for a CF Echo II meter.

Polls on the configured interval and shows the latest reading, poll
statistics and a log of recent events (failures, anomalies, busy
rejections). Values are not published to Modbus or the archive.

Keys:
  r - request an immediate read
  q - quit

Log output is discarded while the UI is running unless --log-file is set.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().StringVar(&monitorLogFile, "log-file", "", "Write log output to this file while the UI runs")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := redirectLogs(monitorLogFile); err != nil {
		return err
	}

	conn, err := OpenConnection(cfg.Transport)
	if err != nil {
		return err
	}
	defer conn.Close()

	registry, err := buildRegistry(cfg, outputs{log: true})
	if err != nil {
		return err
	}
	reader, err := newReader(conn, registry, cfg)
	if err != nil {
		return err
	}

	p := tea.NewProgram(initialMonitorModel(conn.String(), cfg.Poll.Interval(), reader))
	reader.AddObserver(meter.ObserverFunc(func(res meter.PollResult) {
		p.Send(pollResultMsg{result: res})
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- reader.Run(ctx, meter.NewTickerScheduler(cfg.Poll.Interval()))
	}()

	_, uiErr := p.Run()
	cancel()

	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if uiErr != nil {
		return fmt.Errorf("monitor UI: %w", uiErr)
	}
	return nil
}

// redirectLogs sends the root logger to path, or discards it when path
// is empty, so log lines do not tear the terminal UI
func redirectLogs(path string) error {
	var out io.Writer = io.Discard
	if path != "" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		out = f
	}
	logging.SetRoot(logging.New(out, logging.Root().GetLevel(), true))
	return nil
}
