// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Thermoquad/echostat/pkg/logging"
	"github.com/Thermoquad/echostat/pkg/mbus"
	"github.com/Thermoquad/echostat/pkg/meter"
	"github.com/Thermoquad/echostat/pkg/transport"
	"github.com/spf13/cobra"
)

var sniffCmd = &cobra.Command{
	Use:   "sniff",
	Short: "Passively decode M-Bus long frames seen on the line",
	Long: `Listen without sending anything and decode every RSP_UD long frame
that passes by, e.g. while another master polls the meter.

Supports both serial and WebSocket connections. Press Ctrl+C to exit.`,
	RunE: runSniff,
}

func init() {
	rootCmd.AddCommand(sniffCmd)
}

func runSniff(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	conn, err := OpenConnection(cfg.Transport)
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("Echostat - Sniff\n")
	fmt.Printf("Connection: %s\n", conn.String())
	fmt.Printf("Press Ctrl+C to exit\n\n")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = sniff(ctx, conn, os.Stdout)
	if errors.Is(err, context.Canceled) || errors.Is(err, transport.ErrConnectionClosed) {
		log := logging.For("sniff")
		log.Info().Msg("connection closed")
		return nil
	}
	return err
}

// sniff feeds everything read from t to a frame decoder and prints each
// decoded frame to w until ctx is done or the transport fails
func sniff(ctx context.Context, t meter.Transport, w io.Writer) error {
	decoder := mbus.NewDecoder()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		chunk, err := t.ReadWithTimeout(128, 250*time.Millisecond)
		if err != nil {
			if errors.Is(err, meter.ErrTimeout) {
				continue
			}
			return err
		}

		for _, b := range chunk {
			frame, err := decoder.DecodeByte(b)
			if err != nil {
				fmt.Fprintf(w, "[ERROR] %v\n", err)
				continue
			}
			if frame == nil {
				continue
			}

			fmt.Fprintln(w, mbus.FormatFrame(frame))
			reading, err := mbus.DecodeFrame(frame)
			if err != nil {
				fmt.Fprintf(w, "[ERROR] %v\n", err)
				continue
			}
			reading.Timestamp = time.Now()
			fmt.Fprint(w, mbus.FormatReading(reading))
		}
	}
}
