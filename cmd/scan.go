// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Thermoquad/echostat/pkg/mbus"
	"github.com/Thermoquad/echostat/pkg/meter"
	"github.com/spf13/cobra"
)

var (
	scanFrom    int
	scanTo      int
	scanTimeout int
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan primary addresses for responding meters",
	Long: `Send REQ_UD2 to every primary address in a range and list the meters
that answer.

The wake-up burst (if enabled) is sent once before the first address.
Meters on a point-to-point optical head usually answer 0xFE as well as
their own address, so the scan range excludes 254 and 255.

Examples:
  echostat scan --port /dev/ttyUSB0
  echostat scan --url ws://bridge.local/mbus --from 1 --to 10

Exit codes:
  0 - At least one meter found
  1 - No meter answered
  2 - Connection error`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().IntVar(&scanFrom, "from", 0, "First primary address")
	scanCmd.Flags().IntVar(&scanTo, "to", 250, "Last primary address")
	scanCmd.Flags().IntVar(&scanTimeout, "timeout", 500, "Per-address timeout in milliseconds")
}

type scanResult struct {
	address uint8
	header  mbus.Header
	values  int
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFrom < 0 || scanTo > 250 || scanFrom > scanTo {
		return fmt.Errorf("invalid address range %d-%d (valid 0-250)", scanFrom, scanTo)
	}
	if scanTimeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	conn, err := OpenConnection(cfg.Transport)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Echostat - Address Scan\n")
	fmt.Printf("Connection: %s\n", conn.String())
	fmt.Printf("Range: %d-%d  Timeout: %dms\n\n", scanFrom, scanTo, scanTimeout)

	found, err := scanAddresses(context.Background(), conn, scanFrom, scanTo,
		time.Duration(scanTimeout)*time.Millisecond, cfg.Meter.WakeupEnabled())
	if err != nil {
		fmt.Fprintf(os.Stderr, "\nSCAN FAILED: %v\n", err)
		conn.Close()
		os.Exit(2)
	}

	// Summary
	fmt.Printf("\n--- Scan summary ---\n")
	fmt.Printf("Meters found: %d\n", len(found))
	for _, r := range found {
		fmt.Printf("  0x%02X (%3d)  id=%08d man=%s medium=%s values=%d\n",
			r.address, r.address, r.header.ID, r.header.ManufacturerString(),
			mbus.FormatMedium(r.header.Medium), r.values)
	}

	if len(found) == 0 {
		fmt.Printf("No meters answered. Check the optical head alignment and the address range.\n")
		conn.Close()
		os.Exit(1)
	}
	return nil
}

// scanAddresses polls each address in [from, to] once. Timeouts and
// decode failures mean nobody (or nobody sane) answered; a transport
// error aborts the scan.
func scanAddresses(ctx context.Context, t meter.Transport, from, to int, timeout time.Duration, wakeup bool) ([]scanResult, error) {
	registry := meter.NewRegistry()
	registry.Freeze()

	var found []scanResult
	for a := from; a <= to; a++ {
		opts := meter.DefaultOptions()
		opts.Address = uint8(a)
		opts.Timeout = timeout
		opts.Wakeup = wakeup && a == from

		reader, err := meter.NewReader(t, registry, opts)
		if err != nil {
			return found, err
		}

		var reading *mbus.Reading
		reader.AddObserver(meter.ObserverFunc(func(res meter.PollResult) {
			reading = res.Reading
		}))

		err = reader.PollOnce(ctx)
		var transportErr *meter.TransportError
		switch {
		case err == nil:
			found = append(found, scanResult{address: uint8(a), header: reading.Header, values: reading.Len()})
			fmt.Printf("0x%02X: found\n", a)
		case errors.As(err, &transportErr), errors.Is(err, context.Canceled):
			return found, err
		case errors.Is(err, meter.ErrTimeout):
			// nobody home
		default:
			fmt.Printf("0x%02X: %v\n", a, err)
		}
	}
	return found, nil
}
