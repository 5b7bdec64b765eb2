// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/Thermoquad/echostat/pkg/mbus"
	"github.com/Thermoquad/echostat/pkg/meter"
	"github.com/spf13/cobra"
)

var (
	readShowRecords bool
)

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Read the meter once and print the decoded values",
	Long: `Send one REQ_UD2 request and print the decoded RSP_UD response.

Plausibility anomalies (out of range temperatures, inconsistent delta-T,
meter status errors) are listed after the values.

Exit codes:
  0 - Reading decoded
  1 - Poll failed (timeout, framing, checksum or field error)
  2 - Connection error

Useful for testing the optical head or the WebSocket bridge.`,
	RunE: runRead,
}

func init() {
	rootCmd.AddCommand(readCmd)
	readCmd.Flags().BoolVar(&readShowRecords, "records", false, "Also list every raw data record of the response")
}

func runRead(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Open connection (serial or WebSocket)
	conn, err := OpenConnection(cfg.Transport)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	registry, err := buildRegistry(cfg, outputs{})
	if err != nil {
		return err
	}
	reader, err := newReader(conn, registry, cfg)
	if err != nil {
		return err
	}

	fmt.Printf("Echostat - Read\n")
	fmt.Printf("Connection: %s\n", conn.String())
	fmt.Printf("Address: 0x%02X  Timeout: %s  Wake-up: %v\n\n",
		reader.Options().Address, reader.Options().Timeout, reader.Options().Wakeup)

	var result meter.PollResult
	reader.AddObserver(meter.ObserverFunc(func(res meter.PollResult) {
		result = res
	}))

	if err := reader.PollOnce(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "FAILED (%s): %v\n", meter.Classify(err), err)
		if readShowRecords && result.Frame != nil {
			printRecords(result.Frame)
		}
		conn.Close()
		os.Exit(1)
	}

	fmt.Print(mbus.FormatReading(result.Reading))
	fmt.Printf("  %-12s %s\n", "status:", mbus.FormatStatus(result.Reading.Header.Status))
	fmt.Printf("  %-12s %s\n", "duration:", result.Duration)

	if len(result.Anomalies) > 0 {
		fmt.Printf("\nAnomalies:\n")
		for _, a := range result.Anomalies {
			fmt.Printf("  - %s\n", a.Message)
		}
	}

	if readShowRecords {
		printRecords(result.Frame)
	}

	return nil
}

// printRecords lists the raw data records of frame
func printRecords(frame *mbus.Frame) {
	records, err := frame.Records()
	if err != nil {
		fmt.Fprintf(os.Stderr, "\nRecords unavailable: %v\n", err)
		return
	}
	fmt.Printf("\nRecords (%s):\n", mbus.FormatFrame(frame))
	fmt.Print(mbus.FormatRecords(records))
}
