// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Thermoquad/echostat/pkg/mbus"
	"github.com/spf13/cobra"
)

var (
	decodeRecords bool
	decodeArchive string
)

var decodeCmd = &cobra.Command{
	Use:   "decode [hex...]",
	Short: "Decode a captured RSP_UD frame or a CBOR archive",
	Long: `Decode an M-Bus long frame given as hex, without touching any meter.

The hex may be passed as arguments or on stdin. Spaces, colons and a
leading 0x are ignored:
  echostat decode 68 1F 1F 68 08 FE 72 ...
  echo "681f1f6808fe72..." | echostat decode

With --archive, every record of a CBOR archive written by "run" is listed
instead.`,
	RunE: runDecode,
}

func init() {
	rootCmd.AddCommand(decodeCmd)
	decodeCmd.Flags().BoolVar(&decodeRecords, "records", false, "List every data record, including historic and tariff values")
	decodeCmd.Flags().StringVar(&decodeArchive, "archive", "", "CBOR archive file to list")
}

func runDecode(cmd *cobra.Command, args []string) error {
	if decodeArchive != "" {
		return listArchive(decodeArchive)
	}

	input := strings.Join(args, " ")
	if len(args) == 0 {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		input = string(data)
	}

	raw, err := parseHex(input)
	if err != nil {
		return err
	}

	frame, err := mbus.ParseFrame(raw)
	if err != nil {
		return err
	}
	fmt.Println(mbus.FormatFrame(frame))

	if decodeRecords {
		records, err := frame.Records()
		if err != nil {
			return err
		}
		fmt.Print(mbus.FormatRecords(records))
		fmt.Println()
	}

	reading, err := mbus.DecodeFrame(frame)
	if err != nil {
		return err
	}
	fmt.Print(mbus.FormatReading(reading))

	for _, a := range mbus.ValidateReading(reading) {
		fmt.Printf("  ! %s\n", a.Message)
	}
	return nil
}

// parseHex decodes hex ignoring whitespace, colons and 0x prefixes
func parseHex(s string) ([]byte, error) {
	var b strings.Builder
	for _, field := range strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == ':' || r == ','
	}) {
		field = strings.TrimPrefix(strings.TrimPrefix(field, "0x"), "0X")
		b.WriteString(field)
	}
	if b.Len() == 0 {
		return nil, fmt.Errorf("no hex input")
	}

	raw, err := hex.DecodeString(b.String())
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return raw, nil
}

func listArchive(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	readings, err := mbus.ReadArchive(f)
	for _, r := range readings {
		fmt.Print(mbus.FormatReading(r))
	}
	fmt.Printf("%d records\n", len(readings))
	return err
}
