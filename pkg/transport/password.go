// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"
)

// PasswordEnv holds the WebSocket password when set
const PasswordEnv = "ECHOSTAT_PASSWORD"

// GetPassword retrieves password from environment or prompts user
func GetPassword() (string, error) {
	if pw := os.Getenv(PasswordEnv); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// not a terminal
		return readPasswordLine(os.Stdin, os.Stderr)
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

func readPasswordLine(in io.Reader, out io.Writer) (string, error) {
	reader := bufio.NewReader(in)
	password, err := reader.ReadString('\n')
	if err != nil && !(err == io.EOF && password != "") {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	fmt.Fprintln(out)
	return strings.TrimSpace(password), nil
}
