// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package logging configures the zerolog loggers used across echostat.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Environment variables read by Init
const (
	EnvLevel   = "ECHOSTAT_LOG_LEVEL"
	EnvNoColor = "ECHOSTAT_LOG_NOCOLOR"
)

const appName = "echostat"

var (
	mu   sync.RWMutex
	root = New(os.Stderr, zerolog.InfoLevel, false)
)

// New builds a console logger writing to out
func New(out io.Writer, level zerolog.Level, noColor bool) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    noColor,
	}
	return zerolog.New(output).Level(level).With().Timestamp().Str("app", appName).Logger()
}

// NewTest builds an uncoloured debug logger without timestamps, for tests
// that assert on log output.
func NewTest(out io.Writer) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:          out,
		NoColor:      true,
		PartsExclude: []string{zerolog.TimestampFieldName},
	}
	return zerolog.New(output).Level(zerolog.DebugLevel)
}

// ParseLevel maps a level name to a zerolog level. Empty means info.
func ParseLevel(s string) (zerolog.Level, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	if s == "warning" {
		s = "warn"
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// Init installs the process logger. A non-empty level overrides
// ECHOSTAT_LOG_LEVEL.
func Init(level string) (zerolog.Logger, error) {
	if level == "" {
		level = os.Getenv(EnvLevel)
	}
	lvl, err := ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}
	noColor := os.Getenv(EnvNoColor) != ""

	logger := New(os.Stderr, lvl, noColor)
	SetRoot(logger)
	return logger, nil
}

// SetRoot replaces the logger returned by Root and For
func SetRoot(logger zerolog.Logger) {
	mu.Lock()
	root = logger
	log.Logger = logger
	mu.Unlock()
}

// Root returns the process logger
func Root() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// For returns a sub-logger tagged with a component name
func For(component string) zerolog.Logger {
	return Root().With().Str("component", component).Logger()
}
