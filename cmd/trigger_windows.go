// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

//go:build windows

package cmd

import (
	"context"

	"github.com/Thermoquad/echostat/pkg/logging"
)

// watchTriggerSignal is a no-op: there is no SIGUSR1 on Windows, use
// POST /read instead
func watchTriggerSignal(ctx context.Context, r immediateReader) {
	log := logging.For("trigger")
	log.Debug().Msg("signal trigger unavailable on windows")
}
