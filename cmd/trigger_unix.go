// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

//go:build !windows

package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Thermoquad/echostat/pkg/logging"
)

// watchTriggerSignal queues an immediate read on every SIGUSR1
func watchTriggerSignal(ctx context.Context, r immediateReader) {
	log := logging.For("trigger")
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if err := r.RequestImmediateRead(); err != nil {
				log.Warn().Err(err).Msg("SIGUSR1 read rejected")
				continue
			}
			log.Info().Msg("SIGUSR1 read queued")
		}
	}
}
