// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// dwired hosts a stub debugger engine behind a debug-wire session controller.
// It exists for manual protocol testing: point a wire-protocol debugger (or
// netcat plus the handshake bytes) at the listening port and watch the
// session lifecycle in the logs.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/microsoft/dwire/pkg/logger"
)

const (
	errCommandError = 1
)

func main() {
	log := logger.New("dwired").WithName("dwired")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(log)
	if err := root.ExecuteContext(ctx); err != nil {
		log.Error(err, "dwired failed")
		log.Flush()
		os.Exit(errCommandError)
	}

	log.Flush()
}
