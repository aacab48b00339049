// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/microsoft/dwire/internal/dwp"
	"github.com/microsoft/dwire/pkg/logger"
)

func newRootCommand(log *logger.Logger) *cobra.Command {
	var (
		host           string
		port           uint16
		client         bool
		suspend        bool
		transportName  string
		bridgeEndpoint string
		bridgeToken    string
	)

	cmd := &cobra.Command{
		Use:          "dwired",
		Short:        "Run a debug-wire session controller against a stub engine",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := dwp.Options{
				Server:         !client,
				Suspend:        suspend,
				Host:           host,
				Port:           port,
				BridgeEndpoint: bridgeEndpoint,
				BridgeToken:    bridgeToken,
			}

			switch transportName {
			case "socket":
				opts.Transport = dwp.TransportSocket
			case "bridge":
				opts.Transport = dwp.TransportBridge
			default:
				return fmt.Errorf("unknown transport %q (want socket or bridge)", transportName)
			}

			engine := newStubEngine(log.Logger)

			sess, createErr := dwp.NewSession(dwp.Config{
				Options: opts,
				Engine:  engine,
				Runtime: engine,
				Logger:  log.Logger,
			})
			if createErr != nil {
				return createErr
			}
			defer sess.Close()

			log.Info("Session controller running",
				"transport", opts.Transport.String(),
				"server", opts.Server,
				"suspend", opts.Suspend)

			<-cmd.Context().Done()
			log.Info("Shutting down")
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&host, "host", "", "Address to bind (server mode) or connect to (client mode)")
	fs.Uint16Var(&port, "port", 8700, "TCP port for the socket transport")
	fs.BoolVar(&client, "client", false, "Connect out to a waiting debugger instead of listening")
	fs.BoolVar(&suspend, "suspend", false, "Block startup until a debugger has attached")
	fs.StringVar(&transportName, "transport", "socket", "Transport kind: socket or bridge")
	fs.StringVar(&bridgeEndpoint, "bridge-endpoint", "", "WebSocket URL of the bridge intermediary")
	fs.StringVar(&bridgeToken, "bridge-token", "", "Authentication token for the bridge handshake")
	log.AddLevelFlag(fs)

	return cmd
}
