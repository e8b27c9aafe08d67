package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/davidbz/relayd/internal/config"
	"github.com/davidbz/relayd/internal/conversation"
	"github.com/davidbz/relayd/internal/http"
	"github.com/davidbz/relayd/internal/observability"
	"github.com/davidbz/relayd/internal/relay"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the relay over HTTP with server-sent events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			container, err := buildContainer(func(cfg *config.Config) {
				if cmd.Flags().Changed("port") {
					cfg.Server.Port = port
				}
				if opts.verbose {
					cfg.Log.Level = "debug"
				}
			})
			if err != nil {
				return err
			}

			return container.Invoke(func(
				server *http.Server,
				r *relay.Relay,
				conversations *conversation.Manager,
				relayCfg *config.RelayConfig,
			) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()

				serveErr := server.Start(ctx)

				// Workers get one shutdown timeout to acknowledge cancellation.
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), relayCfg.ShutdownTimeout)
				defer cancel()

				err := multierr.Combine(
					serveErr,
					r.Shutdown(shutdownCtx),
					conversations.Close(),
				)
				if err != nil {
					observability.FromContext(ctx).Error("shutdown finished with errors", observability.Error(err))
				}
				return err
			})
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port (default: SERVER_PORT)")

	return cmd
}
