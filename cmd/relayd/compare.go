package main

import (
	"context"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/davidbz/relayd/internal/chat"
	"github.com/davidbz/relayd/internal/config"
	"github.com/davidbz/relayd/internal/conversation"
	"github.com/davidbz/relayd/internal/dispatch"
	"github.com/davidbz/relayd/internal/relay"
	"github.com/davidbz/relayd/internal/terminal"
)

func newCompareCmd(opts *rootOptions) *cobra.Command {
	var conversationID string

	cmd := &cobra.Command{
		Use:   "compare [message]",
		Short: "Send a message with and without conversation history side by side",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := buildContainer(opts.quietLogs)
			if err != nil {
				return err
			}

			message := strings.Join(args, " ")

			return container.Invoke(func(
				service *chat.Service,
				r *relay.Relay,
				conversations *conversation.Manager,
				relayCfg *config.RelayConfig,
			) error {
				defer conversations.Close()
				defer func() { _ = r.Shutdown(context.WithoutCancel(cmd.Context())) }()

				return runCompare(cmd.Context(), service, terminal.NewRenderer(os.Stdout, os.Stderr),
					conversationID, opts.settings(), message, relayCfg.QueueSize)
			})
		},
	}

	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "default", "Conversation used by the history lane")

	return cmd
}

// runCompare prints both lanes once both have finished. Ctrl-C cancels both.
func runCompare(
	ctx context.Context,
	service *chat.Service,
	renderer *terminal.Renderer,
	conversationID string,
	settings chat.Settings,
	message string,
	queueSize int,
) error {
	loop := dispatch.NewLoop(queueSize)

	cmp, err := service.Compare(ctx, conversationID, settings, message, loop)
	if err != nil {
		return err
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	go func() {
		select {
		case <-interrupts:
			cmp.Group.Cancel()
		case <-loop.Done():
		}
	}()

	renderer.Waiting()
	renderer.Lane("history", cmp.WithHistory)
	renderer.Lane("stateless", cmp.Stateless)
	cmp.Group.OnAllDone(loop.Stop)

	if err := loop.Run(ctx); err != nil {
		return err
	}

	return cmp.Group.Wait(ctx)
}
