package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/davidbz/relayd/internal/chat"
	"github.com/davidbz/relayd/internal/config"
	"github.com/davidbz/relayd/internal/conversation"
	"github.com/davidbz/relayd/internal/dispatch"
	"github.com/davidbz/relayd/internal/domain"
	"github.com/davidbz/relayd/internal/relay"
	"github.com/davidbz/relayd/internal/terminal"
)

func newChatCmd(opts *rootOptions) *cobra.Command {
	var conversationID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long: `Start a conversational session. Replies stream as they arrive and are
added to the conversation once complete.

Press Ctrl-C to cancel a reply. Type '/reset' to clear the conversation,
'/history' to show it, and 'exit' to quit.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			container, err := buildContainer(opts.quietLogs)
			if err != nil {
				return err
			}

			if conversationID == "" {
				conversationID = uuid.NewString()
			}

			return container.Invoke(func(
				service *chat.Service,
				r *relay.Relay,
				conversations *conversation.Manager,
				relayCfg *config.RelayConfig,
			) error {
				defer conversations.Close()

				session := &chatSession{
					service:        service,
					renderer:       terminal.NewRenderer(os.Stdout, os.Stderr),
					conversationID: conversationID,
					settings:       opts.settings(),
					queueSize:      relayCfg.QueueSize,
					waitTimeout:    relayCfg.ShutdownTimeout,
				}
				session.run(cmd.Context())

				return r.Shutdown(cmd.Context())
			})
		},
	}

	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "Conversation to continue (default: a new one)")

	return cmd
}

type chatSession struct {
	service        *chat.Service
	renderer       *terminal.Renderer
	conversationID string
	settings       chat.Settings
	queueSize      int
	waitTimeout    time.Duration
}

func (s *chatSession) run(ctx context.Context) {
	s.renderer.Banner("relayd chat", "Ctrl-C cancels a reply. Type 'exit' to quit.")
	s.renderer.Info("conversation %s", s.conversationID)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		s.renderer.Prompt()
		if !scanner.Scan() {
			return
		}

		input := strings.TrimSpace(scanner.Text())
		switch input {
		case "":
			continue
		case "exit", "quit":
			s.renderer.Info("bye")
			return
		case "/reset":
			if err := s.service.Reset(ctx, s.conversationID); err != nil {
				s.renderer.Error(err)
				continue
			}
			s.renderer.Info("conversation cleared")
			continue
		case "/history":
			s.printHistory(ctx)
			continue
		}

		if err := s.send(ctx, input); err != nil {
			s.renderer.Error(err)
		}
	}
}

// send relays one message and runs a dispatch loop on the calling goroutine
// until the reply is finished. Ctrl-C cancels the reply instead of exiting.
func (s *chatSession) send(ctx context.Context, message string) error {
	loop := dispatch.NewLoop(s.queueSize)

	handle, err := s.service.Send(ctx, s.conversationID, s.settings, message, relay.WithDispatcher(loop))
	if err != nil {
		return err
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	go func() {
		select {
		case <-interrupts:
			handle.Cancel()
		case <-loop.Done():
		}
	}()

	s.renderer.Stream(handle, func(domain.FinalState) {
		loop.Stop()
	})

	if err := loop.Run(ctx); err != nil {
		loop.Stop()
		s.renderer.Interrupted()
		if waitErr := handle.CancelAndWait(s.waitTimeout); waitErr != nil {
			return multierr.Combine(err, waitErr)
		}
		return err
	}
	return nil
}

func (s *chatSession) printHistory(ctx context.Context) {
	turns, err := s.service.History(ctx, s.conversationID)
	if err != nil {
		s.renderer.Error(err)
		return
	}

	if len(turns) == 0 {
		s.renderer.Info("no turns yet")
		return
	}
	for _, turn := range turns {
		s.renderer.Info("%s: %s", turn.Role, turn.Content)
	}
	fmt.Fprintln(os.Stderr)
}
