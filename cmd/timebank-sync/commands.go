package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/alexjbarnes/timebank-sync/internal/credentials"
	"github.com/alexjbarnes/timebank-sync/internal/models"
	"github.com/alexjbarnes/timebank-sync/internal/state"
	"github.com/alexjbarnes/timebank-sync/timebank"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "timebank-sync",
		Short:         "Negotiate and chat about time-exchange handshakes",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolVar(&a.con.jsonOut, "json", false, "print JSON instead of text")
	root.PersistentFlags().BoolVarP(&a.quiet, "quiet", "q", false, "suppress log output")

	root.AddCommand(
		newLoginCmd(a),
		newLogoutCmd(a),
		newListCmd(a),
		newShowCmd(a),
		newSendCmd(a),
		newBalanceCmd(a),
		newActionsCmd(a),
		newInitiateCmd(a),
		newActionCmd(a, "approve", "Accept the provider's proposed details", (*timebank.Machine).Approve),
		newActionCmd(a, "request-changes", "Send the proposal back to the provider", (*timebank.Machine).RequestChanges),
		newActionCmd(a, "decline", "Decline a pending handshake", (*timebank.Machine).Decline),
		newActionCmd(a, "cancel", "Withdraw a pending handshake", (*timebank.Machine).Cancel),
		newActionCmd(a, "complete", "Confirm the exchange took place", (*timebank.Machine).ConfirmCompletion),
		newReviewCmd(a),
		newWatchCmd(a),
	)

	return root
}

// withConversation opens a REST-only session, selects the conversation
// matching query and runs fn.
func (a *app) withConversation(ctx context.Context, query string, fn func(*liveSession, models.Conversation) error) error {
	s, err := a.openSession(ctx, sessionOptions{})
	if err != nil {
		return err
	}
	defer s.Close()

	conv, err := selectConversation(s, query)
	if err != nil {
		return err
	}

	return fn(s, conv)
}

func newLoginCmd(a *app) *cobra.Command {
	var token, userID string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the bearer token used for the marketplace API",
		Long: `Store the bearer token and user id in the configured credential backend.

If --token is omitted the token is read from stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if token == "" {
				a.con.errorf("Enter token: ")

				scanner := bufio.NewScanner(cmd.InOrStdin())
				if !scanner.Scan() {
					return errors.New("no token given")
				}

				token = strings.TrimSpace(scanner.Text())
			}

			_, src, closeFn, err := a.credentialStore()
			if err != nil {
				return err
			}
			defer closeFn()

			creds := state.Credentials{Token: token, UserID: userID, UpdatedAt: time.Now().UTC()}
			if err := saveCredentials(src, creds); err != nil {
				return fmt.Errorf("saving credentials: %w", err)
			}

			a.con.printf("Signed in as %s.\n", userID)

			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "bearer token")
	cmd.Flags().StringVar(&userID, "user-id", "", "your user id")
	_ = cmd.MarkFlagRequired("user-id")

	return cmd
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove stored credentials",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			_, src, closeFn, err := a.credentialStore()
			if err != nil {
				return err
			}
			defer closeFn()

			if err := clearCredentials(src); err != nil {
				return fmt.Errorf("clearing credentials: %w", err)
			}

			a.con.printf("Signed out.\n")

			return nil
		},
	}
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "list [query]",
		Aliases: []string{"ls"},
		Short:   "List conversations, most recent first",
		Example: strings.TrimSpace(`
  # Everything
  timebank-sync list

  # Conversations with someone called Ana, or about gardening
  timebank-sync list ana
  timebank-sync list garden
`),
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openSession(cmd.Context(), sessionOptions{})
			if err != nil {
				return err
			}
			defer s.Close()

			convs := s.Conversations()
			if len(args) == 1 {
				convs = s.Find(args[0])
			}

			return a.con.conversations(convs)
		},
	}
}

func newShowCmd(a *app) *cobra.Command {
	var pages int

	cmd := &cobra.Command{
		Use:   "show <conversation>",
		Short: "Show a conversation and its recent messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			return a.withConversation(ctx, args[0], func(s *liveSession, conv models.Conversation) error {
				if err := s.LoadHistory(ctx); err != nil {
					return err
				}

				for i := 1; i < pages && s.HasMore(); i++ {
					if err := s.LoadOlder(ctx); err != nil {
						return err
					}
				}

				if a.con.jsonOut {
					return a.con.json(struct {
						Conversation models.Conversation `json:"conversation"`
						Messages     []models.Message    `json:"messages"`
					}{conv, s.Messages()})
				}

				if err := a.con.conversation(conv); err != nil {
					return err
				}

				a.con.printf("\n")
				a.con.setPeer(conv.Counterpart.Name)

				return a.con.messages(s.Messages())
			})
		},
	}

	cmd.Flags().IntVar(&pages, "pages", 1, "number of history pages to load")

	return cmd
}

func newSendCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "send <conversation> <message...>",
		Short: "Send a chat message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			return a.withConversation(ctx, args[0], func(s *liveSession, conv models.Conversation) error {
				msg, err := s.Send(ctx, strings.Join(args[1:], " "))
				if err != nil {
					return err
				}

				if a.con.jsonOut {
					return a.con.json(msg)
				}

				a.con.setPeer(conv.Counterpart.Name)
				a.con.message(msg)

				return nil
			})
		},
	}
}

func newBalanceCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show your time balance in hours",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openSession(cmd.Context(), sessionOptions{})
			if err != nil {
				return err
			}
			defer s.Close()

			bal, ok := s.Balance()
			if !ok {
				return errors.New("balance is unavailable")
			}

			if a.con.jsonOut {
				return a.con.json(map[string]float64{"balance": bal})
			}

			a.con.printf("%s hours\n", formatHours(bal))

			return nil
		},
	}
}

func newActionsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "actions <conversation>",
		Short: "List the handshake actions available to you right now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withConversation(cmd.Context(), args[0], func(_ *liveSession, conv models.Conversation) error {
				actions := timebank.Allowed(conv)

				if a.con.jsonOut {
					return a.con.json(actions)
				}

				if len(actions) == 0 {
					a.con.printf("No actions available (%s, you are the %s).\n", conv.Status, conv.Role())
					return nil
				}

				for _, act := range actions {
					a.con.printf("%s\n", act)
				}

				return nil
			})
		},
	}
}

func newInitiateCmd(a *app) *cobra.Command {
	var (
		location string
		hours    float64
		at       string
	)

	cmd := &cobra.Command{
		Use:   "initiate <conversation>",
		Short: "Propose the exact time, place and duration (provider only)",
		Example: strings.TrimSpace(`
  timebank-sync initiate ana --location "Community garden" --hours 2 --at "2026-06-01 10:00"
`),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			when, err := parseWhen(at)
			if err != nil {
				return err
			}

			details := models.InitiateDetails{ExactLocation: location, ExactDuration: hours, ScheduledTime: when}
			ctx := cmd.Context()

			return a.withConversation(ctx, args[0], func(s *liveSession, conv models.Conversation) error {
				if err := s.Handshakes().Initiate(ctx, conv.HandshakeID, details); err != nil {
					return err
				}

				return a.printSelected(s)
			})
		},
	}

	cmd.Flags().StringVar(&location, "location", "", "where the exchange takes place")
	cmd.Flags().Float64Var(&hours, "hours", 0, "duration in hours")
	cmd.Flags().StringVar(&at, "at", "", `start time, RFC 3339 or "2006-01-02 15:04" local time`)

	return cmd
}

// newActionCmd builds a command for a handshake action that takes no
// arguments beyond the conversation.
func newActionCmd(a *app, use, short string, do func(*timebank.Machine, context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <conversation>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			return a.withConversation(ctx, args[0], func(s *liveSession, conv models.Conversation) error {
				if err := do(s.Handshakes(), ctx, conv.HandshakeID); err != nil {
					return err
				}

				return a.printSelected(s)
			})
		},
	}
}

func newReviewCmd(a *app) *cobra.Command {
	var rep models.Reputation

	cmd := &cobra.Command{
		Use:   "review <conversation>",
		Short: "Leave feedback for the provider after completion (receiver only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			return a.withConversation(ctx, args[0], func(s *liveSession, conv models.Conversation) error {
				if err := s.Handshakes().SubmitReputation(ctx, conv.HandshakeID, rep); err != nil {
					return err
				}

				return a.printSelected(s)
			})
		},
	}

	cmd.Flags().BoolVar(&rep.Punctual, "punctual", false, "the provider was punctual")
	cmd.Flags().BoolVar(&rep.Helpful, "helpful", false, "the provider was helpful")
	cmd.Flags().BoolVar(&rep.Kind, "kind", false, "the provider was kind")
	cmd.Flags().StringVar(&rep.Comment, "comment", "", "free-text comment")

	return cmd
}

func (a *app) printSelected(s *liveSession) error {
	conv, ok := s.Selected()
	if !ok {
		return nil
	}

	return a.con.conversation(conv)
}

func newWatchCmd(a *app) *cobra.Command {
	var interactive bool

	cmd := &cobra.Command{
		Use:   "watch [conversation]",
		Short: "Follow a conversation live",
		Long: `Follow a conversation over the push channel, printing messages as they
arrive. Without an argument the most recently active conversation is used.

With --interactive every line read from stdin is sent as a message.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := ""
			if len(args) == 1 {
				query = args[0]
			}

			var in io.Reader
			if interactive {
				in = cmd.InOrStdin()
			}

			return a.watch(cmd.Context(), query, in)
		},
	}

	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "send lines read from stdin")

	return cmd
}

func (a *app) watch(ctx context.Context, query string, in io.Reader) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	s, err := a.openSession(ctx, sessionOptions{
		push:     true,
		notifier: timebank.NotifierFunc(a.con.notice),
		onMessage:   a.con.message,
		onConnState: func(st timebank.ConnState) {
			if st.Status == timebank.ConnOpen {
				a.con.errorf("* live (%s)\n", st.HandshakeID)
			}
		},
	})
	if err != nil {
		return err
	}
	defer s.Close()

	conv, ok := s.Selected()
	if query != "" {
		conv, err = selectConversation(s, query)
		if err != nil {
			return err
		}
	} else if !ok {
		return errors.New("no conversations to watch")
	}

	a.con.setPeer(conv.Counterpart.Name)

	if err := s.LoadHistory(ctx); err != nil {
		return err
	}

	if err := a.con.conversation(conv); err != nil {
		return err
	}

	if err := a.con.messages(s.Messages()); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if fs, ok := s.src.(*credentials.FileSource); ok {
		g.Go(func() error {
			err := fs.Watch(gctx, s.logger, func(c state.Credentials) {
				s.SetToken(c.Token)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		})
	}

	if in != nil {
		lines := readLines(in)

		g.Go(func() error {
			// Closing stdin ends the session.
			defer stop()
			a.sendLines(gctx, s, lines)

			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	return g.Wait()
}

// sendLines sends every non-empty line until lines is closed or ctx is
// done. A failed send is reported and the text echoed back for retry.
func (a *app) sendLines(ctx context.Context, s *liveSession, lines <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}

			if strings.TrimSpace(line) == "" {
				continue
			}

			if _, err := s.Send(ctx, line); err != nil {
				var se *timebank.SendError
				if errors.As(err, &se) {
					a.con.errorf("! not sent: %s\n", se.Text)
				}

				s.logger.Debug("send failed", slog.String("error", err.Error()))
			}
		}
	}
}

// readLines feeds lines from r into a channel that is closed at EOF. The
// reader goroutine cannot be interrupted; it exits with the process.
func readLines(r io.Reader) <-chan string {
	out := make(chan string)

	go func() {
		defer close(out)

		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			out <- scanner.Text()
		}
	}()

	return out
}

// parseWhen accepts RFC 3339 or a local "YYYY-MM-DD HH:MM" time.
func parseWhen(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	t, err := time.ParseInLocation(timeLayout, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --at %q: use RFC 3339 or %q", s, timeLayout)
	}

	return t, nil
}
