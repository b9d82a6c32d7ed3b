package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/and161185/chatsync/internal/auth"
	"github.com/and161185/chatsync/internal/config"
	"github.com/and161185/chatsync/internal/model"
)

func newTokenCmd(opts *RootOptions) *cobra.Command {
	var (
		user   string
		jwtKey string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint and save a development token",
		Long: `Mint an HS256 token for --user with the server's signing key and save it.
Production deployments obtain tokens from their identity provider and pass --token.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if jwtKey == "" {
				return fmt.Errorf("need --jwt-key or CHATSYNC_JWT_KEY")
			}
			tok, exp, err := auth.Issue([]byte(jwtKey), user, time.Now(), ttl)
			if err != nil {
				return err
			}
			if err := saveToken(tok, user, exp); err != nil {
				return err
			}
			if opts.JSON {
				return printJSON(cmd.OutOrStdout(), tokenFile{AccessToken: tok, UserID: user, ExpiresAt: exp})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "token for %s saved, expires %s\n", user, exp.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id")
	cmd.Flags().StringVar(&jwtKey, "jwt-key", config.EnvOr("JWT_KEY", ""), "HS256 signing key")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// withSession opens the chat, runs fn and then tries to deliver what fn queued.
func withSession(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, a *app) (string, error)) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.sess.Start(ctx); err != nil {
		return err
	}
	id, err := fn(ctx, a)
	if err != nil {
		return err
	}
	_, pending, err := a.flush(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if opts.JSON {
		return printJSON(out, map[string]any{"id": id, "pending": pending})
	}
	if id != "" {
		fmt.Fprintln(out, id)
	}
	if pending > 0 {
		fmt.Fprintf(out, "%d item(s) queued for delivery\n", pending)
	}
	return nil
}

func newSendCmd(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "send <text>...",
		Short: "Post a message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, a *app) (string, error) {
				return a.sess.Create(ctx, strings.Join(args, " "))
			})
		},
	}
}

func newReplyCmd(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reply <message-id> <text>...",
		Short: "Reply to a message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, a *app) (string, error) {
				parent, err := resolveID(a, args[0])
				if err != nil {
					return "", err
				}
				return a.sess.Reply(ctx, parent, strings.Join(args[1:], " "))
			})
		},
	}
}

func newEditCmd(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "edit <message-id> <text>...",
		Short: "Replace the text of a message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, a *app) (string, error) {
				id, err := resolveID(a, args[0])
				if err != nil {
					return "", err
				}
				return id, a.sess.Edit(ctx, id, strings.Join(args[1:], " "))
			})
		},
	}
}

func newRmCmd(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <message-id>",
		Short: "Delete a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, a *app) (string, error) {
				id, err := resolveID(a, args[0])
				if err != nil {
					return "", err
				}
				return id, a.sess.Delete(ctx, id)
			})
		},
	}
}

func newReactCmd(opts *RootOptions) *cobra.Command {
	var add, remove bool
	cmd := &cobra.Command{
		Use:   "react <message-id> <emoji>",
		Short: "Toggle a reaction (or force it with --add/--remove)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if add && remove {
				return fmt.Errorf("--add and --remove are exclusive")
			}
			return withSession(cmd, opts, func(ctx context.Context, a *app) (string, error) {
				id, err := resolveID(a, args[0])
				if err != nil {
					return "", err
				}
				switch {
				case add:
					err = a.sess.AddReaction(ctx, id, args[1])
				case remove:
					err = a.sess.RemoveReaction(ctx, id, args[1])
				default:
					_, err = a.sess.ToggleReaction(ctx, id, args[1])
				}
				return id, err
			})
		},
	}
	cmd.Flags().BoolVar(&add, "add", false, "add the reaction")
	cmd.Flags().BoolVar(&remove, "remove", false, "remove the reaction")
	return cmd
}

// resolveID expands a unique id prefix, as printed by show, to the full message id.
func resolveID(a *app, prefix string) (string, error) {
	if _, ok := a.sess.Message(prefix); ok {
		return prefix, nil
	}
	var found []string
	for _, m := range a.sess.Messages() {
		if strings.HasPrefix(m.ID, prefix) {
			found = append(found, m.ID)
		}
	}
	switch len(found) {
	case 0:
		// may target a message this device has not seen yet
		return prefix, nil
	case 1:
		return found[0], nil
	}
	return "", fmt.Errorf("id prefix %q is ambiguous", prefix)
}

func newShowCmd(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the chat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.sess.Start(ctx); err != nil {
				return err
			}
			msgs := a.sess.Messages()
			if opts.JSON {
				return printJSON(cmd.OutOrStdout(), msgs)
			}
			renderMessages(cmd.OutOrStdout(), msgs)
			return nil
		},
	}
}

func newWatchCmd(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow the chat live and deliver queued items until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.Offline {
				return fmt.Errorf("watch needs a connection")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close()
			out := cmd.OutOrStdout()
			cancel := a.sess.OnChange(func(msgs []model.Message) {
				fmt.Fprintf(out, "--- %s (%d messages)\n", opts.Chat, len(msgs))
				renderMessages(out, msgs)
			})
			defer cancel()
			if err := a.sess.Start(ctx); err != nil {
				return err
			}
			a.runner.Start(ctx)
			<-ctx.Done()
			return nil
		},
	}
}

func newSyncCmd(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Catch up with the server and deliver queued items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.Offline {
				return fmt.Errorf("sync needs a connection")
			}
			ctx := cmd.Context()
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.sess.Start(ctx); err != nil {
				return err
			}
			delivered, pending, err := a.flush(ctx)
			if err != nil {
				return err
			}
			res := map[string]any{
				"chat": opts.Chat, "cursor": a.sess.Cursor(), "messages": len(a.sess.Messages()),
				"delivered": delivered, "pending": pending,
			}
			if opts.JSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: cursor %d, %d messages, %d delivered, %d pending\n",
				opts.Chat, a.sess.Cursor(), len(a.sess.Messages()), delivered, pending)
			return nil
		},
	}
}
