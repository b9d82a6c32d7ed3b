package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/and161185/chatsync/internal/config"
)

// Local store backends.
const (
	backendSQLite = "sqlite"
	backendPebble = "pebble"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Server     string
	CAFile     string
	SkipVerify bool
	Plaintext  bool
	Token      string

	DataDir    string
	Backend    string
	Chat       string
	Passphrase string

	Offline bool
	Wait    time.Duration
	JSON    bool
	Verbose bool
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "chatsync",
		Short:         "Offline-first chat client",
		Version:       fmt.Sprintf("%s (%s)", version, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if opts.Backend != backendSQLite && opts.Backend != backendPebble {
				return fmt.Errorf("invalid --backend %q: must be sqlite or pebble", opts.Backend)
			}
			return nil
		},
	}
	cmd.SetOut(out)

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.Server, "server", config.EnvOr("SERVER", "localhost:8443"), "server address")
	pf.StringVar(&opts.CAFile, "cacert", config.EnvOr("CACERT", ""), "CA cert (PEM)")
	pf.BoolVar(&opts.SkipVerify, "skip-verify", false, "skip cert verify (dev)")
	pf.BoolVar(&opts.Plaintext, "plaintext", false, "connect without TLS (dev)")
	pf.StringVar(&opts.Token, "token", config.EnvOr("TOKEN", ""), "bearer token, overrides the saved one")
	pf.StringVar(&opts.DataDir, "data", config.EnvOr("DATA", ""), "local data directory (default: config dir)")
	pf.StringVar(&opts.Backend, "backend", config.EnvOr("BACKEND", backendSQLite), "local store: sqlite|pebble")
	pf.StringVar(&opts.Chat, "chat", config.EnvOr("CHAT", "general"), "chat id")
	pf.StringVar(&opts.Passphrase, "passphrase", config.EnvOr("PASSPHRASE", ""), "end-to-end encrypt text with a shared passphrase")
	pf.BoolVar(&opts.Offline, "offline", false, "do not contact the server")
	pf.DurationVar(&opts.Wait, "wait", 10*time.Second, "how long to wait for delivery, 0 to only queue")
	pf.BoolVar(&opts.JSON, "json", false, "print JSON")
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(
		newTokenCmd(opts),
		newSendCmd(opts),
		newReplyCmd(opts),
		newEditCmd(opts),
		newRmCmd(opts),
		newReactCmd(opts),
		newShowCmd(opts),
		newWatchCmd(opts),
		newSyncCmd(opts),
		newOutboxCmd(opts),
	)
	return cmd
}
