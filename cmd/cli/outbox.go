package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newOutboxCmd(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and purge undelivered local events",
	}
	cmd.AddCommand(newOutboxLsCmd(opts), newOutboxPurgeCmd(opts))
	return cmd
}

func newOutboxLsCmd(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List queued items, parked ones included",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openStoreOnly(opts)
			if err != nil {
				return err
			}
			defer a.close()
			items, err := a.store.List(cmd.Context())
			if err != nil {
				return err
			}
			rows := outboxRows(items)
			if opts.JSON {
				return printJSON(cmd.OutOrStdout(), rows)
			}
			renderOutbox(cmd.OutOrStdout(), rows)
			return nil
		},
	}
}

func newOutboxPurgeCmd(opts *RootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "purge [item-id]...",
		Short: "Drop queued items without delivering them",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return fmt.Errorf("give item ids or --all")
			}
			a, err := openStoreOnly(opts)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()
			if all {
				if err := a.store.Clear(ctx); err != nil {
					return err
				}
			}
			for _, id := range args {
				if err := a.store.MarkDone(ctx, id); err != nil {
					return fmt.Errorf("purge %s: %w", id, err)
				}
			}
			n, err := a.store.Size(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d item(s) left\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "purge every item")
	return cmd
}
