package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/litongjava/tio-mail-wing/store"
	"github.com/spf13/cobra"
)

func newMailboxCmd(opts *rootOptions) *cobra.Command {
	mailboxCmd := &cobra.Command{
		Use:     "mailbox",
		Aliases: []string{"mailboxes"},
		Short:   "Manage mailboxes of an account",
	}

	mailboxCmd.AddCommand(&cobra.Command{
		Use:   "create <address> <mailbox>",
		Short: "Create a mailbox",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := opts.openDatabase(cmd.Context())
			if err != nil {
				return err
			}
			defer database.Close()

			userID, err := database.GetUserIDByAddress(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to look up %s: %w", args[0], err)
			}
			name := store.CanonicalMailboxName(args[1])
			mbox, err := database.CreateMailbox(cmd.Context(), userID, name)
			if err != nil {
				return fmt.Errorf("failed to create mailbox %s: %w", name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Mailbox %s created for %s (uidvalidity %d)\n", mbox.Name, args[0], mbox.UIDValidity)
			return nil
		},
	})

	mailboxCmd.AddCommand(&cobra.Command{
		Use:   "list <address>",
		Short: "List mailboxes with their counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := opts.openDatabase(cmd.Context())
			if err != nil {
				return err
			}
			defer database.Close()

			ctx := cmd.Context()
			userID, err := database.GetUserIDByAddress(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to look up %s: %w", args[0], err)
			}
			mailboxes, err := database.ListMailboxes(ctx, userID)
			if err != nil {
				return fmt.Errorf("failed to list mailboxes: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MAILBOX\tMESSAGES\tRECENT\tUNSEEN\tUIDNEXT\tUIDVALIDITY")
			for _, mbox := range mailboxes {
				status, err := database.GetMailboxStatus(ctx, mbox.ID)
				if err != nil {
					return fmt.Errorf("failed to read status of %s: %w", mbox.Name, err)
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n", mbox.Name, status.Messages, status.Recent, status.Unseen, status.UIDNext, status.UIDValidity)
			}
			return w.Flush()
		},
	})

	return mailboxCmd
}
