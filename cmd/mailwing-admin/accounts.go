package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

func newAccountCmd(opts *rootOptions) *cobra.Command {
	accountCmd := &cobra.Command{
		Use:     "account",
		Aliases: []string{"accounts"},
		Short:   "Manage accounts",
	}

	var password string
	createCmd := &cobra.Command{
		Use:   "create <address>",
		Short: "Create an account with the default mailboxes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := resolvePassword(cmd, password)
			if err != nil {
				return err
			}
			database, err := opts.openDatabase(cmd.Context())
			if err != nil {
				return err
			}
			defer database.Close()

			id, err := database.CreateAccount(cmd.Context(), args[0], pw)
			if err != nil {
				return fmt.Errorf("failed to create account %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Account %s created (id %d)\n", args[0], id)
			return nil
		},
	}
	createCmd.Flags().StringVar(&password, "password", "", `Password for the account ("-" reads it from stdin)`)
	createCmd.MarkFlagRequired("password")
	accountCmd.AddCommand(createCmd)

	var newPassword string
	passwdCmd := &cobra.Command{
		Use:   "passwd <address>",
		Short: "Change the password of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := resolvePassword(cmd, newPassword)
			if err != nil {
				return err
			}
			database, err := opts.openDatabase(cmd.Context())
			if err != nil {
				return err
			}
			defer database.Close()

			if err := database.SetPassword(cmd.Context(), args[0], pw); err != nil {
				return fmt.Errorf("failed to update password for %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Password for %s updated\n", args[0])
			return nil
		},
	}
	passwdCmd.Flags().StringVar(&newPassword, "password", "", `New password ("-" reads it from stdin)`)
	passwdCmd.MarkFlagRequired("password")
	accountCmd.AddCommand(passwdCmd)

	accountCmd.AddCommand(&cobra.Command{
		Use:   "exists <address>",
		Short: "Report whether an account exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := opts.openDatabase(cmd.Context())
			if err != nil {
				return err
			}
			defer database.Close()

			exists, err := database.UserExists(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to look up %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s exists: %t\n", args[0], exists)
			return nil
		},
	})

	return accountCmd
}

// resolvePassword returns value, or the first line of stdin for "-".
func resolvePassword(cmd *cobra.Command, value string) (string, error) {
	if value != "-" {
		if value == "" {
			return "", fmt.Errorf("password must not be empty")
		}
		return value, nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read password from stdin: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", fmt.Errorf("password must not be empty")
	}
	return line, nil
}
