package main

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/timetracker/internal/di"
	"github.com/spf13/cobra"
)

func newAccountsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage accounts of the remote server",
	}
	cmd.AddCommand(newAccountsAddCommand())
	return cmd
}

func newAccountsAddCommand() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Create an account or replace its password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			accounts, cleanup, err := di.InitAccounts(appConfig, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := accounts.SetPassword(cmd.Context(), args[0], password); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "account %s saved\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "Account password")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}
