package main

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/timetracker/internal/di"
	"github.com/MarcoPoloResearchLab/timetracker/internal/settings"
	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

const maskedPassword = "********"

func withSettings(ctx context.Context, run func(ctx context.Context, service *settings.Service) error) error {
	appConfig, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	tools, cleanup, err := di.InitTools(appConfig, logger)
	if err != nil {
		return err
	}
	defer cleanup()
	return run(ctx, tools.Settings)
}

func newSettingsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change the saved client settings",
	}
	cmd.AddCommand(newSettingsShowCommand(), newSettingsSetCommand())
	return cmd
}

func newSettingsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the saved settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSettings(cmd.Context(), func(ctx context.Context, service *settings.Service) error {
				current, err := service.Load(ctx)
				if err != nil {
					return err
				}
				if current.Password != "" {
					current.Password = maskedPassword
				}
				encoded, err := json.MarshalIndent(current, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
				if syncURL, ok, err := redactedSyncURL(current); err == nil && ok {
					fmt.Fprintf(cmd.OutOrStdout(), "sync url: %s\n", syncURL)
				}
				return nil
			})
		},
	}
}

func redactedSyncURL(current settings.Settings) (string, bool, error) {
	target, ok, err := current.Target()
	if err != nil || !ok {
		return "", ok, err
	}
	return target.Redacted(), true, nil
}

func newSettingsSetCommand() *cobra.Command {
	var next settings.Settings
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Validate and save settings; only the given flags change",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			return withSettings(cmd.Context(), func(ctx context.Context, service *settings.Service) error {
				saved, err := service.Update(ctx, func(current *settings.Settings) {
					if flags.Changed("endpoint") {
						current.Endpoint = next.Endpoint
					}
					if flags.Changed("user") {
						current.User = next.User
					}
					if flags.Changed("password") {
						current.Password = next.Password
					}
					if flags.Changed("sync") {
						current.EnableRemoteSync = next.EnableRemoteSync
					}
					if flags.Changed("db-name") {
						current.DBName = next.DBName
					}
					if flags.Changed("db-engine") {
						current.DBEngine = next.DBEngine
					}
					if flags.Changed("cloud-config") {
						current.CloudConfig = next.CloudConfig
					}
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "settings saved (database %s, engine %s, sync %t)\n", saved.DatabaseName(), saved.Engine(), saved.SyncWanted())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&next.Endpoint, "endpoint", "", "Remote endpoint, e.g. sync.example.com or https://host")
	cmd.Flags().StringVar(&next.User, "user", "", "Remote user")
	cmd.Flags().StringVar(&next.Password, "password", "", "Remote password")
	cmd.Flags().BoolVar(&next.EnableRemoteSync, "sync", false, "Enable replication with the remote")
	cmd.Flags().StringVar(&next.DBName, "db-name", "", "Database name")
	cmd.Flags().StringVar(&next.DBEngine, "db-engine", "", "Database engine (local, cloud)")
	cmd.Flags().StringVar(&next.CloudConfig, "cloud-config", "", "Cloud engine options as JSON")
	return cmd
}
