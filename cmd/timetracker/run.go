package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/timetracker/internal/app"
	"github.com/MarcoPoloResearchLab/timetracker/internal/config"
	"github.com/MarcoPoloResearchLab/timetracker/internal/di"
	"github.com/MarcoPoloResearchLab/timetracker/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newRunCommand() *cobra.Command {
	var (
		console        bool
		statusInterval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the client: keep the local database replicating with the remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd.Context(), cmd.OutOrStdout(), console, statusInterval)
		},
	}
	cmd.Flags().BoolVar(&console, "console", false, "Echo log messages to stdout in console format")
	cmd.Flags().DurationVar(&statusInterval, "status-interval", 0, "Print a status line at this interval")
	cmd.Flags().Bool("mobile", false, "Suspend replication while the client is hidden")
	bindLocalFlag(cmd, "client.mobile", "mobile")
	return cmd
}

func runClient(ctx context.Context, out io.Writer, console bool, statusInterval time.Duration) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	buffer := logging.NewBuffer(0)
	logger, err := logging.NewBufferedLogger(appConfig.LogLevel, buffer)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	client, cleanup, err := di.InitClient(appConfig, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if console {
		lines := buffer.Subscribe(signalCtx)
		go func() {
			for line := range lines.C() {
				fmt.Fprintln(out, line)
			}
		}()
	}
	if statusInterval > 0 {
		go reportStatus(signalCtx, out, client, statusInterval)
	}

	logger.Info("client starting", zap.String("data_dir", appConfig.DataDir))
	return client.Run(signalCtx)
}

func reportStatus(ctx context.Context, out io.Writer, client *app.Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		projection, err := client.State()
		if err != nil {
			continue
		}
		controller, err := client.Controller()
		if err != nil {
			continue
		}
		st, err := client.Store()
		if err != nil {
			continue
		}
		status := st.SyncStatus()
		connectivity := controller.State()
		fmt.Fprintf(out, "timers=%d stopwatches=%d running=%t online=%t sync=%t active=%t error=%t\n",
			len(projection.Recurring.Snapshot().Items),
			len(projection.Stopwatches.Snapshot().Items),
			projection.AnyRunning(),
			connectivity.Online,
			status.Enabled,
			status.Active,
			status.Error,
		)
	}
}
