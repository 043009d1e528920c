package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/MarcoPoloResearchLab/timetracker/internal/app"
	"github.com/MarcoPoloResearchLab/timetracker/internal/di"
	"github.com/MarcoPoloResearchLab/timetracker/internal/stopwatch"
	"github.com/MarcoPoloResearchLab/timetracker/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const listTimeLayout = "2006-01-02 15:04:05"

// withStore opens the database selected by the saved settings for one
// command. Local databases are used without replication.
func withStore(ctx context.Context, run func(ctx context.Context, st store.Store, logger *zap.Logger) error) error {
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

	current, err := tools.Settings.Load(ctx)
	if err != nil {
		return err
	}
	backend, err := tools.Stores(current)
	if err != nil {
		return err
	}
	if err := backend.Store.Open(ctx); err != nil {
		return err
	}
	defer func() {
		if err := backend.Store.Close(); err != nil {
			logger.Warn("closing database failed", zap.Error(err))
		}
	}()
	return run(ctx, backend.Store, logger)
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recurring timers and stopwatches",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return withStore(cmd.Context(), func(ctx context.Context, st store.Store, logger *zap.Logger) error {
				return printList(ctx, out, st, logger, time.Now())
			})
		},
	}
}

func printList(ctx context.Context, out io.Writer, st store.Store, logger *zap.Logger, now time.Time) error {
	timers, watches, err := app.Repositories(st, time.Now, time.Local, logger)
	if err != nil {
		return err
	}
	recurringTimers, err := timers.List(ctx)
	if err != nil {
		return err
	}
	stopwatches, err := watches.List(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "Recurring timers:")
	for _, timer := range recurringTimers {
		latest, ok := timer.Latest()
		if !ok {
			fmt.Fprintf(out, "  %-24s never\n", timer.Name)
			continue
		}
		since := now.Sub(time.UnixMilli(latest.TS)).Truncate(time.Second)
		fmt.Fprintf(out, "  %-24s %s (%s ago)\n", timer.Name, time.UnixMilli(latest.TS).Format(listTimeLayout), since)
	}

	fmt.Fprintln(out, "Stopwatches:")
	for _, watch := range stopwatches {
		elapsed := watch.ArchivedDurationMs
		marker := "archived"
		if !watch.Archived() {
			elapsed = stopwatch.Summarize(watch.Events).ElapsedAt(now.UnixMilli())
			marker = "stopped"
			if watch.Running() {
				marker = "running"
			}
		}
		fmt.Fprintf(out, "  %-24s %s %s\n", watch.Name, time.Duration(elapsed)*time.Millisecond, marker)
	}
	return nil
}

func newExportCommand() *cobra.Command {
	var (
		output   string
		compress bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every live document as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st store.Store, logger *zap.Logger) error {
				docs, err := st.ExportAll(ctx)
				if err != nil {
					return err
				}
				target := output
				if target == "" {
					target = store.ExportFileName(time.Now(), compress)
				}
				if target == "-" {
					return store.WriteExport(cmd.OutOrStdout(), docs, compress)
				}
				file, err := os.Create(target)
				if err != nil {
					return err
				}
				if err := store.WriteExport(file, docs, compress); err != nil {
					_ = file.Close()
					return err
				}
				if err := file.Close(); err != nil {
					return err
				}
				logger.Info("export written", zap.String("file", target), zap.Int("documents", len(docs)))
				fmt.Fprintf(cmd.OutOrStdout(), "exported %d documents to %s\n", len(docs), target)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file; - writes to stdout")
	cmd.Flags().BoolVar(&compress, "compress", false, "Compress the export with zstd")
	return cmd
}

func newImportCommand() *cobra.Command {
	var keepRevisions bool
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import documents from an export file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer file.Close()
			docs, err := store.ReadImport(file)
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), func(ctx context.Context, st store.Store, logger *zap.Logger) error {
				results, err := st.ImportAll(ctx, docs, store.ImportOptions{SkipRevisionCheck: keepRevisions})
				if err != nil {
					return err
				}
				failed := 0
				for _, result := range results {
					if result.Err != nil {
						failed++
						logger.Warn("document not imported", zap.String("id", result.ID), zap.Error(result.Err))
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d documents, %d failed\n", len(results)-failed, failed)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&keepRevisions, "keep-revisions", false, "Store documents with the revisions they carry")
	return cmd
}

func newUsageCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Estimate the storage used by the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st store.Store, _ *zap.Logger) error {
				usage, err := st.EstimateStorageUsage(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), usage.String())
				return nil
			})
		},
	}
}
