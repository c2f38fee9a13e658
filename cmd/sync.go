package cmd

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/policy-news-crawler/internal/crawler"
	"github.com/JakeFAU/policy-news-crawler/internal/orchestrator"
	"github.com/JakeFAU/policy-news-crawler/internal/report"
)

type syncOptions struct {
	days   int
	resync bool
	remote bool
	report string
}

func newSyncCmd() *cobra.Command {
	opts := &syncOptions{}
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Runs one sync pass",
		Long: `Fetches the listing, extracts every candidate published within the window
and saves it to the configured record store, or submits it to the remote site
with --remote. Prints the run result as JSON.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSyncCommand(cmd, opts)
		},
	}
	cmd.Flags().IntVar(&opts.days, "days", 0, "window in days (default target.default_days)")
	cmd.Flags().BoolVar(&opts.resync, "resync", false, "rewrite records whose title already exists")
	cmd.Flags().BoolVar(&opts.remote, "remote", false, "submit records to remote.base_url instead of the local store")
	cmd.Flags().StringVar(&opts.report, "report", "", "also write an .xlsx run report to this path")
	return cmd
}

func runSyncCommand(cmd *cobra.Command, opts *syncOptions) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	days, err := windowDays(opts.days, a.Config.Target.DefaultDays)
	if err != nil {
		return err
	}

	orch := a.Orchestrator
	if opts.remote {
		if orch, err = a.RemoteOrchestrator(); err != nil {
			return err
		}
	}

	result, runErr := orch.Run(cmd.Context(), orchestrator.Request{Days: days, Resync: opts.resync})
	if runErr != nil && result.RunID == "" {
		return fmt.Errorf("sync: %w", runErr)
	}
	if opts.report != "" {
		if err := report.WriteFile(opts.report, result); err != nil {
			a.Logger.Warn("write report failed", zap.String("path", opts.report), zap.Error(err))
		}
	}
	if err := printJSON(cmd.OutOrStdout(), result); err != nil {
		return err
	}
	if runErr != nil {
		return fmt.Errorf("sync: %w", runErr)
	}
	return nil
}

func windowDays(flagDays, defaultDays int) (int, error) {
	days := flagDays
	if days == 0 {
		days = defaultDays
	}
	if days < 1 || days > 365 {
		return 0, errors.New("days must be between 1 and 365, got " + strconv.Itoa(days))
	}
	return days, nil
}

func newPreviewCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Lists candidates without fetching details",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			window, err := windowDays(days, a.Config.Target.DefaultDays)
			if err != nil {
				return err
			}
			news, err := a.Orchestrator.FetchListing(cmd.Context(), window)
			if err != nil {
				return err
			}
			if news == nil {
				news = []crawler.Candidate{}
			}
			return printJSON(cmd.OutOrStdout(), news)
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "window in days (default target.default_days)")
	return cmd
}

func newDetailCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detail <url>",
		Short: "Extracts one detail page and prints its body and attachments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			doc, err := a.Orchestrator.FetchDetail(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), doc)
		},
	}
}

func newPurgeCmd() *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "purge <id>...",
		Short: "Deletes records by id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil || id <= 0 {
					return fmt.Errorf("invalid id %q", arg)
				}
				ids = append(ids, id)
			}
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			var deleted int
			if remote {
				if a.Remote == nil {
					return errors.New("remote submitter not configured")
				}
				deleted, err = a.Remote.Delete(cmd.Context(), ids)
			} else {
				deleted, err = a.Records.DeleteByIDs(cmd.Context(), ids)
			}
			if err != nil {
				return fmt.Errorf("purge: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), map[string]int{"deleted": deleted})
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "delete on remote.base_url instead of the local store")
	return cmd
}
