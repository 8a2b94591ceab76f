package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	prepcontent "github.com/RSNA/isn-edge-server-prepare-content"
)

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "prepcontent",
		Short: "Stage exam images for transfer to the image sharing clearinghouse",
		Long: `prepcontent watches the job store for exams whose images should be
shared, retrieves the studies from the configured archives and stages
them on disk for the transfer service.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	env := &environment{configPath: &configPath}
	root.AddCommand(serveCmd(env))
	root.AddCommand(migrateCmd(env))
	root.AddCommand(echoCmd(env))
	root.AddCommand(jobsCmd(env))
	root.AddCommand(historyCmd(env))
	root.AddCommand(requeueCmd(env))
	return root
}

// environment loads config and opens the store for a command.
type environment struct {
	configPath *string
}

func (e *environment) open(ctx context.Context) (*prepcontent.Config, *prepcontent.Store, error) {
	cfg, err := prepcontent.LoadConfig(*e.configPath)
	if err != nil {
		return nil, nil, err
	}
	store, err := prepcontent.OpenStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

func serveCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the job monitor and the STOW-RS receiver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, store, err := env.open(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			logger := cfg.Log.NewLogger(os.Stderr)
			if err := store.Migrate(ctx); err != nil {
				return err
			}

			svc, err := prepcontent.New(cfg, store, prepcontent.WithLogger(logger))
			if err != nil {
				return err
			}
			logger.Info("prepare-content starting",
				"ae_title", cfg.SCP.AETitle,
				"staging_root", cfg.Staging.Root,
				"max_concurrency", cfg.Monitor.MaxConcurrency)
			return svc.Run(ctx)
		},
	}
}

func migrateCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the job store schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := env.open(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func echoCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "echo [AE_TITLE...]",
		Short: "Check connectivity to registered devices",
		Long:  "Echo every registered device, or only the named ones.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := env.open(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			svc, err := prepcontent.New(cfg, store, prepcontent.WithLogger(cfg.Log.NewLogger(cmd.ErrOrStderr())))
			if err != nil {
				return err
			}
			results, err := svc.Verifier().RunOnce(cmd.Context(), args...)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			failed := 0
			for _, r := range results {
				if r.OK() {
					fmt.Fprintf(out, "%s %s: Successfully connected to host\n", color.New(color.FgGreen).Sprint("OK  "), r.Device)
					continue
				}
				failed++
				fmt.Fprintf(out, "%s %s: %v\n", color.New(color.FgRed).Sprint("FAIL"), r.Device, r.Err)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d devices unreachable", failed, len(results))
			}
			return nil
		},
	}
}

func jobsCmd(env *environment) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Summarize jobs by status or list the jobs in one status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := env.open(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if status == "" {
				counts, err := store.CountByStatus(cmd.Context())
				if err != nil {
					return err
				}
				for _, s := range prepcontent.AllStatuses() {
					if counts[s] > 0 {
						fmt.Fprintf(out, "%-30s %d\n", statusColor(s).Sprint(s), counts[s])
					}
				}
				return nil
			}

			parsed := prepcontent.ParseJobStatus(strings.ToUpper(status))
			if parsed == "" {
				return fmt.Errorf("unknown status %q", status)
			}
			jobs, err := store.JobsByStatus(cmd.Context(), parsed)
			if err != nil {
				return err
			}
			for _, j := range jobs {
				fmt.Fprintf(out, "%-8d %-16s %-16s %s\n", j.ID, j.MRN(), j.AccessionNumber(), j.StatusMessage)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "list jobs in this status")
	return cmd
}

func historyCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "history JOB_ID",
		Short: "Show the status history of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			_, store, err := env.open(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			txns, err := store.History(cmd.Context(), id)
			if err != nil {
				return err
			}
			if len(txns) == 0 {
				return fmt.Errorf("job %d: %w", id, prepcontent.ErrJobNotFound)
			}
			out := cmd.OutOrStdout()
			for _, t := range txns {
				fmt.Fprintf(out, "%s  %s  %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"), statusColor(t.Status).Sprint(t.Status), t.StatusMessage)
			}
			return nil
		},
	}
}

func requeueCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue JOB_ID",
		Short: "Send a failed job back to the monitor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			_, store, err := env.open(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			job, err := store.Requeue(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %d is %s\n", job.ID, job.Status)
			return nil
		},
	}
}

func statusColor(s prepcontent.JobStatus) *color.Color {
	switch {
	case s.IsFailure():
		return color.New(color.FgRed)
	case s == prepcontent.StatusWaitingForTransfer:
		return color.New(color.FgGreen)
	case s == prepcontent.StatusRetrievalStarted:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgYellow)
	}
}
