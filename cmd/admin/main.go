package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"finlink/internal/domain/syncjob"
)

const usageExamples = `  # Apply pending schema migrations
  admin migrate

  # Queue an incremental sync for one connection
  admin enqueue-sync --connection-id=3f1c...

  # Queue syncs for every active connection
  admin enqueue-sync --all

  # Find connections whose credentials no longer decrypt and flag them
  admin verify-credentials --mark-errors

  # Show the latest audit events of a connection
  admin audit --connection-id=3f1c... --limit=20`

func main() {
	var timeout time.Duration

	rootCmd := &cobra.Command{
		Use:           "admin",
		Short:         "Finlink Admin CLI - management commands for the Finlink API",
		Example:       usageExamples,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "Overall command timeout")

	rootCmd.AddCommand(migrateCmd(&timeout))
	rootCmd.AddCommand(enqueueSyncCmd(&timeout))
	rootCmd.AddCommand(verifyCredentialsCmd(&timeout))
	rootCmd.AddCommand(auditCmd(&timeout))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func migrateCmd(timeout *time.Duration) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), *timeout)
			defer cancel()

			env, err := newDatabaseEnvironment()
			if err != nil {
				return err
			}
			defer env.Close()

			applied, err := env.db.Migrate(ctx, env.logger)
			if err != nil {
				return err
			}

			if len(applied) == 0 {
				fmt.Println("Database is up to date")
				return nil
			}
			for _, name := range applied {
				fmt.Printf("Applied %s\n", name)
			}
			return nil
		},
	}
}

func enqueueSyncCmd(timeout *time.Duration) *cobra.Command {
	var (
		connectionID string
		all          bool
	)

	cmd := &cobra.Command{
		Use:   "enqueue-sync",
		Short: "Queue incremental sync jobs outside the schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (connectionID == "") == !all {
				return errors.New("exactly one of --connection-id or --all is required")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), *timeout)
			defer cancel()

			env, err := newEnvironment()
			if err != nil {
				return err
			}
			defer env.Close()

			svc, err := env.openFinanceService(ctx)
			if err != nil {
				return err
			}

			if all {
				start := time.Now()
				result, err := svc.EnqueueScheduledSyncs(ctx, syncjob.TriggerAdmin)
				fmt.Printf("Connections: %d, enqueued: %d, already queued: %d, failed: %d (%s)\n",
					result.Connections, result.Enqueued, result.Deduplicated, result.Failed,
					time.Since(start).Round(time.Millisecond))
				return err
			}

			job, created, err := svc.EnqueueSystemSync(ctx, connectionID, syncjob.TriggerAdmin)
			if err != nil {
				return err
			}
			if created {
				fmt.Printf("Enqueued job %s\n", job.ID)
			} else {
				fmt.Printf("Job %s already %s\n", job.ID, job.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&connectionID, "connection-id", "", "Connection to sync")
	cmd.Flags().BoolVar(&all, "all", false, "Sync every active connection")
	cmd.MarkFlagsMutuallyExclusive("connection-id", "all")

	return cmd
}

func verifyCredentialsCmd(timeout *time.Duration) *cobra.Command {
	var markErrors bool

	cmd := &cobra.Command{
		Use:   "verify-credentials",
		Short: "Check that every stored credential decrypts with the current key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), *timeout)
			defer cancel()

			env, err := newEnvironment()
			if err != nil {
				return err
			}
			defer env.Close()

			svc, err := env.openFinanceService(ctx)
			if err != nil {
				return err
			}

			checked, failures, err := svc.VerifyCredentials(ctx, markErrors)
			if err != nil {
				return err
			}

			for _, f := range failures {
				fmt.Printf("  %s user=%d provider=%s status=%s: %v\n",
					f.ConnectionID, f.UserID, f.ProviderKey, f.Status, f.Err)
			}
			fmt.Printf("Checked %d connections, %d failed\n", checked, len(failures))

			if len(failures) > 0 && !markErrors {
				env.logger.Warn("connections with unreadable credentials left untouched, rerun with --mark-errors",
					zap.Int("count", len(failures)))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&markErrors, "mark-errors", false, "Move failing connections to error and notify their owners")

	return cmd
}

func auditCmd(timeout *time.Duration) *cobra.Command {
	var (
		connectionID string
		limit        int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print the audit trail of a connection as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return errors.New("--limit must be positive")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), *timeout)
			defer cancel()

			env, err := newEnvironment()
			if err != nil {
				return err
			}
			defer env.Close()

			events, err := env.audits.ListByConnectionID(ctx, connectionID, limit)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(events)
		},
	}

	cmd.Flags().StringVar(&connectionID, "connection-id", "", "Connection to inspect")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum events")
	cmd.MarkFlagRequired("connection-id")

	return cmd
}
