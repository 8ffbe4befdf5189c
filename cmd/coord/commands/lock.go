package commands

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/yirzhou/coord"
)

func newLockCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Acquire, inspect and release distributed locks",
	}
	cmd.AddCommand(
		newLockAcquireCommand(a),
		newLockStatusCommand(a),
		newLockReleaseCommand(a),
		&cobra.Command{
			Use:   "cleanup",
			Short: "Delete lock keys that carry no expiry",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				mutex, err := a.Mutex(cmd.Context())
				if err != nil {
					return err
				}
				deleted := mutex.CleanupOrphaned(cmd.Context())
				return a.print(cmd.OutOrStdout(), map[string]int{"deleted": deleted})
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "List held locks and their remaining TTL",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				mutex, err := a.Mutex(cmd.Context())
				if err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(), mutex.GetStats(cmd.Context()))
			},
		},
	)
	return cmd
}

func newLockAcquireCommand(a *app) *cobra.Command {
	var (
		timeout    time.Duration
		retryDelay time.Duration
		maxRetries int
	)
	cmd := &cobra.Command{
		Use:   "acquire <resource>",
		Short: "Take a lock and print its value; it is held until released or expired",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []coord.LockOpt
			if cmd.Flags().Changed("timeout") {
				opts = append(opts, coord.WithLockTimeout(timeout))
			}
			if cmd.Flags().Changed("retry-delay") {
				opts = append(opts, coord.WithRetryDelay(retryDelay))
			}
			if cmd.Flags().Changed("max-retries") {
				opts = append(opts, coord.WithMaxRetries(maxRetries))
			}
			mutex, err := a.Mutex(cmd.Context())
			if err != nil {
				return err
			}
			lock, err := mutex.Acquire(cmd.Context(), args[0], opts...)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), lock)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", coord.DefaultLockTimeout, "Lock TTL")
	cmd.Flags().DurationVar(&retryDelay, "retry-delay", coord.DefaultLockRetryDelay, "Wait between attempts")
	cmd.Flags().IntVar(&maxRetries, "max-retries", coord.DefaultLockMaxRetries, "Retries after the first attempt")
	return cmd
}

func newLockStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <resource>",
		Short: "Show whether a lock is held and its remaining TTL in milliseconds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mutex, err := a.Mutex(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), map[string]any{
				"resourceId": args[0],
				"held":       mutex.IsHeld(cmd.Context(), args[0]),
				"ttlMs":      mutex.GetTTL(cmd.Context(), args[0]),
			})
		},
	}
}

func newLockReleaseCommand(a *app) *cobra.Command {
	var (
		value string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "release <resource>",
		Short: "Release a lock by its value, or unconditionally with --force",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mutex, err := a.Mutex(cmd.Context())
			if err != nil {
				return err
			}
			if force {
				deleted, err := mutex.ForceRelease(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(), map[string]any{"resourceId": args[0], "released": deleted})
			}
			if err := mutex.Release(cmd.Context(), args[0], value); err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), map[string]any{"resourceId": args[0], "released": true})
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "Lock value returned by acquire")
	cmd.Flags().BoolVar(&force, "force", false, "Delete the lock regardless of holder")
	cmd.MarkFlagsOneRequired("value", "force")
	cmd.MarkFlagsMutuallyExclusive("value", "force")
	return cmd
}
