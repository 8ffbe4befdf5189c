package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/yirzhou/coord"
)

func newQueueCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Submit and inspect jobs, and pause or resume queues",
	}
	cmd.AddCommand(
		newQueueAddCommand(a),
		newQueueMetricsCommand(a),
		newQueuePauseCommand(a, true),
		newQueuePauseCommand(a, false),
		newQueueJobCommand(a),
		newQueueResultCommand(a),
	)
	return cmd
}

func newQueueAddCommand(a *app) *cobra.Command {
	var (
		payload  string
		priority int
		delay    time.Duration
		retries  int
		backoff  string
		interval time.Duration
		jobID    string
	)
	cmd := &cobra.Command{
		Use:   "add <queue> <type>",
		Short: "Enqueue a job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data := map[string]any{}
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &data); err != nil {
					return fmt.Errorf("payload must be a JSON object: %w", err)
				}
			}
			opts := []coord.JobOpt{coord.WithRetries(retries)}
			if priority > 0 {
				opts = append(opts, coord.WithPriority(priority))
			}
			if delay > 0 {
				opts = append(opts, coord.WithDelay(delay))
			}
			if interval > 0 {
				opts = append(opts, coord.WithBackoff(coord.BackoffType(backoff), interval))
			}
			if jobID != "" {
				opts = append(opts, coord.WithJobID(jobID))
			}

			manager, err := a.Manager(cmd.Context())
			if err != nil {
				return err
			}
			job, err := manager.AddJob(cmd.Context(), args[0], args[1], data, opts...)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "Job payload as a JSON object")
	cmd.Flags().IntVar(&priority, "priority", 0, "Priority, 1 (most urgent) and up; 0 for none")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Delay before the job becomes eligible")
	cmd.Flags().IntVar(&retries, "retries", 0, "Retries after the first failed attempt")
	cmd.Flags().StringVar(&backoff, "backoff", string(coord.BackoffFixed), "Backoff type (fixed, exponential)")
	cmd.Flags().DurationVar(&interval, "backoff-delay", 0, "Base delay between retries")
	cmd.Flags().StringVar(&jobID, "job-id", "", "Custom job id")
	return cmd
}

func newQueueMetricsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics [queue]",
		Short: "Show job counts for one queue or all queues",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := a.Manager(cmd.Context())
			if err != nil {
				return err
			}
			if len(args) == 1 {
				metrics, err := manager.GetQueueMetrics(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(), metrics)
			}
			all, err := manager.GetAllQueueMetrics(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), all)
		},
	}
}

func newQueuePauseCommand(a *app, pause bool) *cobra.Command {
	use, short := "resume <queue>", "Let workers claim jobs again"
	if pause {
		use, short = "pause <queue>", "Stop workers from claiming jobs"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := a.Manager(cmd.Context())
			if err != nil {
				return err
			}
			if pause {
				err = manager.PauseQueue(cmd.Context(), args[0])
			} else {
				err = manager.ResumeQueue(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			paused, err := manager.IsPaused(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), map[string]any{"queue": args[0], "paused": paused})
		},
	}
}

func newQueueJobCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "job <queue> <id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := a.Manager(cmd.Context())
			if err != nil {
				return err
			}
			job, err := manager.GetJob(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), job)
		},
	}
}

func newQueueResultCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "result <queue> <id>",
		Short: "Resolve a job's result from the cache, metadata store or queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			retriever, err := a.Retriever(cmd.Context())
			if err != nil {
				return err
			}
			result, err := retriever.Retrieve(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), result)
		},
	}
}
