package commands

import (
	"github.com/spf13/cobra"
	"github.com/yirzhou/coord"
)

func newCacheCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Read and evict cached job results",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get <key>",
			Short: "Show a cached result and its TTL in milliseconds",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cache, err := a.Cache(cmd.Context())
				if err != nil {
					return err
				}
				result := cache.Get(cmd.Context(), args[0])
				if result == nil {
					return a.print(cmd.OutOrStdout(), &coord.JobRetrievalResult{JobID: args[0], Status: coord.ResultNotFound, Source: coord.SourceCache})
				}
				return a.print(cmd.OutOrStdout(), map[string]any{
					"result": result,
					"ttlMs":  cache.GetTTL(cmd.Context(), args[0]),
				})
			},
		},
		&cobra.Command{
			Use:   "delete <key>",
			Short: "Remove a cached result",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cache, err := a.Cache(cmd.Context())
				if err != nil {
					return err
				}
				deleted, err := cache.Delete(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(), map[string]any{"key": args[0], "deleted": deleted})
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove every cached result",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cache, err := a.Cache(cmd.Context())
				if err != nil {
					return err
				}
				removed, err := cache.Clear(cmd.Context())
				if err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(), map[string]int{"removed": removed})
			},
		},
	)
	return cmd
}
