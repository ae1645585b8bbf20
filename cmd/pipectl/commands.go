package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch postings and run admission for a tenant",
	RunE:  runFetch,
}

var readmitCmd = &cobra.Command{
	Use:   "readmit",
	Short: "Dispatch every pending_upgrade job of a tenant",
	RunE:  runReadmit,
}

var requeueCmd = &cobra.Command{
	Use:   "requeue <job-id>",
	Short: "Dispatch a job left in new after its scoring attempts ran out",
	Args:  cobra.ExactArgs(1),
	RunE:  runRequeue,
}

var planLimitCmd = &cobra.Command{
	Use:   "plan-limit",
	Short: "Show a tenant's job quota",
	RunE:  runPlanLimit,
}

var queueStatsCmd = &cobra.Command{
	Use:   "queue-stats",
	Short: "Show scoring queue depth and recently abandoned tasks",
	RunE:  runQueueStats,
}

var (
	fetchUserID    string
	abandonedCount int64
)

func init() {
	fetchCmd.Flags().StringVarP(&fetchUserID, "user", "u", "", "User ID recorded on created jobs (required)")
	if err := fetchCmd.MarkFlagRequired("user"); err != nil {
		panic(fmt.Sprintf("failed to mark user flag as required: %v", err))
	}
	queueStatsCmd.Flags().Int64Var(&abandonedCount, "abandoned", 0, "Also list this many abandoned tasks")

	rootCmd.AddCommand(fetchCmd, readmitCmd, requeueCmd, planLimitCmd, queueStatsCmd)
}

func runFetch(cmd *cobra.Command, _ []string) error {
	if err := requireTenant(); err != nil {
		return err
	}
	e, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer e.close()

	res, err := e.service.FetchAndProcess(cmd.Context(), fetchUserID, tenantID)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	return printJSON(cmd.OutOrStdout(), res)
}

func runReadmit(cmd *cobra.Command, _ []string) error {
	if err := requireTenant(); err != nil {
		return err
	}
	e, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer e.close()

	n, err := e.service.ReadmitPending(cmd.Context(), tenantID)
	if err != nil {
		return fmt.Errorf("readmit: %w", err)
	}
	return printJSON(cmd.OutOrStdout(), map[string]int{"readmitted": n})
}

func runRequeue(cmd *cobra.Command, args []string) error {
	if err := requireTenant(); err != nil {
		return err
	}
	e, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer e.close()

	job, err := e.service.Requeue(cmd.Context(), tenantID, args[0])
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	return printJSON(cmd.OutOrStdout(), job)
}

func runPlanLimit(cmd *cobra.Command, _ []string) error {
	if err := requireTenant(); err != nil {
		return err
	}
	e, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer e.close()

	limit, err := e.service.PlanLimit(cmd.Context(), tenantID)
	if err != nil {
		return fmt.Errorf("plan limit: %w", err)
	}
	return printJSON(cmd.OutOrStdout(), limit)
}

func runQueueStats(cmd *cobra.Command, _ []string) error {
	e, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer e.close()

	stats, err := e.queue.Stats(cmd.Context())
	if err != nil {
		return fmt.Errorf("queue stats: %w", err)
	}
	out := map[string]any{"stats": stats}
	if abandonedCount > 0 {
		items, err := e.queue.AbandonedPeek(cmd.Context(), abandonedCount)
		if err != nil {
			return fmt.Errorf("abandoned tasks: %w", err)
		}
		out["abandoned"] = items
	}
	return printJSON(cmd.OutOrStdout(), out)
}
