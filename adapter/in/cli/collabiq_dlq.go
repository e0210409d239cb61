package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"collabiq/adapter/out/storage"
	"collabiq/config"
	"collabiq/core/domain"
	"collabiq/core/port/out"
	"collabiq/core/service/dlq"
	"collabiq/internal/bootstrap"
)

func newDLQCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered operations",
	}
	cmd.AddCommand(newDLQListCmd(), newDLQShowCmd(), newDLQRetryCmd())
	return cmd
}

func newDLQListCmd() *cobra.Command {
	var (
		opFilter     string
		statusFilter string
		limit        int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-letter entries, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			filter := out.DLQFilter{Limit: limit}
			if opFilter != "" {
				if !domain.ValidOperationType(opFilter) {
					return fmt.Errorf("unknown operation type %q", opFilter)
				}
				filter.OperationType = domain.OperationType(opFilter)
			}
			if statusFilter != "" {
				filter.Status = domain.DLQStatus(statusFilter)
			}

			store := storage.NewDLQStore(cfg.DLQDir())
			entries, err := store.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "dlq empty")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DLQ_ID\tOPERATION\tSTATUS\tRETRIES\tCREATED\tMESSAGE_ID")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					e.DLQID, e.OperationType, e.Status, e.ErrorDetails.RetryCount,
					e.CreatedAt.UTC().Format(time.RFC3339), e.MessageID)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&opFilter, "op", "", "filter by operation type (llm_extract, workspace_write, mail_fetch, secret_fetch)")
	cmd.Flags().StringVar(&statusFilter, "status", "", "filter by status (pending, replaying, completed, failed)")
	cmd.Flags().IntVar(&limit, "limit", 0, "cap the number of entries shown")
	return cmd
}

func newDLQShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <dlq-id>",
		Short: "Print one entry with its original payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			store := storage.NewDLQStore(cfg.DLQDir())
			entry, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			pretty, err := json.MarshalIndent(entry, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(pretty))
			return nil
		},
	}
}

func newDLQRetryCmd() *cobra.Command {
	var (
		all   bool
		dlqID string
	)

	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Replay pending entries (--all) or one entry (--id)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && dlqID == "" {
				return fmt.Errorf("specify --all or --id <dlq-id>")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			// 재생은 전체 파이프라인이 필요하다. llm_extract 항목이 추출부터 다시 돈다.
			deps, cleanup, err := bootstrap.NewDependencies(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			if dlqID != "" {
				result := deps.Replayer.ReplayOne(cmd.Context(), dlqID)
				printResult(cmd, result)
				return nil
			}

			summary, results, err := deps.Replayer.ReplayAll(cmd.Context())
			if err != nil {
				return err
			}
			for _, r := range results {
				printResult(cmd, r)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\ncompleted %d, still pending %d, failed %d, skipped %d\n",
				summary.Completed, summary.Updated, summary.Failed, summary.Skipped)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "replay every pending entry")
	cmd.Flags().StringVar(&dlqID, "id", "", "replay a single entry by dlq id")
	return cmd
}

func printResult(cmd *cobra.Command, r dlq.Result) {
	if r.Reason != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t(%s)\n", r.DLQID, r.Outcome, r.Reason)
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", r.DLQID, r.Outcome)
}
