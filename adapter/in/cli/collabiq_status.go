package cli

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"collabiq/adapter/out/storage"
	"collabiq/config"
	"collabiq/core/domain"
	"collabiq/core/port/out"
	"collabiq/core/service/health"
	"collabiq/pkg/resilience"
)

// newStatusCmd reads the persisted state, health and dlq documents straight
// off disk. It never talks to a provider or the workspace, so it works while
// the daemon is running and on a machine without credentials.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon state, provider health and dlq backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			state, err := storage.NewStateStore(cfg.StateDir()).Load(ctx)
			if err != nil {
				return err
			}

			// 트래커는 디스크의 누계를 그대로 읽는다. 회로 상태는 저장된 값이다.
			tracker, err := health.NewTracker(ctx, storage.NewMetricsStore(cfg.HealthDir()), resilience.NewRegistry(zerolog.Nop()), zerolog.Nop())
			if err != nil {
				return err
			}
			snap := tracker.SnapshotAll()

			entries, err := storage.NewDLQStore(cfg.DLQDir()).List(ctx, out.DLQFilter{})
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			printDaemonSection(w, state)
			printProviderSection(w, snap)
			printDLQSection(w, entries)
			return nil
		},
	}
}

func printDaemonSection(w io.Writer, state *domain.DaemonState) {
	fmt.Fprintln(w, "Daemon")
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "  status\t%s\n", state.CurrentStatus)
	if state.PID != 0 {
		fmt.Fprintf(tw, "  pid\t%d\n", state.PID)
	}
	cursor := state.LastProcessedMessageID
	if cursor == "" {
		cursor = "(none)"
	}
	fmt.Fprintf(tw, "  cursor\t%s\n", cursor)
	if !state.LastCycleAt.IsZero() {
		fmt.Fprintf(tw, "  last cycle\t%s (%s ago)\n",
			state.LastCycleAt.UTC().Format(time.RFC3339),
			time.Since(state.LastCycleAt).Round(time.Second))
	}
	fmt.Fprintf(tw, "  cycles completed\t%d\n", state.CyclesCompleted)
	fmt.Fprintf(tw, "  emails processed\t%d\n", state.EmailsProcessed)
	fmt.Fprintf(tw, "  errors\t%d\n", state.ErrorCount)
	tw.Flush()
}

func printProviderSection(w io.Writer, snap health.Snapshot) {
	fmt.Fprintln(w, "\nProviders")
	names := providerNames(snap)
	if len(names) == 0 {
		fmt.Fprintln(w, "  no provider activity recorded")
		return
	}

	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  NAME\tCIRCUIT\tSUCCESS\tAVG_MS\tCALLS\tCOST_USD\tQUALITY")
	for _, name := range names {
		h := snap.Health[name]
		c := snap.Cost[name]
		q := snap.Quality[name]
		circuit := h.CircuitState
		if circuit == "" {
			circuit = "closed"
		}
		fmt.Fprintf(tw, "  %s\t%s\t%.1f%%\t%.0f\t%d\t%.4f\t%.2f\n",
			name, circuit, h.SuccessRate()*100, h.AvgLatencyMS,
			c.APICalls, c.TotalCostUSD, q.QualityScore())
	}
	tw.Flush()
}

func printDLQSection(w io.Writer, entries []*domain.DLQEntry) {
	fmt.Fprintln(w, "\nDead letter queue")
	if len(entries) == 0 {
		fmt.Fprintln(w, "  empty")
		return
	}

	type opCounts struct {
		pending, replaying, completed, failed int
	}
	counts := make(map[domain.OperationType]*opCounts)
	for _, e := range entries {
		c := counts[e.OperationType]
		if c == nil {
			c = &opCounts{}
			counts[e.OperationType] = c
		}
		switch e.Status {
		case domain.DLQPending:
			c.pending++
		case domain.DLQReplaying:
			c.replaying++
		case domain.DLQCompleted:
			c.completed++
		case domain.DLQFailed:
			c.failed++
		}
	}

	ops := make([]string, 0, len(counts))
	for op := range counts {
		ops = append(ops, string(op))
	}
	sort.Strings(ops)

	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  OPERATION\tPENDING\tREPLAYING\tCOMPLETED\tFAILED")
	for _, op := range ops {
		c := counts[domain.OperationType(op)]
		fmt.Fprintf(tw, "  %s\t%d\t%d\t%d\t%d\n", op, c.pending, c.replaying, c.completed, c.failed)
	}
	tw.Flush()
}

func providerNames(snap health.Snapshot) []string {
	seen := make(map[string]struct{})
	for name := range snap.Health {
		seen[name] = struct{}{}
	}
	for name := range snap.Cost {
		seen[name] = struct{}{}
	}
	for name := range snap.Quality {
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
