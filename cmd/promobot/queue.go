package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/promobot/internal/app"
	"github.com/foxzi/promobot/internal/dispatch"
	"github.com/foxzi/promobot/internal/models"
)

var queueDrainKind string

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Dispatch queue commands",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue backlog and last drain cycles",
	RunE:  runQueueStats,
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Run one drain cycle now",
	RunE:  runQueueDrain,
}

func init() {
	queueDrainCmd.Flags().StringVar(&queueDrainKind, "queue", "all", "Queue to drain (post, sales_rule, all)")

	queueCmd.AddCommand(queueStatsCmd, queueDrainCmd)
	rootCmd.AddCommand(queueCmd)
}

func openServices(cmd *cobra.Command, withBot bool) (*app.Services, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if withBot {
		if err := cfg.ValidateBots(); err != nil {
			return nil, err
		}
	}

	// CLI output goes to stdout, service logs only when something is wrong
	cfg.Logging.Level = "warn"
	return app.NewServices(cmd.Context(), cfg, withBot, nil, app.SetupLogger(cfg.Logging))
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	s, err := openServices(cmd, false)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUE\tITEMS\tOLDEST\tNEWEST\tLAST RUN\tLAST RESULT")
	fmt.Fprintln(w, "-----\t-----\t------\t------\t--------\t-----------")

	rows := []struct {
		queue *dispatch.Queue
		job   string
	}{
		{s.PostQueue, s.PostProc.JobName()},
		{s.SalesRuleQueue, s.SalesRuleProc.JobName()},
	}

	for _, row := range rows {
		stats, err := row.queue.Stats(ctx)
		if err != nil {
			return fmt.Errorf("failed to get %s queue stats: %w", row.queue.Kind(), err)
		}

		lastRun, lastResult := "-", "-"
		run, err := s.State.Last(ctx, row.job)
		if err != nil {
			return fmt.Errorf("failed to read job state: %w", err)
		}
		if run != nil {
			lastRun = run.StartedAt.Local().Format("2006-01-02 15:04:05")
			lastResult = "ok"
			if run.Skipped {
				lastResult = "skipped"
			}
			if run.Error != "" {
				lastResult = "error: " + run.Error
			}
		}

		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
			row.queue.Kind(),
			stats.TotalItems,
			formatTime(stats.OldestItem),
			formatTime(stats.NewestItem),
			lastRun,
			lastResult,
		)
	}

	return w.Flush()
}

func runQueueDrain(cmd *cobra.Command, args []string) error {
	switch queueDrainKind {
	case "all", string(models.QueuePost), string(models.QueueSalesRule):
	default:
		return fmt.Errorf("unknown queue %q (use post, sales_rule or all)", queueDrainKind)
	}

	s, err := openServices(cmd, true)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()

	if queueDrainKind != string(models.QueueSalesRule) {
		result, err := s.PostProc.DrainNow(ctx)
		if err != nil {
			return fmt.Errorf("post queue: %w", err)
		}
		printCycle(models.QueuePost, result)
	}
	if queueDrainKind != string(models.QueuePost) {
		result, err := s.SalesRuleProc.DrainNow(ctx)
		if err != nil {
			return fmt.Errorf("sales rule queue: %w", err)
		}
		printCycle(models.QueueSalesRule, result)
	}

	return nil
}

func printCycle(kind models.QueueKind, r *dispatch.CycleResult) {
	if r.Skipped {
		fmt.Printf("%s: skipped, another cycle is running\n", kind)
		return
	}

	fmt.Printf("%s: %d items in %d groups, sent %d, failed %d, unresolved %d, orphaned %d, deferred %d (%s)\n",
		kind, r.Items, r.Groups, r.Sent, r.Failed, r.Unresolved, r.Orphaned, r.Deferred,
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond),
	)
	for _, e := range r.Errors {
		fmt.Printf("  %s: %s\n", e.ChatID, e.Error)
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
