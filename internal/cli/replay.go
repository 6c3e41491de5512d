package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	grpcadapter "fulfillment/internal/adapters/grpc"

	"github.com/spf13/cobra"
)

const pollInterval = 250 * time.Millisecond

type jobFlags struct {
	wait bool
}

func (f *jobFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&f.wait, "wait", "w", false, "poll until the job finishes")
}

func newReplayCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Republish order events as replays",
	}

	var orderFlags jobFlags
	order := &cobra.Command{
		Use:   "order <order-id>",
		Short: "Replay the events of one order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.startJob(cmd.Context(), grpcadapter.MethodReplayOrderEvents, map[string]any{"order_id": args[0]}, orderFlags.wait)
		},
	}
	orderFlags.register(order)
	cmd.AddCommand(order)

	var (
		rangeFlags jobFlags
		start, end string
	)
	byRange := &cobra.Command{
		Use:   "range",
		Short: "Replay orders created in [start, end)",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseTime(start)
			if err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			to, err := parseTime(end)
			if err != nil {
				return fmt.Errorf("--end: %w", err)
			}
			in := map[string]any{
				"start": from.Format(time.RFC3339),
				"end":   to.Format(time.RFC3339),
			}
			return g.startJob(cmd.Context(), grpcadapter.MethodReplayByDateRange, in, rangeFlags.wait)
		},
	}
	byRange.Flags().StringVar(&start, "start", "", "range start (RFC3339 or YYYY-MM-DD)")
	byRange.Flags().StringVar(&end, "end", "", "range end (RFC3339 or YYYY-MM-DD)")
	_ = byRange.MarkFlagRequired("start")
	_ = byRange.MarkFlagRequired("end")
	rangeFlags.register(byRange)
	cmd.AddCommand(byRange)

	var statusFlags jobFlags
	byStatus := &cobra.Command{
		Use:   "status <status>",
		Short: "Replay every order currently in status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.startJob(cmd.Context(), grpcadapter.MethodReplayByStatus, map[string]any{"status": args[0]}, statusFlags.wait)
		},
	}
	statusFlags.register(byStatus)
	cmd.AddCommand(byStatus)

	return cmd
}

func newRecoverCommand(g *globals) *cobra.Command {
	var flags jobFlags
	cmd := &cobra.Command{
		Use:   "recover <order-id>",
		Short: "Republish events for an order that passes the consistency check",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.startJob(cmd.Context(), grpcadapter.MethodRecoverMissingEvents, map[string]any{"order_id": args[0]}, flags.wait)
		},
	}
	flags.register(cmd)
	return cmd
}

func newConsistencyCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "consistency <order-id>",
		Short: "Check an order's stored state for structural problems",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := g.call(cmd.Context(), grpcadapter.MethodValidateEventConsistency, map[string]any{"order_id": args[0]})
			if err != nil {
				return err
			}
			if g.json {
				return printJSON(g.out, resp)
			}
			if consistent, _ := resp["consistent"].(bool); consistent {
				printSuccess(g.out, "order %s is consistent", args[0])
				return nil
			}
			printWarn(g.out, "order %s is inconsistent", args[0])
			problems, _ := resp["problems"].([]any)
			for _, p := range problems {
				fmt.Fprintf(g.out, "  - %v\n", p)
			}
			return nil
		},
	}
}

func newJobCommand(g *globals) *cobra.Command {
	var flags jobFlags
	cmd := &cobra.Command{
		Use:   "job <job-id>",
		Short: "Show a replay job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := g.fetchJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if flags.wait {
				if job, err = g.waitJob(cmd.Context(), job); err != nil {
					return err
				}
			}
			return g.printJob(job)
		},
	}
	flags.register(cmd)
	return cmd
}

func (g *globals) startJob(ctx context.Context, method string, in map[string]any, wait bool) error {
	resp, err := g.call(ctx, method, in)
	if err != nil {
		return err
	}
	job, _ := resp["job"].(map[string]any)
	if job == nil {
		return errors.New("server returned no job")
	}
	if wait {
		if job, err = g.waitJob(ctx, job); err != nil {
			return err
		}
	}
	return g.printJob(job)
}

func (g *globals) fetchJob(ctx context.Context, id string) (map[string]any, error) {
	resp, err := g.call(ctx, grpcadapter.MethodGetReplayJob, map[string]any{"job_id": id})
	if err != nil {
		return nil, err
	}
	job, _ := resp["job"].(map[string]any)
	if job == nil {
		return nil, errors.New("server returned no job")
	}
	return job, nil
}

func (g *globals) waitJob(ctx context.Context, job map[string]any) (map[string]any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for str(job["status"]) == "RUNNING" {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		next, err := g.fetchJob(ctx, str(job["id"]))
		if err != nil {
			return nil, err
		}
		job = next
	}
	return job, nil
}

func (g *globals) printJob(job map[string]any) error {
	if g.json {
		return printJSON(g.out, job)
	}
	summary, _ := job["summary"].(map[string]any)
	t := newTable("JOB_ID", "KIND", "TARGET", "STATUS", "ORDERS", "EVENTS", "FAILURES")
	t.addRow(
		str(job["id"]),
		str(job["kind"]),
		str(job["target"]),
		formatStatus(str(job["status"])),
		num(summary["orders"]),
		num(summary["events"]),
		num(summary["failures"]),
	)
	t.render(g.out)
	if msg := str(job["error"]); msg != "" {
		printError(g.out, "%s", msg)
	}
	return nil
}

func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}

func str(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func num(v any) string {
	if f, ok := v.(float64); ok {
		return fmt.Sprintf("%d", int64(f))
	}
	return "0"
}
