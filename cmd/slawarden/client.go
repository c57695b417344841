package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/msageha/slawarden/internal/daemon"
	"github.com/msageha/slawarden/internal/intake"
	"github.com/msageha/slawarden/internal/model"
	"github.com/msageha/slawarden/internal/uds"
)

func okMark() string { return color.New(color.FgGreen).Sprint("✓") }

func newClient(opts *rootOptions) (*uds.Client, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	c := uds.NewClient(daemon.SocketPathFor(cfg))
	c.SetTimeout(10 * time.Second)
	return c, nil
}

// call sends one command and decodes its data into out.
func call(cmd *cobra.Command, opts *rootOptions, command string, params, out any) error {
	c, err := newClient(opts)
	if err != nil {
		return err
	}
	return c.CallContext(cmd.Context(), command, params, out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func taskCmd(opts *rootOptions) *cobra.Command {
	var (
		taskType   string
		priority   string
		assignee   string
		startSLA   float64
		resolveSLA float64
		at         string
	)
	cmd := &cobra.Command{
		Use:   "task <created|assigned|started|blocked|completed|cancelled|reassigned> <task-id>",
		Short: "Send a task lifecycle event to the daemon",
		Example: `  slawarden task created INC-42 --type INCIDENT --priority P1 --assignee alice
  slawarden task started INC-42
  slawarden task reassigned INC-42 --assignee bob`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := intake.ParseKind(args[0])
			if err != nil {
				return err
			}
			ev := intake.LifecycleEvent{Kind: kind, TaskID: args[1], Assignee: assignee}
			if at != "" {
				ts, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				ev.At = ts.UTC()
			}
			if kind == intake.KindCreated {
				ev.Task = &model.Task{
					ID:                args[1],
					Type:              model.TaskType(strings.ToUpper(taskType)),
					Priority:          priority,
					Assignee:          assignee,
					StartSLAMinutes:   startSLA,
					ResolveSLAMinutes: resolveSLA,
				}
			}

			var task model.Task
			if err := call(cmd, opts, "task_event", ev, &task); err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), task)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s (start %s, resolve %s)\n",
				okMark(), task.ID, statusColor(string(task.Status)),
				minutes(task.StartSLAMinutes), minutes(task.ResolveSLAMinutes))
			return nil
		},
	}
	cmd.Flags().StringVar(&taskType, "type", string(model.TaskTypeTask), "task type (created only)")
	cmd.Flags().StringVar(&priority, "priority", "", "task priority (created only)")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee")
	cmd.Flags().Float64Var(&startSLA, "start-sla", 0, "start SLA in minutes; 0 uses the configured default")
	cmd.Flags().Float64Var(&resolveSLA, "resolve-sla", 0, "resolve SLA in minutes; 0 uses the configured default")
	cmd.Flags().StringVar(&at, "at", "", "event time (RFC3339); defaults to now")
	return cmd
}

func timersCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "timers <task-id>",
		Short: "List the timers of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res daemon.TimersResult
			if err := call(cmd, opts, "timers", daemon.TaskQueryParams{TaskID: args[0]}, &res); err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), res)
			}
			if len(res.Timers) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no timers for %s\n", res.TaskID)
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PURPOSE\tSTATE\tFIRE AT\tDEADLINE\tLEVEL\tGEN\tATTEMPTS\tLAST ERROR")
			for _, t := range res.Timers {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
					t.Purpose, statusColor(string(t.State)),
					t.FireAt.Local().Format(time.DateTime), t.Deadline.Local().Format(time.DateTime),
					t.EscalationLevel, t.Generation, t.Attempts, t.LastError)
			}
			return w.Flush()
		},
	}
}

func eventsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "events <task-id>",
		Short: "List the SLA events recorded for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res daemon.EventsResult
			if err := call(cmd, opts, "events", daemon.TaskQueryParams{TaskID: args[0]}, &res); err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), res)
			}
			if len(res.Events) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no SLA events for %s\n", res.TaskID)
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TRIGGERED\tEVENT\tLEVEL\tRECIPIENT\tNOTIFIED\tPUBLISHED")
			for _, ev := range res.Events {
				published := color.New(color.FgYellow).Sprint("pending")
				if ev.PublishedAt != nil {
					published = ev.PublishedAt.Local().Format(time.DateTime)
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%s\n",
					ev.TriggeredAt.Local().Format(time.DateTime), eventColor(ev.EventType),
					ev.EscalationLevel, ev.Recipient, ev.NotifyCount, published)
			}
			return w.Flush()
		},
	}
}

func requeueCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <task-id> <START_CHECK|RESOLVE_CHECK|ESCALATION_CHECK>",
		Short: "Return a dead-lettered timer to the schedule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := daemon.RequeueParams{TaskID: args[0], Purpose: model.TimerPurpose(strings.ToUpper(args[1]))}
			if err := call(cmd, opts, "requeue", p, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s requeued %s/%s\n", okMark(), p.TaskID, p.Purpose)
			return nil
		},
	}
}

func pingCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var res map[string]string
			if err := call(cmd, opts, "ping", nil, &res); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s daemon %s (owner %s)\n", okMark(), res["status"], res["owner"])
			return nil
		},
	}
}

func scanCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run a reconcile pass now and print timer counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var report daemon.ReconcileReport
			if err := call(cmd, opts, "scan", nil, &report); err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), report)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "republished: %d\nunpublished: %d\n", report.Republished, report.Unpublished)
			for _, state := range []model.TimerState{
				model.TimerStatePending, model.TimerStateDone, model.TimerStateCancelled, model.TimerStateDeadLetter,
			} {
				fmt.Fprintf(out, "%-12s %s\n", state, strconv.Itoa(report.TimerCounts[state]))
			}
			return nil
		},
	}
}

func shutdownCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Ask the daemon to drain and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := call(cmd, opts, "shutdown", nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s shutdown requested\n", okMark())
			return nil
		},
	}
}

func statusColor(s string) string {
	switch s {
	case string(model.TimerStateDeadLetter):
		return color.New(color.FgRed).Sprint(s)
	case string(model.TimerStatePending), string(model.TaskStatusInProgress), string(model.TaskStatusBlocked):
		return color.New(color.FgYellow).Sprint(s)
	case string(model.TimerStateDone), string(model.TaskStatusCompleted):
		return color.New(color.FgGreen).Sprint(s)
	}
	return s
}

func eventColor(t model.EventType) string {
	switch t {
	case model.EventStartWarning, model.EventResolveWarning:
		return color.New(color.FgYellow).Sprint(t)
	case model.EventStartBreach, model.EventResolveBreach, model.EventEscalation:
		return color.New(color.FgRed).Sprint(t)
	}
	return string(t)
}

func minutes(m float64) string {
	return (time.Duration(m * float64(time.Minute))).String()
}
