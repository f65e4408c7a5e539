package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basket/proofline/internal/lifecycle"
	"github.com/basket/proofline/internal/phase"
)

func newPhasesCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "phases",
		Short: "List the phase catalog in order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return newPrinter(cmd.OutOrStdout(), opts.json).catalog(phase.Catalog())
		},
	}
}

func newTaskCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create, inspect and administer tasks",
	}
	cmd.AddCommand(
		newTaskCreateCmd(opts),
		newTaskShowCmd(opts),
		newTaskListCmd(opts),
		newTaskDeleteCmd(opts),
		newTaskHoldCmd(opts, true),
		newTaskHoldCmd(opts, false),
		newTaskEditPhasesCmd(opts),
	)
	return cmd
}

func newTaskCreateCmd(opts *globalOpts) *cobra.Command {
	var in lifecycle.CreateInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task positioned at its first active phase",
		Example: `  proofline task create --title "Billing export" --assignee alice --reviewer rita
  proofline task create --assignee alice --reviewer rita --phases RR,DG,AC,DEP`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app, out *printer) error {
				rec, err := a.svc.CreateTask(ctx, in)
				if err != nil {
					return err
				}
				return out.record(rec)
			})
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "task title")
	cmd.Flags().StringVar(&in.AssigneeID, "assignee", "", "user who submits proof")
	cmd.Flags().StringVar(&in.ReviewerID, "reviewer", "", "user who reviews proof")
	cmd.Flags().StringSliceVar(&in.Phases, "phases", nil, "active phases as keys or short codes (default from config)")
	_ = cmd.MarkFlagRequired("assignee")
	_ = cmd.MarkFlagRequired("reviewer")
	return cmd
}

func newTaskShowCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app, out *printer) error {
				rec, err := a.svc.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return out.record(rec)
			})
		},
	}
}

func newTaskListCmd(opts *globalOpts) *cobra.Command {
	var filter lifecycle.ListFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch lifecycle.OverallStatus(status) {
			case "", lifecycle.OverallOpen, lifecycle.OverallCompleted, lifecycle.OverallHeld:
				filter.OverallStatus = lifecycle.OverallStatus(status)
			default:
				return fmt.Errorf("%w: unknown status %q", lifecycle.ErrValidation, status)
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app, out *printer) error {
				recs, err := a.svc.ListTasks(ctx, filter)
				if err != nil {
					return err
				}
				return out.records(recs)
			})
		},
	}
	cmd.Flags().StringVar(&filter.AssigneeID, "assignee", "", "only tasks assigned to this user")
	cmd.Flags().StringVar(&filter.ReviewerID, "reviewer", "", "only tasks reviewed by this user")
	cmd.Flags().StringVar(&status, "status", "", "open, completed or held")
	cmd.Flags().IntVar(&filter.Limit, "limit", 100, "maximum number of tasks")
	return cmd
}

func newTaskDeleteCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task with its validations and event log (reviewer only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app, out *printer) error {
				if err := a.svc.DeleteTask(ctx, args[0]); err != nil {
					return err
				}
				return out.value(map[string]any{"task_id": args[0], "deleted": true})
			})
		},
	}
}

func newTaskHoldCmd(opts *globalOpts, held bool) *cobra.Command {
	use, short := "hold <task-id>", "Put an open task on hold (reviewer only)"
	if !held {
		use, short = "release <task-id>", "Release a held task (reviewer only)"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app, out *printer) error {
				rec, err := a.svc.SetHold(ctx, args[0], held)
				if err != nil {
					return err
				}
				return out.record(rec)
			})
		},
	}
}

func newTaskEditPhasesCmd(opts *globalOpts) *cobra.Command {
	var phases []string
	cmd := &cobra.Command{
		Use:   "edit-phases <task-id>",
		Short: "Replace a task's active phase set (reviewer only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app, out *printer) error {
				rec, err := a.svc.EditPhases(ctx, args[0], phases)
				if err != nil {
					return err
				}
				return out.record(rec)
			})
		},
	}
	cmd.Flags().StringSliceVar(&phases, "phases", nil, "new active phases as keys or short codes")
	_ = cmd.MarkFlagRequired("phases")
	return cmd
}

func newProgressCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "progress <task-id>",
		Short: "Show per-phase progress of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app, out *printer) error {
				entries, err := a.svc.Progress(ctx, args[0])
				if err != nil {
					return err
				}
				return out.progress(entries)
			})
		},
	}
}

func newEventsCmd(opts *globalOpts) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events <task-id>",
		Short: "Show a task's lifecycle event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app, out *printer) error {
				evs, err := a.svc.Events(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return out.events(evs)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of events")
	return cmd
}
