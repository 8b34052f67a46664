package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"millwork/internal/app"
	"millwork/internal/domain"
	"millwork/internal/engine"
	"millwork/internal/engine/auth"
	"millwork/internal/repo"
)

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks are the work under an order. Refer to a task by uuid or by its sequence number.",
	}
	cmd.AddCommand(taskCreateCmd())
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskShowCmd())
	cmd.AddCommand(taskStatusCmd())
	cmd.AddCommand(taskCompleteCmd())
	cmd.AddCommand(taskDeleteCmd())
	return cmd
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var due, priority string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task under an order",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Priority = domain.Priority(priority)
			return withActor(cmd.Context(), auth.TaskCreate, func(ctx context.Context, a *app.App, actor string) error {
				if due != "" {
					d, err := time.ParseInLocation("2006-01-02", due, a.Config.Location())
					if err != nil {
						return fmt.Errorf("--due: %w", err)
					}
					opts.DueDate = d
				}
				opts.ActorID = actor
				t, err := a.Engine.CreateTask(ctx, opts)
				return printPartial(t, err)
			})
		},
	}
	cmd.Flags().StringVar(&opts.OrderID, "order", "", "order uuid or number")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.ResponsibleUserID, "assignee", "", "responsible user id")
	cmd.Flags().Int64Var(&opts.Salary, "salary", 0, "pay on completion")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD, shop timezone)")
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium or high")
	_ = cmd.MarkFlagRequired("order")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	var order, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.TaskStatus(status)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if order != "" {
					o, err := a.Engine.ResolveOrder(ctx, order)
					if err != nil {
						return err
					}
					f.OrderID = o.ID
				}
				tasks, err := a.Engine.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Order", "Title", "Status", "Assignee", "Salary", "Due"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.Seq, t.OrderNumber, t.Title, t.Status, derefOr(t.ResponsibleUserID, "-"), humanize.Comma(t.Salary), humanize.Time(t.DueDate)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&order, "order", "", "order uuid or number")
	cmd.Flags().StringVar(&f.ResponsibleUserID, "assignee", "", "responsible user filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max tasks")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.ResolveTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

// taskAction resolves the task and checks perm, or own when the actor is
// the task's responsible user.
func taskAction(ctx context.Context, ref string, perm, own auth.Permission, fn func(context.Context, *app.App, domain.Task, string) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		t, err := a.Engine.ResolveTask(ctx, ref)
		if err != nil {
			return err
		}
		actor := viper.GetString("actor-id")
		if err := (auth.Service{Roles: a.Repo}).RequireTask(ctx, actor, t, perm, own); err != nil {
			return err
		}
		return fn(ctx, a, t, actor)
	})
}

func taskStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task> <pending|in_progress|cancelled>",
		Short: "Change a task's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return taskAction(cmd.Context(), args[0], auth.TaskUpdate, auth.OwnTaskUpdate, func(ctx context.Context, a *app.App, t domain.Task, actor string) error {
				out, err := a.Engine.SetTaskStatus(ctx, t.ID, domain.TaskStatus(args[1]), actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
}

func taskCompleteCmd() *cobra.Command {
	var proof string
	cmd := &cobra.Command{
		Use:   "complete <task>",
		Short: "Complete a task and settle its pay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return taskAction(cmd.Context(), args[0], auth.TaskComplete, auth.OwnTaskComplete, func(ctx context.Context, a *app.App, t domain.Task, actor string) error {
				out, err := a.Engine.CompleteTask(ctx, t.ID, engine.CompleteOptions{ActorID: actor, ProofURL: proof})
				return printPartial(out, err)
			})
		},
	}
	cmd.Flags().StringVar(&proof, "proof", "", "proof url")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task>",
		Short: "Delete a task, reversing any pay it settled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), auth.TaskDelete, func(ctx context.Context, a *app.App, actor string) error {
				t, err := a.Engine.ResolveTask(ctx, args[0])
				if err != nil {
					return err
				}
				out, err := a.Engine.DeleteTask(ctx, t.ID, actor)
				return printPartial(out, err)
			})
		},
	}
}
