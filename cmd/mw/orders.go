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
	"millwork/internal/engine"
	"millwork/internal/engine/auth"
	"millwork/internal/repo"
	"millwork/internal/stage"
)

func orderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Manage orders",
		Long:  "Orders are client jobs that move through the production stages. Refer to an order by uuid or by its number.",
	}
	cmd.AddCommand(orderCreateCmd())
	cmd.AddCommand(orderListCmd())
	cmd.AddCommand(orderShowCmd())
	cmd.AddCommand(orderMoveCmd())
	cmd.AddCommand(boardCmd())
	return cmd
}

func orderCreateCmd() *cobra.Command {
	var opts engine.OrderCreateOptions
	var status, due string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an order",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Status = stage.ID(status)
			return withActor(cmd.Context(), auth.OrderCreate, func(ctx context.Context, a *app.App, actor string) error {
				if due != "" {
					d, err := time.ParseInLocation("2006-01-02", due, a.Config.Location())
					if err != nil {
						return fmt.Errorf("--due: %w", err)
					}
					opts.DueDate = &d
				}
				opts.ActorID = actor
				o, err := a.Engine.CreateOrder(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Client, "client", "", "client name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().Int64Var(&opts.Value, "value", 0, "order value")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD, shop timezone)")
	cmd.Flags().StringVar(&status, "status", "", "initial stage (defaults to cutting)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func orderListCmd() *cobra.Command {
	var f repo.OrderFilters
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = stage.ID(status)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				orders, err := a.Engine.ListOrders(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(orders)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Number", "Title", "Client", "Stage", "Value", "Tasks", "Updated"})
				for _, o := range orders {
					tw.AppendRow(table.Row{o.Number, o.Title, o.Client, o.Status, humanize.Comma(o.Value), len(o.TaskIDs), humanize.Time(o.UpdatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "stage filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max orders")
	return cmd
}

func orderShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <order>",
		Short: "Show an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				o, err := a.Engine.ResolveOrder(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
}

func orderMoveCmd() *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "move <order> <stage>",
		Short: "Move an order to a stage and run that stage's rule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := stage.Parse(args[1])
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), auth.OrderMove, func(ctx context.Context, a *app.App, actor string) error {
				o, err := a.Engine.ResolveOrder(ctx, args[0])
				if err != nil {
					return err
				}
				res, err := a.Engine.Transition(ctx, o.ID, stage.ID(from), to, actor)
				if err != nil {
					return err
				}
				if err := printJSONOrTable(res); err != nil {
					return err
				}
				if res.AutomationErr != nil {
					fmt.Fprintln(os.Stderr, "warning: automation rule failed:", res.AutomationErr)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "stage you expect the order to be in")
	return cmd
}

func boardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "board",
		Short: "Show orders grouped by stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cols, err := a.Engine.Board(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cols)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Orders", "Numbers"})
				for _, c := range cols {
					nums := make([]int64, 0, len(c.Orders))
					for _, o := range c.Orders {
						nums = append(nums, o.Number)
					}
					tw.AppendRow(table.Row{c.Stage.DisplayName, len(c.Orders), fmt.Sprint(nums)})
				}
				tw.Render()
				return nil
			})
		},
	}
}
