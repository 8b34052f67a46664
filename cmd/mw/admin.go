package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"millwork/internal/app"
	"millwork/internal/domain"
	"millwork/internal/engine"
	"millwork/internal/engine/auth"
	"millwork/internal/repo"
	"millwork/internal/server"
	"millwork/internal/stage"
)

func ruleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rule",
		Short: "Manage stage automation rules",
		Long:  "Each stage has at most one rule. Moving an order into the stage creates a task from the rule when it names a responsible user.",
	}
	cmd.AddCommand(ruleListCmd())
	cmd.AddCommand(ruleSetCmd())
	cmd.AddCommand(ruleSeedCmd())
	return cmd
}

func ruleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List rules in stage order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rules, err := a.Engine.ListRules(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rules)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Responsible", "Title", "Pay", "Days"})
				for _, r := range rules {
					tw.AppendRow(table.Row{r.StageName, derefOr(r.ResponsibleUserID, "-"), r.TitleTemplate, humanize.Comma(r.PaymentAmount), r.DurationDays})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func ruleSetCmd() *cobra.Command {
	var in engine.RuleInput
	cmd := &cobra.Command{
		Use:   "set <stage>",
		Short: "Create or replace a stage's rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := stage.Parse(args[0])
			if err != nil {
				return err
			}
			in.Stage = id
			return withActor(cmd.Context(), auth.RuleEdit, func(ctx context.Context, a *app.App, actor string) error {
				in.ActorID = actor
				rule, err := a.Engine.UpsertRule(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(rule)
			})
		},
	}
	cmd.Flags().StringVar(&in.ResponsibleUserID, "responsible", "", "user who receives the task (empty disables the rule)")
	cmd.Flags().StringVar(&in.TitleTemplate, "title", "", `task title; "#{order_id}" becomes the order number`)
	cmd.Flags().StringVar(&in.DescriptionTemplate, "description", "", "task description template")
	cmd.Flags().Int64Var(&in.PaymentAmount, "pay", 0, "task salary")
	cmd.Flags().IntVar(&in.DurationDays, "days", 0, "days until due (defaults to config)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func ruleSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Insert an inert default rule for every stage without one",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), auth.RuleEdit, func(ctx context.Context, a *app.App, actor string) error {
				n, err := a.Engine.SeedRules(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"added": n})
			})
		},
	}
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage the roster"}
	cmd.AddCommand(userAddCmd())
	cmd.AddCommand(userListCmd())
	cmd.AddCommand(userLedgerCmd())
	return cmd
}

func userAddCmd() *cobra.Command {
	var in engine.UserInput
	var role string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or update a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Role = domain.Role(role)
			return withActor(cmd.Context(), auth.UserManage, func(ctx context.Context, a *app.App, actor string) error {
				in.ActorID = actor
				u, err := a.Engine.UpsertUser(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&in.ID, "id", "", "user id")
	cmd.Flags().StringVar(&in.FullName, "name", "", "full name")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleWorker), "admin or worker")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				users, err := a.Engine.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "Salary", "Tasks", "Status", "Last seen"})
				for _, u := range users {
					seen := "never"
					if u.LastSeen != nil {
						seen = humanize.Time(*u.LastSeen)
					}
					tw.AppendRow(table.Row{u.ID, u.FullName, u.Role, humanize.Comma(u.Salary), len(u.CompletedTasks), u.Status, seen})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func userLedgerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ledger <user>",
		Short: "Show a user's salary and settled tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor := viper.GetString("actor-id")
				if err := (auth.Service{Roles: a.Repo}).RequireOwn(ctx, actor, args[0], auth.LedgerRead, auth.OwnLedgerRead); err != nil {
					return err
				}
				u, err := a.Engine.GetUser(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"user_id": u.ID, "salary": u.Salary, "entries": u.CompletedTasks})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Payment", "Penalty", "Settled"})
				for _, e := range u.CompletedTasks {
					tw.AppendRow(table.Row{e.TaskSeq, humanize.Comma(e.Payment), e.HasPenalty, humanize.Time(e.SettledAt)})
				}
				tw.AppendFooter(table.Row{"Total", humanize.Comma(u.Salary), "", ""})
				tw.Render()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every order move, task change, settlement and roster edit, newest first.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "When", "Type", "Entity", "Actor", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, humanize.Time(e.TS), e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "order, task, rule or user")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func tokenCmd() *cobra.Command {
	var userID string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for a user (needs MILLWORK_JWT_SECRET)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Engine.GetUser(ctx, userID); err != nil {
					return err
				}
				token, err := server.SignToken(viper.GetString("jwt-secret"), userID, ttl)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"token": token})
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(apiKeyListCmd())
	cmd.AddCommand(apiKeyRevokeCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var userID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), auth.UserManage, func(ctx context.Context, a *app.App, actor string) error {
				if _, err := a.Engine.GetUser(ctx, userID); err != nil {
					return err
				}
				key := "mw_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				rec := domain.APIKey{ID: uuid.NewString(), UserID: userID, Name: name, KeyHash: repo.HashAPIKey(key)}
				if err := a.Repo.InsertAPIKey(ctx, rec); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": rec.ID, "user_id": userID, "key": key})
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user the key acts as")
	cmd.Flags().StringVar(&name, "name", "", "label")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), auth.UserManage, func(ctx context.Context, a *app.App, _ string) error {
				keys, err := a.Repo.ListAPIKeys(ctx, userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.UserID, k.Name, humanize.Time(k.CreatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user filter")
	return cmd
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), auth.UserManage, func(ctx context.Context, a *app.App, _ string) error {
				if err := a.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					if errors.Is(err, repo.ErrNotFound) {
						return fmt.Errorf("api key %s not found", args[0])
					}
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}
}
