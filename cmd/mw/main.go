package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"millwork/internal/app"
	"millwork/internal/config"
	"millwork/internal/db"
	"millwork/internal/domain"
	"millwork/internal/engine"
	"millwork/internal/engine/auth"
)

var rootCmd = &cobra.Command{
	Use:   "mw",
	Short: "Millwork CLI",
	Long: `Millwork runs a furniture shop floor: orders move through six production
stages, each stage can spawn a task from its automation rule, and completing
a task pays its assignee.
- Workspace: the .millwork directory holding the sqlite database, next to millwork.yml.
- Orders: cutting -> edging -> drilling -> sanding -> priming -> painting, moved on the board.
- Rules: one task template per stage; "#{order_id}" in a template becomes the order number.
- Tasks: pending, in_progress, completed or cancelled; completing settles pay once.
- Presence: who is online, kept fresh by session heartbeats and a scheduled sweep.
- Event log: every change, view with 'mw log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetString("driver") == "postgres" {
			return nil
		}
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MILLWORK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "user id the command acts as")
	rootCmd.PersistentFlags().String("driver", "sqlite", "database driver (sqlite or postgres)")
	rootCmd.PersistentFlags().String("dsn", "", "postgres connection string")
	for _, name := range []string{"workspace", "json", "actor-id", "driver", "dsn"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(presenceCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var adminID, adminName string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create millwork.yml, migrate the database and optionally bootstrap an admin",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.Write(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				out := map[string]any{"config": path, "driver": viper.GetString("driver")}
				if adminID != "" {
					users, err := a.Engine.ListUsers(ctx)
					if err != nil {
						return err
					}
					if len(users) > 0 {
						return fmt.Errorf("roster already has %d users; add admins with mw user add", len(users))
					}
					if adminName == "" {
						adminName = adminID
					}
					u, err := a.Engine.UpsertUser(ctx, engine.UserInput{ID: adminID, FullName: adminName, Role: domain.RoleAdmin, ActorID: adminID})
					if err != nil {
						return err
					}
					out["admin"] = u.ID
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&adminID, "admin", "", "bootstrap this user id as the first admin (empty roster only)")
	cmd.Flags().StringVar(&adminName, "admin-name", "", "full name of the bootstrap admin")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect millwork.yml",
		Long:  "millwork.yml sets the shop timezone, the late-completion penalty, presence timings, rule defaults, webhooks and the optional AMQP change feed.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate millwork.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = config.Path(viper.GetString("workspace"))
			}
			_, err := config.FromFile(file)
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config file (defaults to the workspace millwork.yml)")
	return cmd
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the acting user's role and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor := viper.GetString("actor-id")
				authz := auth.Service{Roles: a.Repo}
				role, err := authz.Role(ctx, actor)
				if err != nil {
					return err
				}
				perms, err := authz.ActorPermissions(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"user_id": actor, "role": role, "permissions": perms})
			})
		},
	}
}

// --- helpers ---

func appOptions() app.Options {
	return app.Options{
		Workspace: viper.GetString("workspace"),
		Driver:    viper.GetString("driver"),
		DSN:       viper.GetString("dsn"),
	}
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, appOptions())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// withActor is withApp for commands that need a permission. The acting user
// comes from --actor-id or MILLWORK_ACTOR_ID.
func withActor(ctx context.Context, perm auth.Permission, fn func(context.Context, *app.App, string) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		actor := viper.GetString("actor-id")
		if err := (auth.Service{Roles: a.Repo}).Require(ctx, actor, perm); err != nil {
			return err
		}
		return fn(ctx, a, actor)
	})
}

// printPartial prints a best-effort result. A partial failure still carries
// a usable result, so it is printed before the error is returned.
func printPartial(v any, err error) error {
	var pf *engine.PartialFailureError
	if err != nil && !errors.As(err, &pf) {
		return err
	}
	if perr := printJSONOrTable(v); perr != nil {
		return perr
	}
	if pf != nil {
		return pf
	}
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
