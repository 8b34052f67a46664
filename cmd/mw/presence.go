package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"millwork/internal/app"
	"millwork/internal/domain"
	"millwork/internal/engine/auth"
	"millwork/internal/logger"
	"millwork/internal/presence"
	millworksdk "millwork/sdk/go"
)

func presenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "presence",
		Short: "Who is online",
		Long:  "A user counts as online while their stored status is online and their last activity is recent. Sessions heartbeat; the sweep turns silent users offline.",
	}
	cmd.AddCommand(presenceListCmd())
	cmd.AddCommand(presenceSweepCmd())
	cmd.AddCommand(presenceSessionCmd())
	return cmd
}

func presenceListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List effectively online users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var (
					recs []domain.PresenceRecord
					err  error
				)
				if all {
					recs, err = a.Presence.ListPresence(ctx)
				} else {
					recs, err = a.Presence.Online(ctx)
				}
				if err != nil {
					return err
				}
				return printPresence(recs)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "show stored records, including offline users")
	return cmd
}

func presenceSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Mark stale online users offline now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), auth.PresenceSweep, func(ctx context.Context, a *app.App, _ string) error {
				ids, err := a.Presence.CleanupStaleOnline(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"offline": ids})
			})
		},
	}
}

func presenceSessionCmd() *cobra.Command {
	var serverURL, token, apiKey string
	var every time.Duration
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Hold a presence session for the acting user until interrupted",
		Long:  "Against --server the session heartbeats over HTTP; without it the session runs on the workspace database directly.",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := viper.GetString("actor-id")
			if actor == "" {
				return fmt.Errorf("--actor-id required")
			}
			log := logger.NewWithWriter("mw", os.Stderr)
			if serverURL != "" {
				c := millworksdk.New(serverURL)
				c.BearerToken, c.APIKey, c.UserID = token, apiKey, actor
				opts := presence.Options{HeartbeatInterval: every, Log: log}
				return runSession(cmd.Context(), presence.NewTracker(c, opts), actor, every)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Engine.GetUser(ctx, actor); err != nil {
					return err
				}
				interval := every
				if interval <= 0 {
					interval = a.Config.Presence.HeartbeatInterval
				}
				tr := presence.NewTracker(a.Presence, presence.Options{
					HeartbeatInterval: interval,
					StaleAfter:        a.Config.Presence.StaleAfter,
					Log:               log,
				})
				unsubscribe := a.Bus.Subscribe(presence.Table, tr)
				defer unsubscribe()
				return runSession(ctx, tr, actor, interval)
			})
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "API base url, e.g. http://127.0.0.1:8080/v1")
	cmd.Flags().StringVar(&token, "token", "", "bearer token for --server")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key for --server")
	cmd.Flags().DurationVar(&every, "every", 0, "heartbeat interval (defaults to config)")
	return cmd
}

func runSession(ctx context.Context, tr *presence.Tracker, userID string, every time.Duration) error {
	if every <= 0 {
		every = presence.DefaultHeartbeat
	}
	if err := tr.Start(ctx, userID); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "session for %s started; Ctrl-C to leave\n", userID)
	report := time.NewTicker(every)
	defer report.Stop()
	last := ""
	for {
		names := make([]string, 0)
		for _, r := range tr.OnlineSet() {
			names = append(names, r.UserID)
		}
		if line := strings.Join(names, ", "); line != last {
			fmt.Printf("%s online: %s\n", time.Now().Format(time.TimeOnly), line)
			last = line
		}
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return tr.Stop(stopCtx)
		case <-report.C:
		}
	}
}

func printPresence(recs []domain.PresenceRecord) error {
	if viper.GetBool("json") {
		return printJSON(recs)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"User", "Name", "Status", "Last seen"})
	for _, r := range recs {
		seen := "never"
		if r.LastSeenAt != nil {
			seen = humanize.Time(*r.LastSeenAt)
		}
		tw.AppendRow(table.Row{r.UserID, r.FullName, r.Status, seen})
	}
	tw.Render()
	return nil
}
