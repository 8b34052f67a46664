package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"millwork/internal/app"
	"millwork/internal/logger"
	"millwork/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowUserHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server with the presence sweeper, webhooks and change feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := appOptions()
			opts.Log = logger.New("millwork")
			a, err := app.Open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()
			authCfg := server.AuthConfig{
				JWTSecret:       viper.GetString("jwt-secret"),
				AllowUserHeader: allowUserHeader,
				Log:             a.Log.With("auth"),
			}
			if authCfg.JWTSecret == "" && !allowUserHeader {
				return fmt.Errorf("MILLWORK_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				Repo:     a.Repo,
				Presence: a.Presence,
				Bus:      a.Bus,
				BasePath: basePath,
				Auth:     authCfg,
				Log:      a.Log.With("http"),
			})
			if err != nil {
				return err
			}
			workers, err := a.StartWorkers(cmd.Context())
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			a.Log.Info("http.listen", fmt.Sprintf("serving millwork API on http://%s%s (OpenAPI at %s/openapi.json, docs at %s/docs)", addr, basePath, basePath, basePath), logger.Fields{"addr": addr})
			serveErr := srv.ListenAndServe()
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := workers.Stop(stopCtx); err != nil {
				a.Log.Error("workers.stop_failed", err, nil)
			}
			if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				return serveErr
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowUserHeader, "allow-user-header", false, "trust X-User-Id without credentials (development only)")
	return cmd
}
