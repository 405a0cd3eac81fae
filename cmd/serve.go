package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/alphascore/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server for score calculations and webhooks",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if cfg.Server.WebhookSecret == "" {
			zap.L().Warn("server.webhook_secret is empty, webhook calls will be rejected")
		}

		srvCfg := server.Config{
			APIKey:         cfg.Server.APIKey,
			WebhookSecret:  cfg.Server.WebhookSecret,
			FailOpen:       cfg.Server.FailOpen,
			FallbackScore:  cfg.Engine.FallbackScore,
			CORSOrigins:    cfg.Server.CORSOrigins,
			MetricsPath:    cfg.Metrics.Path,
			RequestTimeout: time.Minute,
		}
		if cfg.Metrics.Enabled {
			srvCfg.Gatherer = env.Registry
		}
		handler := server.New(env.Engine, env.Store, env.Store.Ping, srvCfg).Handler()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server",
			zap.Int("port", port),
			zap.String("store", cfg.Store.Driver),
			zap.Bool("fail_open", cfg.Server.FailOpen),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
