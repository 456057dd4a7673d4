package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/fraud-analyst/internal/api"
	"github.com/sells-group/fraud-analyst/internal/monitoring"
)

const shutdownTimeout = 15 * time.Second

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the analysis API server",
	Long:  "Serves synchronous and streamed transaction analyses over HTTP and WebSocket.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}

		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		startMonitoring(ctx, env)

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           api.New(env.Pipeline, env.Store, cfg.Server).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server",
			zap.Int("port", cfg.Server.Port),
			zap.String("model_version", env.Pipeline.ModelVersion()),
			zap.Bool("collaborator", env.Pipeline.CollaboratorEnabled()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// startMonitoring runs the decision health checker in the background when
// enabled. It needs the archive.
func startMonitoring(ctx context.Context, env *pipelineEnv) {
	if !cfg.Monitoring.Enabled {
		return
	}
	if env.Store == nil {
		zap.L().Warn("monitoring enabled but no archive configured, checker not started")
		return
	}
	checker := monitoring.NewChecker(
		monitoring.NewCollector(env.Store, env.Pipeline.Usage()).WithCircuit(env.Pipeline.CollaboratorCircuit),
		monitoring.NewAlerter(cfg.Monitoring),
		cfg.Monitoring,
	)
	go checker.Run(ctx)
}
