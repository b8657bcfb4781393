package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/viralcast/prediction-engine/internal/monitoring"
	"github.com/viralcast/prediction-engine/internal/scheduler"
	"github.com/viralcast/prediction-engine/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the prediction API server",
	Long:  "Serves predictions over HTTP and runs the retraining schedule and health checker in the background.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}

		// Scheduled retraining.
		sched := scheduler.New()
		if cfg.Retrain.Schedule != "" {
			err := sched.AddJob(scheduler.JobFunc{
				JobName: "retrain",
				Cron:    cfg.Retrain.Schedule,
				Fn: func(jobCtx context.Context) error {
					_, err := env.Retrainer.Run(jobCtx)
					return err
				},
			})
			if err != nil {
				return err
			}
			sched.Start()
			defer sched.Stop()
		} else {
			zap.L().Info("retrain schedule not configured, relying on the HTTP trigger")
		}

		// Background health checks.
		alerter := monitoring.NewAlerter(cfg.Monitoring)
		checker := monitoring.NewChecker(env.Collector, alerter, cfg.Monitoring)
		go checker.Run(ctx)

		srv := server.New(cfg, env.Pipeline, env.Store, env.Retrainer, env.Collector)
		return srv.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
