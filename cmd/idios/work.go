package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/artresearch/idios"
	"github.com/artresearch/idios/infrastructure/dispatch"
	"github.com/artresearch/idios/internal/log"
	"github.com/artresearch/idios/internal/metrics"
)

func workCmd() *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:   "work",
		Short: "Start a worker process",
		Long: `Start a worker process.

A worker connects to the vector store and the job queue, then executes one
command at a time (prefetch 1). Run more worker processes to scale out; the
broker distributes jobs across them and redelivers jobs a dying worker left
unacknowledged.

A health listener answers 200 "ok" on HEALTH_ADDR (default :8000) while the
broker connection is up, for container orchestration probes.

Environment variables: see 'idios serve --help', plus
  HEALTH_ADDR              Health listener address (default: :8000)
  IMAGE_TIMEOUT            Image fetch deadline in seconds (default: 30)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWork(envFile)
		},
	}

	cmd.Flags().StringVar(&envFile, "env-file", "", "Path to .env file (default: .env in current directory)")

	return cmd
}

func runWork(envFile string) error {
	cfg, err := loadConfig(envFile)
	if err != nil {
		return err
	}

	logger := log.Configure(cfg)
	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := idios.New(idios.WithConfig(cfg), idios.WithLogger(logger))
	if err != nil {
		return err
	}
	defer client.Close()

	worker := dispatch.NewWorker(cfg.RabbitMQURL(), client.Commands, logger, m)

	health := healthServer(cfg.HealthAddr(), worker, m)
	go func() {
		if err := health.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health listener failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = health.Shutdown(shutdownCtx)
	}()

	logger.Info("starting worker", "queue", dispatch.QueueName, "health_addr", cfg.HealthAddr())
	return worker.Run(ctx)
}

// healthServer serves the liveness probe plus the worker's metrics.
func healthServer(addr string, worker *dispatch.Worker, m *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/", worker.HealthHandler())
	mux.Handle("/metrics", m.Handler())

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
