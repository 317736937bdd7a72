package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/visionq/visionq/pkg/config"
	"github.com/visionq/visionq/pkg/describe"
	"github.com/visionq/visionq/pkg/log"
	"github.com/visionq/visionq/pkg/queue"
	"github.com/visionq/visionq/pkg/storage"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a distributed queue worker",
	Long: `Start a headless worker bound to the partitions in the
PARTITIONS environment variable. The worker leases jobs for its
partitions from the Redis queue, downloads each image from the object
store, produces its description, and persists the result document.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg.WorkerMode = true
		if err := cfg.Validate(); err != nil {
			return err
		}
		return runWorker(cfg)
	},
}

func runWorker(cfg *config.Config) error {
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithWorkerID(cfg.WorkerID)

	objects, err := storage.NewMinioStore(storage.MinioOptions{
		Endpoint:  cfg.MinioAddr(),
		AccessKey: cfg.Minio.AccessKey,
		SecretKey: cfg.Minio.SecretKey,
		UseSSL:    cfg.Minio.UseSSL,
	})
	if err != nil {
		return err
	}

	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer q.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 10*time.Second)
	err = q.Ping(pingCtx)
	cancelPing()
	if err != nil {
		return err
	}

	describer := describe.NewOllamaClient(describe.Options{
		BaseURL: cfg.OllamaURL,
		Model:   cfg.OllamaModel,
		Timeout: time.Duration(cfg.DescribeTimeoutSec) * time.Second,
	})

	runner, err := queue.NewRunner(q, objects, describer, queue.RunnerOptions{
		WorkerID:   cfg.WorkerID,
		Partitions: cfg.WorkerPartitions,
		Slots:      cfg.Workers,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	return runner.Run(ctx)
}
