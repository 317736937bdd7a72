package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/visionq/visionq/pkg/api"
	"github.com/visionq/visionq/pkg/config"
	"github.com/visionq/visionq/pkg/describe"
	"github.com/visionq/visionq/pkg/dispatch"
	"github.com/visionq/visionq/pkg/log"
	"github.com/visionq/visionq/pkg/metrics"
	"github.com/visionq/visionq/pkg/partition"
	"github.com/visionq/visionq/pkg/pool"
	"github.com/visionq/visionq/pkg/queue"
	"github.com/visionq/visionq/pkg/storage"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the streaming API server",
	Long: `Start the HTTP server: the /process and /ingest streaming
endpoints, health, worker bootstrap, and metrics. The in-process worker
pool handles /process batches; /ingest uploads go to the object store
and, when Redis is reachable, onto the distributed queue.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return runServe(cfg)
	},
}

func runServe(cfg *config.Config) error {
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("main")

	pt, err := partition.New(cfg.Partitions, cfg.Replication)
	if err != nil {
		return err
	}
	store := storage.NewShardStore(pt, cfg.PartitionCap)

	describer := describe.NewOllamaClient(describe.Options{
		BaseURL: cfg.OllamaURL,
		Model:   cfg.OllamaModel,
		Timeout: time.Duration(cfg.DescribeTimeoutSec) * time.Second,
	})

	p, err := pool.New(cfg.Workers, describer)
	if err != nil {
		return err
	}
	dispatcher := dispatch.New(p, store)

	objects, err := storage.NewMinioStore(storage.MinioOptions{
		Endpoint:  cfg.MinioAddr(),
		AccessKey: cfg.Minio.AccessKey,
		SecretKey: cfg.Minio.SecretKey,
		UseSSL:    cfg.Minio.UseSSL,
	})
	if err != nil {
		return err
	}

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelBoot()
	for _, bucket := range []string{config.ImagesBucket, config.ResultsBucket} {
		if err := storage.EnsureBucket(bootCtx, objects, bucket, ""); err != nil {
			// The server can still run the in-process path while the
			// object store is down; health reports it.
			logger.Warn().Err(err).Str("bucket", bucket).Msg("bucket check failed at boot")
		}
	}

	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer q.Close()

	ledger, err := storage.NewLedger(dataDir)
	if err != nil {
		logger.Warn().Err(err).Msg("ingest ledger unavailable")
		ledger = nil
	} else {
		defer ledger.Close()
	}

	ingestor := dispatch.NewIngestor(objects, pt, q, ledger)

	health := metrics.NewHealthChecker()
	health.Register("redis", q.Ping)
	health.Register("queue", func(ctx context.Context) error {
		_, err := q.Depth(ctx, allPartitions(cfg.Partitions))
		return err
	})
	health.Register("s3", func(ctx context.Context) error {
		_, err := objects.BucketExists(ctx, config.ImagesBucket)
		return err
	})

	var runner *queue.Runner
	if cfg.WorkerMode {
		runner, err = queue.NewRunner(q, objects, describer, queue.RunnerOptions{
			WorkerID:   cfg.WorkerID,
			Partitions: cfg.WorkerPartitions,
			Slots:      cfg.Workers,
		})
		if err != nil {
			return err
		}
	}

	server := api.NewServer(api.Deps{
		Config:     cfg,
		Dispatcher: dispatcher,
		Ingestor:   ingestor,
		Pool:       p,
		Store:      store,
		Objects:    objects,
		Queue:      q,
		Runner:     runner,
		Health:     health,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(fmt.Sprintf(":%d", cfg.Port))
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown incomplete")
	}
	p.Stop()
	logger.Info().Msg("server stopped")
	return nil
}

func allPartitions(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
