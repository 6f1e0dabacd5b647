package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/edgepipe/udf-pipeline-service/internal/framequeue"
	"github.com/edgepipe/udf-pipeline-service/internal/infra/codec"
	"github.com/edgepipe/udf-pipeline-service/internal/infra/config"
	"github.com/edgepipe/udf-pipeline-service/internal/infra/ingest"
	"github.com/edgepipe/udf-pipeline-service/internal/infra/loader"
	"github.com/edgepipe/udf-pipeline-service/internal/infra/metrics"
	"github.com/edgepipe/udf-pipeline-service/internal/infra/rabbitmq"
	"github.com/edgepipe/udf-pipeline-service/internal/infra/tracing"
	"github.com/edgepipe/udf-pipeline-service/internal/profiling"
	"github.com/edgepipe/udf-pipeline-service/internal/usecase"
	"github.com/edgepipe/udf-pipeline-service/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	fatalOnErr(err, "load config")

	log, err := logger.New(cfg.LogLevel)
	fatalOnErr(err, "init logger")
	defer log.Sync()

	log.Info("starting udf-pipeline-service", zap.String("service", cfg.ServiceName))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing (non-fatal if the collector is unavailable)
	tp, err := tracing.InitTracer(ctx, cfg.JaegerEndpoint, cfg.ServiceName)
	if err != nil {
		log.Warn("tracing init failed, continuing without tracing", zap.Error(err))
	} else {
		defer tp.Shutdown(ctx)
	}

	// Pipeline document
	pipeline, err := config.LoadPipeline(cfg.PipelineConfigPath)
	fatalOnErr(err, "load pipeline config")

	// Queues
	inputQueue := framequeue.New(cfg.InputQueueCapacity)
	outputQueue := framequeue.New(cfg.OutputQueueCapacity)

	// UDF manager
	udfLoader := loader.New(log)
	defer udfLoader.Close()

	manager, err := usecase.NewUdfManager(
		pipeline, udfLoader, inputQueue, outputQueue,
		cfg.ServiceName, profiling.New(), log,
	)
	fatalOnErr(err, "construct udf manager")

	// Bus publisher
	rmqConn, err := amqp.Dial(cfg.RabbitMQURL)
	fatalOnErr(err, "connect to rabbitmq")
	defer rmqConn.Close()

	pub, err := rabbitmq.NewPublisher(rmqConn, cfg.RabbitMQExchange, cfg.RabbitMQOutKey)
	fatalOnErr(err, "create publisher")

	// Metrics server
	metricsSrv := metrics.StartMetricsServer(ctx, cfg.MetricsPort, log)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	manager.Start()
	go pub.Drain(ctx, outputQueue, codec.New(), log)

	if cfg.IngestFile != "" {
		// Dev mode: feed frames from a local file instead of the bus.
		ingestor := ingest.NewFileIngestor(cfg.IngestFPS, log)
		go func() {
			if err := ingestor.Run(ctx, cfg.IngestFile, inputQueue); err != nil {
				log.Error("file ingest failed", zap.Error(err))
			}
		}()
		<-ctx.Done()
	} else {
		ingestor, err := rabbitmq.NewIngestor(rabbitmq.IngestorConfig{
			URL:      cfg.RabbitMQURL,
			Queue:    cfg.RabbitMQInQueue,
			Exchange: cfg.RabbitMQExchange,
			Prefetch: cfg.RabbitMQPrefetch,
		}, log)
		fatalOnErr(err, "create ingestor")
		defer ingestor.Close()

		if err := ingestor.Run(ctx, inputQueue); err != nil {
			log.Error("ingestor error", zap.Error(err))
		}
	}

	// Shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Shutdown(shutdownCtx)

	manager.Close()
	pub.Close()
	log.Info("udf-pipeline-service stopped")
}

func fatalOnErr(err error, msg string) {
	if err != nil {
		panic(msg + ": " + err.Error())
	}
}
