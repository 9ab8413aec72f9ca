// Package main is the entry point for the aegis-core detection and response service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aegis-core/internal/config"
	"aegis-core/internal/detection"
	aerrors "aegis-core/internal/errors"
	"aegis-core/internal/incident"
	"aegis-core/internal/ingest"
	"aegis-core/internal/kafka"
	"aegis-core/internal/logging"
	"aegis-core/internal/metrics"
	"aegis-core/internal/pipeline"
	"aegis-core/internal/queue"
	"aegis-core/internal/response"
	"aegis-core/internal/schema"
	"aegis-core/internal/simulate"
	"aegis-core/internal/sink"
	"aegis-core/internal/storage"
	"aegis-core/internal/storage/s3"
	"aegis-core/internal/window"
)

// Version is set at build time.
var Version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (overrides AEGIS_CONFIG_PATH)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("aegis-core", Version)
		return
	}

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.Logging.Level)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("aegis-core exited with error", "error", err)
		os.Exit(1)
	}
}

// closer is a shutdown step run in reverse registration order.
type closer struct {
	name string
	fn   func(ctx context.Context) error
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("configuration loaded",
		"version", Version,
		"http_addr", cfg.Server.Addr,
		"queue_size", cfg.Queue.Size,
		"queue_policy", cfg.Queue.Policy,
		"detectors", cfg.Detectors.Enabled,
		"auth_enabled", cfg.Auth.Enabled,
		"production_mode", cfg.ProductionMode,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var closers []closer
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer done()
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].fn(shutdownCtx); err != nil {
				logger.Error("shutdown step failed", "step", closers[i].name, "error", err)
			}
		}
	}()

	m := metrics.New()
	sanitizer := aerrors.NewSanitizer(cfg.ProductionMode)

	// Storage
	var chClient *storage.ClickHouseClient
	if cfg.Storage.ClickHouse.Enabled {
		var err error
		chClient, err = openClickHouse(ctx, cfg.Storage, logger)
		if err != nil {
			return err
		}
		closers = append(closers, closer{"clickhouse", func(context.Context) error { return chClient.Close() }})
	}

	if cfg.Sinks.Kafka || cfg.Ingest.KafkaEnabled {
		ensureTopics(ctx, cfg.Kafka, logger)
	}

	// Sinks
	sinks, err := buildSinks(ctx, cfg, chClient, m, logger)
	if err != nil {
		return err
	}
	dispatcher := sink.NewDispatcher(sink.NewMulti(m, logger, sinks...), cfg.Sinks.Dispatcher, m, logger)
	closers = append(closers, closer{"sinks", dispatcher.Shutdown})

	// Detection and response
	eventQueue := queue.NewRingBuffer(cfg.Queue.Size)
	agg := window.New(cfg.Window.Retention, window.WithMaxSkew(cfg.Window.MaxSkew))

	detectors, err := detection.DefaultRegistry().Build(cfg.Detectors, logger)
	if err != nil {
		return fmt.Errorf("build detectors: %w", err)
	}

	correlator, err := incident.NewCorrelator(cfg.Correlator,
		incident.WithLogger(logger),
		incident.WithDropHandler(pipeline.DropReporter(dispatcher, m, time.Now, logger)),
	)
	if err != nil {
		return fmt.Errorf("create correlator: %w", err)
	}

	plan, err := cfg.ResponsePlan()
	if err != nil {
		return err
	}
	responder, err := response.New(cfg.Response.Config, plan,
		response.WithLogger(logger),
		response.WithSink(dispatcher),
		response.WithMetrics(m),
		response.WithSanitizer(sanitizer),
		response.WithHandlers(response.MockHandlers(cfg.Response.MockDelay, logger)...),
	)
	if err != nil {
		return fmt.Errorf("create responder: %w", err)
	}

	orchestrator, err := pipeline.New(cfg.Pipeline, pipeline.Deps{
		Queue:      eventQueue,
		Window:     agg,
		Detectors:  detectors,
		Correlator: correlator,
		Responder:  responder,
		Sink:       dispatcher,
		Metrics:    m,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}
	orchestrator.Start(ctx)
	closers = append(closers, closer{"pipeline", func(ctx context.Context) error {
		err := orchestrator.Stop(ctx)
		responder.Close()
		if errors.Is(err, pipeline.ErrHalted) {
			return nil
		}
		return err
	}})

	// Ingestion
	validator := schema.NewValidatorWithConfig(schema.ValidatorConfig{
		MaxAge:    cfg.Validation.MaxEventAge,
		MaxFuture: cfg.Validation.MaxFuture,
	})
	handler := ingest.NewHandler(validator, eventQueue).
		WithMaxPayload(cfg.Ingest.MaxPayloadSize).
		WithMaxBatch(cfg.Ingest.MaxBatchSize).
		WithPolicy(cfg.Queue.Policy).
		WithMetrics(m).
		WithLogger(logger)
	if chClient != nil && cfg.Ingest.QuarantineRejected {
		handler.WithQuarantine(storage.NewQuarantineWriter(chClient))
	}

	if cfg.Ingest.KafkaEnabled {
		consumer, err := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.EventTopic, logger)
		if err != nil {
			return fmt.Errorf("create kafka consumer: %w", err)
		}
		source := ingest.NewKafkaSource(handler, logger)
		go func() {
			if err := source.Run(ctx, consumer); err != nil && !errors.Is(err, kafka.ErrConsumerClosed) {
				logger.Error("kafka source stopped", "error", err)
			}
		}()
		closers = append(closers, closer{"kafka-source", func(context.Context) error { return consumer.Close() }})
	}

	if cfg.Ingest.TCP.Enabled {
		stream := ingest.NewStreamServer(cfg.Ingest.TCP, handler, logger)
		if err := stream.Start(ctx); err != nil {
			return fmt.Errorf("start tcp listener: %w", err)
		}
		closers = append(closers, closer{"tcp-listener", func(context.Context) error { stream.Stop(); return nil }})
	}

	if cfg.Ingest.DTLS.Enabled {
		dtlsServer, err := ingest.NewDTLSServer(cfg.Ingest.DTLS, handler, logger)
		if err != nil {
			return fmt.Errorf("create dtls listener: %w", err)
		}
		if err := dtlsServer.Start(ctx); err != nil {
			return fmt.Errorf("start dtls listener: %w", err)
		}
		closers = append(closers, closer{"dtls-listener", func(context.Context) error { dtlsServer.Stop(); return nil }})
	}

	if cfg.Simulate.Enabled {
		sim, err := simulate.New(cfg.Simulate, simulate.WithLogger(logger))
		if err != nil {
			return err
		}
		simCtx, stopSim := context.WithCancel(ctx)
		go func() {
			if err := sim.Run(simCtx, eventQueue); err != nil && !errors.Is(err, queue.ErrQueueClosed) {
				logger.Error("simulator stopped", "error", err)
			}
		}()
		closers = append(closers, closer{"simulator", func(context.Context) error { stopSim(); return nil }})
	}

	mux := ingest.Routes(handler, ingest.NewAPI(correlator, orchestrator, handler), m.Handler())
	wrapped, _ := ingest.WithMiddleware(mux, cfg, logger)
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      wrapped,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	closers = append(closers, closer{"http", server.Shutdown})

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting http server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	}

	health := orchestrator.Health()
	logger.Info("shutting down",
		"events", health.Events,
		"ticks", health.Ticks,
		"incidents", health.Incidents,
		"queue_depth", health.QueueDepth,
		"sink_dropped", dispatcher.Dropped(),
	)
	return nil
}

func openClickHouse(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*storage.ClickHouseClient, error) {
	logger.Info("initializing ClickHouse storage",
		"hosts", cfg.ClickHouse.Hosts,
		"database", cfg.ClickHouse.Database,
	)
	client, err := storage.NewClickHouseClient(ctx, cfg.ClickHouse)
	if err != nil {
		return nil, fmt.Errorf("connect to clickhouse: %w", err)
	}
	if cfg.Migrate {
		if err := storage.NewMigrator(client, logger).Run(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}
	storage.ApplyRetention(ctx, client, cfg.Retention, logger)
	return client, nil
}

func ensureTopics(ctx context.Context, cfg kafka.Config, logger *slog.Logger) {
	if status := kafka.Ping(ctx, cfg); !status.Healthy {
		logger.Warn("kafka unreachable at startup", "brokers", cfg.Brokers, "error", status.Error)
		return
	}
	err := kafka.EnsureTopics(ctx, cfg, logger,
		kafka.TopicSpec{Name: cfg.IncidentTopic, Partitions: 6, ReplicationFactor: 1},
		kafka.TopicSpec{Name: cfg.EventTopic, Partitions: 12, ReplicationFactor: 1},
	)
	if err != nil {
		logger.Warn("failed to ensure kafka topics", "error", err)
	}
}

// buildSinks opens every enabled transition sink. A sink that fails to
// connect aborts startup.
func buildSinks(ctx context.Context, cfg *config.Config, chClient *storage.ClickHouseClient, m *metrics.Metrics, logger *slog.Logger) ([]sink.Sink, error) {
	var sinks []sink.Sink

	if cfg.Sinks.Log {
		sinks = append(sinks, sink.NewLogSink(logger))
	}
	if cfg.Sinks.Kafka {
		producer, err := kafka.NewProducer(cfg.Kafka, cfg.Kafka.IncidentTopic, logger)
		if err != nil {
			return nil, fmt.Errorf("create kafka producer: %w", err)
		}
		sinks = append(sinks, sink.NewKafkaSink(producer))
	}
	if cfg.Sinks.ClickHouse && chClient != nil {
		writer := storage.NewBatchWriter(chClient, cfg.Storage.BatchWriter, logger)
		sinks = append(sinks, sink.NewClickHouseSink(writer))
	}
	if cfg.Sinks.NATS.Enabled {
		ns, err := sink.DialNATS(cfg.Sinks.NATS, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, ns)
	}
	if cfg.Sinks.Redis.Enabled {
		store, err := sink.NewGoRedisStore(ctx, cfg.Sinks.Redis)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink.NewRedisSink(store, cfg.Sinks.Redis.TTL))
	}
	if cfg.Sinks.Archive {
		client, err := s3.NewClient(ctx, cfg.Archive, logger)
		if err != nil {
			return nil, fmt.Errorf("create s3 client: %w", err)
		}
		if status := client.HealthCheck(ctx); !status.Healthy {
			logger.Warn("incident archive bucket unreachable", "bucket", client.Bucket(), "error", status.Error)
		}
		sinks = append(sinks, sink.NewS3Archiver(client))
	}

	names := make([]string, len(sinks))
	for i, s := range sinks {
		names[i] = s.Name()
	}
	logger.Info("transition sinks configured", "sinks", names)
	return sinks, nil
}
