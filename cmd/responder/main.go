package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/miradorstack/mirador-responder/internal/api"
	"github.com/miradorstack/mirador-responder/internal/audit"
	"github.com/miradorstack/mirador-responder/internal/cache"
	"github.com/miradorstack/mirador-responder/internal/config"
	"github.com/miradorstack/mirador-responder/internal/engine"
	"github.com/miradorstack/mirador-responder/internal/ingest"
	"github.com/miradorstack/mirador-responder/internal/metrics"
	"github.com/miradorstack/mirador-responder/internal/notify"
	"github.com/miradorstack/mirador-responder/internal/projection"
	"github.com/miradorstack/mirador-responder/internal/services"
	"github.com/miradorstack/mirador-responder/internal/store"
	"github.com/miradorstack/mirador-responder/internal/tracing"
	"github.com/miradorstack/mirador-responder/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	slog.SetDefault(logger)
	logger.Info("starting mirador-responder", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		logger.Error("failed to configure tracing", slog.Any("error", err))
		os.Exit(1)
	}

	auditRecorder, err := audit.New(cfg.Audit)
	if err != nil {
		logger.Error("failed to open audit log", slog.Any("error", err))
		os.Exit(1)
	}

	incidentStore, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		logger.Error("failed to open incident store", slog.String("driver", cfg.Store.Driver), slog.Any("error", err))
		os.Exit(1)
	}
	incidents := projection.New(incidentStore, nil)

	var cacheProvider cache.Provider = cache.NewMemoryProvider(nil)
	if cfg.Cache.Enabled {
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			// A process-local ledger cannot serialise remediation across replicas.
			logger.Error("valkey unavailable", slog.Any("error", err))
			os.Exit(1)
		}
		cacheProvider = provider
	} else {
		logger.Warn("cache disabled; cooldown ledger is process local")
	}

	var nc *nats.Conn
	if cfg.NATS.Enabled {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.Name("mirador-responder"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.Warn("nats disconnected", slog.Any("error", err))
				}
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
			}),
		)
		if err != nil {
			logger.Error("failed to connect to nats", slog.String("url", cfg.NATS.URL), slog.Any("error", err))
			os.Exit(1)
		}
	}

	var notifier engine.Notifier = notify.NewLogSink(logger)
	if nc != nil {
		publisher, err := notify.NewNATSPublisher(nc, cfg.NATS.NotificationSubject)
		if err != nil {
			logger.Error("failed to create notification publisher", slog.Any("error", err))
			os.Exit(1)
		}
		notifier = publisher
	}

	stages, err := buildStages(ctx, cfg, incidents, cacheProvider, logger)
	if err != nil {
		logger.Error("failed to build pipeline stages", slog.Any("error", err))
		os.Exit(1)
	}
	graph, err := engine.IncidentGraph(stages)
	if err != nil {
		logger.Error("invalid stage graph", slog.Any("error", err))
		os.Exit(1)
	}
	coordinator, err := engine.NewCoordinator(graph, incidents, engine.Options{
		FingerprintBucket: cfg.Fingerprint.Bucket,
		PipelineTimeout:   cfg.Pipeline.Timeout,
		StageTimeout:      cfg.Pipeline.StageTimeout,
		Notifier:          notifier,
		Audit:             auditRecorder,
		Logger:            logger,
	})
	if err != nil {
		logger.Error("failed to create coordinator", slog.Any("error", err))
		os.Exit(1)
	}

	incidentService := services.NewIncidentService(logger, coordinator, incidents)

	server, err := api.NewServer(cfg.Server, incidentService)
	if err != nil {
		logger.Error("failed to create gRPC server", slog.Any("error", err))
		os.Exit(1)
	}

	var consumer *ingest.Consumer
	if nc != nil {
		consumer, err = ingest.NewConsumer(nc, ingest.Config{
			Stream:  cfg.NATS.Stream,
			Subject: cfg.NATS.EventSubject,
			Durable: cfg.NATS.Consumer,
			AckWait: cfg.Pipeline.Timeout + time.Minute,
		}, incidentService, logger)
		if err != nil {
			logger.Error("failed to create event consumer", slog.Any("error", err))
			os.Exit(1)
		}
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("event consumer exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if err := incidentStore.Ping(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()

	if consumer != nil {
		if err := consumer.Close(); err != nil {
			logger.Warn("event consumer close", slog.Any("error", err))
		}
	}
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
	}
	if nc != nil {
		if err := nc.Drain(); err != nil {
			logger.Warn("nats drain", slog.Any("error", err))
		}
	}
	if err := cacheProvider.Close(); err != nil {
		logger.Warn("cache close", slog.Any("error", err))
	}
	if err := incidentStore.Close(); err != nil {
		logger.Warn("incident store close", slog.Any("error", err))
	}
	if err := auditRecorder.Close(); err != nil {
		logger.Warn("audit log close", slog.Any("error", err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", slog.Any("error", err))
	}
	logger.Info("mirador-responder stopped")
}
