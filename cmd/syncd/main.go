package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sefoc/sagra-sync/internal/authority"
	"github.com/sefoc/sagra-sync/internal/broker"
	"github.com/sefoc/sagra-sync/internal/config"
	"github.com/sefoc/sagra-sync/internal/db"
	"github.com/sefoc/sagra-sync/internal/discovery"
	"github.com/sefoc/sagra-sync/internal/models"
	"github.com/sefoc/sagra-sync/internal/queue"
	"github.com/sefoc/sagra-sync/internal/reconciler"
	"github.com/sefoc/sagra-sync/internal/service"
	"github.com/sefoc/sagra-sync/internal/tombstone"
	"github.com/sefoc/sagra-sync/pkg/infra"
)

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Sync engine terminated", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Migrate {
		if err := db.Migrate(ctx, cfg.CentralURL, logger); err != nil {
			return err
		}
	}

	central, err := db.NewCentralRepository(ctx, cfg.CentralURL, logger)
	if err != nil {
		return err
	}
	defer central.Close()

	primary, err := db.NewLegacyRepository(cfg.LegacyPrimaryDSN, string(authority.StorePrimary), logger)
	if err != nil {
		return err
	}
	defer primary.Close()

	secondary, err := db.NewLegacyRepository(cfg.LegacySecondaryDSN, string(authority.StoreSecondary), logger)
	if err != nil {
		return err
	}
	defer secondary.Close()

	resolver := authority.NewResolver(cfg.OrderThreshold)
	tracker := tombstone.NewTracker(central, logger)

	consumer := queue.NewConsumer(central,
		map[authority.StoreID]queue.LegacyStore{
			authority.StorePrimary:   primary,
			authority.StoreSecondary: secondary,
		},
		resolver, cfg.BatchSize, logger)

	rec := reconciler.NewReconciler(central,
		map[authority.StoreID]reconciler.LegacyStore{
			authority.StorePrimary:   primary,
			authority.StoreSecondary: secondary,
		},
		resolver, tracker, logger)

	if cfg.RabbitMQURL != "" {
		publisher, err := broker.NewPublisher(cfg.RabbitMQURL, logger)
		if err != nil {
			// Realtime events are optional; the engine runs without them.
			logger.Warn("Broker unavailable. Realtime sync events disabled", "error", err)
		} else {
			defer publisher.Close()
			sink := &eventSink{publisher: publisher, log: logger}
			consumer.SetEventSink(sink)
			rec.SetEventSink(sink)
		}
	}

	scanner := discovery.NewScanner(logger, central, primary, secondary)

	scheduler := service.NewScheduler(consumer, scanner, rec, central, cfg.PollInterval, logger)
	scheduler.AddPinger(central)
	scheduler.AddPinger(primary)
	scheduler.AddPinger(secondary)

	startObservabilityServer(ctx, cfg.MetricsPort, logger)

	return scheduler.Run(ctx)
}

// eventSink bridges the sync pipeline to the broker. Publish failures
// are logged and dropped; the realtime panel tolerates gaps.
type eventSink struct {
	publisher *broker.Publisher
	log       *slog.Logger
}

func (s *eventSink) MovementSynced(ctx context.Context, action string, m *models.Movement, store string) {
	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.publisher.PublishMovementEvent(publishCtx, action, m, store); err != nil {
		s.log.Warn("Failed to publish sync event",
			"action", action, "codstatus", m.StatusCode, "error", err)
	}
}

func startObservabilityServer(ctx context.Context, port string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: ":" + port, Handler: mux}

	go func() {
		logger.Info("Observability server listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Observability server failed", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}
