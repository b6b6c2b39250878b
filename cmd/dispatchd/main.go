package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	httpadapter "github.com/arksms/dispatch/internal/dispatch/adapters/http"
	"github.com/arksms/dispatch/internal/dispatch/daemon"
	"github.com/arksms/dispatch/internal/dispatch/delivery"
	"github.com/arksms/dispatch/internal/dispatch/exception"
	"github.com/arksms/dispatch/internal/dispatch/inbox"
	"github.com/arksms/dispatch/internal/dispatch/message"
	"github.com/arksms/dispatch/internal/dispatch/outbox"
	"github.com/arksms/dispatch/internal/dispatch/report"
	"github.com/arksms/dispatch/internal/dispatch/repository/postgres"
	"github.com/arksms/dispatch/internal/dispatch/sender"
	"github.com/arksms/dispatch/internal/platform/config"
	"github.com/arksms/dispatch/internal/platform/database"
	"github.com/arksms/dispatch/internal/platform/logger"
	"github.com/arksms/dispatch/internal/platform/messagebroker"
)

const appName = "dispatchd"

func main() {
	if err := run(); err != nil {
		slog.Error("dispatchd exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(cfg.LogLevel)
	log.Info("starting dispatchd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewDBPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := database.Migrate(pool, cfg.MigrationsPath); err != nil {
		return err
	}
	log.Info("database migrations applied")

	broker, err := messagebroker.NewNATSClient(cfg.NATSUrl, appName, log)
	if err != nil {
		return err
	}
	defer broker.Close()

	// repositories
	messageRepo := postgres.NewMessageRepository()
	outboxRepo := postgres.NewOutboxRepository()
	inboxRepo := postgres.NewInboxRepository(pool)
	deliveryRepo := postgres.NewDeliveryRepository(pool)
	deliveryTypeRepo := postgres.NewDeliveryTypeRepository(pool)
	attemptRepo := postgres.NewSendAttemptRepository()
	reportRepo := postgres.NewReportRepository()
	failedRepo := postgres.NewFailedMessageRepository()
	expiryRepo := postgres.NewExpiryRepository()
	routeRepo := postgres.NewRouteRepository(pool)
	networkRepo := postgres.NewNetworkRepository(pool)
	exceptionRepo := postgres.NewExceptionLogRepository(pool)

	// core services
	sink := exception.NewLogger(exceptionRepo, log)
	msgLogic := message.NewLogic(messageRepo, deliveryRepo, log)
	engine := outbox.NewEngine(messageRepo, outboxRepo, attemptRepo, failedRepo, expiryRepo, routeRepo, msgLogic, log)
	reconciler := report.NewReconciler(messageRepo, reportRepo, routeRepo, msgLogic, log)

	httpSender := sender.NewHTTPSender(routeRepo, networkRepo,
		cfg.SenderHTTPTimeout, cfg.HTTPUserAgent, cfg.SenderRatePerSec, log)

	senderDaemon := sender.NewDaemon(
		daemon.Config{
			Name:         "sender",
			Workers:      cfg.SenderWorkers,
			BufferSize:   cfg.SenderBufferSize,
			PollInterval: cfg.SenderPollInterval,
		},
		pool, engine, messageRepo, routeRepo, httpSender, broker, sink, log,
	)

	inboxDaemon := inbox.NewDaemon(
		daemon.Config{
			Name:         "inbox",
			Workers:      cfg.InboxWorkers,
			BufferSize:   cfg.InboxBufferSize,
			PollInterval: cfg.InboxPollInterval,
		},
		pool, inboxRepo, messageRepo, routeRepo, msgLogic,
		[]inbox.CommandHandler{inbox.NewForwardHandler(broker, log)},
		sink, log,
	)

	deliveryDaemon := delivery.NewDaemon(
		daemon.Config{
			Name:         "delivery",
			Workers:      cfg.DeliveryWorkers,
			BufferSize:   cfg.DeliveryBufferSize,
			PollInterval: cfg.DeliveryPollInterval,
		},
		pool, deliveryRepo, deliveryTypeRepo, messageRepo,
		[]delivery.NoticeHandler{delivery.NewNATSNoticeHandler(broker, log)},
		sink, log,
	)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           httpadapter.NewServer(pool, routeRepo, messageRepo, engine, reconciler, sink, log).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	expirySweeper := report.NewExpirySweeper(pool, expiryRepo, messageRepo, msgLogic, cfg.ExpirySweepInterval, log)

	g.Go(func() error { return senderDaemon.Run(ctx) })
	g.Go(func() error { return inboxDaemon.Run(ctx) })
	g.Go(func() error { return deliveryDaemon.Run(ctx) })
	g.Go(func() error { return expirySweeper.Run(ctx) })

	g.Go(func() error {
		log.Info("http server listening", "port", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("dispatchd stopped")
	return nil
}
