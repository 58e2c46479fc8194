package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/config"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/dispatch"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/event"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/health"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/log"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/metrics"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/ratelimit"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/sender"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/server"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	logger := log.NewLogger()
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()

	sqlStore, err := store.NewSQLStore(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to initialize store", zap.Error(err))
	}
	defer sqlStore.Close()
	if err := sqlStore.EnsureSchema(context.Background()); err != nil {
		logger.Fatal("Failed to ensure schema", zap.Error(err))
	}

	collector := metrics.NewCollector()
	cache := store.NewStatusCache(redisClient, cfg.StatusCacheTTL)
	writer := store.NewAsyncWriter(sqlStore, cache, cfg.PersistBuffer, collector, logger.Named("persist"))
	events := event.NewPublisher(logger.Named("events"))
	limiter := ratelimit.New(cfg.RateLimitMax, cfg.RateLimitWindow)
	carrier := sender.NewHTTPSender(cfg.CarrierURL, cfg.SendTimeout, logger.Named("carrier"))

	svc, err := dispatch.NewService(cfg, sqlStore, writer, cache, carrier, limiter, events, collector, logger.Named("dispatch"))
	if err != nil {
		logger.Fatal("Failed to initialize dispatch service", zap.Error(err))
	}
	if err := svc.Recover(context.Background()); err != nil {
		logger.Fatal("Failed to recover pending items", zap.Error(err))
	}

	// Event observers: every terminal outcome feeds the collector.
	events.Subscribe(dispatch.TopicFailed, "audit", func(ev event.Event) {
		logger.Warn("Dispatch failure observed", zap.Any("payload", ev.Payload))
	})

	aggregator := health.NewAggregator(logger.Named("health"))
	aggregator.Register("queue", health.NewQueueCheck(health.QueueThresholds{
		WarnDepth:    cfg.QueueWarnDepth,
		CritDepth:    cfg.QueueCritDepth,
		MaxAvgWait:   cfg.QueueMaxAvgWait,
		MaxErrorRate: cfg.QueueMaxErrorRate,
	}, svc.QueueSample))
	aggregator.Register("postgres", health.NewPingCheck(sqlStore.Ping))
	aggregator.Register("redis", health.NewPingCheck(cache.Ping))
	aggregator.Register("device", health.NewDeviceCheck(health.StaticDevice{
		Result: health.Result{Status: health.Healthy},
	}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go writer.Run(ctx)
	svcDone := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(svcDone)
	}()

	metricsServer := metrics.NewServer(cfg.MetricsAddr, metrics.NewBridge(collector), logger.Named("metrics"))
	go metricsServer.Run(ctx)

	go func() {
		ticker := time.NewTicker(cfg.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				svc.SampleMetrics()
				svc.SweepTerminal(cfg.TerminalRetention)
				snap := aggregator.Evaluate(ctx)
				collector.SetGauge("health.status", float64(snap.Status))
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(cfg.RateLimitCleanup)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				removed := limiter.Cleanup(time.Now().Add(-cfg.RateLimitCleanup))
				if removed > 0 {
					logger.Info("Rate limiter cleanup", zap.Int("removed", removed))
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	r := chi.NewRouter()
	server.SetupRouter(r, cfg, svc, aggregator, collector, events, limiter, logger.Named("http"))
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	// Load TLS certificates
	certFile := os.Getenv("TLS_CERT_FILE")
	keyFile := os.Getenv("TLS_KEY_FILE")
	var tlsConfig *tls.Config
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			logger.Fatal("Failed to load TLS certificates", zap.Error(err))
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	} else {
		logger.Warn("TLS_CERT_FILE or TLS_KEY_FILE not set, using HTTP")
	}

	go func() {
		if tlsConfig != nil {
			srv.TLSConfig = tlsConfig
			logger.Info("Server starting with TLS", zap.String("addr", cfg.ListenAddr))
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Fatal("Server failed", zap.Error(err))
			}
		} else {
			logger.Info("Server starting without TLS", zap.String("addr", cfg.ListenAddr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal("Server failed", zap.Error(err))
			}
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
	// Workers publish until they exit; the bus closes only after they drain.
	<-svcDone
	writer.Wait()
	events.Close()
}
