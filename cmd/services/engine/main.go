package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fluxline-go/internal/engine"
	"github.com/fluxline-go/pkg/config"
	"github.com/fluxline-go/pkg/events"
	"github.com/fluxline-go/pkg/logger"
	"github.com/fluxline-go/pkg/telemetry"
)

func main() {
	cfg, err := config.Load("engine")
	if err != nil {
		logger.NewDefault().Fatal("failed to load config", "error", err)
	}

	log := logger.New(logger.Config{
		Level:     cfg.Logger.Level,
		Format:    cfg.Logger.Format,
		Output:    cfg.Logger.Output,
		AddCaller: cfg.Logger.AddCaller,
	})

	tel, err := telemetry.New(telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		JaegerURL:    cfg.Telemetry.JaegerURL,
		ServiceName:  cfg.Telemetry.ServiceName,
		SamplingRate: cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		log.Fatal("failed to initialize telemetry", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis is unreachable, running without persistence", "error", err)
		rdb = nil
	}
	pingCancel()

	var bus events.EventBus
	if cfg.Kafka.Enabled {
		bus = events.NewKafkaEventBus(events.KafkaConfig{
			Brokers:       cfg.Kafka.Brokers,
			Topic:         cfg.Kafka.Topic,
			ConsumerGroup: cfg.Kafka.ConsumerGroup,
		})
		log.Info("using kafka event bus", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	} else {
		bus = events.NewInMemoryEventBus()
	}

	eng := engine.New(cfg, log, bus, rdb, tel)
	eng.Start(ctx)

	metricsSrv := &http.Server{Addr: ":9090", Handler: promhttp.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := eng.Stop(shutdownCtx); err != nil {
		log.Error("engine shutdown incomplete", "error", err)
	}
	_ = metricsSrv.Shutdown(shutdownCtx)
	_ = bus.Close()
	if rdb != nil {
		_ = rdb.Close()
	}
	if err := tel.Close(shutdownCtx); err != nil {
		log.Error("telemetry shutdown failed", "error", err)
	}
	cancel()
}
