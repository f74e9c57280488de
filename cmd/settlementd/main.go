package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/redis/go-redis/v9"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	settlement "github.com/sappystick/SpatialMesh-AR-sub001"
	"github.com/sappystick/SpatialMesh-AR-sub001/idempotency"
	"github.com/sappystick/SpatialMesh-AR-sub001/internal/httpapi"
)

const (
	defaultHTTPAddr = ":8000"
	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		logger.WithFields(logger.Fields{
			"error": err,
		}).Error("settlementd stopped")
		os.Exit(1)
	}
}

func run() error {
	config, err := settlement.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	signer, err := settlement.NewKeySignerFromHex(os.Getenv("SETTLEMENT_PRIVATE_KEY"))
	if err != nil {
		return err
	}

	meterProvider := sdkmetric.NewMeterProvider()
	opts := []settlement.Option{
		settlement.WithMeter(meterProvider.Meter("settlementd")),
	}

	var rdb *redis.Client
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   0,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			return err
		}
		opts = append(opts, settlement.WithIdempotencyStore(idempotency.NewRedisStore(rdb, config.Retention)))
	}

	engine, err := settlement.New(config, signer, opts...)
	if err != nil {
		return err
	}
	if err := engine.Start(context.Background()); err != nil {
		return err
	}

	app := httpapi.NewApp(engine, httpapi.DefaultConfig())
	addr := os.Getenv("SETTLEMENT_HTTP_ADDR")
	if addr == "" {
		addr = defaultHTTPAddr
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.WithFields(logger.Fields{
			"addr":           addr,
			"active_network": engine.ActiveNetwork().String(),
		}).Info("settlementd listening")
		if err := app.Listen(addr); err != nil {
			logger.WithFields(logger.Fields{
				"error": err,
			}).Error("http server stopped")
		}
	}()

	<-c

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.WithFields(logger.Fields{
			"error": err,
		}).Warn("error during http shutdown")
	}
	if err := engine.Close(); err != nil {
		logger.WithFields(logger.Fields{
			"error": err,
		}).Warn("error closing engine")
	}
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			logger.WithFields(logger.Fields{
				"error": err,
			}).Warn("error closing redis client")
		}
	}
	return meterProvider.Shutdown(shutdownCtx)
}
