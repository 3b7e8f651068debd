package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"viewingflow/auth"
	"viewingflow/config"
	"viewingflow/engine"
	"viewingflow/httpapi"
	"viewingflow/logging"
	"viewingflow/outbox"
)

func main() {
	configPath := flag.String("config", os.Getenv("VIEWING_CONFIG"), "path to a TOML configuration file")
	hashSecret := flag.String("hash-callback-secret", "", "print the bcrypt hash of a payment callback secret and exit")
	flag.Parse()

	if *hashSecret != "" {
		h, err := auth.HashSecret(*hashSecret)
		if err != nil {
			log.Fatalf("hash callback secret: %v", err)
		}
		fmt.Println(h)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("viewingflow: %v", err)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	bus, err := openBus(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	svc := engine.NewService(st, newCollector(), policyFrom(cfg)).WithLogger(logger)
	gate := engine.NewGate(st).WithLogger(logger)

	sweeper := engine.NewSweeper(svc, logger).
		WithInterval(cfg.Engine.SweepInterval.Duration).
		WithBatch(cfg.Engine.SweepBatch)
	if bus.locker != nil {
		sweeper = sweeper.WithLocker(bus.locker)
	}

	relay := outbox.NewRelay(st, bus.publisher, logger).
		WithPrefix(cfg.Redis.ChannelPrefix).
		WithInterval(cfg.Outbox.RelayInterval.Duration).
		WithBatch(cfg.Outbox.Batch, cfg.Outbox.MaxAttempts)

	api := httpapi.New(httpapi.Options{
		Service:   svc,
		Gate:      gate,
		Tokens:    auth.NewTokenVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		Callbacks: auth.NewCallbackVerifier(cfg.Auth.CallbackSecretHash),
		Health:    healthCheck(st, bus),
		Logger:    logger,
	})
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", srv.Addr, "store", cfg.Store)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		sweeper.Start(gctx)
		return nil
	})
	g.Go(func() error {
		return relay.Run(gctx)
	})

	err = g.Wait()
	logger.Info("viewingflow stopped")
	return err
}
