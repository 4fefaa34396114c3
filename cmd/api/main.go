package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"ergroom/internal/auth"
	"ergroom/internal/config"
	"ergroom/internal/device"
	"ergroom/internal/httpapi"
	"ergroom/internal/httpmiddleware"
	"ergroom/internal/logging"
	"ergroom/internal/metrics"
	"ergroom/internal/notify"
	"ergroom/internal/photos"
	"ergroom/internal/presence"
	"ergroom/internal/scanner"
	"ergroom/internal/store"
)

func main() {
	noDevice := flag.Bool("no-device", false, "run without the NFC reader")
	port := flag.String("port", "", "HTTP port (overrides HTTP_PORT)")
	issueToken := flag.String("issue-token", "", "print an operator token for this subject and exit")
	flag.Parse()

	cfg := config.Load()
	if *port != "" {
		cfg.HTTPPort = *port
	}
	if *noDevice {
		cfg.UseDevice = false
	}

	if *issueToken != "" {
		tok, err := auth.Issue(*issueToken, auth.RoleOperator, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.OperatorTokenTTL, time.Now())
		if err != nil {
			fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(tok.Value)
		return
	}

	log, err := logging.New(logging.Config{Level: cfg.LogLevel, Dev: cfg.LogDev})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	for _, w := range cfg.Warnings {
		log.Warn(w)
	}

	// Set Gin mode based on environment
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, log); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg config.App, log *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	ctx := context.Background()

	repo, db, err := presence.Open(ctx, cfg.StoreDriver, cfg.SQLitePath, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if n, err := repo.RepairPresence(ctx); err != nil {
		return fmt.Errorf("repair presence: %w", err)
	} else if n > 0 {
		log.Warn("repaired missing presence records", zap.Int("count", n))
	}

	bus := evbus.New()
	changes, err := notify.NewBroadcaster(bus)
	if err != nil {
		return fmt.Errorf("subscribe broadcaster: %w", err)
	}
	defer changes.Close()
	sinks := notify.Multi{notify.NewBusSink(bus)}
	health := map[string]func(context.Context) bool{"db": db.Healthy}

	var feed httpapi.Feed
	if cfg.RedisAddr != "" {
		rdb := store.NewRedis(cfg.RedisAddr)
		defer rdb.Close()
		redisSink := notify.NewRedisSink(rdb.Client, cfg.RedisChannel)
		sinks = append(sinks, redisSink)
		feed = redisSink
		health["redis"] = rdb.Healthy
		log.Info("publishing presence changes to redis", zap.String("addr", cfg.RedisAddr), zap.String("channel", cfg.RedisChannel))
	}

	var pictures httpapi.Photos
	if cfg.CloudinaryURL != "" {
		cld, err := photos.ParseURL(cfg.CloudinaryURL, cfg.CloudinaryFolder)
		if err != nil {
			return fmt.Errorf("cloudinary: %w", err)
		}
		pictures = cld
	} else {
		log.Info("profile picture import disabled, CLOUDINARY_URL not set")
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	engine := scanner.NewEngine(scanner.Deps{
		Store: repo,
		Open: func() (device.Reader, error) {
			return device.OpenLibNFC(cfg.NFCDevice, log)
		},
		Sink:    sinks,
		Metrics: m,
		Log:     log.Named("scanner"),
	}, scanner.Config{
		ScanInterval:        cfg.ScanInterval,
		DebounceWindow:      cfg.DebounceWindow,
		AutoCheckoutAfter:   cfg.AutoCheckoutAfter,
		SweepInterval:       cfg.SweepInterval,
		ErrorBackoff:        cfg.ErrorBackoff,
		RegistrationTimeout: cfg.RegistrationTimeout,
	})
	if err := engine.Start(cfg.UseDevice); err != nil {
		return fmt.Errorf("start scanner: %w", err)
	}

	router := httpapi.NewRouter(httpapi.Config{
		Repo:       repo,
		Scanner:    engine,
		Changes:    changes,
		Feed:       feed,
		Photos:     pictures,
		Health:     health,
		Metrics:    promhttp.Handler(),
		Limiter:    httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin),
		SigningKey: cfg.JWTSigningKey,
		Issuer:     cfg.JWTIssuer,
		Log:        log.Named("http"),
	})

	// No WriteTimeout: /v1/stream holds its response open.
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("addr", srv.Addr), zap.Bool("device", cfg.UseDevice))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		engine.Stop()
		return err
	}

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Streams never finish on their own.
	_ = changes.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server forced shutdown", zap.Error(err))
	}
	engine.Stop()
	engine.Flush()

	log.Info("server exited")
	return nil
}
