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

	"github.com/joho/godotenv"

	"github.com/dropDatabas3/stekd/internal/config"
	httpadmin "github.com/dropDatabas3/stekd/internal/http/admin"
	"github.com/dropDatabas3/stekd/internal/metrics"
	"github.com/dropDatabas3/stekd/internal/observability/logger"
	"github.com/dropDatabas3/stekd/internal/security/secretbox"
	"github.com/dropDatabas3/stekd/internal/ticket"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "stekd:", err)
		os.Exit(1)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.yaml", "path del config YAML")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	logger.Init(logger.Config{
		Env:         cfg.App.Env,
		Level:       cfg.Log.Level,
		ServiceName: "stekd",
		Version:     version,
	})
	defer func() { _ = logger.Sync() }()
	log := logger.Named("main")

	if err := metrics.Register(nil); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	lifetime := cfg.TicketLifetime(ticket.DefaultLifetime)
	grace := cfg.PurgeGrace(ticket.DefaultGrace)

	store, err := buildStore(cfg, lifetime, grace)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	// Bootstrap: dejar una current lista antes de aceptar handshakes.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	boot, err := store.CurrentForIssuance(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("bootstrap issuance key: %w", err)
	}
	log.Info("issuance key ready",
		logger.KeyName(boot.Name.String()),
		logger.ExpiresAt(boot.ExpiresAt),
		logger.Backend(cfg.Store.Backend),
		logger.Lifetime(lifetime))
	boot.Zero()

	stop := make(chan struct{})
	if iv := cfg.RotationInterval(); iv > 0 {
		go rotationLoop(store, iv, stop)
	}
	go ageLoop(store, stop)

	srv := &http.Server{
		Addr:              cfg.Server.AdminAddr,
		Handler:           httpadmin.NewServer(store, cfg.Server.AdminAPIKey).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("admin API listening", logger.Addr(cfg.Server.AdminAddr))
		errCh <- srv.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		close(stop)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case s := <-sig:
		log.Info("shutting down", logger.Signal(s.String()))
		close(stop)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func buildStore(cfg *config.Config, lifetime, grace time.Duration) (ticket.Store, error) {
	box, err := masterBox(cfg)
	if err != nil {
		return nil, err
	}
	switch cfg.Store.Backend {
	case "memory":
		return ticket.NewMemoryStore(lifetime, grace), nil
	case "fs":
		return ticket.NewFSStore(cfg.Store.FS.Dir, box, lifetime, grace)
	case "redis":
		return ticket.NewRedisStore(ticket.RedisConfig{
			Addr:   cfg.Store.Redis.Addr,
			DB:     cfg.Store.Redis.DB,
			Prefix: cfg.Store.Redis.Prefix,
		}, box, lifetime, grace)
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return ticket.NewPGStore(ctx, cfg.Store.Postgres.DSN, box, lifetime, grace)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func masterBox(cfg *config.Config) (*secretbox.Box, error) {
	if cfg.Security.MasterKey == "" {
		if cfg.Store.Backend == "memory" {
			return nil, nil
		}
		return nil, fmt.Errorf("store backend %q requires security.master_key", cfg.Store.Backend)
	}
	return secretbox.New(cfg.Security.MasterKey)
}

// rotationLoop reemplaza la current cada interval, adelantándose al
// margen de renovación (estilo rotación diaria de crypto/tls).
func rotationLoop(store ticket.Store, interval time.Duration, stop <-chan struct{}) {
	log := logger.Named("rotation")
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			k, err := store.Rotate(ctx)
			cancel()
			if err != nil {
				log.Error("periodic rotation failed", logger.Err(err))
				continue
			}
			k.Zero()
		}
	}
}

// ageLoop publica la edad de la clave current.
func ageLoop(store ticket.Store, stop <-chan struct{}) {
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			infos := store.List(ctx)
			cancel()
			for _, inf := range infos {
				if inf.Current {
					metrics.CurrentKeyAge.Set(time.Since(inf.CreatedAt).Seconds())
					break
				}
			}
		}
	}
}
