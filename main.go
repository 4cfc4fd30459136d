package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"termchat/archive"
	"termchat/config"
	"termchat/db"
	"termchat/server"
	"termchat/session"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.LogFormat == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zcfg.Level = level
	return zcfg.Build()
}

func run(cfg *config.Config, log *zap.Logger) error {
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	secret := cfg.JWTSecret
	if secret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return err
		}
		secret = hex.EncodeToString(buf)
		log.Warn("IM_JWT_SECRET not set, tokens will not survive a restart")
	}
	tokens := session.DefaultTokenConfig(secret)
	tokens.Expiry = cfg.TokenTTL

	registry := session.NewRegistry(tokens, log.Named("session"))

	writer := archive.New(database, archive.Options{
		BatchSize:     cfg.ArchiveBatch,
		FlushInterval: cfg.ArchiveFlush,
		QueueSize:     cfg.ArchiveQueue,
		MaxRetries:    3,
	}, log.Named("archive"))
	writer.Start()

	srv := server.New(database, server.ConfigFrom(cfg), registry, writer, log.Named("server"))

	var listeners []*http.Server
	if cfg.AdminAddr != "" {
		listeners = append(listeners, srv.NewAdminServer(cfg.AdminAddr))
	}
	if cfg.WSAddr != "" {
		listeners = append(listeners, srv.NewWebSocketServer(cfg.WSAddr))
	}
	for _, hs := range listeners {
		go func() {
			log.Info("http listener started", zap.String("addr", hs.Addr))
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http listener failed", zap.String("addr", hs.Addr), zap.Error(err))
			}
		}()
	}

	served := make(chan error, 1)
	go func() { served <- srv.Start() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("received signal, shutting down", zap.Stringer("signal", sig))
	case <-srv.ShutdownRequested():
	case err := <-served:
		if !errors.Is(err, server.ErrServerClosed) {
			writer.Stop(context.Background())
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	for _, hs := range listeners {
		if err := hs.Shutdown(ctx); err != nil {
			log.Warn("http listener shutdown", zap.String("addr", hs.Addr), zap.Error(err))
		}
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("connections force-closed", zap.Error(err))
	}
	if err := writer.Stop(ctx); err != nil {
		log.Warn("archive not fully drained", zap.Error(err), zap.Int("pending", writer.Stats().Pending))
	}

	log.Info("server stopped")
	return nil
}
