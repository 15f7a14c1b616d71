package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"research-notes-api/internal/auth"
	"research-notes-api/internal/config"
	"research-notes-api/internal/database"
	"research-notes-api/internal/dbsession"
	"research-notes-api/internal/handlers"
	"research-notes-api/internal/realtime"
	"research-notes-api/internal/routes"

	"github.com/mama165/sdk-go/logs"
	"gorm.io/gorm/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(".env")
	if err != nil {
		return err
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)

	db, err := database.InitDB(cfg.DatabasePath, logger.Warn)
	if err != nil {
		return fmt.Errorf("database init failed: %w", err)
	}
	defer func() {
		log.Info("Closing database...")
		_ = database.Close(db)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	verifier := auth.NewVerifier(db, cfg.TokenCacheTTL, log)
	go verifier.Cache().Janitor(ctx, cfg.TokenCacheTTL)

	connector := dbsession.GormConnector{Driver: cfg.DBSessionDriver, DataDir: cfg.DBSessionDataDir}
	hub, err := realtime.NewHub(log,
		realtime.WithClientIDRange(cfg.ClientIDMin, cfg.ClientIDMax),
		realtime.WithSessionFactory(func(connectionID string) *dbsession.Session {
			return dbsession.NewSession(connectionID, connector, cfg.DBQueryTimeout, log)
		}),
	)
	if err != nil {
		return fmt.Errorf("hub init failed: %w", err)
	}

	wsCfg := handlers.WSConfig{
		WriteTimeout: cfg.WSWriteTimeout,
		PongWait:     cfg.WSPongWait,
		PingPeriod:   cfg.WSPingPeriod,
		ReadLimit:    cfg.WSReadLimit,
	}
	router := routes.SetupRoutes(routes.Deps{
		WS:       handlers.NewWSHandler(hub, verifier, wsCfg, log),
		Control:  handlers.NewControlHandler(hub, log),
		Health:   handlers.NewHealthHandler(hub),
		Verifier: verifier,
	})

	srv := &http.Server{Addr: cfg.Addr(), Handler: router}
	errChan := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", "address", cfg.Addr(), "session_driver", connector.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case err := <-errChan:
		hub.Shutdown()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown; the hub
	// closes them.
	hub.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", "error", err)
	}
	log.Info("Server stopped cleanly")
	return nil
}
