package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/taxi-dispatch/internal/config"
	httpapi "github.com/example/taxi-dispatch/internal/http"
	"github.com/example/taxi-dispatch/internal/logging"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		logging.NewLogger("info").Error("config error", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	if cfg.PGDSN != "" && cfg.RunMigrations {
		if db, err := sql.Open("postgres", cfg.PGDSN); err == nil {
			if b, err := os.ReadFile(filepath.Join("migrations", "001_create_dispatch.sql")); err == nil {
				if _, err := db.Exec(string(b)); err != nil {
					logger.Error("migration exec error", "error", err)
				} else {
					logger.Info("migration applied", "file", "001_create_dispatch.sql")
				}
			}
			_ = db.Close()
		} else {
			logger.Error("migration db open error", "error", err)
		}
	}

	srv, err := httpapi.NewServerFromEnv()
	if err != nil {
		logger.Error("server wiring failed", "error", err)
		os.Exit(1)
	}

	hs := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("taxi-dispatch listening", "addr", cfg.HTTPAddr)
		if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("taxi-dispatch stopped")
}
