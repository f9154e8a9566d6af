package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Brownie44l1/cxr-api/internal/audit"
	"github.com/Brownie44l1/cxr-api/internal/config"
	"github.com/Brownie44l1/cxr-api/internal/feed"
	"github.com/Brownie44l1/cxr-api/internal/handlers"
	"github.com/Brownie44l1/cxr-api/internal/inference"
	"github.com/Brownie44l1/cxr-api/internal/logging"
	"github.com/Brownie44l1/cxr-api/internal/model"
	"github.com/Brownie44l1/cxr-api/internal/preprocess"
	"github.com/Brownie44l1/cxr-api/internal/registry"
	"github.com/Brownie44l1/cxr-api/internal/repository"
	"github.com/Brownie44l1/cxr-api/internal/repository/sqlite"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// projectRoot lets the binary be started from cmd/server during development.
func projectRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	if filepath.Base(wd) == "server" && filepath.Base(filepath.Dir(wd)) == "cmd" {
		return filepath.Join(wd, "..", "..")
	}
	return wd
}

func resolve(root, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

func run(cfg *config.Config, logger *slog.Logger) error {
	root := projectRoot()
	contract := preprocess.DefaultContract()

	if err := model.InitRuntime(cfg.Model.SharedLibraryPath); err != nil {
		return err
	}
	defer func() {
		if err := model.ShutdownRuntime(); err != nil {
			logger.Warn("onnx runtime shutdown", "error", err)
		}
	}()

	db, err := sqlite.New(resolve(root, cfg.Audit.DBPath))
	if err != nil {
		return err
	}
	defer db.Close()

	reg := registry.New(sqlite.NewModelRepository(db), contract, cfg.Registry.CacheTTL)

	hub := feed.NewHub(originChecker(cfg.Server.AllowedOrigins), logger)
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go hub.Run(ctx)

	var auditLog handlers.AuditLog
	if cfg.Audit.Enabled {
		predictions := sqlite.NewPredictionRepository(db)
		recorder := audit.NewRecorder(predictions, audit.Options{
			ImageDir:  resolve(root, cfg.Audit.ImageDirectory),
			Workers:   cfg.Audit.Workers,
			QueueSize: cfg.Audit.QueueSize,
		}, logger)
		if err := recorder.Start(); err != nil {
			return err
		}
		defer recorder.Stop()

		retention, err := audit.NewRetention(predictions,
			time.Duration(cfg.Audit.RetentionDays)*24*time.Hour,
			cfg.Audit.RetentionSchedule, logger)
		if err != nil {
			return err
		}
		retention.Start()
		defer retention.Stop()
		auditLog = recorder
	}

	holder := inference.NewHolder(loader(root, cfg, reg, contract, logger), logger.With("component", "holder"))
	defer holder.Close()
	if err := holder.Reload(ctx); err != nil {
		logger.Error("no model loaded, inference endpoints will return 503 until a reload succeeds", "error", err)
	}

	h := handlers.NewHandler(holder, auditLog, reg, hub, handlers.Options{
		DefaultThreshold: cfg.Server.DefaultThreshold,
		MaxUploadBytes:   cfg.Server.MaxUploadBytes,
	}, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handlers.NewRouter(h, hub, cfg.Server.AllowedOrigins, logger),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			"port", cfg.Server.Port,
			"default_threshold", cfg.Server.DefaultThreshold,
			"audit", cfg.Audit.Enabled,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case err, ok := <-errCh:
			if ok {
				return err
			}
			return nil
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				logger.Info("reloading model")
				reloadCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
				if err := holder.Reload(reloadCtx); err != nil {
					logger.Error("reload failed, keeping current model", "error", err)
				}
				cancel()
				continue
			}

			logger.Info("shutting down", "signal", sig.String())
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			stop()
			return srv.Shutdown(shutdownCtx)
		}
	}
}

// loader builds a Service from the registry's active model, or from the
// configured paths when nothing has been registered.
func loader(root string, cfg *config.Config, reg *registry.Registry, contract preprocess.Contract, logger *slog.Logger) inference.Loader {
	return func(ctx context.Context) (*inference.Service, error) {
		opts := inference.BuildOptions{
			ModelID:      "default",
			ModelPath:    resolve(root, cfg.Model.ModelPath),
			MetadataPath: resolve(root, cfg.Model.MetadataPath),
			CAMModelPath: resolve(root, cfg.Model.CAMModelPath),
			Workers:      cfg.Model.Workers,
			CAMWorkers:   cfg.Model.CAMWorkers,
			Contract:     contract,
		}

		rec, err := reg.Active(ctx)
		switch {
		case err == nil:
			opts.ModelID = rec.ID
			opts.ModelPath = resolve(root, rec.ModelPath)
			opts.MetadataPath = resolve(root, rec.MetadataPath)
			opts.CAMModelPath = ""
		case errors.Is(err, repository.ErrNotFound):
			logger.Info("no registered model is active, using configured paths", "path", opts.ModelPath)
		default:
			return nil, fmt.Errorf("read active model: %w", err)
		}
		return inference.Build(ctx, opts, logger)
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	for _, o := range allowed {
		if o == "*" {
			return nil
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}
