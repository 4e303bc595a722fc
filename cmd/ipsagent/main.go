// Command ipsagent loads a signature bundle and practice configuration,
// then exposes the control and eventstream HTTP surfaces a caller
// embedding dispatcher.Transaction against the loaded snapshot can use
// for health checks, statistics, live log tailing, and hot reload.
//
// This binary never parses HTTP traffic or terminates TLS itself: per
// the matching core's scope, framing an inbound request into the
// dispatcher's NewHttpTransaction/HttpRequestHeader/... calls is the
// embedder's job, the same way the teacher's proxy.Proxy owned HTTP
// framing while delegating policy decisions to internal/policy.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"ipsagent/internal/config"
	"ipsagent/internal/control"
	"ipsagent/internal/eventstream"
	"ipsagent/internal/loader"
	"ipsagent/internal/reload"
	"ipsagent/internal/storage"
	"ipsagent/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "configs/ipsagent.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("starting ipsagent", "bundle", cfg.Bundle.Path)

	loadBundle := func() (*loader.Snapshot, *loader.LoadReport, error) {
		data, err := os.ReadFile(cfg.Bundle.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("reading bundle: %w", err)
		}
		snap, report, err := loader.Load(data)
		if err != nil {
			return nil, nil, err
		}
		snap.MaxFieldSize = cfg.Bundle.MaxFieldSize
		return snap, report, nil
	}

	initial, report, err := loadBundle()
	if err != nil {
		slog.Error("failed to load initial bundle", "error", err)
		os.Exit(1)
	}
	for _, e := range report.Errors {
		slog.Warn("signature failed to load", "protection", e.ProtectionName, "error", e.Err)
	}
	slog.Info("bundle loaded", "signature_count", len(initial.Signatures), "error_count", len(report.Errors))

	store := loader.NewStore(initial)

	var tp *telemetry.Provider
	if cfg.Telemetry.Enabled {
		tp, err = telemetry.NewProvider(telemetry.Config{
			Enabled:     cfg.Telemetry.Enabled,
			Exporter:    cfg.Telemetry.Exporter,
			Endpoint:    cfg.Telemetry.Endpoint,
			ServiceName: cfg.Telemetry.ServiceName,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			slog.Warn("telemetry initialization failed, continuing without tracing", "error", err)
			tp = nil
		}
	}

	var sqliteStore *storage.SQLiteStore
	if cfg.Storage.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0755); err != nil {
			slog.Error("failed to create data directory", "error", err)
			os.Exit(1)
		}
		sqliteStore, err = storage.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			slog.Error("failed to initialize storage", "error", err)
			os.Exit(1)
		}
	}

	var broadcaster *reload.Broadcaster
	if cfg.Reload.Enabled {
		broadcaster, err = reload.New(reload.Config{
			Addr:      cfg.Reload.Addr,
			Password:  cfg.Reload.Password,
			DB:        cfg.Reload.DB,
			KeyPrefix: cfg.Reload.KeyPrefix,
		})
		if err != nil {
			slog.Warn("reload broadcaster initialization failed, continuing without cross-instance reload", "error", err)
			broadcaster = nil
		} else {
			go func() {
				for range broadcaster.Notifications() {
					snap, rep, err := loadBundle()
					if err != nil {
						slog.Error("reload failed", "error", err)
						continue
					}
					store.Swap(snap)
					slog.Info("bundle reloaded via broadcast", "signature_count", len(snap.Signatures), "error_count", len(rep.Errors))
				}
			}()
		}
	}

	hub := eventstream.NewHub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var controlServer, eventstreamServer *http.Server

	if cfg.Control.Enabled {
		controlHandler := control.NewWithAuth(store, sqliteStore, func() (*loader.Snapshot, *loader.LoadReport, error) {
			snap, rep, err := loadBundle()
			if err != nil {
				return nil, nil, err
			}
			if broadcaster != nil {
				_ = broadcaster.PublishReload(cfg.Bundle.Path)
			}
			return snap, rep, nil
		}, cfg.Control.Auth.Enabled, cfg.Control.Auth.APIKey)

		controlServer = &http.Server{
			Addr:         cfg.Control.Listen,
			Handler:      controlHandler,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
	}

	if cfg.Eventstream.Enabled {
		eventstreamServer = &http.Server{
			Addr:         cfg.Eventstream.Listen,
			Handler:      eventstream.NewHandler(hub),
			ReadTimeout:  10 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
	}

	errChan := make(chan error, 2)

	if controlServer != nil {
		go func() {
			slog.Info("control server starting", "addr", cfg.Control.Listen)
			if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("control server error: %w", err)
			}
		}()
	}

	if eventstreamServer != nil {
		go func() {
			slog.Info("eventstream server starting", "addr", cfg.Eventstream.Listen)
			if err := eventstreamServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("eventstream server error: %w", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("server error", "error", err)
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	}

	slog.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if controlServer != nil {
		if err := controlServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("control server shutdown error", "error", err)
		}
	}
	if eventstreamServer != nil {
		if err := eventstreamServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("eventstream server shutdown error", "error", err)
		}
	}
	if broadcaster != nil {
		if err := broadcaster.Close(); err != nil {
			slog.Error("reload broadcaster close error", "error", err)
		}
	}
	if sqliteStore != nil {
		if err := sqliteStore.Close(); err != nil {
			slog.Error("storage close error", "error", err)
		}
	}
	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown error", "error", err)
		}
	}

	slog.Info("ipsagent stopped")
}
