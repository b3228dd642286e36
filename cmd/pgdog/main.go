package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pgdogdev/pgdog/internal/api"
	"github.com/pgdogdev/pgdog/internal/cluster"
	"github.com/pgdogdev/pgdog/internal/config"
	"github.com/pgdogdev/pgdog/internal/frontend"
	"github.com/pgdogdev/pgdog/internal/health"
	"github.com/pgdogdev/pgdog/internal/metrics"
)

func main() {
	configPath := flag.String("config", "configs/pgdog.yaml", "path to configuration file")
	flag.Parse()

	slog.Info("pgdog starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded", "path", *configPath, "databases", len(cfg.Databases))

	m := metrics.New()
	checker := health.New(cfg.General, m)

	registry, err := cluster.NewRegistry(cfg, checker.CheckHealth)
	if err != nil {
		slog.Error("failed to build cluster registry", "error", err)
		os.Exit(1)
	}

	var tlsConfig *tls.Config
	if cfg.General.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(cfg.General.TLSCert, cfg.General.TLSKey)
		if err != nil {
			slog.Warn("failed to load TLS cert/key, TLS disabled", "error", err)
		} else {
			tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
			slog.Info("TLS enabled", "cert", cfg.General.TLSCert)
		}
	}

	listenAddr := fmt.Sprintf("%s:%d", cfg.General.Host, cfg.General.Port)
	listener, err := frontend.Listen(listenAddr, registry.Databases, registry, cfg.General, tlsConfig)
	if err != nil {
		slog.Error("failed to start frontend listener", "error", err)
		os.Exit(1)
	}
	slog.Info("frontend listening", "addr", listener.Addr().String())

	apiServer := api.NewServer(registry.Databases, m, cfg.General)
	if err := apiServer.Start(); err != nil {
		slog.Error("failed to start admin API", "error", err)
		os.Exit(1)
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		slog.Info("reloading configuration")
		if err := registry.Reload(newCfg, checker.CheckHealth); err != nil {
			slog.Error("config reload failed", "error", err)
		}
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "error", err)
	}

	slog.Info("pgdog ready", "pg_port", cfg.General.Port, "api_port", cfg.General.APIPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig.String())

	if configWatcher != nil {
		configWatcher.Stop()
	}
	apiServer.Stop()
	listener.Close()

	slog.Info("pgdog stopped")
}
