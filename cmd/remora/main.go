// Remora is a Nostr data vending machine agent.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"remora/internal/advertise"
	"remora/internal/ai"
	"remora/internal/config"
	"remora/internal/logging"
	"remora/internal/metrics"
	"remora/internal/orchestrator"
	"remora/internal/payment"
	"remora/internal/relay"
	"remora/internal/service"
	"remora/internal/store"
)

func main() {
	var (
		envFile  = flag.String("env-file", "", "Load environment variables from this file before reading REMORA_* settings")
		logLevel = flag.String("log-level", "", "Log level (debug, info, warn, error); overrides REMORA_LOG_LEVEL")
	)
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			slog.Error("Failed to load env file", "path", *envFile, "error", err)
			os.Exit(1)
		}
	} else {
		// Best effort: a .env in the working directory is optional.
		_ = godotenv.Load()
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		slog.Error("Agent terminated", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Settings, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	gemini := ai.NewGemini(cfg.GeminiAPIKey, logger)
	registry, err := service.NewRegistry(
		service.NewTranslation(gemini, cfg.CostTranslationMsats),
		service.NewTextGeneration(gemini, cfg.CostTextGenerationMsats),
		service.NewTextExtraction(gemini, cfg.CostExtractionMsats),
		service.NewImageGeneration(gemini, cfg.CostImageMsats),
		service.NewDiscovery(gemini, cfg.DefaultCostMsats),
	)
	if err != nil {
		return err
	}

	lightning := payment.NewLightningClient(cfg.LNURLPayURL(), cfg.StrikeAPIKey, logger)

	gateway, err := relay.New(cfg.PrivateKey, cfg.RelayURLs, logger)
	if err != nil {
		return err
	}

	orch := orchestrator.New(orchestrator.Config{
		PaymentTimeout: cfg.PaymentTimeout,
		SweepInterval:  cfg.SweepInterval,
		MaxConcurrent:  cfg.MaxConcurrentJobs,
		ShutdownGrace:  cfg.ShutdownGrace,
		AgentName:      cfg.AgentName,
	}, st, gateway, lightning, registry, logger)

	// Jobs the previous process left in flight fail before any new
	// event can race them.
	if err := orch.Reconcile(ctx); err != nil {
		return err
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.MetricsAddr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("Serving metrics", "addr", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	gateway.SetHandlers(relay.Handlers{
		OnJobRequest: orch.HandleJobRequest,
		OnZapReceipt: orch.HandleZapReceipt,
	})
	gateway.Start(ctx)

	go orch.RunSweeper(ctx)

	// Advertise capabilities once connections settle.
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
		info, err := advertise.NewHandlerInfo(advertise.Info{
			Name:             cfg.AgentName,
			Identifier:       cfg.AgentIdentifier,
			About:            "AI services paid with Lightning: text generation, translation, summarization, extraction, and discovery.",
			LightningAddress: cfg.LightningAddress,
		}, registry)
		if err != nil {
			slog.Error("Failed to build handler info", "error", err)
			return
		}
		if err := gateway.Publish(ctx, info); err != nil {
			slog.Warn("Handler info publish failed", "error", err)
			return
		}
		slog.Info("Published capability advertisement", "kinds", registry.Kinds())
	}()

	slog.Info("Agent running",
		"pubkey", gateway.PublicKey(),
		"relays", len(cfg.RelayURLs),
		"kinds", registry.Kinds())

	<-ctx.Done()
	slog.Info("Shutting down...")

	// Ingress and sweeper stop with ctx; in-flight executions get the
	// grace period before being abandoned.
	gateway.Wait()
	orch.Shutdown()

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	slog.Info("Shutdown complete")
	return nil
}
