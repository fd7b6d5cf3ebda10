/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Command softphone runs an agent softphone in the terminal. It registers
// with the signaling gateway, keeps the link healthy and reads call control
// commands from stdin.
//
// Usage:
//
//	SOFTPHONE_IDENTITY=agent-7 SOFTPHONE_API_TOKEN=... SOFTPHONE_GATEWAY_URL=wss://... go run ./cmd/softphone
//
// Without SOFTPHONE_API_TOKEN the agent logs in with "login <token>". Type
// "help" for the list of commands.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tejzpr/agent-softphone/calling"
	"github.com/tejzpr/agent-softphone/phonesdk"
	"github.com/tejzpr/agent-softphone/rediscache"
	"github.com/tejzpr/agent-softphone/signaling"
)

func main() {
	// A missing .env file is fine, the environment may already be set
	_ = godotenv.Load()
	cfg := LoadConfig()

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Identity == "" {
		logger.Fatal("SOFTPHONE_IDENTITY is required")
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("softphone stopped", zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg *Config, logger *zap.Logger) error {
	// The SDK packages log through a Printf logger
	sdkLogger := zap.NewStdLog(logger.Named("sdk"))

	core, err := newCoreClient(cfg, sdkLogger)
	if err != nil {
		return fmt.Errorf("creating API client: %w", err)
	}

	sigConfig := signaling.DefaultConfig()
	sigConfig.URL = cfg.GatewayURL
	sigConfig.ICEServers = []webrtc.ICEServer{{URLs: []string{cfg.STUNURL}}}
	sigConfig.Devices = headlessDevices{}
	sigConfig.Logger = sdkLogger
	factory, err := signaling.NewFactory(sigConfig)
	if err != nil {
		return fmt.Errorf("creating signaling factory: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := calling.Options{
		Factory:    factory,
		Media:      headlessDevices{},
		Registerer: registry,
	}

	if cfg.RedisAddr != "" {
		cache := rediscache.New(&rediscache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   "softphone:history:" + cfg.Identity,
			TTL:      cfg.HistoryTTL,
		})
		defer func() { _ = cache.Close() }()

		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := cache.Ping(pingCtx)
		cancel()
		if err != nil {
			logger.Warn("redis unavailable, using in-process history cache", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		} else {
			opts.HistoryCache = cache
		}
	}

	client, err := calling.New(core, calling.DefaultConfig(), opts)
	if err != nil {
		return fmt.Errorf("creating calling client: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("error closing calling client", zap.Error(err))
		}
	}()
	observe(client, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		logger.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		if !core.HasCredential() {
			logger.Info("no SOFTPHONE_API_TOKEN set, log in with: login <token>")
			return nil
		}
		if err := client.Start(ctx, cfg.Identity); err != nil {
			// The supervisor keeps retrying unless the credential was refused
			logger.Error("initial registration failed", zap.Error(err))
			if calling.IsKind(err, calling.KindAuthRequired) {
				logger.Info("log in again with: login <token>")
			}
		}
		return nil
	})

	g.Go(func() error {
		defer stop()
		return newConsole(client, logger, cfg.Identity, os.Stdin, os.Stdout).run(ctx)
	})

	err = g.Wait()
	if logoutErr := client.Logout(); logoutErr != nil {
		logger.Warn("error logging out", zap.Error(logoutErr))
	}
	return err
}

// newCoreClient builds the call-center API client carrying the agent
// credential from cfg.
func newCoreClient(cfg *Config, logger *log.Logger) (*phonesdk.Client, error) {
	return phonesdk.NewClient(cfg.APIToken, &phonesdk.Config{
		BaseURL:        cfg.APIBaseURL,
		Timeout:        cfg.APITimeout,
		DefaultHeaders: map[string]string{},
		MaxRetries:     3,
		RetryBaseDelay: time.Second,
		Logger:         logger,
	})
}

// observe logs every state change the components report
func observe(client *calling.Client, logger *zap.Logger) {
	client.OnError(func(err error) {
		logger.Warn("softphone error", zap.String("kind", string(calling.KindOf(err))), zap.Error(err))
	})
	client.Registrar().OnStatusChange(func(s calling.RegistrationStatus) {
		logger.Info("registration", zap.String("status", string(s)))
	})
	client.Supervisor().OnHealthChange(func(h calling.ConnectionHealth) {
		logger.Info("connection health",
			zap.String("websocket", string(h.WebsocketState)),
			zap.String("device", string(h.DeviceState)),
			zap.Bool("healthy", h.IsHealthy),
			zap.Int("attempts", h.ReconnectAttempts),
			zap.Bool("exhausted", h.Exhausted),
		)
	})
	client.Calls().OnStatusChange(func(s calling.CallSession) {
		logger.Info("call",
			zap.String("id", s.ID),
			zap.String("status", string(s.Status)),
			zap.String("direction", string(s.Direction)),
			zap.String("remote", s.RemoteParty),
		)
	})
	client.Calls().OnIncoming(func(s calling.CallSession) {
		logger.Info("incoming call, type answer, reject or ignore", zap.String("from", s.RemoteParty))
	})
}
