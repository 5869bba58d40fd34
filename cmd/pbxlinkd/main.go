/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// pbxlinkd exposes the call-control session engine to web clients over
// HTTP. It is glue only: config, logging, the router, and graceful
// shutdown — all call-control semantics live in the callcontrol package.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tejzpr/pbxlink/callcontrol"
	"github.com/tejzpr/pbxlink/cdr"
	"github.com/tejzpr/pbxlink/notify"
	"github.com/tejzpr/pbxlink/pbxsdk"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: cfg.slogLevel()}
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("starting pbxlinkd",
		"http_port", cfg.HTTPPort,
		"pbx_url", cfg.PBXBaseURL,
		"data_dir", cfg.DataDir,
	)

	clientCfg := pbxsdk.DefaultConfig()
	clientCfg.BaseURL = cfg.PBXBaseURL
	clientCfg.ClientID = cfg.ClientID
	clientCfg.ClientSecret = cfg.ClientSecret
	clientCfg.Logger = logger
	client, err := pbxsdk.NewClient(clientCfg)
	if err != nil {
		slog.Error("failed to create pbx client", "error", err)
		os.Exit(1)
	}

	records, err := cdr.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open call record database", "error", err)
		os.Exit(1)
	}
	defer records.Close()

	engineCfg := callcontrol.DefaultConfig()
	engineCfg.ApplicationDN = cfg.ApplicationDN
	engineCfg.Logger = logger
	manager := callcontrol.NewManager(client, notify.NewLogSink(logger), records, engineCfg)

	limiter := newRateLimiter(cfg.RatePerSec, cfg.RateBurst)
	defer limiter.stop()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      newServer(manager, records, limiter),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		slog.Error("http server failed", "error", err)
		os.Exit(1)
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown error", "error", err)
	}
	manager.Shutdown()
	slog.Info("pbxlinkd stopped")
}
