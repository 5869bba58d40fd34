/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// config holds all runtime configuration for the pbxlinkd daemon.
// Precedence: CLI flags > env vars > defaults.
type config struct {
	PBXBaseURL    string
	ClientID      string
	ClientSecret  string
	ApplicationDN string
	HTTPPort      int
	DataDir       string
	LogLevel      string
	LogFormat     string
	RatePerSec    float64
	RateBurst     int
}

const (
	defaultHTTPPort   = 8090
	defaultDataDir    = "./data"
	defaultLogLevel   = "info"
	defaultLogFormat  = "text"
	defaultRatePerSec = 5.0
	defaultRateBurst  = 10
)

// envPrefix is the prefix for all pbxlinkd environment variables.
const envPrefix = "PBXLINK_"

// loadConfig parses configuration from CLI flags and environment
// variables.
func loadConfig() (*config, error) {
	cfg := &config{}

	fs := flag.NewFlagSet("pbxlinkd", flag.ContinueOnError)

	fs.StringVar(&cfg.PBXBaseURL, "pbx-url", "", "base URL of the upstream PBX (e.g. https://pbx.example.com)")
	fs.StringVar(&cfg.ClientID, "client-id", "", "client id for the PBX credential exchange")
	fs.StringVar(&cfg.ClientSecret, "client-secret", "", "client secret for the PBX credential exchange")
	fs.StringVar(&cfg.ApplicationDN, "application-dn", "", "application-identity line adopted as control line when a session configures none")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the call-record database")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.Float64Var(&cfg.RatePerSec, "rate", defaultRatePerSec, "per-client action requests allowed per second")
	fs.IntVar(&cfg.RateBurst, "rate-burst", defaultRateBurst, "per-client action request burst size")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Env vars fill in anything the flags left at its default.
	applyEnvString(fs, "pbx-url", "PBX_URL", &cfg.PBXBaseURL)
	applyEnvString(fs, "client-id", "CLIENT_ID", &cfg.ClientID)
	applyEnvString(fs, "client-secret", "CLIENT_SECRET", &cfg.ClientSecret)
	applyEnvString(fs, "application-dn", "APPLICATION_DN", &cfg.ApplicationDN)
	applyEnvInt(fs, "http-port", "HTTP_PORT", &cfg.HTTPPort)
	applyEnvString(fs, "data-dir", "DATA_DIR", &cfg.DataDir)
	applyEnvString(fs, "log-level", "LOG_LEVEL", &cfg.LogLevel)
	applyEnvString(fs, "log-format", "LOG_FORMAT", &cfg.LogFormat)

	if cfg.PBXBaseURL == "" {
		return nil, fmt.Errorf("pbx url is required (set -pbx-url or %sPBX_URL)", envPrefix)
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client credentials are required (set -client-id/-client-secret or %sCLIENT_ID/%sCLIENT_SECRET)", envPrefix, envPrefix)
	}
	if cfg.HTTPPort < 1 || cfg.HTTPPort > 65535 {
		return nil, fmt.Errorf("invalid http port %d", cfg.HTTPPort)
	}

	return cfg, nil
}

// slogLevel maps the configured log level string to a slog level.
func (c *config) slogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// flagWasSet reports whether the named flag was explicitly provided.
func flagWasSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func applyEnvString(fs *flag.FlagSet, flagName, envName string, dst *string) {
	if flagWasSet(fs, flagName) {
		return
	}
	if v := os.Getenv(envPrefix + envName); v != "" {
		*dst = v
	}
}

func applyEnvInt(fs *flag.FlagSet, flagName, envName string, dst *int) {
	if flagWasSet(fs, flagName) {
		return
	}
	if v := os.Getenv(envPrefix + envName); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
