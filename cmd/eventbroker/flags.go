package main

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	Debug           bool
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("EVENTBROKER_CONFIG", "/etc/eventbroker/broker.json"),
		"Path to configuration file (env: EVENTBROKER_CONFIG)")

	flag.StringVar(&cfg.ConfigPath, "c",
		getEnv("EVENTBROKER_CONFIG", "/etc/eventbroker/broker.json"),
		"Path to configuration file (env: EVENTBROKER_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("EVENTBROKER_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: EVENTBROKER_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("EVENTBROKER_LOG_FORMAT", "json"),
		"Log format: json, text (env: EVENTBROKER_LOG_FORMAT)")

	flag.BoolVar(&cfg.Debug, "debug",
		getEnvBool("EVENTBROKER_DEBUG", false),
		"Enable debug mode (env: EVENTBROKER_DEBUG)")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("EVENTBROKER_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: EVENTBROKER_SHUTDOWN_TIMEOUT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = printHelp
	flag.Parse()

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format %q", cfg.LogFormat)
	}
	if cfg.ConfigPath == "" {
		return fmt.Errorf("config path is required")
	}
	return nil
}

func printHelp() {
	fmt.Fprintf(os.Stderr, `%s - monitoring event broker core

Routes, transforms and persists monitoring events streamed by pollers:
BBDO endpoints feed a multiplexing bus; subscribers persist the stream
into SQL and forward derived perfdata metrics to the RRD writer.

Usage:
  %s [flags]

Flags:
`, appName, appName)
	flag.PrintDefaults()
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		return v == "1" || v == "true" || v == "yes"
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
