// Package main implements the entry point of the event broker: the
// server-side core that receives monitoring events from pollers, fans them
// out over the multiplexing bus, persists them into SQL and re-emits derived
// perfdata events toward the RRD writer.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/c360/eventbroker/bus"
	"github.com/c360/eventbroker/component"
	"github.com/c360/eventbroker/config"
	"github.com/c360/eventbroker/errors"
	"github.com/c360/eventbroker/events"
	"github.com/c360/eventbroker/metric"
	"github.com/c360/eventbroker/mux"
	"github.com/c360/eventbroker/processing"
	"github.com/c360/eventbroker/stats"
	"github.com/c360/eventbroker/storage/sqlstore"
	"github.com/c360/eventbroker/transport"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "eventbroker"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting event broker",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	metricsRegistry := metric.NewMetricsRegistry()
	coreMetrics := metricsRegistry.CoreMetrics()

	eventRegistry := events.NewRegistry()
	if err := events.RegisterAll(eventRegistry); err != nil {
		return fmt.Errorf("register events: %w", err)
	}

	engine := bus.New(logger, coreMetrics)
	manager := component.NewManager(logger)

	// SQL persister, fed by every NEB event on the bus.
	persisterMuxer, err := mux.New(mux.Config{
		Name:      "sql-persister",
		Published: mux.CategoryFilter(eventRegistry, events.CategoryNEB),
		SpoolDir:  cfg.Broker.SpoolDir,
		Registry:  eventRegistry,
		Logger:    logger,
		Metrics:   coreMetrics,
	})
	if err != nil {
		return fmt.Errorf("create persister muxer: %w", err)
	}
	engine.Subscribe(persisterMuxer)

	persister := sqlstore.New(sqlstore.Options{
		DBPath:                cfg.DB.Path,
		Connections:           cfg.DB.Connections,
		QueriesPerTransaction: cfg.DB.QueriesPerTransaction,
		InstanceTimeout:       cfg.DB.InstanceTimeout(),
		StoreInHostsServices:  *cfg.DB.StoreInHostsServices,
		StoreInResources:      *cfg.DB.StoreInResources,
		StoreInDataBin:        *cfg.DB.StoreInDataBin,
		RRDLen:                cfg.DB.RRDLen,
		IntervalLength:        cfg.DB.IntervalLength,
		FlushInterval:         cfg.DB.FlushInterval(),
		Engine:                engine,
		Registry:              eventRegistry,
		Muxer:                 persisterMuxer,
		Logger:                logger,
		Metrics:               coreMetrics,
		SourceID:              cfg.Broker.ID,
	})
	manager.Add(persister)

	workers, err := buildEndpoints(cfg, eventRegistry, engine, logger, coreMetrics)
	if err != nil {
		return fmt.Errorf("build endpoints: %w", err)
	}
	for _, w := range workers {
		manager.Add(w)
	}

	reporter := setupStatsReporter(cfg, logger, workers, persister)
	if reporter != nil {
		manager.Add(reporter)
	}

	return runWithSignalHandling(engine, manager, cliCfg.ShutdownTimeout)
}

// buildEndpoints turns the endpoint definitions into workers. Endpoints
// referenced as failovers are owned by their primary and not managed
// directly.
func buildEndpoints(
	cfg *config.Config,
	registry *events.Registry,
	engine *bus.Engine,
	logger *slog.Logger,
	coreMetrics *metric.Metrics,
) ([]*processing.Worker, error) {
	byName := make(map[string]*config.EndpointConfig, len(cfg.Endpoints))
	isFailover := make(map[string]bool)
	for i := range cfg.Endpoints {
		ep := &cfg.Endpoints[i]
		byName[ep.Name] = ep
		if ep.Failover != "" {
			isFailover[ep.Failover] = true
		}
	}

	var build func(name string, seen map[string]bool) (*processing.Worker, error)
	build = func(name string, seen map[string]bool) (*processing.Worker, error) {
		if seen[name] {
			return nil, fmt.Errorf("failover cycle through endpoint %q", name)
		}
		seen[name] = true
		ep := byName[name]

		connector, err := buildConnector(ep)
		if err != nil {
			return nil, err
		}

		var filter mux.Filter
		if len(ep.Categories) > 0 {
			var cats []uint16
			for _, c := range ep.Categories {
				switch c {
				case "neb":
					cats = append(cats, events.CategoryNEB)
				case "storage":
					cats = append(cats, events.CategoryStorage)
				case "bbdo":
					cats = append(cats, events.CategoryBBDO)
				default:
					return nil, fmt.Errorf("endpoint %q: unknown category %q", ep.Name, c)
				}
			}
			filter = mux.CategoryFilter(registry, cats...)
		}

		m, err := mux.New(mux.Config{
			Name:       ep.Name,
			QueueLimit: ep.QueueLimit,
			Published:  filter,
			SpoolDir:   cfg.Broker.SpoolDir,
			Registry:   registry,
			Logger:     logger,
			Metrics:    coreMetrics,
		})
		if err != nil {
			return nil, fmt.Errorf("muxer for endpoint %q: %w", ep.Name, err)
		}

		var failover *processing.Worker
		if ep.Failover != "" {
			failover, err = build(ep.Failover, seen)
			if err != nil {
				return nil, err
			}
		}

		retryInterval := cfg.Transport.RetryInterval()
		if ep.RetryIntervalSeconds > 0 {
			retryInterval = time.Duration(ep.RetryIntervalSeconds) * time.Second
		}
		var extensions uint32
		if cfg.Transport.Compression {
			extensions |= events.ExtensionZlib
		}

		w := processing.NewWorker(processing.Options{
			Name:             ep.Name,
			Connector:        connector,
			Muxer:            m,
			Failover:         failover,
			PublishToBus:     ep.Proto != "nats",
			Engine:           engine,
			Registry:         registry,
			Logger:           logger,
			Metrics:          coreMetrics,
			RetryInterval:    retryInterval,
			BufferingTimeout: cfg.Transport.BufferingTimeout(),
			AckInterval:      cfg.Transport.AckInterval,
			MaxFrameSize:     cfg.Transport.MaxFrameSize,
			Extensions:       extensions,
			SourceID:         cfg.Broker.ID,
		})

		// Output endpoints consume the bus through their muxer; a failover's
		// muxer is fed by its primary instead.
		if ep.Mode == "out" && !isFailover[ep.Name] {
			engine.Subscribe(m)
		}
		return w, nil
	}

	var workers []*processing.Worker
	for i := range cfg.Endpoints {
		ep := &cfg.Endpoints[i]
		if isFailover[ep.Name] {
			continue // owned by its primary
		}
		w, err := build(ep.Name, map[string]bool{})
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, nil
}

func buildConnector(ep *config.EndpointConfig) (transport.Connector, error) {
	switch ep.Proto {
	case "tcp":
		return transport.NewTCPConnector(ep.Name, ep.Address, 10*time.Second), nil
	case "tcp-listen":
		return transport.NewTCPAcceptor(ep.Name, ep.Address), nil
	case "ws":
		return transport.NewWSConnector(ep.Name, ep.Address), nil
	case "nats":
		return transport.NewNATSConnector(ep.Name, ep.Address, ep.Subject), nil
	default:
		return nil, fmt.Errorf("endpoint %q: unknown proto %q", ep.Name, ep.Proto)
	}
}

func setupStatsReporter(
	cfg *config.Config,
	logger *slog.Logger,
	workers []*processing.Worker,
	persister *sqlstore.Stream,
) *stats.Reporter {
	if cfg.Stats.FifoPath == "" {
		return nil
	}
	reporter := stats.NewReporter(stats.Options{
		FifoPath: cfg.Stats.FifoPath,
		Interval: cfg.Stats.Interval(),
		Logger:   logger,
	})

	reporter.Register(func() string {
		return fmt.Sprintf("broker %s\nversion=%s\nstate=loaded\n", cfg.Broker.Name, Version)
	})
	for _, w := range workers {
		worker := w
		reporter.Register(func() string {
			return renderWorkerStats(worker.Snapshot(), 0)
		})
	}
	reporter.Register(func() string {
		var b strings.Builder
		b.WriteString("module sql-persister\n")
		for k, v := range persister.Stats() {
			fmt.Fprintf(&b, "%s=%d\n", k, v)
		}
		return b.String()
	})
	return reporter
}

// renderWorkerStats prints a worker's block and, indented by nesting, the
// blocks of its failover chain.
func renderWorkerStats(s processing.Stats, depth int) string {
	prefix := strings.Repeat("  ", depth)
	block := s.String()
	if prefix != "" {
		lines := strings.Split(strings.TrimRight(block, "\n"), "\n")
		for i, l := range lines {
			lines[i] = prefix + l
		}
		block = strings.Join(lines, "\n") + "\n"
	}
	if s.Failover != nil {
		block += renderWorkerStats(*s.Failover, depth+1)
	}
	return block
}

func runWithSignalHandling(engine *bus.Engine, manager *component.Manager, shutdownTimeout time.Duration) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.StartAll(ctx); err != nil {
		manager.StopAll(shutdownTimeout)
		return errors.Wrap(err, "main", "run", "start components")
	}
	slog.Info("event broker running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutdown signal received", "signal", sig.String())

	// New publishes stop first so muxers drain to a fixed point, then the
	// components shut down in reverse start order.
	engine.Stop()
	cancel()
	manager.StopAll(shutdownTimeout)
	slog.Info("event broker stopped")
	return nil
}
