package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/energizer-project/proxytransport/internal/api"
	"github.com/energizer-project/proxytransport/internal/config"
	"github.com/energizer-project/proxytransport/internal/db"
	"github.com/energizer-project/proxytransport/internal/events"
	"github.com/energizer-project/proxytransport/internal/metrics"
	"github.com/energizer-project/proxytransport/internal/monitor"
	"github.com/energizer-project/proxytransport/internal/network"
	"github.com/energizer-project/proxytransport/internal/scheduler"
	"github.com/energizer-project/proxytransport/internal/telemetry"
	"github.com/energizer-project/proxytransport/internal/transport"
	"github.com/energizer-project/proxytransport/internal/util"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the transport with its admin API, telemetry and dump store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), flags.configDir)
		},
	}
}

func serve(parent context.Context, configDir string) error {
	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logging := cfg.GetLogging()
	if err := util.InitLogger(util.LogConfig{
		Level:      logging.Level,
		Directory:  logging.Directory,
		MaxBackups: logging.MaxBackups,
		Console:    true,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		return fmt.Errorf("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("version", AppVersion).
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("platform", runtime.GOOS).
		Str("cpu", sysInfo.CPUModel).
		Int("threads", sysInfo.CPUThreads).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("starting " + AppName)

	servers, err := serverInfos(cfg)
	if err != nil {
		return err
	}

	eventBus := events.NewEventBus()
	defer eventBus.Stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sink := metrics.NewPrometheus(metrics.WithRegistry(registry))

	opts := transportOptions(cfg)
	opts.Metrics = sink
	opts.Events = eventBus
	tr, err := transport.New(opts)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	storage := cfg.GetStorage()
	var dumps *db.DumpStore
	if storage.DumpsEnabled {
		dumps, err = db.NewDumpStore(storage.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open dump store: %w", err)
		}
		defer dumps.Close()
		dumps.Subscribe(eventBus)
	}

	monCfg := cfg.GetMonitor()
	var latency *monitor.LatencyMonitor
	if monCfg.Enabled {
		latency = monitor.NewLatencyMonitor(monCfg, eventBus)
	}

	var mqttHandler *telemetry.MQTTHandler
	if mqttCfg := cfg.GetMQTT(); mqttCfg.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(mqttCfg, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	deps := api.Deps{Transport: tr, Gatherer: registry}
	if dumps != nil {
		deps.Dumps = dumps
	}
	if latency != nil {
		deps.Latency = latency
	}
	apiCfg := cfg.GetAPI()
	apiServer := api.NewServer(apiCfg, logging.Level == "debug", deps)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tr.Start()

	g, gctx := errgroup.WithContext(ctx)

	if apiCfg.Enabled {
		g.Go(func() error {
			log.Info().Int("port", apiCfg.Port).Msg("starting REST API server")
			if !config.IsPortAvailable(apiCfg.Port) {
				log.Warn().Int("port", apiCfg.Port).Msg("API port is in use, waiting for it to be released")
			}
			return startWithRetry(gctx, "API server", apiServer.Start, 15)
		})
	}

	if mqttHandler != nil {
		g.Go(func() error {
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(gctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed (non-fatal)")
			}
			return nil
		})
	}

	if latency != nil {
		g.Go(func() error {
			latency.Start(gctx)
			return nil
		})
		g.Go(func() error {
			probeServers(gctx, tr, eventBus, servers, opts.Flow.PingInterval)
			return nil
		})
	}

	if dumps != nil {
		g.Go(func() error {
			scheduler.NewScheduler(storage, dumps).Start(gctx)
			return nil
		})
	}

	<-gctx.Done()
	log.Info().Msg("initiating graceful shutdown...")

	shutdownTimeout := time.Duration(cfg.GetTransport().ShutdownTimeoutSec) * time.Second
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := tr.Stop(stopCtx); err != nil {
		log.Warn().Err(err).Msg("transport shutdown incomplete")
	}

	err = g.Wait()
	log.Info().Msg(AppName + " stopped")
	return err
}

// startWithRetry retries startFn while the port is still held by a
// previous process.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err = startFn(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		log.Warn().Err(err).Str("component", name).Int("attempt", attempt).Msg("start failed, retrying")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(2 * time.Second):
		}
	}
	return fmt.Errorf("%s: %w", name, err)
}

// probeServers measures every configured server on a fixed interval so
// the latency monitor has data for servers without open sessions.
func probeServers(ctx context.Context, tr *transport.Transport, bus *events.EventBus, servers []network.ServerInfo, interval time.Duration) {
	if len(servers) == 0 {
		return
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval * 5)
	defer ticker.Stop()

	logger := log.With().Str("component", "prober").Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, server := range servers {
			probeCtx, cancel := context.WithTimeout(ctx, interval)
			rtt, err := tr.Probe(probeCtx, server)
			cancel()
			if err != nil {
				logger.Debug().Err(err).Str("server", server.Name).Msg("probe failed")
				continue
			}
			bus.Emit(ctx, events.New(events.EventLatencySampled, "prober", events.LatencyPayload{
				Server:  server.Name,
				Latency: rtt / 2,
			}))
		}
	}
}
