package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"secure-agent-exec/internal/anomaly"
	"secure-agent-exec/internal/api"
	"secure-agent-exec/internal/approval"
	"secure-agent-exec/internal/audit"
	"secure-agent-exec/internal/config"
	"secure-agent-exec/internal/monitor"
	"secure-agent-exec/internal/pipeline"
	egress "secure-agent-exec/internal/proxy"
	"secure-agent-exec/internal/risk"
	"secure-agent-exec/internal/sandbox"
	"secure-agent-exec/internal/tokenize"
	"secure-agent-exec/internal/validator"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	// Env overrides for deploy-time settings
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			log.Fatal().Str("port", port).Msg("invalid PORT")
		}
		cfg.Server.Port = p
	}
	if dsn := os.Getenv("AUDIT_DSN"); dsn != "" {
		cfg.Audit.DSN = dsn
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()

	// Audit sink. The pipeline refuses to advance past an unrecorded
	// transition, so a configured-but-unreachable database is fatal.
	var sink audit.Sink
	if cfg.Audit.DSN != "" {
		pgSink, err := audit.NewPostgresSink(ctx, cfg.Audit.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("audit database unavailable")
		}
		if err := pgSink.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("audit schema migration failed")
		}
		sink = pgSink
	} else {
		log.Warn().Msg("no audit DSN configured, using in-memory sink (records lost on restart)")
		sink = audit.NewMemorySink()
	}
	defer sink.Close()

	// Validator with optional pattern file.
	var source validator.PatternSource
	if cfg.Validator.PatternFile != "" {
		source = &validator.FileSource{Path: cfg.Validator.PatternFile}
	}
	val := validator.New(source)

	// Approval gate. The console approver suits a single operator; deploys
	// with a review surface swap in their own Approver here.
	gate := approval.NewGate(
		approval.NewConsoleApprover(os.Stdin, os.Stderr, os.Getenv("APPROVER")),
		approval.Config{
			DecisionTimeout:   cfg.Approval.DecisionTimeout,
			RequestsPerMinute: cfg.Approval.RequestsPerMinute,
		},
	)
	defer gate.Close()

	// Isolation backends. Missing host facilities degrade to the stronger
	// tiers that remain; with none at all, execution requests fail cleanly
	// while health and metrics stay up for debugging.
	var processBackend, vmBackend, containerBackend sandbox.Sandbox
	processBackend = sandbox.NewProcessSandbox(nil)

	if vm, err := sandbox.NewVMSandbox("krunvm", nil); err != nil {
		log.Warn().Err(err).Msg("microVM backend unavailable")
	} else {
		vmBackend = vm
	}

	if container, err := sandbox.NewContainerSandbox(ctx, cfg.Sandbox.ContainerdSocket, cfg.Sandbox.Namespace, nil); err != nil {
		log.Warn().Err(err).Msg("container backend unavailable")
	} else {
		containerBackend = container
	}

	manager := sandbox.NewManager(processBackend, vmBackend, containerBackend)
	defer func() {
		if err := manager.Close(); err != nil {
			log.Error().Err(err).Msg("sandbox manager close error")
		}
	}()

	if err := manager.StartSweep(cfg.Sandbox.SweepSchedule, cfg.Sandbox.SweepMaxAge); err != nil {
		log.Fatal().Err(err).Msg("invalid sweep schedule")
	}

	// Egress proxy for whitelist network policy.
	if len(cfg.Sandbox.EgressAllowedHosts) > 0 {
		proxy := egress.New(cfg.Sandbox.EgressProxyPort, cfg.Sandbox.EgressAllowedHosts)
		if err := proxy.Start(); err != nil {
			log.Fatal().Err(err).Int("port", cfg.Sandbox.EgressProxyPort).Msg("failed to start egress proxy")
		}
		log.Info().Str("addr", proxy.Addr()).Msg("egress proxy listening")
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := proxy.Close(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("egress proxy shutdown error")
			}
		}()
	}

	var tokenizerOpts []tokenize.Option
	if cfg.Tokenize.Reversible {
		tokenizerOpts = append(tokenizerOpts, tokenize.WithReversible())
	}
	tokenizer, err := tokenize.New(tokenizerOpts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tokenizer")
	}

	detector := anomaly.NewDetector(anomaly.Config{
		SigmaThreshold: cfg.Anomaly.SigmaThreshold,
		HardCeiling:    cfg.Anomaly.HardCeiling,
		Capacity:       cfg.Anomaly.Capacity,
		MinSamples:     cfg.Anomaly.MinSamples,
	})

	orchestrator, err := pipeline.NewOrchestrator(pipeline.Deps{
		Validator: val,
		Gate:      gate,
		Sandboxes: manager,
		Tokenizer: tokenizer,
		Detector:  detector,
		Sink:      sink,
		Metrics:   metrics,
		Limits: map[risk.Tier]sandbox.ResourceLimits{
			risk.TierLow:    tierLimits(cfg.Sandbox.Low),
			risk.TierMedium: tierLimits(cfg.Sandbox.Medium),
			risk.TierHigh:   tierLimits(cfg.Sandbox.High),
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to assemble pipeline")
	}

	server := api.NewServer(cfg, orchestrator, sink, metrics)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		cancel()
	}()

	log.Info().
		Bool("durable_audit", cfg.Audit.DSN != "").
		Bool("vm_backend", vmBackend != nil).
		Bool("container_backend", containerBackend != nil).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}

func tierLimits(t config.TierLimits) sandbox.ResourceLimits {
	limits := sandbox.DefaultLimits()
	if t.CPUCores > 0 {
		limits.CPUCores = t.CPUCores
	}
	if t.MemoryMB > 0 {
		limits.MemoryMB = t.MemoryMB
	}
	if t.DiskMB > 0 {
		limits.DiskMB = t.DiskMB
	}
	if t.PidsLimit > 0 {
		limits.PidsLimit = t.PidsLimit
	}
	if t.Timeout > 0 {
		limits.Timeout = t.Timeout
	}
	return limits
}
