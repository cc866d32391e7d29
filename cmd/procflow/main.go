package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/glimte/procflow/config"
	"github.com/glimte/procflow/contracts"
	"github.com/glimte/procflow/health"
	"github.com/glimte/procflow/interceptors"
	"github.com/glimte/procflow/internal/rabbitmq"
	"github.com/glimte/procflow/internal/reliability"
	transport "github.com/glimte/procflow/transports/rabbitmq"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "procflow",
		Short: "Run an intercepted processing pipeline",
		Long: `procflow runs a demo pipeline whose steps are wrapped by the interceptors
declared in the configuration. Events are read line by line from stdin, or
consumed from a broker queue when amqp.url is set.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Process events until stdin ends or the process is interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and the interceptor declarations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			deps := config.Dependencies{Registerer: prometheus.NewRegistry()}
			if cfg.CachingUsesRedis() {
				client := cfg.NewRedisClient()
				defer client.Close()
				deps.Redis = client
			}
			manager, err := cfg.BuildManager(deps)
			if err != nil {
				return err
			}
			for _, f := range manager.Factories() {
				fmt.Fprintf(cmd.OutOrStdout(), "interceptor %s\n", f.Name())
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	}

	rootCmd.AddCommand(runCmd, validateCmd)
	rootCmd.RunE = runCmd.RunE

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
			return nil, err
		}
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

func run(ctx context.Context, cfg *config.Config, in io.Reader, out, errOut io.Writer) error {
	logger, err := config.NewLogger(cfg.Logging, errOut)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	tracerProvider, shutdownTracing, err := cfg.NewTracerProvider(ctx, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error("tracer shutdown failed", "error", err)
		}
	}()

	expressions, err := cfg.NewExpressions()
	if err != nil {
		return err
	}
	ioScheduler := cfg.NewIOScheduler(logger)
	defer ioScheduler.Stop()

	checks := health.NewRegistry()
	checks.SetMetadata("version", version)
	checks.Register(health.NewRuntimeChecker(500, 1000))

	managerDeps := config.Dependencies{
		Logger:         logger,
		Registerer:     registry,
		TracerProvider: tracerProvider,
		Expressions:    expressions,
		IOScheduler:    ioScheduler,
	}
	if cfg.CachingUsesRedis() {
		cacheClient := cfg.NewRedisClient()
		defer cacheClient.Close()
		managerDeps.Redis = cacheClient
		checks.Register(health.NewRedisChecker(cacheClient))
	}
	manager, err := cfg.BuildManager(managerDeps)
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		server := &http.Server{Addr: cfg.Metrics.Address, Handler: cfg.MetricsHandler(registry, checks)}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer server.Close()
		logger.Info("serving metrics", "address", cfg.Metrics.Address)
	}

	deps := pipelineDeps{
		cfg:         cfg,
		manager:     manager,
		expressions: expressions,
		logger:      logger,
		checks:      checks,
	}

	if cfg.AMQP.URL != "" {
		return runBroker(ctx, cfg, deps)
	}

	p, err := buildPipeline(deps)
	if err != nil {
		return err
	}
	defer p.Close()
	return runStdin(ctx, p, in, out)
}

// runStdin processes each input line as a text event and writes one JSON
// result per line
func runStdin(ctx context.Context, p contracts.Processor, in io.Reader, out io.Writer) error {
	type result struct {
		CorrelationID string      `json:"correlationId"`
		Payload       interface{} `json:"payload,omitempty"`
		Variables     interface{} `json:"variables,omitempty"`
		Error         string      `json:"error,omitempty"`
		ErrorType     string      `json:"errorType,omitempty"`
	}

	encoder := json.NewEncoder(out)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil
		}
		event := contracts.NewEvent(scanner.Text(), contracts.WithMediaType("text/plain"))

		r := result{CorrelationID: event.CorrelationID()}
		processed, err := p.Process(ctx, event)
		if err != nil {
			r.Error = err.Error()
			r.ErrorType = interceptors.TypeOf(err).String()
		} else {
			r.Payload = processed.Payload()
			r.Variables = processed.Variables()
		}
		if err := encoder.Encode(r); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// runBroker consumes the configured queue until ctx is done
func runBroker(ctx context.Context, cfg *config.Config, deps pipelineDeps) error {
	logger := deps.logger
	connection := rabbitmq.NewConnectionManager(cfg.AMQP.URL, cfg.ConnectionOptions(logger)...)
	if err := connection.Connect(ctx); err != nil {
		return err
	}
	defer connection.Close()
	deps.checks.Register(health.NewBrokerChecker(connection))

	if cfg.AMQP.PublishExchange != "" || cfg.AMQP.PublishRoutingKey != "" {
		breaker := reliability.NewCircuitBreaker(reliability.WithName("publish"))
		deps.checks.Register(health.NewCircuitBreakerChecker(breaker))
		publisher, err := transport.NewPublishStep(root.Child("publish"), connection,
			transport.WithExchange(cfg.AMQP.PublishExchange),
			transport.WithRoutingKey(cfg.AMQP.PublishRoutingKey),
			transport.WithCircuitBreaker(breaker),
			transport.WithPublishLogger(logger),
		)
		if err != nil {
			return err
		}
		defer publisher.Close()
		deps.extra = append(deps.extra, publisher)
	}

	p, err := buildPipeline(deps)
	if err != nil {
		return err
	}
	defer p.Close()

	listener, err := transport.NewListener(connection, cfg.AMQP.Queue, p, cfg.ListenerOptions(logger)...)
	if err != nil {
		return err
	}

	// the connection manager reconnects underneath; resubscribe until stopped
	for {
		err := listener.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		logger.Warn("listener stopped, resubscribing", "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cfg.AMQP.ReconnectDelay):
		}
	}
}
