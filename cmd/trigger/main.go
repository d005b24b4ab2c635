// Command trigger answers contact-flow invocations by starting or polling a
// Step Functions execution. It runs as an AWS Lambda function when the
// Lambda runtime API is present and as a local HTTP server otherwise.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/connect-trigger/config"
	"github.com/GoCodeAlone/connect-trigger/handlers"
	"github.com/GoCodeAlone/connect-trigger/interfaces"
	"github.com/GoCodeAlone/connect-trigger/mock"
	"github.com/GoCodeAlone/connect-trigger/observability/metrics"
	"github.com/GoCodeAlone/connect-trigger/observability/tracing"
	awsprovider "github.com/GoCodeAlone/connect-trigger/provider/aws"
	"github.com/GoCodeAlone/connect-trigger/trigger"
)

var (
	configFile = flag.String("config", "", "Path to trigger configuration YAML file")
	addr       = flag.String("addr", "", "HTTP listen address (overrides config)")
	dotenv     = flag.String("dotenv", ".env", "Path to a .env file loaded before configuration")
)

const (
	envConfig        = "TRIGGER_CONFIG"
	envLambdaRuntime = "AWS_LAMBDA_RUNTIME_API"

	shutdownTimeout = 10 * time.Second
	flushTimeout    = 2 * time.Second
	metricsInterval = time.Minute
)

// envOrFlag returns the environment variable value if set, otherwise the
// flag value.
func envOrFlag(envKey string, flagVal *string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if flagVal != nil {
		return *flagVal
	}
	return ""
}

// applyEnvOverrides sets flags from the environment unless they were given
// on the command line.
func applyEnvOverrides() {
	visited := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { visited[f.Name] = true })
	if !visited["config"] {
		*configFile = envOrFlag(envConfig, configFile)
	}
}

// verifier is implemented by engines that can check their credentials.
type verifier interface {
	Verify(ctx context.Context) (string, error)
}

type app struct {
	cfg     *config.TriggerConfig
	logger  *slog.Logger
	engine  interfaces.WorkflowEngine
	adapter *trigger.Adapter
	metrics *metrics.Collector
	tracing *tracing.Provider
	// cloudwatch is nil unless a CloudWatch namespace is configured.
	cloudwatch *awsprovider.CloudWatchRecorder
}

func newEngine(cfg *config.TriggerConfig) interfaces.WorkflowEngine {
	if cfg.Engine == config.EngineMemory {
		return mock.NewEngine(mock.WithSucceedAfter(cfg.Memory.SucceedAfter, cfg.Memory.Output))
	}
	return awsprovider.NewStepFunctionsEngine(cfg.AWS)
}

func newApp(ctx context.Context, cfg *config.TriggerConfig, logger *slog.Logger) (*app, error) {
	tp, err := tracing.NewProvider(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	a := &app{
		cfg:     cfg,
		logger:  logger,
		engine:  newEngine(cfg),
		metrics: metrics.NewWithConfig(cfg.Metrics),
		tracing: tp,
	}
	recorders := []trigger.Recorder{a.metrics}
	if cfg.AWS.MetricsNamespace != "" {
		a.cloudwatch = awsprovider.NewCloudWatchRecorder(cfg.AWS)
		recorders = append(recorders, a.cloudwatch)
	}

	a.adapter = trigger.New(cfg.Trigger(), a.engine,
		trigger.WithLogger(logger),
		trigger.WithRecorder(recorders...),
		trigger.WithTracer(tracing.NewInvocationTracer(tp.Tracer())),
	)
	return a, nil
}

// lambdaHandler adapts the trigger to the Lambda runtime. Spans are flushed
// after every event because the runtime freezes the process between them.
func (a *app) lambdaHandler() func(context.Context, json.RawMessage) (trigger.Response, error) {
	return func(ctx context.Context, raw json.RawMessage) (trigger.Response, error) {
		logger := a.logger
		if lc, ok := lambdacontext.FromContext(ctx); ok {
			logger = logger.With("request_id", lc.AwsRequestID)
		}
		defer a.flush(ctx)

		ev, err := trigger.ParseEvent(raw)
		if err != nil {
			logger.Error("invalid event", "error", err)
			return nil, err
		}
		resp, err := a.adapter.Handle(ctx, ev)
		if err != nil {
			logger.Error("workflow engine call failed", "error", err, "outcome", metrics.Outcome(err))
			return nil, err
		}
		logger.Info("invocation answered", "status", resp.Status(), "sfn_result", resp.Result(), "count", resp.Count())
		return resp, nil
	}
}

func (a *app) flush(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	if err := a.tracing.ForceFlush(ctx); err != nil {
		a.logger.Warn("failed to flush spans", "error", err)
	}
	a.flushMetrics(ctx)
}

func (a *app) flushMetrics(ctx context.Context) {
	if a.cloudwatch == nil {
		return
	}
	if err := a.cloudwatch.Flush(ctx); err != nil {
		a.logger.Warn("failed to publish CloudWatch metrics", "error", err)
	}
}

// publishMetrics flushes CloudWatch metrics every interval until ctx is
// canceled.
func (a *app) publishMetrics(ctx context.Context, interval time.Duration) {
	if a.cloudwatch == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.flushMetrics(ctx)
		}
	}
}

func (a *app) httpHandler() http.Handler {
	mux := http.NewServeMux()
	handlers.NewInvokeHandler(a.adapter, a.logger).WithMetrics(a.metrics).RegisterRoutes(mux)
	return tracing.SpanMiddleware(mux)
}

// serve runs the local HTTP server until ctx is canceled.
func (a *app) serve(ctx context.Context, listenAddr string) error {
	if v, ok := a.engine.(verifier); ok {
		if caller, err := v.Verify(ctx); err != nil {
			a.logger.Warn("workflow engine credentials could not be verified", "error", err)
		} else {
			a.logger.Info("workflow engine credentials verified", "caller", caller)
		}
	}

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           a.httpHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.publishMetrics(gctx, metricsInterval)
		return nil
	})
	g.Go(func() error {
		a.logger.Info("Starting server", "addr", listenAddr, "engine", a.cfg.Engine)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.flushMetrics(ctx)
	if err := a.tracing.Shutdown(ctx); err != nil {
		a.logger.Warn("tracing shutdown error", "error", err)
	}
}

func run(ctx context.Context) error {
	if err := config.LoadDotEnv(*dotenv); err != nil {
		return err
	}
	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if os.Getenv(envLambdaRuntime) != "" {
		lambda.StartWithOptions(a.lambdaHandler(), lambda.WithContext(ctx))
		return nil
	}
	return a.serve(ctx, cfg.Server.Addr)
}

func main() {
	flag.Parse()
	applyEnvOverrides()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("trigger exited", "error", err)
		stop()
		os.Exit(1)
	}
}
