package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/szibis/telemetry-courier/internal/buffer"
	"github.com/szibis/telemetry-courier/internal/config"
	"github.com/szibis/telemetry-courier/internal/eventlog"
	"github.com/szibis/telemetry-courier/internal/health"
	"github.com/szibis/telemetry-courier/internal/logging"
	"github.com/szibis/telemetry-courier/internal/middleware"
	"github.com/szibis/telemetry-courier/internal/ratelimit"
	"github.com/szibis/telemetry-courier/internal/sizing"
	"github.com/szibis/telemetry-courier/internal/stats"
	"github.com/szibis/telemetry-courier/internal/telemetry"
	"github.com/szibis/telemetry-courier/internal/trace"
	"github.com/szibis/telemetry-courier/internal/uploader"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.ParseFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if cfg.ShowVersion {
		fmt.Println("telemetry-courier", config.Version())
		os.Exit(0)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logging.SetMinLevel(logging.Level(cfg.LogLevel))
	logging.SetResource(map[string]string{
		"service.name":    cfg.ServiceName,
		"service.version": cfg.ServiceVersion,
	})

	if limit, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(cfg.MemoryLimitRatio),
		memlimit.WithProvider(memlimit.FromCgroupHybrid),
	); err == nil {
		logging.Info("memory limit applied", logging.F("gomemlimit", limit))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tel, err := telemetry.Init(ctx, cfg.TelemetryConfig(), cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		logging.Fatal("failed to initialize self-telemetry", logging.F("error", err.Error()))
	}
	if tel.Enabled() {
		logging.SetHook(tel.NewLogHook())
	}

	// Uploaders, wrapped with retry/backoff
	traceUp, err := uploader.NewTrace(cfg.UploaderConfig())
	if err != nil {
		logging.Fatal("failed to create trace uploader", logging.F("error", err.Error()))
	}
	logUp, err := uploader.NewLogs(cfg.UploaderConfig())
	if err != nil {
		logging.Fatal("failed to create log uploader", logging.F("error", err.Error()))
	}

	traceSink := uploader.NewRetrying[*tracepb.Span]("traces", traceUp, cfg.RetryConfig())
	logSink := uploader.NewRetrying[*logspb.LogRecord]("logs", logUp, cfg.RetryConfig())

	// Buffered consumers, one per signal
	traceBuf, err := buffer.New[*tracepb.Span](cfg.TraceBufferConfig(), traceSink, sizing.ProtoSizer[*tracepb.Span]())
	if err != nil {
		logging.Fatal("failed to create trace buffer", logging.F("error", err.Error()))
	}
	logBuf, err := buffer.New[*logspb.LogRecord](cfg.LogBufferConfig(), logSink, sizing.ProtoSizer[*logspb.LogRecord]())
	if err != nil {
		logging.Fatal("failed to create log buffer", logging.F("error", err.Error()))
	}

	go traceBuf.Start(ctx)
	go logBuf.Start(ctx)

	// Sampling limiter shared by traces and events
	limiter, err := ratelimit.New(cfg.SampleRate, cfg.SampleBurst)
	if err != nil {
		logging.Fatal("failed to create sampling limiter", logging.F("error", err.Error()))
	}

	statsCollector := stats.NewCollector()
	go statsCollector.StartPeriodicLogging(ctx, cfg.StatsInterval)

	provider := trace.NewProvider(traceBuf, limiter,
		trace.WithSpanObserver(statsCollector.RecordSpan))
	events := eventlog.New(logBuf, limiter,
		eventlog.WithErrorDedup(cfg.ErrorDedupWindow))

	checker := health.New()
	checker.RegisterReadiness("trace_buffer", readiness(traceBuf))
	checker.RegisterReadiness("log_buffer", readiness(logBuf))

	// Instrumented application server
	appMux := http.NewServeMux()
	appMux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		tracer := trace.FromContext(r.Context())
		tracer.StartSpan("handle root")
		defer tracer.EndSpan()
		fmt.Fprintln(w, "ok")
	})
	appServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           middleware.Trace(provider, events, appMux),
		ReadHeaderTimeout: 1 * time.Minute,
	}

	// Stats server: prometheus metrics plus health probes
	statsMux := http.NewServeMux()
	statsMux.Handle("/metrics", promhttp.Handler())
	statsMux.HandleFunc("/live", checker.LiveHandler())
	statsMux.HandleFunc("/ready", checker.ReadyHandler())
	statsServer := &http.Server{
		Addr:              cfg.StatsAddr,
		Handler:           statsMux,
		ReadHeaderTimeout: 1 * time.Minute,
	}

	var group errgroup.Group
	group.Go(func() error {
		logging.Info("application server started", logging.F("addr", cfg.ListenAddr))
		if err := appServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		logging.Info("stats endpoint started", logging.F("addr", cfg.StatsAddr, "path", "/metrics"))
		if err := statsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	logging.Info("telemetry-courier started", logging.F(
		"upload_endpoint", cfg.UploadEndpoint,
		"upload_protocol", cfg.UploadProtocol,
		"sample_rate", cfg.SampleRate,
		"sample_burst", cfg.SampleBurst,
	))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logging.Info("shutting down")
	checker.SetShuttingDown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.CloseTimeout)
	defer shutdownCancel()

	// Stop accepting work first, then drain buffers, then release
	// transports and telemetry.
	_ = appServer.Shutdown(shutdownCtx)
	_ = statsServer.Shutdown(shutdownCtx)
	_ = traceBuf.Close()
	_ = logBuf.Close()
	_ = traceUp.Close()
	_ = logUp.Close()
	cancel()

	if tel.Enabled() {
		telCtx, telCancel := context.WithTimeout(context.Background(), tel.ShutdownTimeout())
		_ = tel.Shutdown(telCtx)
		telCancel()
	}

	if err := group.Wait(); err != nil {
		logging.Error("server error", logging.F("error", err.Error()))
	}

	logging.Info("shutdown complete")
}

// readiness reports the buffer as ready while it accepts items.
func readiness[T any](c *buffer.Consumer[T]) health.CheckFunc {
	return func() error {
		if c.Closed() {
			return errors.New("buffer closed")
		}
		return nil
	}
}
