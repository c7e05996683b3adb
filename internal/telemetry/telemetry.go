// Package telemetry owns the Prometheus collectors and the OpenTelemetry
// tracer used across the optimizer.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// #region metrics
var (
	// CaseRuns counts individual repeat runs by split and outcome.
	CaseRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querytune_case_runs_total",
		Help: "Repeat runs by split and outcome (pass, fail, error)",
	}, []string{"split", "outcome"})

	// QueryDuration observes agent query latency.
	QueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "querytune_query_duration_seconds",
		Help:    "Agent query latency",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	// JudgeVerdicts counts verdicts by mode and path.
	JudgeVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querytune_judge_verdicts_total",
		Help: "Judge verdicts by mode and outcome (exact, equivalent, different, parse_error, heuristic, cached)",
	}, []string{"mode", "outcome"})

	// Proposals counts optimizer proposals by outcome.
	Proposals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querytune_proposals_total",
		Help: "Optimizer proposals by outcome (changed, unchanged, error)",
	}, []string{"outcome"})

	// Accuracy tracks the latest accuracy per split.
	Accuracy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "querytune_accuracy_percent",
		Help: "Most recent accuracy by split",
	}, []string{"split"})

	// Iterations counts completed loop iterations.
	Iterations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "querytune_iterations_total",
		Help: "Completed optimization iterations",
	})

	// OverfitWarnings counts emitted overfitting warnings.
	OverfitWarnings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "querytune_overfit_warnings_total",
		Help: "Overfitting warnings raised by the loop",
	})
)

// ServeMetrics exposes /metrics on addr until ctx is cancelled.
func ServeMetrics(ctx context.Context, addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		logger.Info("metrics endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics endpoint failed", "error", err)
		}
	}()
}

// #endregion metrics

// #region tracing
const tracerName = "github.com/danielpatrickdp/querytune"

// Tracer returns the process tracer. It is a no-op until InitTracing installs a provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTracing installs a tracer provider for the given exporter ("stdout" or
// "none") and returns its shutdown function.
func InitTracing(ctx context.Context, exporter, version string) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	switch exporter {
	case "", "none":
		return noop, nil
	case "stdout":
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", exporter)
	}

	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create stdout exporter: %w", err)
	}
	res := resource.NewWithAttributes("",
		attribute.String("service.name", "querytune"),
		attribute.String("service.version", version),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// #endregion tracing
