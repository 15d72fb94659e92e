// Package observability is loom's ambient logging and metrics stack:
// structured logging via log/slog and OpenTelemetry metric instruments
// registered against the global meter provider, which is a no-op until
// Init runs — the same delegating-provider idiom the teacher uses for
// doltTracer/doltMetrics in internal/storage/dolt/store.go, generalized
// from Dolt retry/lock-wait counters to loom's lock-wait and claim-latency
// instruments.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// NewLogger builds the process-wide structured logger. JSON handler in
// --json CLI mode keeps log lines machine-parseable alongside the envelope
// output; text handler otherwise.
func NewLogger(w io.Writer, jsonMode bool) *slog.Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if jsonMode {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Init installs a periodic-export stdout metric provider as the global
// OTel meter provider. Without calling Init, every instrument created
// below forwards to the default no-op provider, so metrics collection is
// entirely opt-in (e.g. a long-running queue worker, not a one-shot CLI
// invocation).
func Init(ctx context.Context) (shutdown func(context.Context) error, err error) {
	exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stderr))
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
	)
	otel.SetMeterProvider(provider)
	return provider.Shutdown, nil
}

// instruments holds the loom-wide metric handles, registered against
// whatever meter provider is installed (real or no-op) at package init.
var instruments struct {
	lockWaitMs     metric.Float64Histogram
	claimLatencyMs metric.Float64Histogram
	retryCount     metric.Int64Counter
}

func init() {
	m := otel.Meter("github.com/loomhq/loom")
	instruments.lockWaitMs, _ = m.Float64Histogram("loom.lock.wait_ms",
		metric.WithDescription("Time spent acquiring the cross-process jj lock"),
		metric.WithUnit("ms"),
	)
	instruments.claimLatencyMs, _ = m.Float64Histogram("loom.queue.claim_latency_ms",
		metric.WithDescription("Time spent in the merge queue claim transaction"),
		metric.WithUnit("ms"),
	)
	instruments.retryCount, _ = m.Int64Counter("loom.db.retry_count",
		metric.WithDescription("Resource-class errors retried once at the dispatcher"),
		metric.WithUnit("{retry}"),
	)
}

// RecordLockWait records how long a lock acquisition took, in
// milliseconds. The jj mutex calls it only for acquisitions that succeed; a
// wait that times out is not recorded.
func RecordLockWait(ctx context.Context, ms float64) {
	instruments.lockWaitMs.Record(ctx, ms)
}

// RecordClaimLatency records how long a merge-queue claim transaction took.
func RecordClaimLatency(ctx context.Context, ms float64) {
	instruments.claimLatencyMs.Record(ctx, ms)
}

// RecordRetry increments the dispatcher's resource-class retry counter.
func RecordRetry(ctx context.Context) {
	instruments.retryCount.Add(ctx, 1)
}
