package telemetry

import (
	"context"
	"os"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricMismatchesTotal        = "execution_gateway_reconciliation_mismatches_total"
	MetricConflictsSkippedTotal  = "execution_gateway_reconciliation_conflicts_skipped_total"
	MetricSymbolsQuarantined     = "execution_gateway_symbols_quarantined_total"
	MetricFillsBackfilledTotal   = "execution_gateway_fills_backfilled_total"
	MetricCycleDurationSeconds   = "execution_gateway_reconciliation_cycle_duration_seconds"
	MetricCyclesTotal            = "execution_gateway_reconciliation_cycles_total"
	MetricOrphansDetectedTotal   = "execution_gateway_orphan_orders_detected_total"
	MetricActivityFillsSeenTotal = "execution_gateway_activity_fills_seen_total"
)

// MetricsHolder holds the initialized instruments. Every counter carries a
// pod label so per-replica drift is visible when the gateway is scaled out.
type MetricsHolder struct {
	Mismatches        metric.Int64Counter
	ConflictsSkipped  metric.Int64Counter
	SymbolsQuarantine metric.Int64Counter
	FillsBackfilled   metric.Int64Counter
	CycleDuration     metric.Float64Histogram
	Cycles            metric.Int64Counter
	OrphansDetected   metric.Int64Counter
	ActivityFillsSeen metric.Int64Counter

	pod string
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		pod := os.Getenv("POD_NAME")
		if pod == "" {
			pod, _ = os.Hostname()
		}
		globalMetrics = &MetricsHolder{pod: pod}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.Mismatches, err = meter.Int64Counter(MetricMismatchesTotal,
		metric.WithDescription("Broker/local order state mismatches corrected"))
	if err != nil {
		return err
	}
	m.ConflictsSkipped, err = meter.Int64Counter(MetricConflictsSkippedTotal,
		metric.WithDescription("CAS updates rejected by a higher-priority writer"))
	if err != nil {
		return err
	}
	m.SymbolsQuarantine, err = meter.Int64Counter(MetricSymbolsQuarantined,
		metric.WithDescription("Symbols quarantined after orphan detection"))
	if err != nil {
		return err
	}
	m.FillsBackfilled, err = meter.Int64Counter(MetricFillsBackfilledTotal,
		metric.WithDescription("Fill records injected by reconciliation"))
	if err != nil {
		return err
	}
	m.CycleDuration, err = meter.Float64Histogram(MetricCycleDurationSeconds,
		metric.WithDescription("Wall-clock duration of a reconciliation cycle"))
	if err != nil {
		return err
	}
	m.Cycles, err = meter.Int64Counter(MetricCyclesTotal,
		metric.WithDescription("Reconciliation cycles by outcome"))
	if err != nil {
		return err
	}
	m.OrphansDetected, err = meter.Int64Counter(MetricOrphansDetectedTotal,
		metric.WithDescription("Broker orders with no local record"))
	if err != nil {
		return err
	}
	m.ActivityFillsSeen, err = meter.Int64Counter(MetricActivityFillsSeenTotal,
		metric.WithDescription("Broker account activities fetched during backfill"))
	return err
}

func (m *MetricsHolder) podAttr() attribute.KeyValue {
	return attribute.String("pod", m.pod)
}

// RecordMismatch counts a corrected broker/local divergence
func (m *MetricsHolder) RecordMismatch(ctx context.Context, symbol, strategy string) {
	if m.Mismatches == nil {
		return
	}
	m.Mismatches.Add(ctx, 1, metric.WithAttributes(
		m.podAttr(),
		attribute.String("symbol", symbol),
		attribute.String("strategy", strategy),
	))
}

// RecordConflictSkipped counts a CAS rejection
func (m *MetricsHolder) RecordConflictSkipped(ctx context.Context, reason string) {
	if m.ConflictsSkipped == nil {
		return
	}
	m.ConflictsSkipped.Add(ctx, 1, metric.WithAttributes(
		m.podAttr(),
		attribute.String("reason", reason),
	))
}

// RecordSymbolQuarantined counts a quarantine triggered by an orphan
func (m *MetricsHolder) RecordSymbolQuarantined(ctx context.Context, symbol string) {
	if m.SymbolsQuarantine == nil {
		return
	}
	m.SymbolsQuarantine.Add(ctx, 1, metric.WithAttributes(
		m.podAttr(),
		attribute.String("symbol", symbol),
	))
}

// RecordFillBackfilled counts an injected fill record
func (m *MetricsHolder) RecordFillBackfilled(ctx context.Context, source string) {
	if m.FillsBackfilled == nil {
		return
	}
	m.FillsBackfilled.Add(ctx, 1, metric.WithAttributes(
		m.podAttr(),
		attribute.String("source", source),
	))
}

// RecordCycle counts a completed cycle and its duration
func (m *MetricsHolder) RecordCycle(ctx context.Context, status string, seconds float64) {
	if m.Cycles == nil || m.CycleDuration == nil {
		return
	}
	attrs := metric.WithAttributes(m.podAttr(), attribute.String("status", status))
	m.Cycles.Add(ctx, 1, attrs)
	m.CycleDuration.Record(ctx, seconds, attrs)
}

// RecordOrphanDetected counts an orphan sighting
func (m *MetricsHolder) RecordOrphanDetected(ctx context.Context, symbol string) {
	if m.OrphansDetected == nil {
		return
	}
	m.OrphansDetected.Add(ctx, 1, metric.WithAttributes(
		m.podAttr(),
		attribute.String("symbol", symbol),
	))
}

// RecordActivityFills counts activities fetched in a backfill pass
func (m *MetricsHolder) RecordActivityFills(ctx context.Context, n int) {
	if m.ActivityFillsSeen == nil {
		return
	}
	m.ActivityFillsSeen.Add(ctx, int64(n), metric.WithAttributes(m.podAttr()))
}
