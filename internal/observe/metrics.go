// Package observe provides the OpenTelemetry metric instruments used by the
// lip-sync pipeline. Metrics are recorded through the OTel Metrics API; a
// Prometheus exporter bridge is available via [InitProvider].
//
// A nil *Metrics is valid and records nothing, so components can be built
// without telemetry in tests and embedded hosts.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/normanking/visemesync"

// Metrics holds all metric instruments for the pipeline. The underlying OTel
// types handle their own synchronisation.
type Metrics struct {
	// AnalyzerFrames counts emitted lip-sync frames. Attribute: phoneme.
	AnalyzerFrames metric.Int64Counter

	// AnalyzerVolume records the clamped volume of each emitted frame.
	AnalyzerVolume metric.Float64Histogram

	// AnalyzerSkips counts ticks that produced no frame. Attribute: reason.
	AnalyzerSkips metric.Int64Counter

	// AnimatorTransitions counts animation-state changes. Attribute: state.
	AnimatorTransitions metric.Int64Counter

	// ClipFallbacks counts state entries with no matching clip. Attribute: state.
	ClipFallbacks metric.Int64Counter

	// UpdateDuration tracks the time spent in one animator update.
	UpdateDuration metric.Float64Histogram

	// PoseClients tracks connected pose stream clients.
	PoseClients metric.Int64UpDownCounter
}

// volumeBuckets covers the normalised [0,1] volume range.
var volumeBuckets = []float64{0.01, 0.02, 0.05, 0.1, 0.2, 0.3, 0.5, 0.75, 1}

// updateBuckets (seconds) sized for a sub-millisecond render-tick budget.
var updateBuckets = []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01}

// NewMetrics creates all instruments on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.AnalyzerFrames, err = m.Int64Counter("visemesync.analyzer.frames",
		metric.WithDescription("Lip-sync frames emitted by phoneme."),
	); err != nil {
		return nil, err
	}
	if met.AnalyzerVolume, err = m.Float64Histogram("visemesync.analyzer.volume",
		metric.WithDescription("Clamped volume of emitted frames."),
		metric.WithExplicitBucketBoundaries(volumeBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AnalyzerSkips, err = m.Int64Counter("visemesync.analyzer.skips",
		metric.WithDescription("Analysis ticks that produced no frame, by reason."),
	); err != nil {
		return nil, err
	}
	if met.AnimatorTransitions, err = m.Int64Counter("visemesync.animator.transitions",
		metric.WithDescription("Animation-state transitions by target state."),
	); err != nil {
		return nil, err
	}
	if met.ClipFallbacks, err = m.Int64Counter("visemesync.animator.clip_fallbacks",
		metric.WithDescription("State entries that kept the previous clip because no candidate clip exists."),
	); err != nil {
		return nil, err
	}
	if met.UpdateDuration, err = m.Float64Histogram("visemesync.animator.update.duration",
		metric.WithDescription("Time spent in one animator update."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(updateBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PoseClients, err = m.Int64UpDownCounter("visemesync.posestream.clients",
		metric.WithDescription("Connected pose stream clients."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a package-level instance bound to the global meter
// provider. Tests should use [NewMetrics] with their own provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordFrame records one emitted frame.
func (m *Metrics) RecordFrame(ctx context.Context, phoneme string, volume float32) {
	if m == nil {
		return
	}
	m.AnalyzerFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("phoneme", phoneme)))
	m.AnalyzerVolume.Record(ctx, float64(volume))
}

// RecordSkip records an analysis tick without a frame.
func (m *Metrics) RecordSkip(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.AnalyzerSkips.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTransition records an animation-state change.
func (m *Metrics) RecordTransition(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.AnimatorTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordClipFallback records a state entry that kept the previous clip.
func (m *Metrics) RecordClipFallback(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.ClipFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordUpdate records the duration of one animator update.
func (m *Metrics) RecordUpdate(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.UpdateDuration.Record(ctx, d.Seconds())
}

// AddPoseClients adjusts the connected client gauge.
func (m *Metrics) AddPoseClients(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.PoseClients.Add(ctx, delta)
}
