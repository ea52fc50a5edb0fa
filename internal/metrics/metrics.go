// Package metrics exposes Prometheus counters for conversation sessions.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "parlo"

// Metrics holds the session collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SessionsTotal   *prometheus.CounterVec
	SessionsActive  prometheus.Gauge
	SessionOutcomes *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	AudioFramesSent    prometheus.Counter
	AudioFramesDropped prometheus.Counter
	VideoFramesSent    prometheus.Counter
	VideoFramesDropped prometheus.Counter

	PlaybackBuffers  prometheus.Counter
	PlaybackFlushes  prometheus.Counter
	PlaybackCatchUps prometheus.Counter

	Turns *prometheus.CounterVec

	HistoryPublishTotal   *prometheus.CounterVec
	HistoryPublishLatency *prometheus.HistogramVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of conversation sessions started",
		}, []string{"mode"}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently past device acquisition",
		}),
		SessionOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_outcomes_total",
			Help:      "Session terminations by outcome kind",
		}, []string{"kind"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Wall-clock duration of sessions",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),

		AudioFramesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_sent_total",
			Help:      "Microphone frames queued to the live transport",
		}),
		AudioFramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Microphone frames dropped before or during sending",
		}),
		VideoFramesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "video_frames_sent_total",
			Help:      "Camera frames queued to the live transport",
		}),
		VideoFramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "video_frames_dropped_total",
			Help:      "Camera frames skipped by the vision loop",
		}),

		PlaybackBuffers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_buffers_total",
			Help:      "Model audio buffers scheduled for playback",
		}),
		PlaybackFlushes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_flushes_total",
			Help:      "Playback flushes caused by interruptions",
		}),
		PlaybackCatchUps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_catchups_total",
			Help:      "Buffers that arrived after the cursor fell behind the clock",
		}),

		Turns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed turns by disposition",
		}, []string{"result"}),

		HistoryPublishTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_publish_total",
			Help:      "History sink writes by sink and result",
		}, []string{"sink", "result"}),
		HistoryPublishLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "history_publish_latency_seconds",
			Help:      "History sink write latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"sink"}),
	}
}

// RecordSessionStart counts a session that reached the connect step.
func (m *Metrics) RecordSessionStart(mode string) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(mode).Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnd records the terminal outcome of a started session.
func (m *Metrics) RecordSessionEnd(kind string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionOutcomes.WithLabelValues(kind).Inc()
	m.SessionDuration.Observe(duration.Seconds())
}

// RecordOutcome counts a session that ended before it started streaming.
func (m *Metrics) RecordOutcome(kind string) {
	if m == nil {
		return
	}
	m.SessionOutcomes.WithLabelValues(kind).Inc()
}

// RecordUplink adds final uplink counters for one session.
func (m *Metrics) RecordUplink(audioSent, audioDropped, videoSent, videoDropped int64) {
	if m == nil {
		return
	}
	m.AudioFramesSent.Add(float64(audioSent))
	m.AudioFramesDropped.Add(float64(audioDropped))
	m.VideoFramesSent.Add(float64(videoSent))
	m.VideoFramesDropped.Add(float64(videoDropped))
}

// RecordPlayback adds final scheduler counters for one session.
func (m *Metrics) RecordPlayback(buffers, flushes, catchUps int64) {
	if m == nil {
		return
	}
	m.PlaybackBuffers.Add(float64(buffers))
	m.PlaybackFlushes.Add(float64(flushes))
	m.PlaybackCatchUps.Add(float64(catchUps))
}

// RecordTurn counts one turn completion as kept or discarded.
func (m *Metrics) RecordTurn(kept bool) {
	if m == nil {
		return
	}
	result := "discarded"
	if kept {
		result = "kept"
	}
	m.Turns.WithLabelValues(result).Inc()
}

// RecordHistoryPublish records one sink write.
func (m *Metrics) RecordHistoryPublish(sink string, err error, latency time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.HistoryPublishTotal.WithLabelValues(sink, result).Inc()
	m.HistoryPublishLatency.WithLabelValues(sink).Observe(latency.Seconds())
}

// Registry exposes the underlying registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if logger != nil {
		logger.Info("metrics listening", "addr", listener.Addr().String())
	}
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
