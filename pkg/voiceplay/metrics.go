package voiceplay

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Playback metrics
	chunksPlayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voiceplay_chunks_played_total",
		Help: "Total number of audio buffers started",
	})

	decodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voiceplay_decode_failures_total",
		Help: "Total number of audio buffers that failed to decode",
	})

	fetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voiceplay_fetch_failures_total",
		Help: "Total number of audio URLs that could not be fetched",
	})

	droppedChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voiceplay_dropped_chunks_total",
		Help: "Queued chunks discarded by stop",
	})

	// Unlock metrics
	unlockTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voiceplay_unlock_transitions_total",
		Help: "Unlock gate transitions",
	}, []string{"to"})

	deferredPlaybacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voiceplay_deferred_playbacks_total",
		Help: "Play requests deferred until unlock",
	}, []string{"outcome"}) // outcome: deferred, replaced, retried

	// Fallback and interaction metrics
	fallbackUtterances = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voiceplay_fallback_utterances_total",
		Help: "Utterances narrated by platform speech",
	}, []string{"status"})

	rejectedRecordings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voiceplay_rejected_recordings_total",
		Help: "Recordings rejected before transcription",
	}, []string{"reason"})

	turnLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voiceplay_turn_latency_seconds",
		Help:    "Time from end of recording to first audio",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 4.0, 8.0, 16.0},
	})

	stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voiceplay_state_transitions_total",
		Help: "Voice button state transitions",
	}, []string{"to"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voiceplay_errors_total",
		Help: "Total number of errors",
	}, []string{"code", "component"})
)

// TurnMetrics tracks timing for a single record→speak turn.
type TurnMetrics struct {
	turnID       string
	processStart time.Time
	observed     bool
	mu           sync.Mutex
}

func NewTurnMetrics(turnID string) *TurnMetrics {
	return &TurnMetrics{turnID: turnID}
}

// RecordProcessingStart marks the end of recording.
func (m *TurnMetrics) RecordProcessingStart() {
	m.mu.Lock()
	m.processStart = time.Now()
	m.mu.Unlock()
}

// RecordFirstAudio observes turn latency once per turn.
func (m *TurnMetrics) RecordFirstAudio() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.observed || m.processStart.IsZero() {
		return
	}
	m.observed = true
	turnLatency.Observe(time.Since(m.processStart).Seconds())
}

// RecordError counts an error by code and component
func RecordError(err error, component string) {
	if err == nil {
		return
	}
	errorsTotal.WithLabelValues(CodeOf(err), component).Inc()
}
