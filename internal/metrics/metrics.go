package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "polychat"

type Metrics struct {
	EnqueuedJobs  prometheus.Counter
	ProcessedJobs prometheus.Counter
	FailedJobs    prometheus.Counter
	UpdatesTotal  prometheus.Counter

	// ProviderRequests is labeled by provider kind and outcome (ok, error, canceled).
	ProviderRequests *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	StreamChunks     *prometheus.CounterVec
	PromptTokens     prometheus.Histogram
	JanitorDeleted   prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = New()
		prometheus.MustRegister(
			global.EnqueuedJobs,
			global.ProcessedJobs,
			global.FailedJobs,
			global.UpdatesTotal,
			global.ProviderRequests,
			global.ProviderLatency,
			global.StreamChunks,
			global.PromptTokens,
			global.JanitorDeleted,
		)
	})
	return global
}

// New builds an unregistered set, for tests and embedded use.
func New() *Metrics {
	return &Metrics{
		EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_enqueued_total",
			Help:      "Total jobs enqueued to redis stream",
		}),
		ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_processed_total",
			Help:      "Total jobs successfully processed",
		}),
		FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_failed_total",
			Help:      "Total jobs failed during processing",
		}),
		UpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telegram_updates_total",
			Help:      "Total telegram updates received",
		}),
		ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Chat completion requests by provider and outcome",
		}, []string{"provider", "outcome"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_seconds",
			Help:      "Time until a chat completion finished",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		}, []string{"provider"}),
		StreamChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_total",
			Help:      "Streaming callbacks delivered by provider",
		}, []string{"provider"}),
		PromptTokens: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prompt_tokens",
			Help:      "Estimated prompt tokens per request",
			Buckets:   prometheus.ExponentialBuckets(16, 2, 14),
		}),
		JanitorDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "janitor_deleted_conversations_total",
			Help:      "Conversations removed by the retention job",
		}),
	}
}
