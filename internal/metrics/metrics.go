// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ProviderAttempts counts provider calls by candidate and classified result.
var ProviderAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "provador",
	Subsystem: "provider",
	Name:      "attempts_total",
	Help:      "Provider generation attempts by provider, model and result.",
}, []string{"provider", "model", "result"})

// ProviderLatency tracks the duration of single provider calls.
var ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "provador",
	Subsystem: "provider",
	Name:      "call_duration_seconds",
	Help:      "Duration of individual provider calls.",
	Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80},
}, []string{"provider", "model"})

// GenerationOutcomes counts terminal try-on outcomes.
var GenerationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "provador",
	Subsystem: "tryon",
	Name:      "outcomes_total",
	Help:      "Terminal outcomes of try-on generation requests.",
}, []string{"outcome"})

// CaptionFallbacks counts captions replaced by the canned text.
var CaptionFallbacks = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "provador",
	Subsystem: "tryon",
	Name:      "caption_fallbacks_total",
	Help:      "Captions that fell back to the default description.",
})

// LedgerConsumes counts consume calls made after a successful generation.
var LedgerConsumes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "provador",
	Subsystem: "ledger",
	Name:      "consumes_total",
	Help:      "Post-generation consume calls by result (charged, replayed, refused, unavailable).",
}, []string{"result"})

// FeedSubscribers tracks open change feed connections.
var FeedSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "provador",
	Subsystem: "feed",
	Name:      "subscribers",
	Help:      "Currently connected change feed subscribers.",
})

// FeedDropped counts events dropped because a subscriber buffer was full.
var FeedDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "provador",
	Subsystem: "feed",
	Name:      "dropped_total",
	Help:      "Change events dropped for slow subscribers.",
})
