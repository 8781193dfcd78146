package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FusionTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tempo_fusion_total",
		Help: "Number of batches merged with time-series features",
	})

	FusionLeftPadded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tempo_fusion_left_padded_total",
		Help: "Number of merged batches detected as left padded",
	})

	FusedSequenceLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tempo_fused_sequence_length",
		Help:    "Length of fused sequences after splicing time-series patches",
		Buckets: []float64{8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096},
	})

	TimeSeriesSlots = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tempo_time_series_slots_total",
		Help: "Total fused positions filled with time-series features",
	})

	PlaceholderMismatch = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tempo_placeholder_mismatch_total",
		Help: "Batches rejected because placeholder count did not match time-series instances",
	})

	ProjectorPatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tempo_projector_patches_total",
		Help: "Patches passed through the projector, by validity",
	}, []string{"kind"})

	DecodeSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tempo_decode_steps_total",
		Help: "Generation steps prepared, by phase",
	}, []string{"phase"})

	CachePositionsMasked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tempo_cache_positions_masked_total",
		Help: "Cached positions excluded from attention by the zero-key heuristic",
	})

	ForwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tempo_forward_duration_seconds",
		Help:    "Duration of fused forward passes",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	GeneratedTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tempo_generated_tokens_total",
		Help: "Total number of tokens generated",
	})

	ContextLengthHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tempo_context_length_tokens",
		Help:    "Distribution of context lengths processed",
		Buckets: []float64{16, 64, 256, 1000, 2000, 4000, 8000},
	})

	KVCacheUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tempo_kv_cache_used_bytes",
		Help: "Current bytes used in KV cache",
	})

	KVCacheOutOfBounds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tempo_kv_cache_oob_total",
		Help: "Count of KV cache appends rejected for exceeding capacity",
	})

	KVCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tempo_kv_cache_evictions_total",
		Help: "Positions dropped by the sliding window cache",
	})

	KVCacheReorders = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tempo_kv_cache_reorders_total",
		Help: "Beam reorders applied to the KV cache",
	})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tempo_validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})

	ArrowRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tempo_arrow_records_total",
		Help: "Arrow record batches read or written",
	}, []string{"direction"})
)

func RecordFusion(fusedLen, slots int, leftPadded bool) {
	FusionTotal.Inc()
	FusedSequenceLength.Observe(float64(fusedLen))
	TimeSeriesSlots.Add(float64(slots))
	if leftPadded {
		FusionLeftPadded.Inc()
	}
}

func RecordPlaceholderMismatch() {
	PlaceholderMismatch.Inc()
	RecordValidationError("fusion", "placeholder_mismatch")
}

func RecordProjectorPatches(valid, fallback int) {
	ProjectorPatches.WithLabelValues("valid").Add(float64(valid))
	ProjectorPatches.WithLabelValues("fallback").Add(float64(fallback))
}

func RecordDecodeStep(phase string) {
	DecodeSteps.WithLabelValues(phase).Inc()
}

func RecordCacheMasked(n int) {
	if n > 0 {
		CachePositionsMasked.Add(float64(n))
	}
}

func RecordForward(stage string, d time.Duration) {
	ForwardDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func RecordGenerated(tokens int) {
	GeneratedTokens.Add(float64(tokens))
}

func RecordContextLength(length int) {
	ContextLengthHistogram.Observe(float64(length))
}

func RecordKVCacheUsed(bytes int64) {
	KVCacheUsedBytes.Set(float64(bytes))
}

func RecordKVCacheOutOfBounds() {
	KVCacheOutOfBounds.Inc()
	RecordValidationError("kvcache", "out_of_bounds")
}

func RecordKVCacheEvictions(n int) {
	if n > 0 {
		KVCacheEvictions.Add(float64(n))
	}
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordArrow(direction string, n int) {
	ArrowRecords.WithLabelValues(direction).Add(float64(n))
}
