// Copyright 2025 Lyrebird ML, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lyrebird

import "github.com/prometheus/client_golang/prometheus"

var (
	generationRequestOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lyrebird",
			Subsystem: "generation",
			Name:      "request_ops_total",
			Help:      "The total number of generation requests.",
		},
		[]string{"model"},
	)
	tokenGenerationOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lyrebird",
			Subsystem: "generation",
			Name:      "token_ops_total",
			Help:      "The total number of tokens generated.",
		},
		[]string{"model"},
	)
	promptTokenOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lyrebird",
			Subsystem: "generation",
			Name:      "prompt_token_ops_total",
			Help:      "The total number of prompt tokens consumed.",
		},
		[]string{"model"},
	)
	eosStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lyrebird",
			Subsystem: "generation",
			Name:      "eos_stops_total",
			Help:      "Generations that terminated on the EOS token rather than the token limit.",
		},
		[]string{"model"},
	)

	modelLoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lyrebird",
			Subsystem: "generation",
			Name:      "model_load_duration_seconds",
			Help:      "Time taken to load a model.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model", "type"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lyrebird",
			Subsystem: "generation",
			Name:      "request_duration_seconds",
			Help:      "Time taken to complete a generation request.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"model", "status"},
	)

	timeToFirstToken = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lyrebird",
			Subsystem: "generation",
			Name:      "time_to_first_token_seconds",
			Help:      "Latency from request start to the first generated token.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"model"},
	)

	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lyrebird",
			Subsystem: "generation",
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits.",
		},
		[]string{"type"}, // result
	)

	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lyrebird",
			Subsystem: "generation",
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses.",
		},
		[]string{"type"}, // result
	)

	loadedPipelines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lyrebird",
			Subsystem: "generation",
			Name:      "loaded_pipelines",
			Help:      "Number of pipelines currently resident in memory.",
		},
	)
)

func init() {
	prometheus.MustRegister(generationRequestOps)
	prometheus.MustRegister(tokenGenerationOps)
	prometheus.MustRegister(promptTokenOps)
	prometheus.MustRegister(eosStops)
	prometheus.MustRegister(modelLoadDuration)
	prometheus.MustRegister(requestDuration)
	prometheus.MustRegister(timeToFirstToken)
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(cacheMisses)
	prometheus.MustRegister(loadedPipelines)
}

// RecordGenerationRequest increments the generation request counter.
func RecordGenerationRequest(model string) {
	generationRequestOps.WithLabelValues(model).Inc()
}

// RecordTokenGeneration records the number of tokens generated.
func RecordTokenGeneration(model string, count int) {
	tokenGenerationOps.WithLabelValues(model).Add(float64(count))
}

// RecordPromptTokens records the number of prompt tokens consumed.
func RecordPromptTokens(model string, count int) {
	promptTokenOps.WithLabelValues(model).Add(float64(count))
}

// RecordEOSStop increments the EOS termination counter.
func RecordEOSStop(model string) {
	eosStops.WithLabelValues(model).Inc()
}

// RecordModelLoadDuration records how long it took to load a model.
func RecordModelLoadDuration(model, modelType string, seconds float64) {
	modelLoadDuration.WithLabelValues(model, modelType).Observe(seconds)
}

// RecordRequestDuration records how long a generation took.
func RecordRequestDuration(model, status string, seconds float64) {
	requestDuration.WithLabelValues(model, status).Observe(seconds)
}

// RecordTimeToFirstToken records first-token latency.
func RecordTimeToFirstToken(model string, seconds float64) {
	timeToFirstToken.WithLabelValues(model).Observe(seconds)
}

// RecordCacheHit increments the cache hit counter.
func RecordCacheHit(cacheType string) {
	cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss increments the cache miss counter.
func RecordCacheMiss(cacheType string) {
	cacheMisses.WithLabelValues(cacheType).Inc()
}

// SetLoadedPipelines sets the resident pipeline gauge.
func SetLoadedPipelines(n int) {
	loadedPipelines.Set(float64(n))
}
