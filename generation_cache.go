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

import (
	"context"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lyrebirdml/lyrebird/lib/backends"
	"github.com/lyrebirdml/lyrebird/lib/decode"
	"github.com/lyrebirdml/lyrebird/lib/pipelines"
)

// GenerationCacheTTL is the default TTL for cached generation results.
// Greedy decoding is deterministic for a given model and prompt, so repeated
// prompts within the window can skip the decode loop entirely.
const GenerationCacheTTL = 2 * time.Minute

// CachedGenerator wraps a Generator with result caching. Only non-streaming
// Generate calls are cached; streaming always runs the decode loop.
type CachedGenerator struct {
	generator Generator
	model     string
	cache     *ttlcache.Cache[string, *pipelines.GenerationResult]
	sfGroup   *singleflight.Group
	logger    *zap.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
	sfHits atomic.Uint64
}

// NewCachedGenerator wraps a generator with caching.
func NewCachedGenerator(
	generator Generator,
	model string,
	cache *ttlcache.Cache[string, *pipelines.GenerationResult],
	logger *zap.Logger,
) *CachedGenerator {
	return &CachedGenerator{
		generator: generator,
		model:     model,
		cache:     cache,
		sfGroup:   &singleflight.Group{},
		logger:    logger,
	}
}

// Generate returns a cached result when available, otherwise runs the
// underlying generator. Concurrent identical requests are deduplicated.
func (c *CachedGenerator) Generate(ctx context.Context, input string) (*pipelines.GenerationResult, error) {
	key := c.cacheKey(input)

	if item := c.cache.Get(key); item != nil {
		c.hits.Add(1)
		RecordCacheHit("result")
		c.logger.Debug("Generation cache hit",
			zap.String("model", c.model),
			zap.Int("output_tokens", item.Value().OutputTokens))
		return item.Value(), nil
	}

	result, err, shared := c.sfGroup.Do(key, func() (any, error) {
		c.misses.Add(1)
		RecordCacheMiss("result")

		start := time.Now()
		res, err := c.generator.Generate(ctx, input)
		if err != nil {
			return nil, err
		}

		c.cache.Set(key, res, ttlcache.DefaultTTL)

		c.logger.Debug("Generation completed and cached",
			zap.String("model", c.model),
			zap.Int("output_tokens", res.OutputTokens),
			zap.Duration("duration", time.Since(start)))

		return res, nil
	})
	if err != nil {
		return nil, err
	}

	if shared {
		c.sfHits.Add(1)
		c.logger.Debug("Singleflight hit for generation request",
			zap.String("model", c.model))
	}

	return result.(*pipelines.GenerationResult), nil
}

// GenerateWithConfig bypasses the cache; per-call configs make results
// unsuitable for the shared key space.
func (c *CachedGenerator) GenerateWithConfig(ctx context.Context, input string, genCfg *backends.GenerationConfig) (*pipelines.GenerationResult, error) {
	return c.generator.GenerateWithConfig(ctx, input, genCfg)
}

// GenerateStream always runs the underlying generator; streamed tokens have
// to come from a live decode loop.
func (c *CachedGenerator) GenerateStream(ctx context.Context, input string, emit decode.StreamFunc) (*pipelines.GenerationResult, error) {
	return c.generator.GenerateStream(ctx, input, emit)
}

// GenerateStreamWithConfig always runs the underlying generator.
func (c *CachedGenerator) GenerateStreamWithConfig(ctx context.Context, input string, genCfg *backends.GenerationConfig, emit decode.StreamFunc) (*pipelines.GenerationResult, error) {
	return c.generator.GenerateStreamWithConfig(ctx, input, genCfg, emit)
}

// cacheKey builds a key from the model name and input text.
func (c *CachedGenerator) cacheKey(input string) string {
	h := xxhash.New()
	_, _ = h.WriteString(c.model)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(input)

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], h.Sum64())
	return string(buf[:])
}

// Close closes the underlying generator.
func (c *CachedGenerator) Close() error {
	return c.generator.Close()
}

// Stats returns cache statistics for this generator.
func (c *CachedGenerator) Stats() GeneratorCacheStats {
	return GeneratorCacheStats{
		Model:            c.model,
		Hits:             c.hits.Load(),
		Misses:           c.misses.Load(),
		SingleflightHits: c.sfHits.Load(),
	}
}

// GeneratorCacheStats holds cache statistics for a generator.
type GeneratorCacheStats struct {
	Model            string `json:"model"`
	Hits             uint64 `json:"hits"`
	Misses           uint64 `json:"misses"`
	SingleflightHits uint64 `json:"singleflight_hits"`
}

// GenerationCache manages result caching across generators.
type GenerationCache struct {
	cache  *ttlcache.Cache[string, *pipelines.GenerationResult]
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewGenerationCache creates a new generation result cache.
func NewGenerationCache(logger *zap.Logger) *GenerationCache {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *pipelines.GenerationResult](GenerationCacheTTL),
	)
	go cache.Start()

	ctx, cancel := context.WithCancel(context.Background())
	gc := &GenerationCache{
		cache:  cache,
		logger: logger,
		cancel: cancel,
	}

	go gc.logStats(ctx)

	return gc
}

// WrapGenerator wraps a generator with result caching.
func (gc *GenerationCache) WrapGenerator(generator Generator, model string) *CachedGenerator {
	return NewCachedGenerator(generator, model, gc.cache, gc.logger.Named(model))
}

// Close stops the cache.
func (gc *GenerationCache) Close() {
	gc.cancel()
	gc.cache.Stop()
}

// logStats logs cache statistics periodically.
func (gc *GenerationCache) logStats(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics := gc.cache.Metrics()
			if metrics.Hits > 0 || metrics.Misses > 0 {
				hitRate := float64(0)
				total := metrics.Hits + metrics.Misses
				if total > 0 {
					hitRate = float64(metrics.Hits) / float64(total) * 100
				}
				gc.logger.Info("Generation cache stats",
					zap.Uint64("hits", metrics.Hits),
					zap.Uint64("misses", metrics.Misses),
					zap.Float64("hit_rate_pct", hitRate),
					zap.Int("items", gc.cache.Len()))
			}
		}
	}
}

// Stats returns global cache statistics.
func (gc *GenerationCache) Stats() map[string]any {
	metrics := gc.cache.Metrics()
	return map[string]any{
		"hits":   metrics.Hits,
		"misses": metrics.Misses,
		"items":  gc.cache.Len(),
	}
}
