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
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"github.com/lyrebirdml/lyrebird/lib/backends"
	"github.com/lyrebirdml/lyrebird/lib/pipelines"
)

// DefaultKeepAlive is how long an idle generator stays loaded.
const DefaultKeepAlive = 5 * time.Minute

// GeneratorModelInfo holds metadata about a discovered model (not loaded yet).
type GeneratorModelInfo struct {
	Name      string
	Path      string
	ModelType string // "seq2seq" or "textgen"
}

// LazyGeneratorRegistry manages generation models with lazy loading and
// TTL-based unloading. Models are discovered at startup but sessions are not
// created until the first request.
type LazyGeneratorRegistry struct {
	modelsDir string
	factory   backends.SessionFactory
	logger    *zap.Logger

	// Model discovery (paths only, not loaded)
	discovered map[string]*GeneratorModelInfo
	mu         sync.RWMutex

	// Loaded generators with TTL cache
	cache *ttlcache.Cache[string, Generator]

	// Pinned generators (never evicted, stored separately from cache)
	pinned   map[string]Generator
	pinnedMu sync.RWMutex

	keepAlive       time.Duration
	maxLoadedModels uint64
}

// LazyGeneratorConfig configures the lazy generator registry.
type LazyGeneratorConfig struct {
	ModelsDir       string
	KeepAlive       time.Duration // How long to keep idle models loaded (0 = forever)
	MaxLoadedModels uint64        // Max models in memory (0 = unlimited)
}

// NewLazyGeneratorRegistry creates a new lazy-loading generator registry.
func NewLazyGeneratorRegistry(
	config LazyGeneratorConfig,
	factory backends.SessionFactory,
	logger *zap.Logger,
) (*LazyGeneratorRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	keepAlive := config.KeepAlive
	if keepAlive == 0 {
		keepAlive = ttlcache.NoTTL // Never expire
	}

	registry := &LazyGeneratorRegistry{
		modelsDir:       config.ModelsDir,
		factory:         factory,
		logger:          logger,
		discovered:      make(map[string]*GeneratorModelInfo),
		pinned:          make(map[string]Generator),
		keepAlive:       keepAlive,
		maxLoadedModels: config.MaxLoadedModels,
	}

	cacheOpts := []ttlcache.Option[string, Generator]{
		ttlcache.WithTTL[string, Generator](keepAlive),
	}
	if config.MaxLoadedModels > 0 {
		cacheOpts = append(cacheOpts,
			ttlcache.WithCapacity[string, Generator](config.MaxLoadedModels))
	}
	registry.cache = ttlcache.New(cacheOpts...)

	registry.cache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, Generator]) {
		modelName := item.Key()
		generator := item.Value()

		// A model moved to pinned must not be closed by its cache eviction
		registry.pinnedMu.RLock()
		isPinned := registry.pinned[modelName] == generator
		registry.pinnedMu.RUnlock()

		if isPinned {
			logger.Debug("Model moved to pinned, skipping close",
				zap.String("model", modelName))
			return
		}

		reasonStr := "unknown"
		switch reason {
		case ttlcache.EvictionReasonExpired:
			reasonStr = "expired (keep-alive timeout)"
		case ttlcache.EvictionReasonCapacityReached:
			reasonStr = "capacity reached (LRU eviction)"
		case ttlcache.EvictionReasonDeleted:
			reasonStr = "manually deleted"
		}

		logger.Info("Unloading generator",
			zap.String("model", modelName),
			zap.String("reason", reasonStr))

		if err := generator.Close(); err != nil {
			logger.Warn("Error closing generator",
				zap.String("model", modelName),
				zap.Error(err))
		}
		registry.updateLoadedGauge()
	})

	go registry.cache.Start()

	if err := registry.discoverModels(); err != nil {
		registry.cache.Stop()
		return nil, err
	}

	return registry, nil
}

// discoverModels scans the models directory and records available models.
func (r *LazyGeneratorRegistry) discoverModels() error {
	if r.modelsDir == "" {
		r.logger.Info("No models directory configured")
		return nil
	}

	if _, err := os.Stat(r.modelsDir); os.IsNotExist(err) {
		r.logger.Warn("Models directory does not exist",
			zap.String("dir", r.modelsDir))
		return nil
	}

	entries, err := os.ReadDir(r.modelsDir)
	if err != nil {
		return fmt.Errorf("reading models directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		modelName := entry.Name()
		modelPath := filepath.Join(r.modelsDir, modelName)

		var modelType string
		switch {
		case pipelines.IsEncoderDecoderModel(modelPath):
			modelType = "seq2seq"
		case pipelines.IsTextGenModel(modelPath):
			modelType = "textgen"
		default:
			r.logger.Debug("Skipping directory without a generative model",
				zap.String("dir", modelName))
			continue
		}

		r.logger.Info("Discovered generator model (not loaded)",
			zap.String("name", modelName),
			zap.String("path", modelPath),
			zap.String("type", modelType))

		r.discovered[modelName] = &GeneratorModelInfo{
			Name:      modelName,
			Path:      modelPath,
			ModelType: modelType,
		}
	}

	r.logger.Info("Generator model discovery complete",
		zap.Int("models_discovered", len(r.discovered)),
		zap.Duration("keep_alive", r.keepAlive),
		zap.Uint64("max_loaded_models", r.maxLoadedModels))

	return nil
}

// Get returns a generator by model name, loading it if necessary.
func (r *LazyGeneratorRegistry) Get(modelName string) (Generator, error) {
	r.pinnedMu.RLock()
	if generator, ok := r.pinned[modelName]; ok {
		r.pinnedMu.RUnlock()
		r.logger.Debug("Generator pinned hit", zap.String("model", modelName))
		return generator, nil
	}
	r.pinnedMu.RUnlock()

	// Get refreshes the TTL, giving Ollama-style keep-alive per use
	if item := r.cache.Get(modelName); item != nil {
		r.logger.Debug("Generator cache hit", zap.String("model", modelName))
		return item.Value(), nil
	}

	r.mu.RLock()
	info, known := r.discovered[modelName]
	r.mu.RUnlock()

	if !known {
		return nil, fmt.Errorf("generator model not found: %s", modelName)
	}

	return r.loadModel(info)
}

// loadModel loads a model on demand.
func (r *LazyGeneratorRegistry) loadModel(info *GeneratorModelInfo) (Generator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check cache after acquiring the lock
	if item := r.cache.Get(info.Name); item != nil {
		return item.Value(), nil
	}

	r.logger.Info("Loading generator on demand",
		zap.String("model", info.Name),
		zap.String("path", info.Path),
		zap.String("type", info.ModelType))

	generator, err := LoadGenerator(info.Path, info.Name, r.factory, r.logger.Named(info.Name))
	if err != nil {
		r.logger.Error("Failed to load generator",
			zap.String("model", info.Name),
			zap.Error(err))
		return nil, fmt.Errorf("loading generator %s: %w", info.Name, err)
	}

	r.cache.Set(info.Name, generator, ttlcache.DefaultTTL)
	r.updateLoadedGauge()

	r.logger.Info("Successfully loaded generator",
		zap.String("model", info.Name),
		zap.Duration("keep_alive", r.keepAlive))

	return generator, nil
}

// List returns all available (discovered) model names.
func (r *LazyGeneratorRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.discovered))
	for name := range r.discovered {
		names = append(names, name)
	}
	return names
}

// ListLoaded returns currently loaded model names (pinned first).
func (r *LazyGeneratorRegistry) ListLoaded() []string {
	keys := r.cache.Keys()

	r.pinnedMu.RLock()
	pinnedNames := make([]string, 0, len(r.pinned))
	for name := range r.pinned {
		pinnedNames = append(pinnedNames, name)
	}
	r.pinnedMu.RUnlock()

	names := make([]string, 0, len(keys)+len(pinnedNames))
	names = append(names, pinnedNames...)
	names = append(names, keys...)
	return names
}

// IsLoaded checks if a model is currently loaded (in cache or pinned).
func (r *LazyGeneratorRegistry) IsLoaded(modelName string) bool {
	r.pinnedMu.RLock()
	isPinned := r.pinned[modelName] != nil
	r.pinnedMu.RUnlock()
	return isPinned || r.cache.Has(modelName)
}

// Unload explicitly unloads a model (triggers the eviction callback).
// Pinned models cannot be unloaded this way.
func (r *LazyGeneratorRegistry) Unload(modelName string) {
	r.pinnedMu.RLock()
	isPinned := r.pinned[modelName] != nil
	r.pinnedMu.RUnlock()

	if isPinned {
		r.logger.Debug("Cannot unload pinned model", zap.String("model", modelName))
		return
	}
	r.cache.Delete(modelName)
}

// Pin marks a model as pinned (never evicted), loading it first if needed.
func (r *LazyGeneratorRegistry) Pin(modelName string) error {
	r.pinnedMu.RLock()
	if r.pinned[modelName] != nil {
		r.pinnedMu.RUnlock()
		r.logger.Debug("Model already pinned", zap.String("model", modelName))
		return nil
	}
	r.pinnedMu.RUnlock()

	generator, err := r.Get(modelName)
	if err != nil {
		return fmt.Errorf("pin model %s: %w", modelName, err)
	}

	r.pinnedMu.Lock()
	r.pinned[modelName] = generator
	r.pinnedMu.Unlock()

	// The eviction callback sees the pinned entry and skips the close
	r.cache.Delete(modelName)

	r.logger.Info("Pinned model (will not be evicted)",
		zap.String("model", modelName))

	return nil
}

// IsPinned returns true if a model is pinned.
func (r *LazyGeneratorRegistry) IsPinned(modelName string) bool {
	r.pinnedMu.RLock()
	defer r.pinnedMu.RUnlock()
	return r.pinned[modelName] != nil
}

// Preload loads the named models at startup to avoid first-request latency.
func (r *LazyGeneratorRegistry) Preload(modelNames []string) error {
	if len(modelNames) == 0 {
		return nil
	}

	r.logger.Info("Preloading models", zap.Strings("models", modelNames))

	var loaded, failed int
	for _, name := range modelNames {
		if _, err := r.Get(name); err != nil {
			r.logger.Warn("Failed to preload model",
				zap.String("model", name),
				zap.Error(err))
			failed++
		} else {
			r.logger.Info("Preloaded model", zap.String("model", name))
			loaded++
		}
	}

	r.logger.Info("Preloading complete",
		zap.Int("loaded", loaded),
		zap.Int("failed", failed))

	if failed > 0 && loaded == 0 {
		return fmt.Errorf("all %d models failed to preload", failed)
	}

	return nil
}

// Close stops the cache and unloads all models, pinned included.
func (r *LazyGeneratorRegistry) Close() error {
	r.logger.Info("Closing lazy generator registry")

	r.cache.Stop()
	r.cache.DeleteAll()

	r.pinnedMu.Lock()
	for name, generator := range r.pinned {
		r.logger.Debug("Closing pinned model", zap.String("model", name))
		if err := generator.Close(); err != nil {
			r.logger.Warn("Error closing pinned generator",
				zap.String("model", name),
				zap.Error(err))
		}
	}
	r.pinned = make(map[string]Generator)
	r.pinnedMu.Unlock()

	return nil
}

// Stats returns registry statistics.
func (r *LazyGeneratorRegistry) Stats() map[string]any {
	metrics := r.cache.Metrics()

	r.pinnedMu.RLock()
	pinnedCount := len(r.pinned)
	pinnedNames := make([]string, 0, pinnedCount)
	for name := range r.pinned {
		pinnedNames = append(pinnedNames, name)
	}
	r.pinnedMu.RUnlock()

	return map[string]any{
		"discovered":    len(r.discovered),
		"loaded":        r.cache.Len() + pinnedCount,
		"pinned":        pinnedCount,
		"pinned_models": pinnedNames,
		"cached":        r.cache.Len(),
		"hits":          metrics.Hits,
		"misses":        metrics.Misses,
		"keep_alive":    r.keepAlive.String(),
		"max_loaded":    r.maxLoadedModels,
		"loaded_models": r.ListLoaded(),
	}
}

func (r *LazyGeneratorRegistry) updateLoadedGauge() {
	r.pinnedMu.RLock()
	pinnedCount := len(r.pinned)
	r.pinnedMu.RUnlock()
	SetLoadedPipelines(r.cache.Len() + pinnedCount)
}
