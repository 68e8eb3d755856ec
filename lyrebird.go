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

// Package lyrebird runs auto-regressive text generation over local ONNX
// models. It discovers models in a directory, lazily builds generation
// pipelines for them, and serves generate and streaming-generate requests
// with result caching and keep-alive unloading.
package lyrebird

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lyrebirdml/lyrebird/lib/backends"
	"github.com/lyrebirdml/lyrebird/lib/decode"
	"github.com/lyrebirdml/lyrebird/lib/pipelines"
)

// Config holds service configuration.
type Config struct {
	// ModelsDir is the directory scanned for model subdirectories.
	ModelsDir string `json:"models_dir" mapstructure:"models_dir"`

	// Backend selects the inference backend ("onnx"). Empty uses the
	// default priority order.
	Backend string `json:"backend" mapstructure:"backend"`

	// Gpu controls GPU acceleration: "auto", "cuda", or "off".
	Gpu string `json:"gpu" mapstructure:"gpu"`

	// KeepAlive is how long idle models stay loaded, as a duration string.
	// Empty or "0" keeps models loaded forever.
	KeepAlive string `json:"keep_alive" mapstructure:"keep_alive"`

	// MaxLoadedModels bounds how many models stay in memory (0 = unlimited).
	MaxLoadedModels uint64 `json:"max_loaded_models" mapstructure:"max_loaded_models"`

	// Preload lists models to load at startup.
	Preload []string `json:"preload" mapstructure:"preload"`

	// Pinned lists models that are never evicted.
	Pinned []string `json:"pinned" mapstructure:"pinned"`

	// DisableResultCache turns off generation result caching.
	DisableResultCache bool `json:"disable_result_cache" mapstructure:"disable_result_cache"`
}

// Service ties together the generator registry and the result cache.
type Service struct {
	logger   *zap.Logger
	registry *LazyGeneratorRegistry
	cache    *GenerationCache

	// cached wraps registry generators per model; guarded by the registry's
	// own synchronization since wrappers are cheap to rebuild.
	cacheEnabled bool
}

// NewService builds a Service from config. It resolves the backend, scans
// the models directory, and optionally preloads and pins models.
func NewService(config Config, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("lyrebird")

	backend, err := resolveBackend(config, logger)
	if err != nil {
		return nil, err
	}

	var keepAlive time.Duration
	if config.KeepAlive != "" && config.KeepAlive != "0" {
		keepAlive, err = time.ParseDuration(config.KeepAlive)
		if err != nil {
			return nil, fmt.Errorf("invalid keep_alive duration %q: %w", config.KeepAlive, err)
		}
	}

	registry, err := NewLazyGeneratorRegistry(LazyGeneratorConfig{
		ModelsDir:       config.ModelsDir,
		KeepAlive:       keepAlive,
		MaxLoadedModels: config.MaxLoadedModels,
	}, backend.SessionFactory(), logger)
	if err != nil {
		return nil, fmt.Errorf("building generator registry: %w", err)
	}

	svc := &Service{
		logger:       logger,
		registry:     registry,
		cacheEnabled: !config.DisableResultCache,
	}
	if svc.cacheEnabled {
		svc.cache = NewGenerationCache(logger)
	}

	if err := registry.Preload(config.Preload); err != nil {
		logger.Warn("Preload incomplete", zap.Error(err))
	}
	for _, name := range config.Pinned {
		if err := registry.Pin(name); err != nil {
			logger.Warn("Failed to pin model",
				zap.String("model", name),
				zap.Error(err))
		}
	}

	return svc, nil
}

// resolveBackend configures GPU mode and picks the inference backend.
func resolveBackend(config Config, logger *zap.Logger) (backends.Backend, error) {
	if config.Gpu != "" {
		backends.SetGPUMode(backends.ParseGPUMode(config.Gpu))
		logger.Info("GPU mode configured", zap.String("mode", config.Gpu))
	}

	gpuInfo := backends.DetectGPU()
	logger.Info("GPU detection complete",
		zap.Bool("available", gpuInfo.Available),
		zap.String("type", gpuInfo.Type),
		zap.String("device", gpuInfo.DeviceName))

	if config.Backend != "" {
		backendType, err := backends.ParseBackendType(config.Backend)
		if err != nil {
			return nil, err
		}
		backend, _, err := backends.GetBackendWithFallback(backendType)
		if err != nil {
			return nil, err
		}
		return backend, nil
	}

	backend := backends.GetDefaultBackend()
	if backend == nil {
		return nil, fmt.Errorf("no inference backend available (build with -tags=\"onnx,ORT\")")
	}
	return backend, nil
}

// Models returns all discovered model names.
func (s *Service) Models() []string {
	return s.registry.List()
}

// Generate runs generation on the named model. Results are cached when the
// result cache is enabled.
func (s *Service) Generate(ctx context.Context, model, input string) (*pipelines.GenerationResult, error) {
	generator, err := s.generatorFor(model)
	if err != nil {
		return nil, err
	}
	return generator.Generate(ctx, input)
}

// GenerateWithConfig runs generation with a per-call generation config,
// bypassing the result cache.
func (s *Service) GenerateWithConfig(ctx context.Context, model, input string, genCfg *backends.GenerationConfig) (*pipelines.GenerationResult, error) {
	generator, err := s.registry.Get(model)
	if err != nil {
		return nil, err
	}
	return generator.GenerateWithConfig(ctx, input, genCfg)
}

// GenerateStream runs streaming generation on the named model, delivering
// each token to emit as it is accepted. Streaming bypasses the result cache.
func (s *Service) GenerateStream(ctx context.Context, model, input string, emit decode.StreamFunc) (*pipelines.GenerationResult, error) {
	generator, err := s.generatorFor(model)
	if err != nil {
		return nil, err
	}
	return generator.GenerateStream(ctx, input, emit)
}

// GenerateStreamWithConfig runs streaming generation with a per-call
// generation config.
func (s *Service) GenerateStreamWithConfig(ctx context.Context, model, input string, genCfg *backends.GenerationConfig, emit decode.StreamFunc) (*pipelines.GenerationResult, error) {
	generator, err := s.registry.Get(model)
	if err != nil {
		return nil, err
	}
	return generator.GenerateStreamWithConfig(ctx, input, genCfg, emit)
}

// Pin marks a model as never evicted.
func (s *Service) Pin(model string) error {
	return s.registry.Pin(model)
}

// Unload evicts a model from memory.
func (s *Service) Unload(model string) {
	s.registry.Unload(model)
}

// generatorFor resolves a generator, wrapping it with the result cache when
// enabled.
func (s *Service) generatorFor(model string) (Generator, error) {
	generator, err := s.registry.Get(model)
	if err != nil {
		return nil, err
	}
	if s.cacheEnabled {
		return s.cache.WrapGenerator(generator, model), nil
	}
	return generator, nil
}

// Stats returns registry and cache statistics.
func (s *Service) Stats() map[string]any {
	stats := map[string]any{
		"registry": s.registry.Stats(),
	}
	if s.cache != nil {
		stats["result_cache"] = s.cache.Stats()
	}
	return stats
}

// Close releases all loaded models and stops the caches.
func (s *Service) Close() error {
	if s.cache != nil {
		s.cache.Close()
	}
	return s.registry.Close()
}
