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
	"time"

	"go.uber.org/zap"

	"github.com/lyrebirdml/lyrebird/lib/backends"
	"github.com/lyrebirdml/lyrebird/lib/decode"
	"github.com/lyrebirdml/lyrebird/lib/pipelines"
)

// Generator produces text from an input prompt. Both encoder-decoder and
// decoder-only pipelines satisfy it through pipelineGenerator.
type Generator interface {
	// Generate produces text from the input.
	Generate(ctx context.Context, input string) (*pipelines.GenerationResult, error)
	// GenerateWithConfig produces text with a per-call generation config.
	GenerateWithConfig(ctx context.Context, input string, genCfg *backends.GenerationConfig) (*pipelines.GenerationResult, error)
	// GenerateStream produces text, delivering each token to emit as it is
	// accepted.
	GenerateStream(ctx context.Context, input string, emit decode.StreamFunc) (*pipelines.GenerationResult, error)
	// GenerateStreamWithConfig streams with a per-call generation config.
	GenerateStreamWithConfig(ctx context.Context, input string, genCfg *backends.GenerationConfig, emit decode.StreamFunc) (*pipelines.GenerationResult, error)
	// Close releases the generator's sessions and tokenizer.
	Close() error
}

// generatorPipeline is the subset of pipeline behavior the wrapper needs.
type generatorPipeline interface {
	Generate(ctx context.Context, input string) (*pipelines.GenerationResult, error)
	GenerateWithConfig(ctx context.Context, input string, genCfg *backends.GenerationConfig) (*pipelines.GenerationResult, error)
	GenerateStream(ctx context.Context, input string, emit decode.StreamFunc) (*pipelines.GenerationResult, error)
	GenerateStreamWithConfig(ctx context.Context, input string, genCfg *backends.GenerationConfig, emit decode.StreamFunc) (*pipelines.GenerationResult, error)
	Strategy() decode.Strategy
	Close() error
}

// pipelineGenerator adapts a pipeline into a Generator and records metrics
// per request.
type pipelineGenerator struct {
	model    string
	pipeline generatorPipeline
	logger   *zap.Logger
}

// LoadGenerator loads a generation pipeline from a model directory,
// auto-detecting encoder-decoder vs decoder-only architecture.
func LoadGenerator(modelPath, modelName string, factory backends.SessionFactory, logger *zap.Logger, opts ...pipelines.PipelineOption) (Generator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = append(opts, pipelines.WithLogger(logger))

	start := time.Now()

	var (
		pipeline  generatorPipeline
		modelType string
		err       error
	)
	switch {
	case pipelines.IsEncoderDecoderModel(modelPath):
		modelType = "seq2seq"
		pipeline, err = pipelines.LoadSeq2SeqPipeline(modelPath, factory, opts...)
	case pipelines.IsTextGenModel(modelPath):
		modelType = "textgen"
		pipeline, err = pipelines.LoadTextGenPipeline(modelPath, factory, opts...)
	default:
		return nil, fmt.Errorf("no generative model found in %s", modelPath)
	}
	if err != nil {
		return nil, err
	}

	RecordModelLoadDuration(modelName, modelType, time.Since(start).Seconds())
	logger.Info("Loaded generator",
		zap.String("model", modelName),
		zap.String("type", modelType),
		zap.String("strategy", string(pipeline.Strategy())),
		zap.Duration("load_time", time.Since(start)))

	return &pipelineGenerator{
		model:    modelName,
		pipeline: pipeline,
		logger:   logger,
	}, nil
}

func (g *pipelineGenerator) Generate(ctx context.Context, input string) (*pipelines.GenerationResult, error) {
	RecordGenerationRequest(g.model)
	result, err := g.pipeline.Generate(ctx, input)
	g.record(result, err)
	return result, err
}

func (g *pipelineGenerator) GenerateWithConfig(ctx context.Context, input string, genCfg *backends.GenerationConfig) (*pipelines.GenerationResult, error) {
	RecordGenerationRequest(g.model)
	result, err := g.pipeline.GenerateWithConfig(ctx, input, genCfg)
	g.record(result, err)
	return result, err
}

func (g *pipelineGenerator) GenerateStream(ctx context.Context, input string, emit decode.StreamFunc) (*pipelines.GenerationResult, error) {
	RecordGenerationRequest(g.model)
	result, err := g.pipeline.GenerateStream(ctx, input, emit)
	g.record(result, err)
	return result, err
}

func (g *pipelineGenerator) GenerateStreamWithConfig(ctx context.Context, input string, genCfg *backends.GenerationConfig, emit decode.StreamFunc) (*pipelines.GenerationResult, error) {
	RecordGenerationRequest(g.model)
	result, err := g.pipeline.GenerateStreamWithConfig(ctx, input, genCfg, emit)
	g.record(result, err)
	return result, err
}

func (g *pipelineGenerator) record(result *pipelines.GenerationResult, err error) {
	if err != nil {
		if result != nil {
			RecordRequestDuration(g.model, "error", result.Duration.Seconds())
		}
		return
	}
	RecordRequestDuration(g.model, "ok", result.Duration.Seconds())
	RecordPromptTokens(g.model, result.InputTokens)
	RecordTokenGeneration(g.model, result.OutputTokens)
	if result.TimeToFirstToken > 0 {
		RecordTimeToFirstToken(g.model, result.TimeToFirstToken.Seconds())
	}
	if result.StoppedAtEOS {
		RecordEOSStop(g.model)
	}
}

func (g *pipelineGenerator) Close() error {
	return g.pipeline.Close()
}
