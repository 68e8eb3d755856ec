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

package pipelines

import (
	"context"
	"errors"
	"fmt"

	"github.com/gomlx/go-huggingface/tokenizers"
	"go.uber.org/zap"

	"github.com/lyrebirdml/lyrebird/lib/backends"
	"github.com/lyrebirdml/lyrebird/lib/decode"
)

// TextGenPipeline handles prompt completion using decoder-only models
// (GPT-2, Llama, Qwen style exports). The prompt becomes the decoder prefix
// and generation continues from its last position.
type TextGenPipeline struct {
	Config    *ModelConfig
	Tokenizer tokenizers.Tokenizer

	orchestrator *decode.Orchestrator
	sessions     []backends.Session

	generation *backends.GenerationConfig
	logger     *zap.Logger
}

// IsTextGenModel checks whether a model directory contains a decoder-only
// generative model.
func IsTextGenModel(path string) bool {
	if IsEncoderDecoderModel(path) {
		return false
	}
	if FindONNXFile(path, DecoderONNXCandidates()) == "" {
		return false
	}
	_, err := loadRawModelConfig(path)
	return err == nil
}

// LoadTextGenPipeline loads a decoder-only generation pipeline from a model
// directory.
func LoadTextGenPipeline(modelPath string, factory backends.SessionFactory, opts ...PipelineOption) (*TextGenPipeline, error) {
	cfg := applyPipelineOptions(opts)

	config, err := LoadModelConfig(modelPath)
	if err != nil {
		return nil, fmt.Errorf("loading model config: %w", err)
	}
	if config.EncoderDecoder {
		return nil, fmt.Errorf("%s is an encoder-decoder model, use LoadSeq2SeqPipeline", modelPath)
	}
	if config.DecoderPath == "" {
		return nil, fmt.Errorf("decoder ONNX file not found in %s", modelPath)
	}

	var sessions []backends.Session
	closeAll := func() {
		for _, s := range sessions {
			s.Close()
		}
	}

	decoderSession, err := factory.CreateSession(config.DecoderPath, cfg.sessionOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating decoder session: %w", err)
	}
	sessions = append(sessions, decoderSession)

	var decoderInitSession backends.Session
	if config.DecoderInitPath != "" {
		decoderInitSession, err = factory.CreateSession(config.DecoderInitPath, cfg.sessionOpts...)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("creating decoder init session: %w", err)
		}
		sessions = append(sessions, decoderInitSession)
	}

	tokenizer, err := LoadTokenizer(modelPath)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("loading tokenizer: %w", err)
	}

	orchestrator, err := decode.NewOrchestrator(decoderSession, decoderInitSession, config.Decoder, cfg.logger)
	if err != nil {
		closeTokenizer(tokenizer)
		closeAll()
		return nil, fmt.Errorf("building decode orchestrator: %w", err)
	}

	generation := config.Generation
	if cfg.generation != nil {
		generation = cfg.generation
	}

	return &TextGenPipeline{
		Config:       config,
		Tokenizer:    tokenizer,
		orchestrator: orchestrator,
		sessions:     sessions,
		generation:   generation,
		logger:       cfg.logger,
	}, nil
}

// Strategy returns the resolved decode strategy.
func (p *TextGenPipeline) Strategy() decode.Strategy {
	return p.orchestrator.Strategy()
}

// Generate completes the prompt using the pipeline's generation config.
func (p *TextGenPipeline) Generate(ctx context.Context, prompt string) (*GenerationResult, error) {
	return p.GenerateWithConfig(ctx, prompt, p.generation)
}

// GenerateWithConfig completes the prompt with a per-call generation config.
func (p *TextGenPipeline) GenerateWithConfig(ctx context.Context, prompt string, genCfg *backends.GenerationConfig) (*GenerationResult, error) {
	startTokens, err := p.promptTokens(prompt)
	if err != nil {
		return nil, err
	}

	res, err := p.orchestrator.Generate(ctx, &decode.Request{
		StartTokens: startTokens,
		Config:      genCfg,
	})
	if err != nil {
		return nil, err
	}

	return resultFromDecode(res, p.decodeTokens(res.TokenIDs), len(startTokens)), nil
}

// GenerateStream completes the prompt, delivering each token's ID and textual
// delta to emit as it is accepted. An error from emit aborts the generation.
func (p *TextGenPipeline) GenerateStream(ctx context.Context, prompt string, emit decode.StreamFunc) (*GenerationResult, error) {
	return p.GenerateStreamWithConfig(ctx, prompt, p.generation, emit)
}

// GenerateStreamWithConfig streams with a per-call generation config.
func (p *TextGenPipeline) GenerateStreamWithConfig(ctx context.Context, prompt string, genCfg *backends.GenerationConfig, emit decode.StreamFunc) (*GenerationResult, error) {
	startTokens, err := p.promptTokens(prompt)
	if err != nil {
		return nil, err
	}

	controller, err := decode.NewStreamController(func(tokens []int32) (string, error) {
		return p.decodeTokens(tokens), nil
	}, emit)
	if err != nil {
		return nil, err
	}

	res, err := p.orchestrator.GenerateStream(ctx, &decode.Request{
		StartTokens: startTokens,
		Config:      genCfg,
	}, controller.OnToken)
	if err != nil {
		return nil, err
	}

	return resultFromDecode(res, controller.Text(), len(startTokens)), nil
}

// promptTokens tokenizes the prompt into the decoder prefix.
func (p *TextGenPipeline) promptTokens(prompt string) ([]int32, error) {
	tokens := p.Tokenizer.Encode(prompt)
	if len(tokens) == 0 {
		// An empty prompt still needs a prefix to condition on
		if p.Config.Decoder.BOSTokenID != 0 {
			return []int32{p.Config.Decoder.BOSTokenID}, nil
		}
		return nil, fmt.Errorf("prompt produced no tokens")
	}
	if p.Config.MaxLength > 0 && len(tokens) >= p.Config.MaxLength {
		return nil, fmt.Errorf("prompt length %d exceeds model max length %d", len(tokens), p.Config.MaxLength)
	}
	return IntToInt32(tokens), nil
}

// decodeTokens converts generated token IDs back into text.
func (p *TextGenPipeline) decodeTokens(ids []int32) string {
	if len(ids) == 0 {
		return ""
	}
	return p.Tokenizer.Decode(Int32ToInt(ids))
}

// Close releases all sessions and the tokenizer.
func (p *TextGenPipeline) Close() error {
	var errs []error
	for _, s := range p.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := closeTokenizer(p.Tokenizer); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
