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

// Seq2SeqPipeline handles text-to-text tasks using encoder-decoder models.
// It supports models like T5, BART, mT5 for translation, summarization, and
// question generation.
type Seq2SeqPipeline struct {
	Config    *ModelConfig
	Tokenizer tokenizers.Tokenizer

	encoder      *decode.EncoderInvoker
	orchestrator *decode.Orchestrator
	sessions     []backends.Session

	generation *backends.GenerationConfig
	logger     *zap.Logger
}

// LoadSeq2SeqPipeline loads a complete encoder-decoder pipeline from a model
// directory: sessions for the encoder and decoder graphs, the tokenizer, and
// the decode orchestrator.
func LoadSeq2SeqPipeline(modelPath string, factory backends.SessionFactory, opts ...PipelineOption) (*Seq2SeqPipeline, error) {
	cfg := applyPipelineOptions(opts)

	config, err := LoadModelConfig(modelPath)
	if err != nil {
		return nil, fmt.Errorf("loading model config: %w", err)
	}
	if !config.EncoderDecoder {
		return nil, fmt.Errorf("%s is not an encoder-decoder model (model_type %q)", modelPath, config.ModelType)
	}
	if config.EncoderPath == "" {
		return nil, fmt.Errorf("encoder ONNX file not found in %s", modelPath)
	}
	if config.DecoderPath == "" && config.DecoderInitPath == "" {
		return nil, fmt.Errorf("decoder ONNX file not found in %s", modelPath)
	}

	var sessions []backends.Session
	closeAll := func() {
		for _, s := range sessions {
			s.Close()
		}
	}

	encoderSession, err := factory.CreateSession(config.EncoderPath, cfg.sessionOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating encoder session: %w", err)
	}
	sessions = append(sessions, encoderSession)

	// Models without a cached decoder still work through the uncached path,
	// re-feeding the full prefix each step.
	decoderPath := config.DecoderPath
	if decoderPath == "" {
		decoderPath = config.DecoderInitPath
		config.DecoderInitPath = ""
	}
	decoderSession, err := factory.CreateSession(decoderPath, cfg.sessionOpts...)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("creating decoder session: %w", err)
	}
	sessions = append(sessions, decoderSession)

	// BART-style exports ship a separate decoder-init graph for the first step
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

	return &Seq2SeqPipeline{
		Config:       config,
		Tokenizer:    tokenizer,
		encoder:      decode.NewEncoderInvoker(encoderSession, cfg.logger),
		orchestrator: orchestrator,
		sessions:     sessions,
		generation:   generation,
		logger:       cfg.logger,
	}, nil
}

// Strategy returns the resolved decode strategy.
func (p *Seq2SeqPipeline) Strategy() decode.Strategy {
	return p.orchestrator.Strategy()
}

// Generate generates text from the input text using the pipeline's
// generation config.
func (p *Seq2SeqPipeline) Generate(ctx context.Context, input string) (*GenerationResult, error) {
	return p.GenerateWithConfig(ctx, input, p.generation)
}

// GenerateWithConfig generates text with a per-call generation config.
func (p *Seq2SeqPipeline) GenerateWithConfig(ctx context.Context, input string, genCfg *backends.GenerationConfig) (*GenerationResult, error) {
	encoderOutput, inputTokens, err := p.encodeText(ctx, input)
	if err != nil {
		return nil, err
	}

	res, err := p.orchestrator.Generate(ctx, &decode.Request{
		StartTokens:   p.startTokens(),
		EncoderOutput: encoderOutput,
		Config:        genCfg,
	})
	if err != nil {
		return nil, err
	}

	return resultFromDecode(res, p.decodeTokens(res.TokenIDs), inputTokens), nil
}

// GenerateBatch generates text for multiple inputs.
// Inputs run one at a time; each gets its own decode loop and KV cache.
func (p *Seq2SeqPipeline) GenerateBatch(ctx context.Context, inputs []string) ([]*GenerationResult, error) {
	results := make([]*GenerationResult, len(inputs))
	for i, input := range inputs {
		result, err := p.Generate(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("processing input %d: %w", i, err)
		}
		results[i] = result
	}
	return results, nil
}

// GenerateStream generates text, delivering each token's ID and textual delta
// to emit as it is accepted. An error from emit aborts the generation.
func (p *Seq2SeqPipeline) GenerateStream(ctx context.Context, input string, emit decode.StreamFunc) (*GenerationResult, error) {
	return p.GenerateStreamWithConfig(ctx, input, p.generation, emit)
}

// GenerateStreamWithConfig streams with a per-call generation config.
func (p *Seq2SeqPipeline) GenerateStreamWithConfig(ctx context.Context, input string, genCfg *backends.GenerationConfig, emit decode.StreamFunc) (*GenerationResult, error) {
	encoderOutput, inputTokens, err := p.encodeText(ctx, input)
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
		StartTokens:   p.startTokens(),
		EncoderOutput: encoderOutput,
		Config:        genCfg,
	}, controller.OnToken)
	if err != nil {
		return nil, err
	}

	return resultFromDecode(res, controller.Text(), inputTokens), nil
}

// encodeText tokenizes the input and runs the encoder forward pass.
func (p *Seq2SeqPipeline) encodeText(ctx context.Context, input string) (*backends.EncoderOutput, int, error) {
	tokens := p.Tokenizer.Encode(input)
	if len(tokens) == 0 {
		return nil, 0, fmt.Errorf("input produced no tokens")
	}

	inputIDs := IntToInt32(tokens)
	mask := make([]int64, len(tokens))
	for i := range mask {
		mask[i] = 1
	}

	output, err := p.encoder.Invoke(ctx, inputIDs, mask)
	if err != nil {
		return nil, 0, err
	}
	return output, len(tokens), nil
}

// startTokens returns the decoder prefix: the model's decoder start token.
func (p *Seq2SeqPipeline) startTokens() []int32 {
	return []int32{p.Config.Decoder.DecoderStartTokenID}
}

// decodeTokens converts generated token IDs back into text.
func (p *Seq2SeqPipeline) decodeTokens(ids []int32) string {
	if len(ids) == 0 {
		return ""
	}
	return p.Tokenizer.Decode(Int32ToInt(ids))
}

// Close releases all sessions and the tokenizer.
func (p *Seq2SeqPipeline) Close() error {
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
