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

// Package pipelines pairs tokenizers with ONNX decoder sessions to provide
// end-to-end text generation. Seq2SeqPipeline covers encoder-decoder models
// (T5, BART) and TextGenPipeline covers decoder-only models.
package pipelines

import (
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/lyrebirdml/lyrebird/lib/backends"
	"github.com/lyrebirdml/lyrebird/lib/decode"
)

// GenerationResult holds the outcome of a pipeline generation.
type GenerationResult struct {
	// Text is the decoded output text.
	Text string
	// TokenIDs are the generated token IDs. EOS is never included.
	TokenIDs []int32
	// InputTokens is the number of tokens in the tokenized input.
	InputTokens int
	// OutputTokens is len(TokenIDs).
	OutputTokens int
	// StoppedAtEOS is true when generation ended on the EOS token rather
	// than the token budget.
	StoppedAtEOS bool
	// TimeToFirstToken measures from decode start to the first accepted token.
	TimeToFirstToken time.Duration
	// Duration is the total decode loop time.
	Duration time.Duration
}

// pipelineConfig collects options shared by the pipeline loaders.
type pipelineConfig struct {
	generation  *backends.GenerationConfig
	logger      *zap.Logger
	sessionOpts []backends.SessionOption
}

// PipelineOption is a functional option for pipeline loading.
type PipelineOption func(*pipelineConfig)

// WithGenerationConfig overrides the generation defaults read from the
// model's generation_config.json.
func WithGenerationConfig(config *backends.GenerationConfig) PipelineOption {
	return func(c *pipelineConfig) {
		c.generation = config
	}
}

// WithLogger sets the logger used by the pipeline and its decode loop.
func WithLogger(logger *zap.Logger) PipelineOption {
	return func(c *pipelineConfig) {
		c.logger = logger
	}
}

// WithSessionOptions passes session options through to the backend factory.
func WithSessionOptions(opts ...backends.SessionOption) PipelineOption {
	return func(c *pipelineConfig) {
		c.sessionOpts = append(c.sessionOpts, opts...)
	}
}

func applyPipelineOptions(opts []PipelineOption) *pipelineConfig {
	cfg := &pipelineConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	return cfg
}

// closeTokenizer releases tokenizer resources when the implementation holds
// any (the Rust tokenizer does).
func closeTokenizer(tok any) error {
	if closer, ok := tok.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// resultFromDecode converts a decode result into a pipeline result.
func resultFromDecode(res *decode.Result, text string, inputTokens int) *GenerationResult {
	return &GenerationResult{
		Text:             text,
		TokenIDs:         res.TokenIDs,
		InputTokens:      inputTokens,
		OutputTokens:     len(res.TokenIDs),
		StoppedAtEOS:     res.StoppedAtEOS,
		TimeToFirstToken: res.TimeToFirstToken,
		Duration:         res.Duration,
	}
}
