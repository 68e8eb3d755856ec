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

// Package backends provides the low-level session interface that generation
// pipelines are built on. A backend turns ONNX model files into Sessions
// that run named-tensor forward passes.
//
// Available backends:
//   - ONNX Runtime: requires -tags="onnx,ORT" and the onnxruntime shared
//     library at runtime (LD_LIBRARY_PATH or ONNXRUNTIME_ROOT).
//
// Build example:
//
//	go build -tags="onnx,ORT" ./cmd/lyrebird
package backends

import "fmt"

// BackendType identifies the inference backend.
type BackendType string

const (
	// BackendONNX is the ONNX Runtime backend - fast CPU/GPU inference.
	BackendONNX BackendType = "onnx"
)

// GPUMode controls how GPU acceleration is enabled.
type GPUMode string

const (
	GPUModeAuto GPUMode = "auto" // Auto-detect GPU availability
	GPUModeCuda GPUMode = "cuda" // Force CUDA
	GPUModeOff  GPUMode = "off"  // CPU only
)

// ParseGPUMode parses a string into GPUMode.
func ParseGPUMode(s string) GPUMode {
	switch s {
	case "cuda", "gpu":
		return GPUModeCuda
	case "off", "cpu":
		return GPUModeOff
	default:
		return GPUModeAuto
	}
}

// GPUInfo contains information about the detected GPU.
type GPUInfo struct {
	Available  bool   `json:"available"`
	Type       string `json:"type"` // "cuda" or "none"
	DeviceName string `json:"device_name,omitempty"`
	DriverVer  string `json:"driver_version,omitempty"`
}

// EncoderOutput holds the output of an encoder forward pass.
type EncoderOutput struct {
	// HiddenStates are the encoder's hidden states, flattened row-major.
	HiddenStates []float32
	// Shape holds the tensor dimensions [batch, seq, hidden].
	Shape [3]int
	// AttentionMask is the mask the encoder ran with, one row per batch item.
	// Decoder steps re-use it as encoder_attention_mask.
	AttentionMask [][]int64
}

// SeqLen returns the encoder sequence length.
func (o *EncoderOutput) SeqLen() int {
	return o.Shape[1]
}

// HiddenSize returns the encoder hidden dimension.
func (o *EncoderOutput) HiddenSize() int {
	return o.Shape[2]
}

// DecoderConfig holds the decoder architecture parameters needed to size
// the KV cache and drive generation.
type DecoderConfig struct {
	// VocabSize is the size of the vocabulary.
	VocabSize int
	// EOSTokenID is the end-of-sequence token ID.
	EOSTokenID int32
	// BOSTokenID is the beginning-of-sequence token ID.
	BOSTokenID int32
	// PadTokenID is the padding token ID.
	PadTokenID int32
	// DecoderStartTokenID is the token ID to start decoding with.
	DecoderStartTokenID int32
	// NumLayers is the number of decoder layers.
	NumLayers int
	// NumHeads is the number of attention heads per layer.
	NumHeads int
	// NumKVHeads is the number of key/value heads (grouped-query attention).
	// Zero means same as NumHeads.
	NumKVHeads int
	// HeadDim is the dimension of each attention head.
	HeadDim int
}

// KVHeads returns the effective number of key/value heads.
func (c *DecoderConfig) KVHeads() int {
	if c.NumKVHeads > 0 {
		return c.NumKVHeads
	}
	return c.NumHeads
}

// Validate checks that the fields required for cache sizing are present.
func (c *DecoderConfig) Validate() error {
	if c.NumLayers <= 0 {
		return fmt.Errorf("decoder config: num_layers must be positive, got %d", c.NumLayers)
	}
	if c.NumHeads <= 0 {
		return fmt.Errorf("decoder config: num_heads must be positive, got %d", c.NumHeads)
	}
	if c.HeadDim <= 0 {
		return fmt.Errorf("decoder config: head_dim must be positive, got %d", c.HeadDim)
	}
	return nil
}

// GenerationConfig holds parameters for text generation.
type GenerationConfig struct {
	// MaxNewTokens is the maximum number of tokens to generate.
	MaxNewTokens int
	// MinNewTokens is the minimum number of tokens to generate before EOS
	// is allowed to terminate the sequence.
	MinNewTokens int
	// DoSample enables sampling (vs greedy decoding).
	DoSample bool
	// Temperature for sampling (higher = more random). Must be > 0 when
	// sampling is enabled.
	Temperature float32
	// TopK limits sampling to the K highest-probability tokens (0 = off).
	TopK int
	// TopP (nucleus sampling) limits to the smallest token set whose
	// cumulative probability reaches TopP (1.0 = off).
	TopP float32
	// RepetitionPenalty penalizes tokens that already appear in the output
	// (1.0 = off).
	RepetitionPenalty float32
	// BadWords lists token sequences that must never appear in the output.
	BadWords [][]int32
	// Seed fixes the sampling RNG when non-zero; zero seeds from the clock.
	Seed int64
}

// DefaultGenerationConfig returns sensible defaults for generation.
func DefaultGenerationConfig() *GenerationConfig {
	return &GenerationConfig{
		MaxNewTokens:      256,
		MinNewTokens:      0,
		DoSample:          false, // greedy by default
		Temperature:       1.0,
		TopK:              50,
		TopP:              1.0,
		RepetitionPenalty: 1.0,
	}
}
