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
	"fmt"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"

	"github.com/lyrebirdml/lyrebird/lib/backends"
)

// ============================================================================
// Configuration Types
// ============================================================================

// ModelConfig holds parsed configuration for a generative model directory.
// It is loaded from config.json with generation_config.json layered on top.
type ModelConfig struct {
	// Path to the model directory
	ModelPath string

	// Paths to ONNX files (empty if absent)
	EncoderPath     string // Encoder graph (encoder-decoder models only)
	DecoderPath     string // Main decoder (cached, merged, or uncached)
	DecoderInitPath string // Dedicated first-step decoder (optional)

	// ModelType is the HuggingFace model_type from config.json.
	ModelType string

	// EncoderDecoder is true for encoder-decoder architectures (T5, BART).
	EncoderDecoder bool

	// Decoder holds the architecture parameters for cache sizing and decoding.
	Decoder *backends.DecoderConfig

	// MaxLength is the model's maximum supported sequence length.
	MaxLength int

	// HiddenSize is the model hidden dimension.
	HiddenSize int

	// Generation holds defaults read from generation_config.json, with
	// library defaults filled in for missing fields.
	Generation *backends.GenerationConfig
}

// rawModelConfig represents the model's config.json structure.
// Field names vary across architectures, so aliases are listed side by side
// and resolved with FirstNonZero.
type rawModelConfig struct {
	ModelType        string `json:"model_type"`
	IsEncoderDecoder bool   `json:"is_encoder_decoder"`

	// Vocab and token IDs
	VocabSize           int    `json:"vocab_size"`
	EOSTokenID          any    `json:"eos_token_id"` // Can be int or []int
	BOSTokenID          int32  `json:"bos_token_id"`
	PadTokenID          any    `json:"pad_token_id"` // Can be int or null
	DecoderStartTokenID *int32 `json:"decoder_start_token_id"`

	// Architecture - different names across models
	DecoderLayers         int `json:"decoder_layers"`
	NumDecoderLayers      int `json:"num_decoder_layers"`
	NumLayers             int `json:"num_layers"`
	NumHiddenLayers       int `json:"num_hidden_layers"`
	DecoderAttentionHeads int `json:"decoder_attention_heads"`
	NumAttentionHeads     int `json:"num_attention_heads"`
	NumHeads              int `json:"num_heads"`
	NumKeyValueHeads      int `json:"num_key_value_heads"` // Grouped-query attention
	DModel                int `json:"d_model"`
	HiddenSize            int `json:"hidden_size"`
	DKV                   int `json:"d_kv"`     // T5-specific key/value head dimension
	HeadDim               int `json:"head_dim"` // Explicit head dimension (some decoder-only models)

	// Sequence length
	MaxPositionEmbeddings int `json:"max_position_embeddings"`
	MaxLength             int `json:"max_length"`
}

// rawGenerationConfig represents generation_config.json.
type rawGenerationConfig struct {
	MaxLength           int     `json:"max_length"`
	MaxNewTokens        int     `json:"max_new_tokens"`
	MinNewTokens        int     `json:"min_new_tokens"`
	EOSTokenID          any     `json:"eos_token_id"`
	BOSTokenID          int32   `json:"bos_token_id"`
	PadTokenID          any     `json:"pad_token_id"`
	DecoderStartTokenID int32   `json:"decoder_start_token_id"`
	DoSample            bool    `json:"do_sample"`
	Temperature         float32 `json:"temperature"`
	TopK                int     `json:"top_k"`
	TopP                float32 `json:"top_p"`
	RepetitionPenalty   float32 `json:"repetition_penalty"`
}

// ============================================================================
// Artifact Discovery
// ============================================================================

// EncoderONNXCandidates lists encoder graph filenames in preference order.
func EncoderONNXCandidates() []string {
	return []string{
		"encoder_model.onnx",
		"encoder.onnx",
	}
}

// DecoderONNXCandidates lists decoder graph filenames in preference order.
// Merged decoders that handle both the first and subsequent steps come first.
func DecoderONNXCandidates() []string {
	return []string{
		"decoder_model_merged.onnx", // Preferred: merged decoder with KV-cache branch
		"decoder_with_past_model.onnx",
		"decoder_model.onnx",
		"decoder.onnx",
		"model.onnx", // Decoder-only exports often use a single model.onnx
	}
}

// DecoderInitONNXCandidates lists first-step decoder filenames. These graphs
// take no cache inputs and are paired with a cached continuation decoder.
func DecoderInitONNXCandidates() []string {
	return []string{
		"decoder-init.onnx",
		"decoder_init.onnx",
	}
}

// encoderDecoderTypes are HuggingFace model types with a separate encoder.
var encoderDecoderTypes = map[string]bool{
	"t5":              true,
	"mt5":             true,
	"longt5":          true,
	"bart":            true,
	"mbart":           true,
	"pegasus":         true,
	"led":             true,
	"bigbird_pegasus": true,
	"marian":          true,
}

// IsEncoderDecoderModel checks whether a model directory contains an
// encoder-decoder generative model (separate encoder and decoder graphs).
func IsEncoderDecoderModel(path string) bool {
	encoderPath := FindONNXFile(path, EncoderONNXCandidates())
	decoderPath := FindONNXFile(path, DecoderONNXCandidates())
	if encoderPath == "" || decoderPath == "" {
		return false
	}

	rawConfig, err := loadRawModelConfig(path)
	if err != nil {
		return false
	}
	return rawConfig.IsEncoderDecoder || encoderDecoderTypes[rawConfig.ModelType]
}

// ============================================================================
// Configuration Loading
// ============================================================================

// LoadModelConfig loads and parses configuration for a generative model.
func LoadModelConfig(modelPath string) (*ModelConfig, error) {
	rawConfig, err := loadRawModelConfig(modelPath)
	if err != nil {
		return nil, fmt.Errorf("loading model config: %w", err)
	}

	// generation_config.json is optional and layered on top of config.json
	genConfig := loadRawGenerationConfig(modelPath)

	encoderDecoder := rawConfig.IsEncoderDecoder || encoderDecoderTypes[rawConfig.ModelType]

	cfg := &ModelConfig{
		ModelPath:       modelPath,
		ModelType:       rawConfig.ModelType,
		EncoderDecoder:  encoderDecoder,
		DecoderPath:     FindONNXFile(modelPath, DecoderONNXCandidates()),
		DecoderInitPath: FindONNXFile(modelPath, DecoderInitONNXCandidates()),
		Decoder:         buildDecoderConfig(rawConfig, genConfig),
		MaxLength:       resolveMaxLength(rawConfig, genConfig),
		HiddenSize:      FirstNonZero(rawConfig.DModel, rawConfig.HiddenSize, 768),
		Generation:      buildGenerationDefaults(genConfig),
	}
	if encoderDecoder {
		cfg.EncoderPath = FindONNXFile(modelPath, EncoderONNXCandidates())
	}

	if cfg.DecoderPath == "" && cfg.DecoderInitPath == "" {
		return nil, fmt.Errorf("no decoder ONNX file found in %s", modelPath)
	}
	if err := cfg.Decoder.Validate(); err != nil {
		return nil, fmt.Errorf("invalid decoder config in %s: %w", modelPath, err)
	}

	return cfg, nil
}

// loadRawModelConfig loads the model configuration from config.json.
func loadRawModelConfig(path string) (*rawModelConfig, error) {
	configPath := filepath.Join(path, "config.json")
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config.json: %w", err)
	}

	var config rawModelConfig
	if err := sonic.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config.json: %w", err)
	}

	return &config, nil
}

// loadRawGenerationConfig loads generation_config.json if it exists.
func loadRawGenerationConfig(path string) *rawGenerationConfig {
	configPath := filepath.Join(path, "generation_config.json")
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil
	}

	var config rawGenerationConfig
	if err := sonic.Unmarshal(data, &config); err != nil {
		return nil
	}

	return &config
}

// parseTokenID handles token ID fields that can be an int or a list of ints.
// When a list is given the first entry is used. Returns false when absent.
func parseTokenID(v any) (int32, bool) {
	switch t := v.(type) {
	case float64:
		return int32(t), true
	case []interface{}:
		if len(t) > 0 {
			if f, ok := t[0].(float64); ok {
				return int32(f), true
			}
		}
	}
	return 0, false
}

// buildDecoderConfig creates a DecoderConfig from the raw configs.
func buildDecoderConfig(cfg *rawModelConfig, genCfg *rawGenerationConfig) *backends.DecoderConfig {
	eosTokenID, _ := parseTokenID(cfg.EOSTokenID)
	if genCfg != nil {
		if id, ok := parseTokenID(genCfg.EOSTokenID); ok {
			eosTokenID = id
		}
	}

	// pad_token_id can be null; fall back to the EOS token
	padTokenID, ok := parseTokenID(cfg.PadTokenID)
	if !ok {
		padTokenID = eosTokenID
	}

	// Decoder start token. The pointer distinguishes "not set" from
	// "explicitly set to 0".
	var decoderStartTokenID int32
	if cfg.DecoderStartTokenID != nil {
		decoderStartTokenID = *cfg.DecoderStartTokenID
	} else {
		// T5 starts decoding from pad_token_id, BART from bos_token_id.
		switch cfg.ModelType {
		case "t5", "mt5", "longt5":
			decoderStartTokenID = padTokenID
		default:
			decoderStartTokenID = cfg.BOSTokenID
		}
	}
	if genCfg != nil && genCfg.DecoderStartTokenID != 0 {
		decoderStartTokenID = genCfg.DecoderStartTokenID
	}

	numHeads := FirstNonZero(
		cfg.DecoderAttentionHeads, cfg.NumAttentionHeads, cfg.NumHeads, 8)
	hiddenSize := FirstNonZero(cfg.DModel, cfg.HiddenSize, 768)

	// Head dimension: T5 models carry d_kv explicitly, some decoder-only
	// exports carry head_dim, the rest compute it from hidden_size/num_heads.
	headDim := FirstNonZero(cfg.DKV, cfg.HeadDim)
	if headDim == 0 {
		headDim = hiddenSize / numHeads
	}

	return &backends.DecoderConfig{
		VocabSize:           cfg.VocabSize,
		EOSTokenID:          eosTokenID,
		BOSTokenID:          cfg.BOSTokenID,
		PadTokenID:          padTokenID,
		DecoderStartTokenID: decoderStartTokenID,
		NumLayers: FirstNonZero(
			cfg.DecoderLayers, cfg.NumDecoderLayers, cfg.NumLayers, cfg.NumHiddenLayers, 6),
		NumHeads:   numHeads,
		NumKVHeads: cfg.NumKeyValueHeads,
		HeadDim:    headDim,
	}
}

// resolveMaxLength picks the model's maximum sequence length.
func resolveMaxLength(cfg *rawModelConfig, genCfg *rawGenerationConfig) int {
	maxLength := FirstNonZero(cfg.MaxLength, cfg.MaxPositionEmbeddings, 512)
	if genCfg != nil && genCfg.MaxLength > 0 {
		maxLength = genCfg.MaxLength
	}
	return maxLength
}

// buildGenerationDefaults merges generation_config.json over library defaults.
func buildGenerationDefaults(genCfg *rawGenerationConfig) *backends.GenerationConfig {
	gen := backends.DefaultGenerationConfig()
	if genCfg == nil {
		return gen
	}
	if genCfg.MaxNewTokens > 0 {
		gen.MaxNewTokens = genCfg.MaxNewTokens
	}
	if genCfg.MinNewTokens > 0 {
		gen.MinNewTokens = genCfg.MinNewTokens
	}
	gen.DoSample = genCfg.DoSample
	if genCfg.Temperature > 0 {
		gen.Temperature = genCfg.Temperature
	}
	if genCfg.TopK > 0 {
		gen.TopK = genCfg.TopK
	}
	if genCfg.TopP > 0 {
		gen.TopP = genCfg.TopP
	}
	if genCfg.RepetitionPenalty > 0 {
		gen.RepetitionPenalty = genCfg.RepetitionPenalty
	}
	return gen
}
