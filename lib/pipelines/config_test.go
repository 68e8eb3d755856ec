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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeModelDir creates a model directory with the given config.json content
// and empty ONNX files.
func writeModelDir(t *testing.T, config string, onnxFiles ...string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(config), 0o644))
	for _, name := range onnxFiles {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte{}, 0o644))
	}
	return dir
}

func TestLoadModelConfigT5(t *testing.T) {
	dir := writeModelDir(t, `{
		"model_type": "t5",
		"is_encoder_decoder": true,
		"vocab_size": 32128,
		"eos_token_id": 1,
		"pad_token_id": 0,
		"decoder_start_token_id": 0,
		"num_layers": 6,
		"num_heads": 8,
		"d_model": 512,
		"d_kv": 64
	}`, "encoder_model.onnx", "decoder_model_merged.onnx")

	cfg, err := LoadModelConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "t5", cfg.ModelType)
	assert.True(t, cfg.EncoderDecoder)
	assert.NotEmpty(t, cfg.EncoderPath)
	assert.Equal(t, filepath.Join(dir, "decoder_model_merged.onnx"), cfg.DecoderPath)
	assert.Empty(t, cfg.DecoderInitPath)

	require.NotNil(t, cfg.Decoder)
	assert.Equal(t, 32128, cfg.Decoder.VocabSize)
	assert.Equal(t, int32(1), cfg.Decoder.EOSTokenID)
	assert.Equal(t, int32(0), cfg.Decoder.PadTokenID)
	assert.Equal(t, int32(0), cfg.Decoder.DecoderStartTokenID)
	assert.Equal(t, 6, cfg.Decoder.NumLayers)
	assert.Equal(t, 8, cfg.Decoder.NumHeads)
	// T5 carries its head dimension as d_kv, not d_model/num_heads.
	assert.Equal(t, 64, cfg.Decoder.HeadDim)
	assert.Equal(t, 512, cfg.HiddenSize)
}

func TestLoadModelConfigT5DecoderStartFallsBackToPad(t *testing.T) {
	dir := writeModelDir(t, `{
		"model_type": "t5",
		"vocab_size": 32128,
		"eos_token_id": 1,
		"pad_token_id": 3,
		"num_layers": 2,
		"num_heads": 4,
		"d_model": 64,
		"d_kv": 16
	}`, "encoder_model.onnx", "decoder_model.onnx")

	cfg, err := LoadModelConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, int32(3), cfg.Decoder.DecoderStartTokenID)
}

func TestLoadModelConfigBartDecoderStartFallsBackToBOS(t *testing.T) {
	dir := writeModelDir(t, `{
		"model_type": "bart",
		"is_encoder_decoder": true,
		"vocab_size": 50265,
		"eos_token_id": 2,
		"bos_token_id": 0,
		"pad_token_id": 1,
		"decoder_layers": 6,
		"decoder_attention_heads": 12,
		"d_model": 768
	}`, "encoder_model.onnx", "decoder_model.onnx")

	cfg, err := LoadModelConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, int32(0), cfg.Decoder.DecoderStartTokenID)
	assert.Equal(t, 6, cfg.Decoder.NumLayers)
	assert.Equal(t, 12, cfg.Decoder.NumHeads)
	assert.Equal(t, 768/12, cfg.Decoder.HeadDim)
}

func TestLoadModelConfigEOSList(t *testing.T) {
	dir := writeModelDir(t, `{
		"model_type": "llama",
		"vocab_size": 128256,
		"eos_token_id": [128001, 128009],
		"num_hidden_layers": 16,
		"num_attention_heads": 32,
		"num_key_value_heads": 8,
		"hidden_size": 2048
	}`, "model.onnx")

	cfg, err := LoadModelConfig(dir)
	require.NoError(t, err)

	assert.False(t, cfg.EncoderDecoder)
	assert.Equal(t, int32(128001), cfg.Decoder.EOSTokenID)
	assert.Equal(t, 16, cfg.Decoder.NumLayers)
	assert.Equal(t, 32, cfg.Decoder.NumHeads)
	assert.Equal(t, 8, cfg.Decoder.NumKVHeads)
	assert.Equal(t, 8, cfg.Decoder.KVHeads())
	assert.Equal(t, 2048/32, cfg.Decoder.HeadDim)
}

func TestLoadModelConfigNullPadFallsBackToEOS(t *testing.T) {
	dir := writeModelDir(t, `{
		"model_type": "gpt2",
		"vocab_size": 50257,
		"eos_token_id": 50256,
		"pad_token_id": null,
		"num_hidden_layers": 12,
		"num_attention_heads": 12,
		"hidden_size": 768
	}`, "decoder_model.onnx")

	cfg, err := LoadModelConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, int32(50256), cfg.Decoder.PadTokenID)
}

func TestLoadModelConfigGenerationOverrides(t *testing.T) {
	dir := writeModelDir(t, `{
		"model_type": "t5",
		"vocab_size": 32128,
		"eos_token_id": 1,
		"pad_token_id": 0,
		"num_layers": 2,
		"num_heads": 4,
		"d_model": 64,
		"d_kv": 16,
		"max_position_embeddings": 512
	}`, "encoder_model.onnx", "decoder_model.onnx")

	genConfig := `{
		"max_length": 200,
		"max_new_tokens": 64,
		"eos_token_id": 2,
		"do_sample": true,
		"temperature": 0.7,
		"top_k": 40,
		"top_p": 0.9
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "generation_config.json"), []byte(genConfig), 0o644))

	cfg, err := LoadModelConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, int32(2), cfg.Decoder.EOSTokenID)
	assert.Equal(t, 200, cfg.MaxLength)
	assert.Equal(t, 64, cfg.Generation.MaxNewTokens)
	assert.True(t, cfg.Generation.DoSample)
	assert.InDelta(t, 0.7, float64(cfg.Generation.Temperature), 1e-6)
	assert.Equal(t, 40, cfg.Generation.TopK)
	assert.InDelta(t, 0.9, float64(cfg.Generation.TopP), 1e-6)
}

func TestLoadModelConfigDefaults(t *testing.T) {
	dir := writeModelDir(t, `{
		"model_type": "gpt2",
		"vocab_size": 50257,
		"eos_token_id": 50256,
		"num_hidden_layers": 12,
		"num_attention_heads": 12,
		"hidden_size": 768
	}`, "decoder_model.onnx")

	cfg, err := LoadModelConfig(dir)
	require.NoError(t, err)

	gen := cfg.Generation
	require.NotNil(t, gen)
	assert.Equal(t, 256, gen.MaxNewTokens)
	assert.False(t, gen.DoSample)
	assert.Equal(t, 50, gen.TopK)
	assert.InDelta(t, 1.0, float64(gen.TopP), 1e-6)
}

func TestLoadModelConfigNoDecoder(t *testing.T) {
	dir := writeModelDir(t, `{
		"model_type": "t5",
		"vocab_size": 100,
		"num_layers": 2,
		"num_heads": 4,
		"d_model": 64
	}`, "encoder_model.onnx")

	_, err := LoadModelConfig(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no decoder ONNX file")
}

func TestLoadModelConfigMissingConfigJSON(t *testing.T) {
	_, err := LoadModelConfig(t.TempDir())
	require.Error(t, err)
}

func TestLoadModelConfigDecoderInit(t *testing.T) {
	dir := writeModelDir(t, `{
		"model_type": "t5",
		"vocab_size": 100,
		"eos_token_id": 1,
		"pad_token_id": 0,
		"num_layers": 2,
		"num_heads": 4,
		"d_model": 64,
		"d_kv": 16
	}`, "encoder_model.onnx", "decoder.onnx", "decoder-init.onnx")

	cfg, err := LoadModelConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "decoder.onnx"), cfg.DecoderPath)
	assert.Equal(t, filepath.Join(dir, "decoder-init.onnx"), cfg.DecoderInitPath)
}

func TestIsEncoderDecoderModel(t *testing.T) {
	seq2seq := writeModelDir(t, `{"model_type": "t5", "num_layers": 2, "num_heads": 4, "d_model": 64}`,
		"encoder_model.onnx", "decoder_model.onnx")
	assert.True(t, IsEncoderDecoderModel(seq2seq))

	textgen := writeModelDir(t, `{"model_type": "gpt2", "num_hidden_layers": 2, "num_attention_heads": 4, "hidden_size": 64}`,
		"decoder_model.onnx")
	assert.False(t, IsEncoderDecoderModel(textgen))
	assert.True(t, IsTextGenModel(textgen))

	// An embedding-style export with only a model.onnx and no generative
	// config is neither.
	assert.False(t, IsEncoderDecoderModel(t.TempDir()))
}

func TestFindONNXFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "onnx"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "onnx", "decoder_model.onnx"), []byte{}, 0o644))

	// Files in the onnx/ subdirectory are found
	found := FindONNXFile(dir, DecoderONNXCandidates())
	assert.Equal(t, filepath.Join(dir, "onnx", "decoder_model.onnx"), found)

	// A file in the root wins over the subdirectory
	require.NoError(t, os.WriteFile(filepath.Join(dir, "decoder_model_merged.onnx"), []byte{}, 0o644))
	found = FindONNXFile(dir, DecoderONNXCandidates())
	assert.Equal(t, filepath.Join(dir, "decoder_model_merged.onnx"), found)

	assert.Empty(t, FindONNXFile(t.TempDir(), DecoderONNXCandidates()))
}

func TestFirstNonZero(t *testing.T) {
	assert.Equal(t, 3, FirstNonZero(0, 0, 3, 5))
	assert.Equal(t, 1, FirstNonZero(1))
	assert.Equal(t, 0, FirstNonZero(0, 0))
	assert.Equal(t, 0, FirstNonZero())
}

func TestIntConversions(t *testing.T) {
	assert.Equal(t, []int32{1, 2, 3}, IntToInt32([]int{1, 2, 3}))
	assert.Equal(t, []int{4, 5}, Int32ToInt([]int32{4, 5}))
	assert.Empty(t, IntToInt32(nil))
}
