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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// writeTestModel creates a fake model directory under modelsDir.
func writeTestModel(t *testing.T, modelsDir, name, config string, onnxFiles ...string) {
	t.Helper()
	dir := filepath.Join(modelsDir, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(config), 0o644))
	for _, file := range onnxFiles {
		require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte{}, 0o644))
	}
}

const seq2seqConfigJSON = `{
	"model_type": "t5",
	"is_encoder_decoder": true,
	"vocab_size": 100,
	"eos_token_id": 1,
	"pad_token_id": 0,
	"num_layers": 2,
	"num_heads": 4,
	"d_model": 64,
	"d_kv": 16
}`

const textgenConfigJSON = `{
	"model_type": "gpt2",
	"vocab_size": 100,
	"eos_token_id": 50,
	"num_hidden_layers": 2,
	"num_attention_heads": 4,
	"hidden_size": 64
}`

func TestRegistryDiscovery(t *testing.T) {
	modelsDir := t.TempDir()
	writeTestModel(t, modelsDir, "flan-t5-small", seq2seqConfigJSON,
		"encoder_model.onnx", "decoder_model_merged.onnx")
	writeTestModel(t, modelsDir, "gpt2", textgenConfigJSON, "decoder_model.onnx")

	// Neither a README nor a non-generative model directory counts
	require.NoError(t, os.WriteFile(filepath.Join(modelsDir, "README.md"), []byte("#"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(modelsDir, "empty-dir"), 0o755))

	registry, err := NewLazyGeneratorRegistry(
		LazyGeneratorConfig{ModelsDir: modelsDir},
		nil,
		zaptest.NewLogger(t),
	)
	require.NoError(t, err)
	defer registry.Close()

	names := registry.List()
	assert.ElementsMatch(t, []string{"flan-t5-small", "gpt2"}, names)

	assert.False(t, registry.IsLoaded("flan-t5-small"))
	assert.False(t, registry.IsPinned("gpt2"))
	assert.Empty(t, registry.ListLoaded())

	stats := registry.Stats()
	assert.Equal(t, 2, stats["discovered"])
	assert.Equal(t, 0, stats["cached"])
}

func TestRegistryMissingModelsDir(t *testing.T) {
	registry, err := NewLazyGeneratorRegistry(
		LazyGeneratorConfig{ModelsDir: filepath.Join(t.TempDir(), "does-not-exist")},
		nil,
		zaptest.NewLogger(t),
	)
	require.NoError(t, err)
	defer registry.Close()

	assert.Empty(t, registry.List())
}

func TestRegistryGetUnknownModel(t *testing.T) {
	registry, err := NewLazyGeneratorRegistry(
		LazyGeneratorConfig{ModelsDir: t.TempDir()},
		nil,
		zaptest.NewLogger(t),
	)
	require.NoError(t, err)
	defer registry.Close()

	_, err = registry.Get("nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRegistryUnloadUnknownIsNoop(t *testing.T) {
	registry, err := NewLazyGeneratorRegistry(
		LazyGeneratorConfig{ModelsDir: t.TempDir()},
		nil,
		zaptest.NewLogger(t),
	)
	require.NoError(t, err)
	defer registry.Close()

	registry.Unload("nope")
}
