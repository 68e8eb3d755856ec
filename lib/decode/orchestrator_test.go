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

package decode

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lyrebirdml/lyrebird/lib/backends"
)

const testVocab = 16

// fakeSession scripts a decoder graph. runFn receives the zero-based call
// index and the step inputs.
type fakeSession struct {
	inputs []backends.TensorInfo
	runFn  func(call int, inputs []backends.NamedTensor) ([]backends.NamedTensor, error)

	calls  int
	closed bool
}

func (s *fakeSession) Run(inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
	out, err := s.runFn(s.calls, inputs)
	s.calls++
	return out, err
}

func (s *fakeSession) InputInfo() []backends.TensorInfo  { return s.inputs }
func (s *fakeSession) OutputInfo() []backends.TensorInfo { return nil }
func (s *fakeSession) Close() error                      { s.closed = true; return nil }

func tensorInfos(names ...string) []backends.TensorInfo {
	infos := make([]backends.TensorInfo, len(names))
	for i, name := range names {
		infos[i] = backends.TensorInfo{Name: name, DataType: backends.DataTypeInt64}
	}
	return infos
}

func testConfig() *backends.DecoderConfig {
	return &backends.DecoderConfig{
		VocabSize:  testVocab,
		EOSTokenID: 1,
		NumLayers:  1,
		NumHeads:   2,
		HeadDim:    4,
	}
}

// logitsFavoring builds a [1, seqLen, vocab] logits tensor whose last
// position puts all the weight on token.
func logitsFavoring(seqLen int, token int32) backends.NamedTensor {
	data := make([]float32, seqLen*testVocab)
	data[(seqLen-1)*testVocab+int(token)] = 10
	return backends.NamedTensor{
		Name:  "logits",
		Shape: []int64{1, int64(seqLen), testVocab},
		Data:  data,
	}
}

// logitsRanked puts descending weight on the given tokens, first highest.
func logitsRanked(seqLen int, tokens ...int32) backends.NamedTensor {
	data := make([]float32, seqLen*testVocab)
	for i, tok := range tokens {
		data[(seqLen-1)*testVocab+int(tok)] = float32(10 - i)
	}
	return backends.NamedTensor{
		Name:  "logits",
		Shape: []int64{1, int64(seqLen), testVocab},
		Data:  data,
	}
}

func presentTensor(name string, seqLen int, cfg *backends.DecoderConfig) backends.NamedTensor {
	size := cfg.KVHeads() * seqLen * cfg.HeadDim
	return backends.NamedTensor{
		Name:  name,
		Shape: []int64{1, int64(cfg.KVHeads()), int64(seqLen), int64(cfg.HeadDim)},
		Data:  make([]float32, size),
	}
}

func inputByName(inputs []backends.NamedTensor, name string) (backends.NamedTensor, bool) {
	for _, in := range inputs {
		if in.Name == name {
			return in, true
		}
	}
	return backends.NamedTensor{}, false
}

func inputSeqLen(t *testing.T, inputs []backends.NamedTensor, name string) int {
	t.Helper()
	tensor, ok := inputByName(inputs, name)
	require.True(t, ok, "missing input %s", name)
	require.Len(t, tensor.Shape, 2)
	return int(tensor.Shape[1])
}

func greedyConfig(maxNew int) *backends.GenerationConfig {
	cfg := backends.DefaultGenerationConfig()
	cfg.MaxNewTokens = maxNew
	return cfg
}

func TestGenerateStopsAtEOS(t *testing.T) {
	// Single-graph decoder: every step re-feeds the full prefix. The engine
	// produces 7 for the 3-token prompt, then EOS.
	session := &fakeSession{
		inputs: tensorInfos("input_ids", "attention_mask"),
		runFn: func(call int, inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
			seqLen := 0
			if ids, ok := inputByName(inputs, "input_ids"); ok {
				seqLen = int(ids.Shape[1])
			}
			switch call {
			case 0:
				require.Equal(t, 3, seqLen)
				return []backends.NamedTensor{logitsFavoring(seqLen, 7)}, nil
			default:
				require.Equal(t, 4, seqLen)
				return []backends.NamedTensor{logitsFavoring(seqLen, 1)}, nil
			}
		},
	}

	o, err := NewOrchestrator(session, nil, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, StrategySingleGraph, o.Strategy())

	result, err := o.Generate(context.Background(), &Request{
		StartTokens: []int32{5, 9, 2},
		Config:      greedyConfig(3),
	})
	require.NoError(t, err)

	assert.Equal(t, []int32{7}, result.TokenIDs)
	assert.True(t, result.StoppedAtEOS)
	assert.Equal(t, 2, result.Steps)
	assert.GreaterOrEqual(t, result.Duration, result.TimeToFirstToken)
}

func TestGenerateHitsMaxNewTokens(t *testing.T) {
	session := &fakeSession{
		inputs: tensorInfos("input_ids"),
		runFn: func(call int, inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
			seqLen := inputSeqLen(t, inputs, "input_ids")
			return []backends.NamedTensor{logitsFavoring(seqLen, 4)}, nil
		},
	}

	o, err := NewOrchestrator(session, nil, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	result, err := o.Generate(context.Background(), &Request{
		StartTokens: []int32{2},
		Config:      greedyConfig(3),
	})
	require.NoError(t, err)

	assert.Equal(t, []int32{4, 4, 4}, result.TokenIDs)
	assert.False(t, result.StoppedAtEOS)
	assert.Equal(t, 3, result.Steps)
}

func TestGenerateMinNewTokensDelaysEOS(t *testing.T) {
	// The engine wants EOS immediately; the minimum keeps it suppressed for
	// the first two tokens.
	session := &fakeSession{
		inputs: tensorInfos("input_ids"),
		runFn: func(call int, inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
			seqLen := inputSeqLen(t, inputs, "input_ids")
			return []backends.NamedTensor{logitsRanked(seqLen, 1, 7)}, nil
		},
	}

	o, err := NewOrchestrator(session, nil, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	cfg := greedyConfig(4)
	cfg.MinNewTokens = 2

	result, err := o.Generate(context.Background(), &Request{
		StartTokens: []int32{5},
		Config:      cfg,
	})
	require.NoError(t, err)

	assert.Equal(t, []int32{7, 7}, result.TokenIDs)
	assert.True(t, result.StoppedAtEOS)
	assert.Equal(t, 3, result.Steps)
}

func TestGenerateMergedGraphCacheFlag(t *testing.T) {
	cfg := testConfig()
	var flags []bool
	var seqLens []int

	session := &fakeSession{
		inputs: append(
			tensorInfos("input_ids", "attention_mask", "position_ids",
				"past_key_values.0.key", "past_key_values.0.value"),
			backends.TensorInfo{Name: "use_cache_branch", DataType: backends.DataTypeBool},
		),
		runFn: func(call int, inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
			seqLen := inputSeqLen(t, inputs, "input_ids")
			seqLens = append(seqLens, seqLen)

			flag, ok := inputByName(inputs, "use_cache_branch")
			require.True(t, ok)
			flags = append(flags, flag.Data.([]bool)[0])

			pastKey, ok := inputByName(inputs, "past_key_values.0.key")
			require.True(t, ok)
			if call == 0 {
				// Flagged graphs take genuinely empty past tensors.
				assert.Equal(t, int64(0), pastKey.Shape[2])
			} else {
				assert.Greater(t, pastKey.Shape[2], int64(0))
			}

			mask, ok := inputByName(inputs, "attention_mask")
			require.True(t, ok)
			if call > 0 {
				// Cached steps attend over past plus the new token.
				assert.Equal(t, pastKey.Shape[2]+1, mask.Shape[1])
			}

			totalSeq := int(pastKey.Shape[2]) + seqLen
			outputs := []backends.NamedTensor{
				presentTensor("present.0.key", totalSeq, cfg),
				presentTensor("present.0.value", totalSeq, cfg),
			}
			token := int32(4)
			if call == 2 {
				token = 1
			}
			return append([]backends.NamedTensor{logitsFavoring(seqLen, token)}, outputs...), nil
		},
	}

	o, err := NewOrchestrator(session, nil, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, StrategyMergedGraph, o.Strategy())

	result, err := o.Generate(context.Background(), &Request{
		StartTokens: []int32{5, 9},
		Config:      greedyConfig(5),
	})
	require.NoError(t, err)

	assert.Equal(t, []int32{4, 4}, result.TokenIDs)
	assert.True(t, result.StoppedAtEOS)
	// First step feeds the full prompt without the cache branch; later steps
	// feed one token with it.
	assert.Equal(t, []bool{false, true, true}, flags)
	assert.Equal(t, []int{2, 1, 1}, seqLens)
}

func TestGenerateMergedGraphPlaceholderCache(t *testing.T) {
	cfg := testConfig()
	var firstPastSeq int64
	firstPastZero := true

	session := &fakeSession{
		inputs: tensorInfos("input_ids", "attention_mask",
			"past_key_values.0.key", "past_key_values.0.value"),
		runFn: func(call int, inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
			seqLen := inputSeqLen(t, inputs, "input_ids")
			pastKey, ok := inputByName(inputs, "past_key_values.0.key")
			require.True(t, ok)

			if call == 0 {
				firstPastSeq = pastKey.Shape[2]
				for _, v := range pastKey.Data.([]float32) {
					if v != 0 {
						firstPastZero = false
					}
				}
			}

			totalSeq := seqLen
			if call > 0 {
				totalSeq = int(pastKey.Shape[2]) + seqLen
			}
			outputs := []backends.NamedTensor{
				presentTensor("present.0.key", totalSeq, cfg),
				presentTensor("present.0.value", totalSeq, cfg),
			}
			token := int32(6)
			if call == 1 {
				token = 1
			}
			return append([]backends.NamedTensor{logitsFavoring(seqLen, token)}, outputs...), nil
		},
	}

	o, err := NewOrchestrator(session, nil, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, StrategyMergedGraph, o.Strategy())

	result, err := o.Generate(context.Background(), &Request{
		StartTokens: []int32{3, 8},
		Config:      greedyConfig(4),
	})
	require.NoError(t, err)

	assert.Equal(t, []int32{6}, result.TokenIDs)
	// Without a cache flag the first step runs against zero-filled
	// seq-len-1 placeholders.
	assert.Equal(t, int64(1), firstPastSeq)
	assert.True(t, firstPastZero)
}

func TestGenerateDualGraph(t *testing.T) {
	cfg := testConfig()
	encOut := &backends.EncoderOutput{
		HiddenStates:  make([]float32, 1*2*8),
		Shape:         [3]int{1, 2, 8},
		AttentionMask: [][]int64{{1, 1}},
	}

	firstStep := &fakeSession{
		inputs: tensorInfos("input_ids", "encoder_hidden_states", "encoder_attention_mask"),
		runFn: func(call int, inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
			_, ok := inputByName(inputs, "encoder_hidden_states")
			require.True(t, ok)
			seqLen := inputSeqLen(t, inputs, "input_ids")
			return []backends.NamedTensor{
				logitsFavoring(seqLen, 3),
				presentTensor("present.0.decoder.key", seqLen, cfg),
				presentTensor("present.0.decoder.value", seqLen, cfg),
				presentTensor("present.0.encoder.key", 2, cfg),
				presentTensor("present.0.encoder.value", 2, cfg),
			}, nil
		},
	}

	decoder := &fakeSession{
		inputs: tensorInfos("input_ids", "encoder_attention_mask",
			"past_key_values.0.decoder.key", "past_key_values.0.decoder.value",
			"past_key_values.0.encoder.key", "past_key_values.0.encoder.value"),
		runFn: func(call int, inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
			ids, ok := inputByName(inputs, "input_ids")
			require.True(t, ok)
			// Cached steps feed only the newest token.
			assert.Equal(t, []int64{3}, ids.Data.([]int64))

			crossKey, ok := inputByName(inputs, "past_key_values.0.encoder.key")
			require.True(t, ok)
			assert.Equal(t, int64(2), crossKey.Shape[2])

			selfKey, ok := inputByName(inputs, "past_key_values.0.decoder.key")
			require.True(t, ok)
			assert.Equal(t, int64(1), selfKey.Shape[2])

			return []backends.NamedTensor{
				logitsFavoring(1, 1),
				presentTensor("present.0.decoder.key", 2, cfg),
				presentTensor("present.0.decoder.value", 2, cfg),
				presentTensor("present.0.encoder.key", 2, cfg),
				presentTensor("present.0.encoder.value", 2, cfg),
			}, nil
		},
	}

	o, err := NewOrchestrator(decoder, firstStep, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, StrategyDualGraph, o.Strategy())

	result, err := o.Generate(context.Background(), &Request{
		StartTokens:   []int32{0},
		EncoderOutput: encOut,
		Config:        greedyConfig(5),
	})
	require.NoError(t, err)

	assert.Equal(t, []int32{3}, result.TokenIDs)
	assert.True(t, result.StoppedAtEOS)
	assert.Equal(t, 1, firstStep.calls)
	assert.Equal(t, 1, decoder.calls)
}

func TestGenerateEngineError(t *testing.T) {
	boom := errors.New("boom")
	session := &fakeSession{
		inputs: tensorInfos("input_ids"),
		runFn: func(call int, inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
			return nil, boom
		},
	}

	o, err := NewOrchestrator(session, nil, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = o.Generate(context.Background(), &Request{
		StartTokens: []int32{2},
		Config:      greedyConfig(3),
	})
	require.Error(t, err)

	var engineErr *EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, "decoder", engineErr.Op)
	assert.ErrorIs(t, err, boom)
}

func TestGenerateContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	session := &fakeSession{
		inputs: tensorInfos("input_ids"),
		runFn: func(call int, inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
			if call == 1 {
				cancel()
			}
			seqLen := inputSeqLen(t, inputs, "input_ids")
			return []backends.NamedTensor{logitsFavoring(seqLen, 7)}, nil
		},
	}

	o, err := NewOrchestrator(session, nil, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	result, err := o.Generate(ctx, &Request{
		StartTokens: []int32{2},
		Config:      greedyConfig(10),
	})
	require.ErrorIs(t, err, context.Canceled)

	// Tokens accepted before cancellation are preserved.
	require.NotNil(t, result)
	assert.Equal(t, []int32{7, 7}, result.TokenIDs)
	assert.False(t, result.StoppedAtEOS)
}

func TestGenerateConfigErrors(t *testing.T) {
	session := &fakeSession{
		inputs: tensorInfos("input_ids"),
		runFn: func(call int, inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
			return nil, fmt.Errorf("should not run")
		},
	}

	_, err := NewOrchestrator(nil, nil, testConfig(), zaptest.NewLogger(t))
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)

	o, err := NewOrchestrator(session, nil, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = o.Generate(context.Background(), &Request{Config: greedyConfig(3)})
	require.ErrorAs(t, err, &cfgErr)

	_, err = o.Generate(context.Background(), &Request{
		StartTokens: []int32{2},
		Config:      &backends.GenerationConfig{MaxNewTokens: 0},
	})
	require.ErrorAs(t, err, &cfgErr)

	badMin := greedyConfig(2)
	badMin.MinNewTokens = 5
	_, err = o.Generate(context.Background(), &Request{
		StartTokens: []int32{2},
		Config:      badMin,
	})
	require.ErrorAs(t, err, &cfgErr)

	_, err = o.GenerateStream(context.Background(), &Request{
		StartTokens: []int32{2},
		Config:      greedyConfig(2),
	}, nil)
	require.ErrorAs(t, err, &cfgErr)
}

func TestGenerateStreamCallbacks(t *testing.T) {
	// 7, 8, then EOS.
	script := []int32{7, 8, 1}
	session := &fakeSession{
		inputs: tensorInfos("input_ids"),
		runFn: func(call int, inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
			seqLen := inputSeqLen(t, inputs, "input_ids")
			return []backends.NamedTensor{logitsFavoring(seqLen, script[call])}, nil
		},
	}

	o, err := NewOrchestrator(session, nil, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	type emission struct {
		token    int32
		position int
		isLast   bool
	}
	var emissions []emission

	result, err := o.GenerateStream(context.Background(), &Request{
		StartTokens: []int32{2},
		Config:      greedyConfig(5),
	}, func(tokenID int32, position int, isLast bool) error {
		emissions = append(emissions, emission{tokenID, position, isLast})
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []int32{7, 8}, result.TokenIDs)
	assert.True(t, result.StoppedAtEOS)
	assert.Equal(t, []emission{
		{7, 0, false},
		{8, 1, true},
	}, emissions)
}

func TestGenerateStreamLastTokenAtMax(t *testing.T) {
	session := &fakeSession{
		inputs: tensorInfos("input_ids"),
		runFn: func(call int, inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
			seqLen := inputSeqLen(t, inputs, "input_ids")
			return []backends.NamedTensor{logitsFavoring(seqLen, 7)}, nil
		},
	}

	o, err := NewOrchestrator(session, nil, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	var lastFlags []bool
	result, err := o.GenerateStream(context.Background(), &Request{
		StartTokens: []int32{2},
		Config:      greedyConfig(2),
	}, func(tokenID int32, position int, isLast bool) error {
		lastFlags = append(lastFlags, isLast)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []int32{7, 7}, result.TokenIDs)
	// The final token is flagged even when the limit, not EOS, ends the run.
	assert.Equal(t, []bool{false, true}, lastFlags)
}

func TestGenerateStreamCallbackError(t *testing.T) {
	session := &fakeSession{
		inputs: tensorInfos("input_ids"),
		runFn: func(call int, inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
			seqLen := inputSeqLen(t, inputs, "input_ids")
			return []backends.NamedTensor{logitsFavoring(seqLen, 7)}, nil
		},
	}

	o, err := NewOrchestrator(session, nil, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	consumerGone := errors.New("consumer gone")
	_, err = o.GenerateStream(context.Background(), &Request{
		StartTokens: []int32{2},
		Config:      greedyConfig(5),
	}, func(tokenID int32, position int, isLast bool) error {
		return consumerGone
	})
	require.Error(t, err)

	var cbErr *CallbackError
	require.ErrorAs(t, err, &cbErr)
	assert.Equal(t, 0, cbErr.Position)
	assert.ErrorIs(t, err, consumerGone)
}

func TestLastPositionLogits(t *testing.T) {
	// [1, 2, 4]: the second position wins.
	data := []float32{0, 0, 0, 0, 1, 2, 3, 4}
	logits, err := lastPositionLogits(backends.NamedTensor{
		Name:  "logits",
		Shape: []int64{1, 2, 4},
		Data:  data,
	}, 2)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, logits)

	// [1, 4]: already a single row.
	logits, err = lastPositionLogits(backends.NamedTensor{
		Name:  "logits",
		Shape: []int64{1, 4},
		Data:  []float32{5, 6, 7, 8},
	}, 1)
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 6, 7, 8}, logits)

	_, err = lastPositionLogits(backends.NamedTensor{
		Name:  "logits",
		Shape: []int64{1, 2, 4},
		Data:  []int64{1},
	}, 2)
	require.Error(t, err)
}
