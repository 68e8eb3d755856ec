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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lyrebirdml/lyrebird/lib/backends"
)

func TestEncoderInvoke(t *testing.T) {
	session := &fakeSession{
		inputs: tensorInfos("input_ids", "attention_mask"),
		runFn: func(call int, inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
			ids, ok := inputByName(inputs, "input_ids")
			require.True(t, ok)
			assert.Equal(t, []int64{4, 7, 9}, ids.Data.([]int64))

			mask, ok := inputByName(inputs, "attention_mask")
			require.True(t, ok)
			assert.Equal(t, []int64{1, 1, 1}, mask.Data.([]int64))

			return []backends.NamedTensor{{
				Name:  "last_hidden_state",
				Shape: []int64{1, 3, 8},
				Data:  make([]float32, 3*8),
			}}, nil
		},
	}

	invoker := NewEncoderInvoker(session, zaptest.NewLogger(t))
	out, err := invoker.Invoke(context.Background(), []int32{4, 7, 9}, nil)
	require.NoError(t, err)

	assert.Equal(t, [3]int{1, 3, 8}, out.Shape)
	assert.Equal(t, 3, out.SeqLen())
	assert.Len(t, out.HiddenStates, 3*8)
	require.Len(t, out.AttentionMask, 1)
	assert.Equal(t, []int64{1, 1, 1}, out.AttentionMask[0])
}

func TestEncoderInvokeExplicitMask(t *testing.T) {
	session := &fakeSession{
		inputs: tensorInfos("input_ids", "attention_mask"),
		runFn: func(call int, inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
			mask, ok := inputByName(inputs, "attention_mask")
			require.True(t, ok)
			assert.Equal(t, []int64{1, 1, 0}, mask.Data.([]int64))
			return []backends.NamedTensor{{
				Name:  "last_hidden_state",
				Shape: []int64{1, 3, 4},
				Data:  make([]float32, 3*4),
			}}, nil
		},
	}

	invoker := NewEncoderInvoker(session, zaptest.NewLogger(t))
	out, err := invoker.Invoke(context.Background(), []int32{4, 7, 9}, []int64{1, 1, 0})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 1, 0}, out.AttentionMask[0])
}

func TestEncoderInvokeValidation(t *testing.T) {
	invoker := NewEncoderInvoker(&fakeSession{}, zaptest.NewLogger(t))

	var cfgErr *ConfigError
	_, err := invoker.Invoke(context.Background(), nil, nil)
	require.ErrorAs(t, err, &cfgErr)

	_, err = invoker.Invoke(context.Background(), []int32{1, 2}, []int64{1})
	require.ErrorAs(t, err, &cfgErr)
}

func TestEncoderInvokeEngineError(t *testing.T) {
	boom := errors.New("boom")
	session := &fakeSession{
		inputs: tensorInfos("input_ids", "attention_mask"),
		runFn: func(call int, inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
			return nil, boom
		},
	}

	invoker := NewEncoderInvoker(session, zaptest.NewLogger(t))
	_, err := invoker.Invoke(context.Background(), []int32{1}, nil)

	var engineErr *EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, "encoder", engineErr.Op)
	assert.ErrorIs(t, err, boom)
}

func TestEncoderInvokeBadOutputShape(t *testing.T) {
	session := &fakeSession{
		inputs: tensorInfos("input_ids", "attention_mask"),
		runFn: func(call int, inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
			return []backends.NamedTensor{{
				Name:  "last_hidden_state",
				Shape: []int64{1, 8},
				Data:  make([]float32, 8),
			}}, nil
		},
	}

	invoker := NewEncoderInvoker(session, zaptest.NewLogger(t))
	_, err := invoker.Invoke(context.Background(), []int32{1}, nil)
	require.Error(t, err)
}

func TestEncoderInvokeCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	invoker := NewEncoderInvoker(&fakeSession{}, zaptest.NewLogger(t))
	_, err := invoker.Invoke(ctx, []int32{1}, nil)
	require.ErrorIs(t, err, context.Canceled)
}
