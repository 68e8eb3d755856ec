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
	"fmt"

	"go.uber.org/zap"

	"github.com/lyrebirdml/lyrebird/lib/backends"
)

// EncoderInvoker runs the one-shot encoder forward pass of an
// encoder-decoder model. The resulting hidden states and attention mask are
// consumed by every decoder step of the generation.
type EncoderInvoker struct {
	session backends.Session
	logger  *zap.Logger
}

// NewEncoderInvoker wraps an encoder session. A nil logger is replaced by a
// no-op logger.
func NewEncoderInvoker(session backends.Session, logger *zap.Logger) *EncoderInvoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EncoderInvoker{session: session, logger: logger}
}

// Invoke encodes the input tokens. attentionMask may be nil, in which case
// every position is attended. A mask of a different length than inputIDs is
// a configuration error.
func (e *EncoderInvoker) Invoke(ctx context.Context, inputIDs []int32, attentionMask []int64) (*backends.EncoderOutput, error) {
	if len(inputIDs) == 0 {
		return nil, &ConfigError{Reason: "encoder input is empty"}
	}
	if attentionMask != nil && len(attentionMask) != len(inputIDs) {
		return nil, &ConfigError{
			Reason: fmt.Sprintf("attention mask length %d does not match input length %d",
				len(attentionMask), len(inputIDs)),
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seqLen := len(inputIDs)
	flatIDs := make([]int64, seqLen)
	for i, id := range inputIDs {
		flatIDs[i] = int64(id)
	}

	mask := attentionMask
	if mask == nil {
		mask = make([]int64, seqLen)
		for i := range mask {
			mask[i] = 1
		}
	}

	inputs := []backends.NamedTensor{
		{
			Name:  "input_ids",
			Shape: []int64{1, int64(seqLen)},
			Data:  flatIDs,
		},
		{
			Name:  "attention_mask",
			Shape: []int64{1, int64(seqLen)},
			Data:  mask,
		},
	}

	outputs, err := e.session.Run(inputs)
	if err != nil {
		return nil, &EngineError{Op: "encoder", Err: err}
	}
	if len(outputs) == 0 {
		return nil, &EngineError{Op: "encoder", Err: fmt.Errorf("no outputs returned")}
	}

	// The hidden states are the first output ("last_hidden_state").
	output := outputs[0]
	if len(output.Shape) != 3 {
		return nil, &EngineError{Op: "encoder", Err: fmt.Errorf("unexpected output shape %v", output.Shape)}
	}
	hiddenStates, ok := output.Data.([]float32)
	if !ok {
		return nil, &EngineError{Op: "encoder", Err: fmt.Errorf("output is %T, not float32", output.Data)}
	}

	e.logger.Debug("encoder pass complete",
		zap.Int("seq_len", int(output.Shape[1])),
		zap.Int("hidden_size", int(output.Shape[2])))

	return &backends.EncoderOutput{
		HiddenStates:  hiddenStates,
		Shape:         [3]int{int(output.Shape[0]), int(output.Shape[1]), int(output.Shape[2])},
		AttentionMask: [][]int64{mask},
	}, nil
}
