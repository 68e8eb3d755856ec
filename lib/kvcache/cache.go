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

// Package kvcache stores the key/value attention tensors that autoregressive
// decoding carries between steps.
//
// Entries are keyed by the engine's output tensor names
// ("present.{layer}.{decoder|encoder}.{key|value}") and fed back as the
// matching "past_key_values.*" inputs. Self-attention (decoder) entries grow
// by one sequence position per accepted token; cross-attention (encoder)
// entries are written once after the first decoder step and reused unchanged
// for the rest of the generation.
package kvcache

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/lyrebirdml/lyrebird/lib/backends"
)

const (
	pastPrefix    = "past_key_values."
	presentPrefix = "present."

	// seqAxis is the sequence-length axis of [batch, heads, seq, head_dim].
	seqAxis = 2
)

// Entry describes a parsed cache tensor name.
type Entry struct {
	// Layer is the decoder layer index.
	Layer int
	// Cross is true for cross-attention (encoder) entries, false for
	// self-attention (decoder) entries.
	Cross bool
	// Key is true for key tensors, false for value tensors.
	Key bool
}

// ParseName parses a past or present cache tensor name.
// Accepted forms:
//
//	past_key_values.0.decoder.key    present.0.decoder.key
//	past_key_values.3.encoder.value  present.3.encoder.value
//	past_key_values.0.key            present.0.key         (decoder-only)
func ParseName(name string) (Entry, bool) {
	var rest string
	switch {
	case strings.HasPrefix(name, pastPrefix):
		rest = name[len(pastPrefix):]
	case strings.HasPrefix(name, presentPrefix):
		rest = name[len(presentPrefix):]
	default:
		return Entry{}, false
	}

	parts := strings.Split(rest, ".")
	if len(parts) != 2 && len(parts) != 3 {
		return Entry{}, false
	}

	layer, err := strconv.Atoi(parts[0])
	if err != nil || layer < 0 {
		return Entry{}, false
	}

	e := Entry{Layer: layer}
	kind := parts[len(parts)-1]
	switch kind {
	case "key":
		e.Key = true
	case "value":
		e.Key = false
	default:
		return Entry{}, false
	}

	if len(parts) == 3 {
		switch parts[1] {
		case "encoder":
			e.Cross = true
		case "decoder":
			e.Cross = false
		default:
			return Entry{}, false
		}
	}

	return e, true
}

// PastToPresent converts an input tensor name to the corresponding output
// tensor name, e.g. "past_key_values.0.decoder.key" -> "present.0.decoder.key".
func PastToPresent(name string) string {
	if strings.HasPrefix(name, pastPrefix) {
		return presentPrefix + name[len(pastPrefix):]
	}
	return name
}

// PresentToPast converts an output tensor name to the corresponding input
// tensor name, e.g. "present.0.encoder.value" -> "past_key_values.0.encoder.value".
func PresentToPast(name string) string {
	if strings.HasPrefix(name, presentPrefix) {
		return pastPrefix + name[len(presentPrefix):]
	}
	return name
}

// IsPastInput reports whether the input name is a past key/value tensor.
func IsPastInput(name string) bool {
	return strings.HasPrefix(name, pastPrefix)
}

// IsPresentOutput reports whether the output name is a present key/value tensor.
func IsPresentOutput(name string) bool {
	return strings.HasPrefix(name, presentPrefix)
}

// Store holds the KV cache for one generation.
//
// A Store is bound to a single decode loop and is not safe for concurrent
// use. Lifecycle: a new Store is uninitialized; the first Update moves it to
// initialized; Close releases the tensors and makes further use an error.
type Store struct {
	numLayers  int
	numHeads   int
	headDim    int
	batchSize  int
	selfSeqLen int

	// entries maps present.* output names to their tensors.
	entries map[string]backends.NamedTensor

	// placeholder is set when the store holds zero-filled seq-len-1 tensors
	// created for engines that reject zero-sized axes. A placeholder store
	// still reports SeqLen()==0 so the first real step is recognized.
	placeholder bool

	closed bool
	logger *zap.Logger
}

// NewStore creates an empty cache store sized for the given decoder.
func NewStore(cfg *backends.DecoderConfig, batchSize int, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		numLayers: cfg.NumLayers,
		numHeads:  cfg.KVHeads(),
		headDim:   cfg.HeadDim,
		batchSize: batchSize,
		entries:   make(map[string]backends.NamedTensor),
		logger:    logger,
	}
}

// SeqLen returns the number of sequence positions held in the self-attention
// entries. Placeholder tensors do not count.
func (s *Store) SeqLen() int {
	if s.placeholder {
		return 0
	}
	return s.selfSeqLen
}

// Initialized reports whether the store holds real (non-placeholder) entries.
func (s *Store) Initialized() bool {
	return !s.placeholder && len(s.entries) > 0
}

// Len returns the number of stored tensors, placeholders included.
func (s *Store) Len() int {
	return len(s.entries)
}

// InitPlaceholder fills the store with zero tensors of sequence length 1 for
// every self-attention entry of a decoder-only model. Some engines reject
// tensors with a zero-sized axis, so the first step runs against these and
// its outputs replace them wholesale.
func (s *Store) InitPlaceholder() error {
	if s.closed {
		return fmt.Errorf("kv cache: store is closed")
	}
	size := s.batchSize * s.numHeads * 1 * s.headDim
	shape := []int64{int64(s.batchSize), int64(s.numHeads), 1, int64(s.headDim)}
	for layer := 0; layer < s.numLayers; layer++ {
		for _, kind := range []string{"key", "value"} {
			name := fmt.Sprintf("%s%d.%s", presentPrefix, layer, kind)
			s.entries[name] = backends.NamedTensor{
				Name:  name,
				Shape: append([]int64(nil), shape...),
				Data:  make([]float32, size),
			}
		}
	}
	s.placeholder = true
	s.selfSeqLen = 0
	return nil
}

// PastTensor returns the tensor to feed for the given past_key_values input
// name. Stored entries are returned under the input name; names with no
// stored entry get a zero tensor: cross-attention entries sized to the
// encoder sequence length (the engine overwrites them from the encoder
// hidden states on the first step), self-attention entries with a zero-length
// sequence axis.
func (s *Store) PastTensor(name string, encoderSeqLen int) (backends.NamedTensor, error) {
	if s.closed {
		return backends.NamedTensor{}, fmt.Errorf("kv cache: store is closed")
	}

	if tensor, ok := s.entries[PastToPresent(name)]; ok {
		return backends.NamedTensor{
			Name:  name,
			Shape: tensor.Shape,
			Data:  tensor.Data,
		}, nil
	}

	entry, ok := ParseName(name)
	if !ok {
		return backends.NamedTensor{}, fmt.Errorf("kv cache: unrecognized input name %q", name)
	}

	if entry.Cross {
		size := s.batchSize * s.numHeads * encoderSeqLen * s.headDim
		return backends.NamedTensor{
			Name:  name,
			Shape: []int64{int64(s.batchSize), int64(s.numHeads), int64(encoderSeqLen), int64(s.headDim)},
			Data:  make([]float32, size),
		}, nil
	}

	return backends.NamedTensor{
		Name:  name,
		Shape: []int64{int64(s.batchSize), int64(s.numHeads), 0, int64(s.headDim)},
		Data:  []float32{},
	}, nil
}

// UpdateSelfOnly stores the present.* outputs of an encoder-decoder step.
// Self-attention entries are replaced; cross-attention entries are stored on
// the first step and left untouched afterwards. The data is copied so the
// entries survive the engine reusing its output buffers.
func (s *Store) UpdateSelfOnly(outputs []backends.NamedTensor) error {
	return s.update(outputs, false)
}

// UpdateAll replaces every cache entry from the step outputs. This is the
// decoder-only path where the engine returns the full (past+current) cache
// each step.
func (s *Store) UpdateAll(outputs []backends.NamedTensor) error {
	return s.update(outputs, true)
}

func (s *Store) update(outputs []backends.NamedTensor, replaceAll bool) error {
	if s.closed {
		return fmt.Errorf("kv cache: store is closed")
	}

	if s.placeholder {
		// First real outputs replace the placeholder tensors entirely.
		s.entries = make(map[string]backends.NamedTensor, len(s.entries))
		s.placeholder = false
	}

	stored := 0
	newSeqLen := -1
	for _, output := range outputs {
		entry, ok := ParseName(output.Name)
		if !ok {
			continue
		}

		if entry.Cross && !replaceAll {
			if _, exists := s.entries[output.Name]; exists {
				// Cross-attention is computed once from the encoder states;
				// later steps echo it back unchanged.
				stored++
				continue
			}
		}

		tensor, err := cloneTensor(output)
		if err != nil {
			return fmt.Errorf("kv cache: storing %s: %w", output.Name, err)
		}
		s.entries[output.Name] = tensor
		stored++

		if !entry.Cross && len(tensor.Shape) > seqAxis {
			newSeqLen = int(tensor.Shape[seqAxis])
		}
	}

	if stored == 0 {
		return fmt.Errorf("kv cache: step outputs contained no present tensors")
	}

	expected := s.expectedEntryCount()
	if expected > 0 && len(s.entries) != expected {
		s.logger.Warn("kv cache entry count mismatch",
			zap.Int("got", len(s.entries)),
			zap.Int("want", expected),
			zap.Int("layers", s.numLayers))
	}

	prev := s.selfSeqLen
	if newSeqLen >= 0 {
		if prev > 0 && newSeqLen != prev+1 {
			s.logger.Warn("kv cache sequence length did not grow by one",
				zap.Int("previous", prev),
				zap.Int("current", newSeqLen))
		}
		s.selfSeqLen = newSeqLen
	} else {
		s.selfSeqLen = prev + 1
	}

	return nil
}

// expectedEntryCount returns layers x tensors-per-layer once the entry shape
// of the model is known (4 for encoder-decoder, 2 for decoder-only).
func (s *Store) expectedEntryCount() int {
	hasCross := false
	hasSelf := false
	for name := range s.entries {
		entry, ok := ParseName(name)
		if !ok {
			continue
		}
		if entry.Cross {
			hasCross = true
		} else {
			hasSelf = true
		}
	}
	switch {
	case hasCross && hasSelf:
		return s.numLayers * 4
	case hasSelf:
		return s.numLayers * 2
	default:
		return 0
	}
}

// Close releases the cache. Further use returns an error.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.entries = nil
	s.selfSeqLen = 0
	s.placeholder = false
	return nil
}

// cloneTensor deep-copies a tensor so the store owns its data.
func cloneTensor(t backends.NamedTensor) (backends.NamedTensor, error) {
	data, ok := t.Data.([]float32)
	if !ok {
		return backends.NamedTensor{}, fmt.Errorf("expected float32 data, got %T", t.Data)
	}
	dataCopy := make([]float32, len(data))
	copy(dataCopy, data)
	shapeCopy := make([]int64, len(t.Shape))
	copy(shapeCopy, t.Shape)
	return backends.NamedTensor{Name: t.Name, Shape: shapeCopy, Data: dataCopy}, nil
}
