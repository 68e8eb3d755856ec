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

// Package sampling turns a logit row into the next token.
//
// The adjustments run in a fixed order: EOS suppression while the output is
// below its minimum length, banned-sequence suppression, repetition penalty,
// temperature scaling, then greedy argmax or top-k / top-p sampling.
package sampling

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/lyrebirdml/lyrebird/lib/backends"
)

// Sampler selects the next token from decoder logits according to a
// generation config. It owns the sampling RNG, so a Sampler is bound to one
// generation and is not safe for concurrent use.
type Sampler struct {
	cfg      *backends.GenerationConfig
	badWords *BadWordsProcessor
	rng      *rand.Rand
}

// NewSampler creates a sampler for one generation.
func NewSampler(cfg *backends.GenerationConfig) (*Sampler, error) {
	if cfg == nil {
		cfg = backends.DefaultGenerationConfig()
	}
	if cfg.DoSample && cfg.Temperature <= 0 {
		return nil, fmt.Errorf("sampling: temperature must be positive, got %g", cfg.Temperature)
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Sampler{
		cfg:      cfg,
		badWords: NewBadWordsProcessor(cfg.BadWords),
		rng:      rand.New(rand.NewSource(seed)),
	}, nil
}

// Next selects the next token. generated holds the tokens emitted so far;
// eosID is suppressed while fewer than MinNewTokens tokens have been
// generated. The caller's logits are not modified.
func (s *Sampler) Next(logits []float32, generated []int32, eosID int32) (int32, error) {
	if len(logits) == 0 {
		return 0, fmt.Errorf("sampling: empty logits")
	}

	adjusted := make([]float32, len(logits))
	copy(adjusted, logits)

	if len(generated) < s.cfg.MinNewTokens && int(eosID) < len(adjusted) {
		adjusted[eosID] = float32(math.Inf(-1))
	}

	s.badWords.Apply(adjusted, generated)

	if s.cfg.RepetitionPenalty != 1.0 && s.cfg.RepetitionPenalty > 0 {
		ApplyRepetitionPenalty(adjusted, generated, s.cfg.RepetitionPenalty)
	}

	if !s.cfg.DoSample {
		return Argmax(adjusted), nil
	}

	if s.cfg.Temperature != 1.0 {
		for i := range adjusted {
			adjusted[i] /= s.cfg.Temperature
		}
	}

	probs := Softmax(adjusted)

	if s.cfg.TopK > 0 && s.cfg.TopK < len(probs) {
		probs = TopK(probs, s.cfg.TopK)
	}
	if s.cfg.TopP > 0 && s.cfg.TopP < 1.0 {
		probs = TopP(probs, s.cfg.TopP)
	}

	return Sample(probs, s.rng), nil
}

// ApplyRepetitionPenalty penalizes tokens that already appear in the output.
// Positive logits are divided by the penalty, non-positive ones multiplied,
// pushing both toward lower probability when penalty > 1.
func ApplyRepetitionPenalty(logits []float32, generated []int32, penalty float32) {
	for _, tok := range generated {
		if int(tok) < len(logits) && tok >= 0 {
			if logits[tok] > 0 {
				logits[tok] /= penalty
			} else {
				logits[tok] *= penalty
			}
		}
	}
}

// Argmax returns the index of the maximum value.
func Argmax(values []float32) int32 {
	if len(values) == 0 {
		return 0
	}
	maxIdx := 0
	maxVal := values[0]
	for i, v := range values[1:] {
		if v > maxVal {
			maxVal = v
			maxIdx = i + 1
		}
	}
	return int32(maxIdx)
}

// Softmax converts logits into a probability distribution.
// Subtracts the max first for numerical stability.
func Softmax(logits []float32) []float32 {
	if len(logits) == 0 {
		return nil
	}

	maxVal := logits[0]
	for _, v := range logits[1:] {
		if v > maxVal {
			maxVal = v
		}
	}

	probs := make([]float32, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - maxVal))
		probs[i] = float32(e)
		sum += e
	}

	if sum > 0 {
		for i := range probs {
			probs[i] = float32(float64(probs[i]) / sum)
		}
	}

	return probs
}

// TopK keeps the k highest-probability entries and renormalizes.
func TopK(probs []float32, k int) []float32 {
	if k >= len(probs) || k <= 0 {
		return probs
	}

	// Partial selection sort for the k-th largest value
	sorted := make([]float32, len(probs))
	copy(sorted, probs)
	for i := 0; i < k && i < len(sorted); i++ {
		maxIdx := i
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j] > sorted[maxIdx] {
				maxIdx = j
			}
		}
		sorted[i], sorted[maxIdx] = sorted[maxIdx], sorted[i]
	}
	threshold := sorted[k-1]

	result := make([]float32, len(probs))
	var sum float32
	for i, p := range probs {
		if p >= threshold {
			result[i] = p
			sum += p
		}
	}

	if sum > 0 {
		for i := range result {
			result[i] /= sum
		}
	}

	return result
}

// TopP keeps the smallest set of entries whose cumulative probability reaches
// p (nucleus sampling) and renormalizes.
func TopP(probs []float32, p float32) []float32 {
	type indexProb struct {
		idx  int
		prob float32
	}
	pairs := make([]indexProb, len(probs))
	for i, prob := range probs {
		pairs[i] = indexProb{i, prob}
	}

	// Sort descending by probability
	for i := 0; i < len(pairs); i++ {
		maxIdx := i
		for j := i + 1; j < len(pairs); j++ {
			if pairs[j].prob > pairs[maxIdx].prob {
				maxIdx = j
			}
		}
		pairs[i], pairs[maxIdx] = pairs[maxIdx], pairs[i]
	}

	var cumSum float32
	cutoff := len(pairs)
	for i, pair := range pairs {
		cumSum += pair.prob
		if cumSum >= p {
			cutoff = i + 1
			break
		}
	}

	result := make([]float32, len(probs))
	var sum float32
	for i := 0; i < cutoff; i++ {
		result[pairs[i].idx] = pairs[i].prob
		sum += pairs[i].prob
	}

	if sum > 0 {
		for i := range result {
			result[i] /= sum
		}
	}

	return result
}

// Sample draws a token from a probability distribution.
// Falls back to the last index if rounding leaves probability mass unclaimed.
func Sample(probs []float32, rng *rand.Rand) int32 {
	r := rng.Float32()
	var cumSum float32
	for i, p := range probs {
		cumSum += p
		if r < cumSum {
			return int32(i)
		}
	}
	return int32(len(probs) - 1)
}
